package multitenantengine

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/liamcoop/commission/internal/logger"
	"github.com/liamcoop/commission/rules"
)

// StoreFactory returns the rule store of one tenant.
type StoreFactory func(tenantID string) rules.RuleStore

// CacheFactory returns the rules cache of one tenant.
type CacheFactory func(tenantID string) rules.RulesCache

// TenantEngine wraps a rules.Engine with tenant-specific metadata
type TenantEngine struct {
	TenantID      string
	Schema        Schema
	SchemaVersion int
	Engine        *rules.Engine
	Store         rules.RuleStore
}

// MultiTenantEngineManager manages engines for all tenants
type MultiTenantEngineManager struct {
	tenants  TenantStore
	newStore StoreFactory
	newCache CacheFactory
	engines  map[string]*TenantEngine
	mu       sync.RWMutex
}

// Option configures a MultiTenantEngineManager.
type Option func(*MultiTenantEngineManager)

// WithRuleStores sets how each tenant's rule store is built. The default
// keeps rules in memory.
func WithRuleStores(f StoreFactory) Option {
	return func(m *MultiTenantEngineManager) { m.newStore = f }
}

// WithCaches sets how each tenant's rules cache is built. The default is an
// in-memory cache without TTL.
func WithCaches(f CacheFactory) Option {
	return func(m *MultiTenantEngineManager) { m.newCache = f }
}

// NewMultiTenantEngineManager creates a new manager instance
func NewMultiTenantEngineManager(tenants TenantStore, opts ...Option) *MultiTenantEngineManager {
	m := &MultiTenantEngineManager{
		tenants: tenants,
		engines: make(map[string]*TenantEngine),
		newStore: func(string) rules.RuleStore {
			return rules.NewInMemoryRuleStore()
		},
		newCache: func(string) rules.RulesCache {
			return rules.NewInMemoryRulesCache(rules.DefaultCacheConfig())
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewPostgresManager creates a manager keeping tenants, schemas and rules in
// PostgreSQL. opts may still replace the rule store or cache.
func NewPostgresManager(db *sql.DB, opts ...Option) *MultiTenantEngineManager {
	opts = append([]Option{WithRuleStores(func(tenantID string) rules.RuleStore {
		return rules.NewPostgresRuleStore(db, tenantID)
	})}, opts...)
	return NewMultiTenantEngineManager(NewPostgresTenantStore(db), opts...)
}

// CreateCELEnvFromSchema creates a CEL environment with one variable per schema
// field next to the ctx map
func CreateCELEnvFromSchema(schema Schema) (*cel.Env, error) {
	return rules.NewEnv(schema.Fields()...)
}

// Tenants returns the tenant store
func (m *MultiTenantEngineManager) Tenants() TenantStore {
	return m.tenants
}

// LoadAllTenants loads all tenants from the tenant store and initializes their engines
func (m *MultiTenantEngineManager) LoadAllTenants(ctx context.Context) error {
	versions, err := m.tenants.ActiveSchemas(ctx)
	if err != nil {
		return err
	}

	for _, sv := range versions {
		if err := ValidateSchema(sv.Definition); err != nil {
			return fmt.Errorf("tenant %s: %w", sv.TenantID, err)
		}
		if err := m.loadTenant(ctx, sv.TenantID, sv.Definition, sv.Version); err != nil {
			return fmt.Errorf("failed to initialize tenant %s: %w", sv.TenantID, err)
		}
	}

	logger.Info("tenants loaded", "count", len(versions))
	return nil
}

// CreateTenant stores a new tenant with an optional initial schema and starts its engine
func (m *MultiTenantEngineManager) CreateTenant(ctx context.Context, name string, schema Schema) (*Tenant, error) {
	if err := ValidateSchema(schema); err != nil {
		return nil, err
	}

	t, err := m.tenants.CreateTenant(ctx, name)
	if err != nil {
		return nil, err
	}

	version := 0
	if len(schema) > 0 {
		version, err = m.tenants.SaveSchema(ctx, t.ID, schema)
		if err != nil {
			return nil, err
		}
	}

	if err := m.loadTenant(ctx, t.ID, schema, version); err != nil {
		return nil, err
	}

	logger.Info("tenant created", "tenantId", t.ID, "name", name, "fields", len(schema))
	return t, nil
}

// loadTenant builds the tenant's engine and swaps it in. The rule store of an
// already loaded tenant is reused.
func (m *MultiTenantEngineManager) loadTenant(ctx context.Context, tenantID string, schema Schema, version int) error {
	env, err := CreateCELEnvFromSchema(schema)
	if err != nil {
		return fmt.Errorf("failed to create CEL env: %w", err)
	}

	m.mu.RLock()
	existing := m.engines[tenantID]
	m.mu.RUnlock()

	var store rules.RuleStore
	if existing != nil {
		store = existing.Store
	} else {
		store = m.newStore(tenantID)
	}

	normalizer := rules.NewNormalizerWithEnv(env, schema.Fields())
	engine, err := rules.NewEngine(ctx, store,
		rules.WithNormalizer(normalizer),
		rules.WithCache(m.newCache(tenantID)),
	)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	m.mu.Lock()
	m.engines[tenantID] = &TenantEngine{
		TenantID:      tenantID,
		Schema:        schema,
		SchemaVersion: version,
		Engine:        engine,
		Store:         store,
	}
	m.mu.Unlock()

	return nil
}

// GetTenant retrieves the loaded engine and schema of a tenant
func (m *MultiTenantEngineManager) GetTenant(tenantID string) (*TenantEngine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	te, exists := m.engines[tenantID]
	if !exists {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, ErrTenantNotFound)
	}
	return te, nil
}

// GetEngine retrieves the engine for a specific tenant
func (m *MultiTenantEngineManager) GetEngine(tenantID string) (*rules.Engine, error) {
	te, err := m.GetTenant(tenantID)
	if err != nil {
		return nil, err
	}
	return te.Engine, nil
}

// UpdateTenantSchema stores a new schema version, rebuilds the tenant's engine
// against it and swaps it in. Calculations in flight keep the old engine.
func (m *MultiTenantEngineManager) UpdateTenantSchema(ctx context.Context, tenantID string, schema Schema) (int, error) {
	if err := ValidateSchema(schema); err != nil {
		return 0, err
	}

	if _, err := m.GetTenant(tenantID); err != nil {
		return 0, err
	}

	version, err := m.tenants.SaveSchema(ctx, tenantID, schema)
	if err != nil {
		return 0, err
	}

	if err := m.loadTenant(ctx, tenantID, schema, version); err != nil {
		return 0, err
	}

	logger.Info("tenant schema updated", "tenantId", tenantID, "version", version, "fields", len(schema))
	return version, nil
}

// ListTenants returns all loaded tenant IDs in sorted order
func (m *MultiTenantEngineManager) ListTenants() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tenants := make([]string, 0, len(m.engines))
	for tenantID := range m.engines {
		tenants = append(tenants, tenantID)
	}
	sort.Strings(tenants)
	return tenants
}

// DeleteTenant unloads a tenant's engine.
// Note: This does not delete the tenant from the tenant store
func (m *MultiTenantEngineManager) DeleteTenant(tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.engines[tenantID]; !exists {
		return fmt.Errorf("tenant %s: %w", tenantID, ErrTenantNotFound)
	}

	delete(m.engines, tenantID)
	return nil
}
