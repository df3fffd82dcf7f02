package multitenantengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrTenantNotFound is returned when a tenant does not exist
var ErrTenantNotFound = errors.New("tenant not found")

// Tenant is one company with its own commission policy.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// SchemaVersion is a stored schema definition.
type SchemaVersion struct {
	TenantID   string `json:"tenantId"`
	Version    int    `json:"version"`
	Definition Schema `json:"definition"`
}

// TenantStore persists tenants and their versioned schemas.
type TenantStore interface {
	// Create a tenant
	CreateTenant(ctx context.Context, name string) (*Tenant, error)

	// List all tenants, oldest first
	ListTenants(ctx context.Context) ([]*Tenant, error)

	// Active schema of every tenant; tenants without one map to version 0
	ActiveSchemas(ctx context.Context) ([]SchemaVersion, error)

	// Active schema of one tenant
	ActiveSchema(ctx context.Context, tenantID string) (*SchemaVersion, error)

	// Store schema as the tenant's new active version
	SaveSchema(ctx context.Context, tenantID string, schema Schema) (int, error)
}

// PostgresTenantStore implements TenantStore on the tenants and schemas tables
type PostgresTenantStore struct {
	db *sql.DB
}

// NewPostgresTenantStore creates a new PostgreSQL-backed TenantStore
func NewPostgresTenantStore(db *sql.DB) *PostgresTenantStore {
	return &PostgresTenantStore{db: db}
}

// CreateTenant inserts a tenant
func (s *PostgresTenantStore) CreateTenant(ctx context.Context, name string) (*Tenant, error) {
	t := &Tenant{Name: name}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tenants (name, created_at, updated_at)
		VALUES ($1, NOW(), NOW())
		RETURNING id, created_at
	`, name).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create tenant: %w", err)
	}
	return t, nil
}

// ListTenants returns every tenant
func (s *PostgresTenantStore) ListTenants(ctx context.Context) ([]*Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM tenants ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	tenants := []*Tenant{}
	for rows.Next() {
		var t Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tenant rows: %w", err)
	}
	return tenants, nil
}

// ActiveSchemas fetches every tenant with its active schema, if any
func (s *PostgresTenantStore) ActiveSchemas(ctx context.Context) ([]SchemaVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, COALESCE(s.version, 0), COALESCE(s.definition, '{}'::jsonb)
		FROM tenants t
		LEFT JOIN schemas s ON s.tenant_id = t.id AND s.active = true
		ORDER BY t.created_at ASC, t.id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tenants: %w", err)
	}
	defer rows.Close()

	var out []SchemaVersion
	for rows.Next() {
		var sv SchemaVersion
		var schemaJSON []byte
		if err := rows.Scan(&sv.TenantID, &sv.Version, &schemaJSON); err != nil {
			return nil, fmt.Errorf("failed to scan tenant row: %w", err)
		}
		if err := json.Unmarshal(schemaJSON, &sv.Definition); err != nil {
			return nil, fmt.Errorf("invalid schema for tenant %s: %w", sv.TenantID, err)
		}
		out = append(out, sv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tenant rows: %w", err)
	}
	return out, nil
}

// ActiveSchema fetches the active schema of one tenant
func (s *PostgresTenantStore) ActiveSchema(ctx context.Context, tenantID string) (*SchemaVersion, error) {
	if _, err := uuid.Parse(tenantID); err != nil {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, ErrTenantNotFound)
	}

	sv := &SchemaVersion{TenantID: tenantID}
	var schemaJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT version, definition
		FROM schemas
		WHERE tenant_id = $1 AND active = true
	`, tenantID).Scan(&sv.Version, &schemaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("schema for tenant %s: %w", tenantID, ErrTenantNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schema: %w", err)
	}

	if err := json.Unmarshal(schemaJSON, &sv.Definition); err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}
	return sv, nil
}

// SaveSchema deactivates the current schema and inserts the next version in one transaction
func (s *PostgresTenantStore) SaveSchema(ctx context.Context, tenantID string, schema Schema) (int, error) {
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal schema: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE schemas
		SET active = false
		WHERE tenant_id = $1
	`, tenantID); err != nil {
		return 0, fmt.Errorf("failed to deactivate old schemas: %w", err)
	}

	var version int
	err = tx.QueryRowContext(ctx, `
		INSERT INTO schemas (tenant_id, version, definition, active, created_at)
		SELECT $1, COALESCE(MAX(version), 0) + 1, $2, true, NOW()
		FROM schemas
		WHERE tenant_id = $1
		RETURNING version
	`, tenantID, schemaJSON).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to save new schema: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit schema: %w", err)
	}
	return version, nil
}

// InMemoryTenantStore implements TenantStore in memory
type InMemoryTenantStore struct {
	tenants map[string]*Tenant
	schemas map[string][]Schema // tenantID -> versions, oldest first
	mu      sync.RWMutex
}

// NewInMemoryTenantStore creates a new in-memory tenant store
func NewInMemoryTenantStore() *InMemoryTenantStore {
	return &InMemoryTenantStore{
		tenants: make(map[string]*Tenant),
		schemas: make(map[string][]Schema),
	}
}

// CreateTenant adds a tenant with a random UUID
func (s *InMemoryTenantStore) CreateTenant(_ context.Context, name string) (*Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tenants {
		if t.Name == name {
			return nil, fmt.Errorf("failed to create tenant: name %q already taken", name)
		}
	}

	t := &Tenant{ID: uuid.New().String(), Name: name, CreatedAt: time.Now()}
	s.tenants[t.ID] = t
	return t, nil
}

// ListTenants returns every tenant, oldest first
func (s *InMemoryTenantStore) ListTenants(_ context.Context) ([]*Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedTenants(), nil
}

func (s *InMemoryTenantStore) sortedTenants() []*Tenant {
	tenants := make([]*Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		tenants = append(tenants, t)
	}
	sort.Slice(tenants, func(i, j int) bool {
		if !tenants[i].CreatedAt.Equal(tenants[j].CreatedAt) {
			return tenants[i].CreatedAt.Before(tenants[j].CreatedAt)
		}
		return tenants[i].ID < tenants[j].ID
	})
	return tenants
}

// ActiveSchemas returns the latest schema of every tenant
func (s *InMemoryTenantStore) ActiveSchemas(_ context.Context) ([]SchemaVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []SchemaVersion
	for _, t := range s.sortedTenants() {
		sv := SchemaVersion{TenantID: t.ID, Definition: Schema{}}
		if versions := s.schemas[t.ID]; len(versions) > 0 {
			sv.Version = len(versions)
			sv.Definition = versions[len(versions)-1]
		}
		out = append(out, sv)
	}
	return out, nil
}

// ActiveSchema returns the latest schema of one tenant
func (s *InMemoryTenantStore) ActiveSchema(_ context.Context, tenantID string) (*SchemaVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.schemas[tenantID]
	if len(versions) == 0 {
		return nil, fmt.Errorf("schema for tenant %s: %w", tenantID, ErrTenantNotFound)
	}
	return &SchemaVersion{TenantID: tenantID, Version: len(versions), Definition: versions[len(versions)-1]}, nil
}

// SaveSchema appends a new schema version
func (s *InMemoryTenantStore) SaveSchema(_ context.Context, tenantID string, schema Schema) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tenants[tenantID]; !ok {
		return 0, fmt.Errorf("tenant %s: %w", tenantID, ErrTenantNotFound)
	}

	cp := make(Schema, len(schema))
	for k, v := range schema {
		cp[k] = v
	}
	s.schemas[tenantID] = append(s.schemas[tenantID], cp)
	return len(s.schemas[tenantID]), nil
}
