package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/liamcoop/commission/internal/config"
	"github.com/liamcoop/commission/internal/logger"
	"github.com/liamcoop/commission/money"
	"github.com/liamcoop/commission/multitenantengine"
	"github.com/liamcoop/commission/nocodb"
	"github.com/liamcoop/commission/rules"
)

const maxBodyBytes = 1 << 20

type Server struct {
	db            *sql.DB
	engineManager *multitenantengine.MultiTenantEngineManager
	validate      *validator.Validate
	limiter       *rate.Limiter
	tiers         rules.ClassificationTable
	router        *chi.Mux
}

// NewServer connects to the database, wires the configured rule store and
// cache, and loads every tenant.
func NewServer(ctx context.Context, cfg *config.AppConfig) (*Server, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	opts, err := managerOptions(ctx, cfg)
	if err != nil {
		return nil, err
	}

	manager := multitenantengine.NewPostgresManager(db, opts...)
	limit := rate.Limit(cfg.RateLimitRPS)
	if cfg.RateLimitRPS == 0 {
		limit = rate.Inf
	}
	limiter := rate.NewLimiter(limit, cfg.RateLimitBurst)

	s, err := newServer(ctx, db, manager, limiter)
	if err != nil {
		return nil, err
	}
	s.tiers = rules.ClassificationTable(cfg.ClassificationTiers)
	return s, nil
}

// NewServerWithDB creates a server over an existing database with the
// default Postgres rule store, in-memory caches and no rate limit.
func NewServerWithDB(db *sql.DB) (*Server, error) {
	manager := multitenantengine.NewPostgresManager(db)
	return newServer(context.Background(), db, manager, rate.NewLimiter(rate.Inf, 0))
}

func newServer(ctx context.Context, db *sql.DB, manager *multitenantengine.MultiTenantEngineManager, limiter *rate.Limiter) (*Server, error) {
	if err := manager.LoadAllTenants(ctx); err != nil {
		return nil, fmt.Errorf("failed to load tenants: %w", err)
	}

	s := &Server{
		db:            db,
		engineManager: manager,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		limiter:       limiter,
	}
	s.setupRoutes()

	return s, nil
}

// managerOptions selects the per-tenant rule store and cache from cfg.
func managerOptions(ctx context.Context, cfg *config.AppConfig) ([]multitenantengine.Option, error) {
	var opts []multitenantengine.Option

	if cfg.RuleStore == config.StoreNocoDB {
		opts = append(opts, multitenantengine.WithRuleStores(func(tenantID string) rules.RuleStore {
			return nocodb.NewStore(nocodb.Config{
				BaseURL:     cfg.NocoDBURL,
				Token:       cfg.NocoDBToken,
				TableID:     cfg.NocoDBTableID,
				TenantField: cfg.NocoDBTenantField,
				TenantID:    tenantID,
			})
		}))
		logger.Info("using NocoDB rule store", "table", cfg.NocoDBTableID)
	}

	cacheConfig := rules.CacheConfig{TTL: cfg.RulesCacheTTL}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		opts = append(opts, multitenantengine.WithCaches(func(tenantID string) rules.RulesCache {
			return rules.NewRedisRulesCache(client, tenantID, cacheConfig)
		}))
		logger.Info("using redis rules cache", "addr", cfg.RedisAddr, "ttl", cfg.RulesCacheTTL.String())
	} else {
		opts = append(opts, multitenantengine.WithCaches(func(string) rules.RulesCache {
			return rules.NewInMemoryRulesCache(cacheConfig)
		}))
	}

	return opts, nil
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(rateLimit(s.limiter))

	r.Get("/api/v1/health", s.handleHealth)

	r.Post("/api/v1/calculate", s.handleCalculate)
	r.Post("/api/v1/calculate/batch", s.handleCalculateBatch)

	r.Route("/api/v1/tenants", func(r chi.Router) {
		r.Get("/", s.handleListTenants)
		r.Post("/", s.handleCreateTenant)

		r.Route("/{tenantId}", func(r chi.Router) {
			r.Post("/schema", s.handleUpdateSchema)
			r.Put("/schema", s.handleUpdateSchema)
			r.Get("/schema", s.handleGetSchema)

			r.Post("/rules", s.handleCreateRule)
			r.Get("/rules", s.handleListRules)
			r.Post("/rules/preview", s.handlePreviewRule)
			r.Get("/rules/{ruleId}", s.handleGetRule)
			r.Put("/rules/{ruleId}", s.handleUpdateRule)
			r.Delete("/rules/{ruleId}", s.handleDeleteRule)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:        "healthy",
		TenantsLoaded: len(s.engineManager.ListTenants()),
		Counters:      logger.Snapshot(),
	}

	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			resp.Status = "unhealthy"
			resp.Error = err.Error()
			respondJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

// Calculation handler
func (s *Server) handleCalculate(w http.ResponseWriter, r *http.Request) {
	var req CalculateRequest
	if !s.decode(w, r, &req) {
		return
	}

	te, err := s.engineManager.GetTenant(req.TenantID)
	if err != nil {
		respondError(w, err)
		return
	}

	base, facts, err := calculationInput(te.Schema, s.tiers, req.CalculationItem)
	if err != nil {
		respondError(w, err)
		return
	}

	result, err := te.Engine.Calculate(r.Context(), base, facts)
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, calculateResponse(result))
}

// Batch calculation handler
func (s *Server) handleCalculateBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchCalculateRequest
	if !s.decode(w, r, &req) {
		return
	}

	te, err := s.engineManager.GetTenant(req.TenantID)
	if err != nil {
		respondError(w, err)
		return
	}

	inputs := make([]rules.CalculationInput, len(req.Items))
	for i, item := range req.Items {
		base, facts, err := calculationInput(te.Schema, s.tiers, item)
		if err != nil {
			respondError(w, fmt.Errorf("item %d: %w", i, err))
			return
		}
		inputs[i] = rules.CalculationInput{BaseCents: base, Facts: facts}
	}

	results, err := te.Engine.CalculateBatch(r.Context(), inputs)
	if err != nil {
		respondError(w, err)
		return
	}

	resp := BatchCalculateResponse{Results: make([]CalculateResponse, len(results))}
	for i, result := range results {
		resp.Results[i] = calculateResponse(result)
	}
	respondJSON(w, http.StatusOK, resp)
}

// calculationInput resolves the base amount in cents, builds the facts from
// the sale or the raw context, and type-checks them.
func calculationInput(schema multitenantengine.Schema, tiers rules.ClassificationTable, item CalculationItem) (int64, rules.Facts, error) {
	var base int64
	switch {
	case item.BaseCents != nil:
		base = *item.BaseCents
	case item.Base != "":
		var err error
		base, err = money.ParseReais(item.Base)
		if err != nil {
			return 0, nil, err
		}
	}
	if base < 0 {
		return 0, nil, fmt.Errorf("%w: negative base %d", money.ErrInvalidAmount, base)
	}

	var facts rules.Facts
	if item.Sale != nil {
		sale := *item.Sale
		sale.Extra = item.Context
		facts = sale.Facts(tiers)
	} else {
		facts = tiers.Enrich(rules.Facts(item.Context))
	}
	if facts == nil {
		facts = rules.Facts{}
	}
	if err := schema.CheckFacts(facts); err != nil {
		return 0, nil, err
	}
	return base, facts, nil
}

func calculateResponse(result *rules.Result) CalculateResponse {
	return CalculateResponse{
		Total:          result.Total,
		TotalFormatted: money.FormatBRL(result.Total),
		Trace:          result.Trace,
	}
}

// List tenants handler
func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := s.engineManager.Tenants().ListTenants(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}

	loaded := make(map[string]bool)
	for _, id := range s.engineManager.ListTenants() {
		loaded[id] = true
	}

	resp := TenantsListResponse{Tenants: make([]TenantResponse, 0, len(tenants))}
	for _, t := range tenants {
		resp.Tenants = append(resp.Tenants, TenantResponse{
			ID:        t.ID,
			Name:      t.Name,
			CreatedAt: t.CreatedAt,
			Loaded:    loaded[t.ID],
		})
	}
	respondJSON(w, http.StatusOK, resp)
}

// Create tenant handler
func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req CreateTenantRequest
	if !s.decode(w, r, &req) {
		return
	}

	t, err := s.engineManager.CreateTenant(r.Context(), req.Name, req.Schema)
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, TenantResponse{
		ID:        t.ID,
		Name:      t.Name,
		CreatedAt: t.CreatedAt,
		Loaded:    true,
	})
}

// Update schema handler. The tenant's engine is rebuilt and swapped in.
func (s *Server) handleUpdateSchema(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	var req UpdateSchemaRequest
	if !s.decode(w, r, &req) {
		return
	}

	version, err := s.engineManager.UpdateTenantSchema(r.Context(), tenantID, req.Definition)
	if err != nil {
		respondError(w, err)
		return
	}

	engine, err := s.engineManager.GetEngine(tenantID)
	if err != nil {
		respondError(w, err)
		return
	}
	compiled, err := engine.Rules(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	n := len(compiled)

	respondJSON(w, http.StatusOK, SchemaResponse{
		Version:         version,
		Status:          "active",
		Definition:      req.Definition,
		RulesRecompiled: &n,
	})
}

// Get schema handler
func (s *Server) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	te, err := s.engineManager.GetTenant(chi.URLParam(r, "tenantId"))
	if err != nil {
		respondError(w, err)
		return
	}

	def := te.Schema
	if def == nil {
		def = multitenantengine.Schema{}
	}
	respondJSON(w, http.StatusOK, SchemaResponse{
		Version:    te.SchemaVersion,
		Status:     "active",
		Definition: def,
	})
}

// Create rule handler
func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	engine, err := s.engineManager.GetEngine(chi.URLParam(r, "tenantId"))
	if err != nil {
		respondError(w, err)
		return
	}

	var req RuleRequest
	if !s.decode(w, r, &req) {
		return
	}

	rec := req.record(uuid.New().String(), true)
	if err := engine.AddRule(r.Context(), rec); err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, RuleResponse{Record: rec, Valid: true})
}

// List rules handler
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	engine, err := s.engineManager.GetEngine(chi.URLParam(r, "tenantId"))
	if err != nil {
		respondError(w, err)
		return
	}

	recs, err := engine.Store().List(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}

	resp := RulesListResponse{Rules: make([]RuleResponse, 0, len(recs))}
	for _, rec := range recs {
		resp.Rules = append(resp.Rules, ruleResponse(engine, rec))
	}
	respondJSON(w, http.StatusOK, resp)
}

// Get rule handler
func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	engine, err := s.engineManager.GetEngine(chi.URLParam(r, "tenantId"))
	if err != nil {
		respondError(w, err)
		return
	}

	rec, err := engine.Store().Get(r.Context(), chi.URLParam(r, "ruleId"))
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, ruleResponse(engine, rec))
}

// Update rule handler. A missing active flag keeps the stored value.
func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	engine, err := s.engineManager.GetEngine(chi.URLParam(r, "tenantId"))
	if err != nil {
		respondError(w, err)
		return
	}
	ruleID := chi.URLParam(r, "ruleId")

	var req RuleRequest
	if !s.decode(w, r, &req) {
		return
	}

	existing, err := engine.Store().Get(r.Context(), ruleID)
	if err != nil {
		respondError(w, err)
		return
	}

	rec := req.record(ruleID, existing.Active)
	if err := engine.UpdateRule(r.Context(), rec); err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, RuleResponse{Record: rec, Valid: true})
}

// Delete rule handler
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	engine, err := s.engineManager.GetEngine(chi.URLParam(r, "tenantId"))
	if err != nil {
		respondError(w, err)
		return
	}

	if err := engine.DeleteRule(r.Context(), chi.URLParam(r, "ruleId")); err != nil {
		respondError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Preview rule handler
func (s *Server) handlePreviewRule(w http.ResponseWriter, r *http.Request) {
	te, err := s.engineManager.GetTenant(chi.URLParam(r, "tenantId"))
	if err != nil {
		respondError(w, err)
		return
	}

	var req PreviewRequest
	if !s.decode(w, r, &req) {
		return
	}

	rule, err := te.Engine.Preview(req.record("preview", true))
	if err != nil {
		respondError(w, err)
		return
	}

	resp := PreviewResponse{
		Kind:                   rule.Kind,
		KnownKind:              rule.Kind.Known(),
		Active:                 rule.IsActive(),
		Priority:               rule.EffectivePriority(),
		FixedValueCents:        rule.FixedValueCents,
		Percentage:             rule.Percentage,
		StopOnApply:            rule.StopOnApply,
		SourceIsClassification: rule.SourceIsClassification,
		ConditionFields:        make([]string, 0, len(rule.Conditions)),
	}
	for field := range rule.Conditions {
		resp.ConditionFields = append(resp.ConditionFields, field)
	}
	sort.Strings(resp.ConditionFields)
	if rule.Expression != nil {
		resp.Expression = rule.Expression.Source
	}

	if req.Context != nil {
		facts := s.tiers.Enrich(req.Context)
		if err := te.Schema.CheckFacts(facts); err != nil {
			respondError(w, err)
			return
		}
		var base int64
		if req.BaseCents != nil {
			base = *req.BaseCents
		}
		matches := rules.MatchesRule(rule, facts)
		result := calculateResponse(rules.Calculate(base, facts, []*rules.Rule{rule}))
		resp.Matches = &matches
		resp.Result = &result
	}

	respondJSON(w, http.StatusOK, resp)
}

// record builds the stored form of a rule request.
func (req RuleRequest) record(id string, defaultActive bool) *rules.Record {
	active := defaultActive
	if req.Active != nil {
		active = *req.Active
	}
	return &rules.Record{
		ID:         id,
		Name:       req.Name,
		Active:     active,
		Priority:   req.Priority,
		Definition: req.Definition,
	}
}

func ruleResponse(engine *rules.Engine, rec *rules.Record) RuleResponse {
	resp := RuleResponse{Record: rec, Valid: true}
	if _, err := engine.Preview(rec); err != nil {
		resp.Valid = false
		resp.Error = err.Error()
	}
	return resp
}

// decode reads and validates a JSON body, answering 400 itself on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "validation failed", err)
		return false
	}
	return true
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Debug("failed to write response", "error", err)
	}
}

// respondError maps domain errors to HTTP status codes.
func respondError(w http.ResponseWriter, err error) {
	status, message := statusFor(err)
	writeError(w, status, message, err)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, multitenantengine.ErrTenantNotFound):
		return http.StatusNotFound, "tenant not found"
	case errors.Is(err, rules.ErrRuleNotFound):
		return http.StatusNotFound, "rule not found"
	case errors.Is(err, rules.ErrRuleExists):
		return http.StatusConflict, "rule already exists"
	case errors.Is(err, rules.ErrInvalidRule):
		return http.StatusBadRequest, "invalid rule"
	case errors.Is(err, multitenantengine.ErrInvalidSchema):
		return http.StatusBadRequest, "invalid schema"
	case errors.Is(err, multitenantengine.ErrInvalidFacts):
		return http.StatusBadRequest, "invalid context"
	case errors.Is(err, money.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid amount"
	case errors.Is(err, nocodb.ErrUnavailable):
		return http.StatusServiceUnavailable, "rule store unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	if status >= 500 {
		logger.ErrorHttp5xx()
		logger.Error(message, "status", status, "error", err)
	} else {
		logger.WarnHttp4xx(status)
	}

	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	respondJSON(w, status, resp)
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("invalid configuration", "error", err)
	}
	if level, err := logger.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	ctx := context.Background()
	server, err := NewServer(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to create server", "error", err)
	}
	defer server.db.Close()

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port, "ruleStore", cfg.RuleStore)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed to start", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := logger.Shutdown(shutdownCtx); err != nil {
		logger.Error("logger shutdown error", "error", err)
	}

	logger.Info("server stopped")
}
