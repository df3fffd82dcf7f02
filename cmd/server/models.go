package main

import (
	"encoding/json"
	"time"

	"github.com/liamcoop/commission/multitenantengine"
	"github.com/liamcoop/commission/rules"
)

// API request and response models

// CreateTenantRequest represents the request body for creating a tenant
type CreateTenantRequest struct {
	Name   string                   `json:"name" validate:"required,max=200"`
	Schema multitenantengine.Schema `json:"schema,omitempty"`
}

// TenantResponse represents a tenant in API responses
type TenantResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	Loaded    bool      `json:"loaded"`
}

// TenantsListResponse represents the response for listing tenants
type TenantsListResponse struct {
	Tenants []TenantResponse `json:"tenants"`
}

// UpdateSchemaRequest represents the request body for replacing a tenant schema
type UpdateSchemaRequest struct {
	Definition multitenantengine.Schema `json:"definition" validate:"required"`
}

// SchemaResponse represents a schema in API responses
type SchemaResponse struct {
	Version         int                      `json:"version"`
	Status          string                   `json:"status"`
	Definition      multitenantengine.Schema `json:"definition"`
	RulesRecompiled *int                     `json:"rulesRecompiled,omitempty"`
}

// RuleRequest is the body of rule create, update and preview calls.
// Definition is the REGRA JSON: when, calc, stop and expr.
type RuleRequest struct {
	Name       string          `json:"name" validate:"max=200"`
	Active     *bool           `json:"active,omitempty"`
	Priority   *int            `json:"priority,omitempty"`
	Definition json.RawMessage `json:"definition" validate:"required"`
}

// RuleResponse represents a stored rule and whether it currently normalizes
type RuleResponse struct {
	*rules.Record
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// RulesListResponse represents the response for listing rules
type RulesListResponse struct {
	Rules []RuleResponse `json:"rules"`
}

// PreviewRequest normalizes a rule without storing it and, when Context is
// given, applies it alone to the base amount.
type PreviewRequest struct {
	RuleRequest
	BaseCents *int64         `json:"baseCents,omitempty" validate:"omitempty,min=0"`
	Context   map[string]any `json:"context,omitempty"`
}

// PreviewResponse shows how the engine reads a rule
type PreviewResponse struct {
	Kind                   rules.Kind         `json:"kind"`
	KnownKind              bool               `json:"knownKind"`
	Active                 bool               `json:"active"`
	Priority               int                `json:"priority"`
	FixedValueCents        *int64             `json:"fixedValueCents,omitempty"`
	Percentage             *float64           `json:"percentage,omitempty"`
	StopOnApply            bool               `json:"stopOnApply"`
	SourceIsClassification bool               `json:"sourceIsClassification"`
	ConditionFields        []string           `json:"conditionFields"`
	Expression             string             `json:"expression,omitempty"`
	Matches                *bool              `json:"matches,omitempty"`
	Result                 *CalculateResponse `json:"result,omitempty"`
}

// CalculationItem is one sale to calculate. At most one of BaseCents and
// Base (decimal reais, e.g. "25.00" or "1.234,56") may be set; without
// either the base is zero. Negative bases are rejected.
type CalculationItem struct {
	BaseCents *int64         `json:"baseCents,omitempty" validate:"omitempty,min=0"`
	Base      string         `json:"base,omitempty" validate:"excluded_with=BaseCents"`
	Context   map[string]any `json:"context"`
	// Sale, when set, builds the typed facts; Context then only adds extra
	// facts and never overrides the sale's fields.
	Sale *rules.Sale `json:"sale,omitempty"`
}

// CalculateRequest represents the request body for one calculation
type CalculateRequest struct {
	TenantID string `json:"tenantId" validate:"required"`
	CalculationItem
}

// BatchCalculateRequest calculates many sales against one rule snapshot
type BatchCalculateRequest struct {
	TenantID string            `json:"tenantId" validate:"required"`
	Items    []CalculationItem `json:"items" validate:"required,min=1,max=1000,dive"`
}

// CalculateResponse represents the outcome of one calculation
type CalculateResponse struct {
	Total          int64              `json:"total"`
	TotalFormatted string             `json:"totalFormatted"`
	Trace          []rules.TraceEntry `json:"trace"`
}

// BatchCalculateResponse holds one result per request item, in order
type BatchCalculateResponse struct {
	Results []CalculateResponse `json:"results"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status        string           `json:"status"`
	TenantsLoaded int              `json:"tenantsLoaded"`
	Counters      map[string]int64 `json:"counters"`
	Error         string           `json:"error,omitempty"`
}
