//go:build integration
// +build integration

package rules_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/liamcoop/commission/rules"

	_ "github.com/lib/pq"
)

// setupTestDB creates a PostgreSQL container and returns a migrated connection
func setupTestDB(t *testing.T) (*sql.DB, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "commission_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	postgresContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	host, err := postgresContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := postgresContainer.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	connStr := fmt.Sprintf("host=%s port=%s user=test password=test dbname=commission_test sslmode=disable", host, port.Port())

	var db *sql.DB
	for i := 0; i < 30; i++ {
		db, err = sql.Open("postgres", connStr)
		if err == nil {
			err = db.Ping()
			if err == nil {
				break
			}
		}
		time.Sleep(time.Second)
	}
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	migrationSQL, err := os.ReadFile(filepath.Join("..", "migrations", "000001_initial_schema.up.sql"))
	if err != nil {
		t.Fatalf("Failed to read migration file: %v", err)
	}

	if _, err := db.Exec(string(migrationSQL)); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	cleanup := func() {
		db.Close()
		postgresContainer.Terminate(ctx)
	}

	return db, cleanup
}

// createTenant inserts a tenant row and returns its ID
func createTenant(t *testing.T, db *sql.DB, name string) string {
	var tenantID string
	err := db.QueryRow(`INSERT INTO tenants (name) VALUES ($1) RETURNING id`, name).Scan(&tenantID)
	if err != nil {
		t.Fatalf("Failed to create tenant: %v", err)
	}
	return tenantID
}

func record(name string, active bool, priority *int, def string) *rules.Record {
	return &rules.Record{
		ID:         uuid.New().String(),
		Name:       name,
		Active:     active,
		Priority:   priority,
		Definition: json.RawMessage(def),
	}
}

func intPtr(v int) *int { return &v }

func TestPostgresRuleStore_BasicCRUD(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	tenantID := createTenant(t, db, "test-tenant")
	store := rules.NewPostgresRuleStore(db, tenantID)

	rec := record("Mínimo", true, intPtr(3), `{"calc":{"type":"minimo","valor":500}}`)
	if err := store.Add(ctx, rec); err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}

	retrieved, err := store.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Failed to get rule: %v", err)
	}
	if retrieved.Name != "Mínimo" || retrieved.Priority == nil || *retrieved.Priority != 3 {
		t.Errorf("unexpected rule: %+v", retrieved)
	}

	var def map[string]any
	if err := json.Unmarshal(retrieved.Definition, &def); err != nil {
		t.Fatalf("definition is not JSON: %v", err)
	}

	active, err := store.ListActive(ctx)
	if err != nil {
		t.Fatalf("Failed to list active rules: %v", err)
	}
	if len(active) != 1 {
		t.Errorf("Expected 1 active rule, got %d", len(active))
	}

	firstVersion := retrieved.UpdatedAt
	rec.Active = false
	rec.Priority = nil
	if err := store.Update(ctx, rec); err != nil {
		t.Fatalf("Failed to update rule: %v", err)
	}

	updated, err := store.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Failed to get updated rule: %v", err)
	}
	if updated.Active || updated.Priority != nil {
		t.Errorf("update not persisted: %+v", updated)
	}
	if !updated.UpdatedAt.After(firstVersion) {
		t.Errorf("UpdatedAt = %v, want after %v", updated.UpdatedAt, firstVersion)
	}

	active, _ = store.ListActive(ctx)
	if len(active) != 0 {
		t.Errorf("Expected 0 active rules, got %d", len(active))
	}

	if err := store.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("Failed to delete rule: %v", err)
	}
	if _, err := store.Get(ctx, rec.ID); !errors.Is(err, rules.ErrRuleNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrRuleNotFound", err)
	}
}

func TestPostgresRuleStore_TenantIsolation(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	storeA := rules.NewPostgresRuleStore(db, createTenant(t, db, "tenant-a"))
	storeB := rules.NewPostgresRuleStore(db, createTenant(t, db, "tenant-b"))

	rec := record("A only", true, nil, `{}`)
	if err := storeA.Add(ctx, rec); err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}

	if _, err := storeB.Get(ctx, rec.ID); !errors.Is(err, rules.ErrRuleNotFound) {
		t.Errorf("tenant B should not see tenant A's rule, got %v", err)
	}
	all, _ := storeB.List(ctx)
	if len(all) != 0 {
		t.Errorf("tenant B List() = %d rules, want 0", len(all))
	}
	if err := storeB.Delete(ctx, rec.ID); !errors.Is(err, rules.ErrRuleNotFound) {
		t.Errorf("tenant B Delete() error = %v, want ErrRuleNotFound", err)
	}
}

func TestPostgresRuleStore_DuplicateRuleID(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	store := rules.NewPostgresRuleStore(db, createTenant(t, db, "dup"))
	rec := record("first", true, nil, `{}`)
	if err := store.Add(ctx, rec); err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}

	dup := record("second", true, nil, `{}`)
	dup.ID = rec.ID
	if err := store.Add(ctx, dup); !errors.Is(err, rules.ErrRuleExists) {
		t.Errorf("Add() duplicate error = %v, want ErrRuleExists", err)
	}
}

func TestPostgresRuleStore_UpdateNonExistent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := rules.NewPostgresRuleStore(db, createTenant(t, db, "ghost"))
	err := store.Update(context.Background(), record("ghost", true, nil, `{}`))
	if !errors.Is(err, rules.ErrRuleNotFound) {
		t.Errorf("Update() error = %v, want ErrRuleNotFound", err)
	}
}

// TestRuleOrdering verifies active rules come back in creation order
func TestRuleOrdering(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	store := rules.NewPostgresRuleStore(db, createTenant(t, db, "ordering"))
	var want []string
	for i := 0; i < 5; i++ {
		rec := record(fmt.Sprintf("rule-%d", i), true, nil, `{}`)
		if err := store.Add(ctx, rec); err != nil {
			t.Fatalf("Failed to add rule: %v", err)
		}
		want = append(want, rec.ID)
		time.Sleep(2 * time.Millisecond)
	}

	active, err := store.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive() failed: %v", err)
	}
	for i, rec := range active {
		if rec.ID != want[i] {
			t.Errorf("active[%d] = %s, want %s", i, rec.ID, want[i])
		}
	}
}

// TestEngineWithPostgresStore verifies calculations over rules persisted in Postgres
func TestEngineWithPostgresStore(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	store := rules.NewPostgresRuleStore(db, createTenant(t, db, "engine"))
	en, err := rules.NewEngine(ctx, store)
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}

	recs := []*rules.Record{
		record("Bloqueado", true, intPtr(1), `{"when":{"bloqueado":true},"calc":{"type":"fixo","valor":0},"stop":true}`),
		record("Sem taxa", true, intPtr(2), `{"when":{"semTaxa":true},"calc":{"type":"percentual","percentual":10}}`),
		// Stored as JSON text inside the jsonb column.
		record("Piso", true, intPtr(3), `"{\"calc\":{\"type\":\"minimo\",\"valor\":500}}"`),
	}
	for _, rec := range recs {
		if err := en.AddRule(ctx, rec); err != nil {
			t.Fatalf("AddRule(%s) failed: %v", rec.Name, err)
		}
	}

	res, err := en.Calculate(ctx, 2500, rules.Facts{"bloqueado": true, "semTaxa": true})
	if err != nil {
		t.Fatalf("Calculate() failed: %v", err)
	}
	if res.Total != 0 || len(res.Trace) != 1 {
		t.Errorf("blocked sale = %+v, want 0 after one rule", res)
	}

	res, _ = en.Calculate(ctx, 2500, rules.Facts{"semTaxa": true, "valorPlanoCentavos": 19990})
	if res.Total != 1999 || len(res.Trace) != 2 {
		t.Errorf("no-fee sale = %+v, want 1999 after two rules", res)
	}

	res, _ = en.Calculate(ctx, 100, rules.Facts{})
	if res.Total != 500 {
		t.Errorf("floor Total = %d, want 500", res.Total)
	}
}
