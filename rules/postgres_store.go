package rules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresRuleStore implements RuleStore backed by PostgreSQL
type PostgresRuleStore struct {
	db       *sql.DB
	tenantID string
}

// NewPostgresRuleStore creates a new PostgreSQL-backed RuleStore for a specific tenant
func NewPostgresRuleStore(db *sql.DB, tenantID string) *PostgresRuleStore {
	return &PostgresRuleStore{
		db:       db,
		tenantID: tenantID,
	}
}

const selectRuleColumns = `SELECT id, name, active, priority, definition, created_at, updated_at FROM commission_rules`

// Add inserts a new rule into the database
func (s *PostgresRuleStore) Add(ctx context.Context, rec *Record) error {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM commission_rules WHERE id = $1 AND tenant_id = $2)
	`, rec.ID, s.tenantID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check rule existence: %w", err)
	}
	if exists {
		return fmt.Errorf("rule with ID %s: %w", rec.ID, ErrRuleExists)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO commission_rules (id, tenant_id, name, active, priority, definition, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ID, s.tenantID, rec.Name, rec.Active, nullPriority(rec.Priority),
		definitionJSON(rec.Definition), rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}

	return nil
}

// Get retrieves a rule by ID
func (s *PostgresRuleStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, selectRuleColumns+`
		WHERE id = $1 AND tenant_id = $2
	`, id, s.tenantID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}

	return rec, nil
}

// List returns every rule of the tenant in creation order
func (s *PostgresRuleStore) List(ctx context.Context) ([]*Record, error) {
	return s.query(ctx, selectRuleColumns+`
		WHERE tenant_id = $1
		ORDER BY created_at ASC, id ASC
	`)
}

// ListActive returns all active rules for the tenant in creation order
func (s *PostgresRuleStore) ListActive(ctx context.Context) ([]*Record, error) {
	return s.query(ctx, selectRuleColumns+`
		WHERE tenant_id = $1 AND active = true
		ORDER BY created_at ASC, id ASC
	`)
}

func (s *PostgresRuleStore) query(ctx context.Context, q string) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, q, s.tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}

	return recs, nil
}

// Update modifies an existing rule
func (s *PostgresRuleStore) Update(ctx context.Context, rec *Record) error {
	existing, err := s.Get(ctx, rec.ID)
	if err != nil {
		return err
	}

	rec.CreatedAt = existing.CreatedAt
	rec.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)
	if !rec.UpdatedAt.After(existing.UpdatedAt) {
		rec.UpdatedAt = existing.UpdatedAt.Add(time.Microsecond)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE commission_rules
		SET name = $1, active = $2, priority = $3, definition = $4, updated_at = $5
		WHERE id = $6 AND tenant_id = $7
	`, rec.Name, rec.Active, nullPriority(rec.Priority), definitionJSON(rec.Definition),
		rec.UpdatedAt, rec.ID, s.tenantID)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule %s: %w", rec.ID, ErrRuleNotFound)
	}

	return nil
}

// Delete removes a rule from the database
func (s *PostgresRuleStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM commission_rules
		WHERE id = $1 AND tenant_id = $2
	`, id, s.tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var priority sql.NullInt64
	var def []byte

	if err := row.Scan(&rec.ID, &rec.Name, &rec.Active, &priority, &def,
		&rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}

	if priority.Valid {
		p := int(priority.Int64)
		rec.Priority = &p
	}
	rec.Definition = def

	return &rec, nil
}

func nullPriority(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

// definitionJSON returns the definition as text for the jsonb column.
func definitionJSON(def []byte) string {
	if len(def) == 0 {
		return "{}"
	}
	return string(def)
}
