// Package nocodb reads and writes commission rules kept in a NocoDB table,
// the spreadsheet-like source the sales dashboard edits.
package nocodb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/liamcoop/commission/internal/logger"
	"github.com/liamcoop/commission/rules"
)

const pageSize = 1000

// ErrUnavailable is returned while the circuit breaker rejects calls.
var ErrUnavailable = errors.New("nocodb unavailable")

var errNotFound = errors.New("nocodb: not found")

// Config locates one rules table.
type Config struct {
	BaseURL string
	Token   string
	TableID string

	// TenantField, when set, names the column holding the tenant ID; the
	// store only sees and writes rows of TenantID.
	TenantField string
	TenantID    string

	HTTPClient *http.Client

	// Breaker trips after FailureThreshold consecutive failures and stays
	// open for OpenTimeout.
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// Store implements rules.RuleStore over the NocoDB v2 records API.
// Rule IDs are the table's numeric Id column, assigned by NocoDB on Add.
type Store struct {
	cfg     Config
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	name    string
}

var _ rules.RuleStore = (*Store)(nil)

// NewStore creates a NocoDB-backed rule store.
func NewStore(cfg Config) *Store {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	s := &Store{
		cfg:    cfg,
		client: cfg.HTTPClient,
		name:   "nocodb:" + cfg.TableID,
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    s.name,
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		// Missing rules and rejected writes say nothing about NocoDB's health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return s
}

// Add inserts rec and replaces rec.ID with the Id NocoDB assigned.
func (s *Store) Add(ctx context.Context, rec *rules.Record) error {
	row := rec.Row()
	if s.cfg.TenantField != "" {
		row[s.cfg.TenantField] = s.cfg.TenantID
	}

	var created struct {
		ID json.Number `json:"Id"`
	}
	if err := s.do(ctx, http.MethodPost, s.recordsURL(nil), row, &created); err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}
	if created.ID == "" {
		return fmt.Errorf("failed to insert rule: response without Id")
	}

	rec.ID = created.ID.String()
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	return nil
}

// Get retrieves a rule by Id
func (s *Store) Get(ctx context.Context, id string) (*rules.Record, error) {
	if _, err := strconv.ParseInt(id, 10, 64); err != nil {
		return nil, fmt.Errorf("rule %s: %w", id, rules.ErrRuleNotFound)
	}

	var row map[string]any
	if err := s.do(ctx, http.MethodGet, s.recordsURL(nil)+"/"+url.PathEscape(id), nil, &row); err != nil {
		if errors.Is(err, errNotFound) {
			return nil, fmt.Errorf("rule %s: %w", id, rules.ErrRuleNotFound)
		}
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	if !s.owns(row) {
		return nil, fmt.Errorf("rule %s: %w", id, rules.ErrRuleNotFound)
	}

	return rules.RecordFromRow(row)
}

// List returns every rule in table order
func (s *Store) List(ctx context.Context) ([]*rules.Record, error) {
	return s.list(ctx)
}

// ListActive returns active rules in table order
func (s *Store) ListActive(ctx context.Context) ([]*rules.Record, error) {
	recs, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	active := make([]*rules.Record, 0, len(recs))
	for _, rec := range recs {
		if rec.Active {
			active = append(active, rec)
		}
	}
	return active, nil
}

// list pages through the table. Rows that cannot be read as records are
// logged and skipped.
func (s *Store) list(ctx context.Context) ([]*rules.Record, error) {
	var where string
	if s.cfg.TenantField != "" {
		where = fmt.Sprintf("(%s,eq,%s)", s.cfg.TenantField, s.cfg.TenantID)
	}

	var recs []*rules.Record
	for offset := 0; ; offset += pageSize {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(pageSize))
		q.Set("offset", strconv.Itoa(offset))
		q.Set("sort", rules.ColumnID)
		if where != "" {
			q.Set("where", where)
		}

		var page struct {
			List     []map[string]any `json:"list"`
			PageInfo struct {
				IsLastPage bool `json:"isLastPage"`
			} `json:"pageInfo"`
		}
		if err := s.do(ctx, http.MethodGet, s.recordsURL(q), nil, &page); err != nil {
			return nil, fmt.Errorf("failed to list rules: %w", err)
		}

		for _, row := range page.List {
			rec, err := rules.RecordFromRow(row)
			if err != nil {
				logger.WarnSkippedRule(fmt.Sprint(row[rules.ColumnID]), err)
				continue
			}
			recs = append(recs, rec)
		}

		if page.PageInfo.IsLastPage || len(page.List) < pageSize {
			break
		}
	}

	return recs, nil
}

// Update overwrites an existing rule
func (s *Store) Update(ctx context.Context, rec *rules.Record) error {
	existing, err := s.Get(ctx, rec.ID)
	if err != nil {
		return err
	}

	row := rec.Row()
	row[rules.ColumnID] = idValue(rec.ID)

	if err := s.do(ctx, http.MethodPatch, s.recordsURL(nil), row, nil); err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}

	rec.CreatedAt = existing.CreatedAt
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// Delete removes a rule
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}

	body := map[string]any{rules.ColumnID: idValue(id)}
	if err := s.do(ctx, http.MethodDelete, s.recordsURL(nil), body, nil); err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	return nil
}

func (s *Store) owns(row map[string]any) bool {
	if s.cfg.TenantField == "" {
		return true
	}
	return fmt.Sprint(row[s.cfg.TenantField]) == s.cfg.TenantID
}

func (s *Store) recordsURL(q url.Values) string {
	u := fmt.Sprintf("%s/api/v2/tables/%s/records", s.cfg.BaseURL, url.PathEscape(s.cfg.TableID))
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// do sends one request through the circuit breaker and decodes the JSON
// response into out when out is non-nil.
func (s *Store) do(ctx context.Context, method, u string, body, out any) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.roundTrip(ctx, method, u, body, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		logger.WarnStoreBreakerOpen(s.name)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func (s *Store) roundTrip(ctx context.Context, method, u string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	req.Header.Set("xc-token", s.cfg.Token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("nocodb %s %s: status %d: %s", method, resp.Request.URL.Path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("failed to decode nocodb response: %w", err)
	}
	return nil
}

func idValue(id string) any {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}
