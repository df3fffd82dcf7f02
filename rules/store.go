package rules

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RuleStore manages rule persistence and retrieval. The engine only reads
// through it and normalizes what it returns.
type RuleStore interface {
	// Add a new rule
	Add(ctx context.Context, rec *Record) error

	// Get a rule by ID
	Get(ctx context.Context, id string) (*Record, error)

	// List all rules, active or not
	List(ctx context.Context) ([]*Record, error)

	// List active rules in their stored order
	ListActive(ctx context.Context) ([]*Record, error)

	// Update an existing rule
	Update(ctx context.Context, rec *Record) error

	// Delete a rule
	Delete(ctx context.Context, id string) error
}

// InMemoryRuleStore implements RuleStore using an in-memory map.
// Listing preserves insertion order.
type InMemoryRuleStore struct {
	rules map[string]*Record
	order []string
	mu    sync.RWMutex
}

// NewInMemoryRuleStore creates a new in-memory rule store
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{
		rules: make(map[string]*Record),
	}
}

// Add adds a new rule to the store, stamping CreatedAt and UpdatedAt
func (s *InMemoryRuleStore) Add(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rec.ID]; exists {
		return fmt.Errorf("rule with ID %s: %w", rec.ID, ErrRuleExists)
	}

	now := time.Now()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	s.rules[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	return nil
}

// Get retrieves a rule by ID
func (s *InMemoryRuleStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.rules[id]
	if !exists {
		return nil, fmt.Errorf("rule with ID %s: %w", id, ErrRuleNotFound)
	}
	return rec, nil
}

// List returns every rule in insertion order
func (s *InMemoryRuleStore) List(_ context.Context) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*Record, 0, len(s.order))
	for _, id := range s.order {
		all = append(all, s.rules[id])
	}
	return all, nil
}

// ListActive returns active rules in insertion order
func (s *InMemoryRuleStore) ListActive(_ context.Context) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []*Record
	for _, id := range s.order {
		if rec := s.rules[id]; rec.Active {
			active = append(active, rec)
		}
	}
	return active, nil
}

// Update replaces an existing rule, preserving CreatedAt and its position
func (s *InMemoryRuleStore) Update(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[rec.ID]
	if !exists {
		return fmt.Errorf("rule with ID %s: %w", rec.ID, ErrRuleNotFound)
	}

	rec.CreatedAt = existing.CreatedAt
	rec.UpdatedAt = time.Now()
	if !rec.UpdatedAt.After(existing.UpdatedAt) {
		rec.UpdatedAt = existing.UpdatedAt.Add(time.Nanosecond)
	}
	s.rules[rec.ID] = rec
	return nil
}

// Delete removes a rule from the store
func (s *InMemoryRuleStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[id]; !exists {
		return fmt.Errorf("rule with ID %s: %w", id, ErrRuleNotFound)
	}

	delete(s.rules, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}
