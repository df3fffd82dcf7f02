package rules

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/liamcoop/commission/internal/logger"
)

// compiled is a normalized rule (or the reason it could not be normalized)
// for one version of a record.
type compiled struct {
	rule    *Rule
	err     error
	version uint64
}

// fingerprint hashes the record fields that feed normalization.
func fingerprint(rec *Record) uint64 {
	d := xxhash.New()
	d.WriteString(rec.Name)
	d.WriteString("\x00")
	d.WriteString(strconv.FormatBool(rec.Active))
	d.WriteString("\x00")
	if rec.Priority != nil {
		d.WriteString(strconv.Itoa(*rec.Priority))
	}
	d.WriteString("\x00")
	d.Write(rec.Definition)
	return d.Sum64()
}

// Engine binds a RuleStore to the calculator. It keeps the active record list
// in a RulesCache and one normalized rule per record version, so repeated
// calculations neither hit the store nor recompile expressions.
// Safe for concurrent use.
type Engine struct {
	store      RuleStore
	cache      RulesCache
	normalizer *Normalizer
	compiled   map[string]compiled // ruleID -> normalized rule
	mu         sync.RWMutex

	// generation is bumped on every write so a reload that raced with it
	// does not put a stale list back into the cache.
	generation uint64
	cacheMu    sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithCache replaces the default in-memory rules cache.
func WithCache(cache RulesCache) Option {
	return func(en *Engine) { en.cache = cache }
}

// WithNormalizer sets the normalizer, typically one built from a tenant's CEL environment.
func WithNormalizer(n *Normalizer) Option {
	return func(en *Engine) { en.normalizer = n }
}

// NewEngine creates an engine over store and compiles all active rules.
// Rules that fail to normalize are skipped and logged, not fatal.
func NewEngine(ctx context.Context, store RuleStore, opts ...Option) (*Engine, error) {
	en := &Engine{
		store:    store,
		compiled: make(map[string]compiled),
	}
	for _, opt := range opts {
		opt(en)
	}

	if en.cache == nil {
		en.cache = NewInMemoryRulesCache(DefaultCacheConfig())
	}
	if en.normalizer == nil {
		n, err := NewNormalizer()
		if err != nil {
			return nil, err
		}
		en.normalizer = n
	}

	if err := en.CompileAllRules(ctx); err != nil {
		return nil, fmt.Errorf("failed to compile rules: %w", err)
	}

	return en, nil
}

// CompileAllRules reloads active records from the store, normalizes them and
// repopulates the cache.
func (en *Engine) CompileAllRules(ctx context.Context) error {
	gen := en.currentGeneration()
	recs, err := en.store.ListActive(ctx)
	if err != nil {
		return err
	}

	for _, rec := range recs {
		en.compile(rec)
	}

	en.fillCache(ctx, gen, recs)
	return nil
}

func (en *Engine) currentGeneration() uint64 {
	en.cacheMu.Lock()
	defer en.cacheMu.Unlock()
	return en.generation
}

func (en *Engine) fillCache(ctx context.Context, gen uint64, recs []*Record) {
	en.cacheMu.Lock()
	defer en.cacheMu.Unlock()
	if gen == en.generation {
		en.cache.Set(ctx, recs)
	}
}

func (en *Engine) invalidate(ctx context.Context) {
	en.cacheMu.Lock()
	defer en.cacheMu.Unlock()
	en.generation++
	en.cache.Invalidate(ctx)
}

// compile returns the normalized rule for rec, reusing the previous result
// while the record content is unchanged.
func (en *Engine) compile(rec *Record) (*Rule, error) {
	version := fingerprint(rec)

	en.mu.RLock()
	c, ok := en.compiled[rec.ID]
	en.mu.RUnlock()
	if ok && c.version == version {
		return c.rule, c.err
	}

	r, err := en.normalizer.Normalize(rec)
	if err != nil {
		logger.WarnSkippedRule(rec.ID, err)
	}

	en.mu.Lock()
	en.compiled[rec.ID] = compiled{rule: r, err: err, version: version}
	en.mu.Unlock()

	return r, err
}

// Rules returns the active, successfully normalized rules in stored order.
func (en *Engine) Rules(ctx context.Context) ([]*Rule, error) {
	recs, ok := en.cache.Get(ctx)
	if !ok {
		gen := en.currentGeneration()
		var err error
		recs, err = en.store.ListActive(ctx)
		if err != nil {
			return nil, err
		}
		en.fillCache(ctx, gen, recs)
	}

	out := make([]*Rule, 0, len(recs))
	for _, rec := range recs {
		r, err := en.compile(rec)
		if err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Calculate runs the active rules against one transaction.
func (en *Engine) Calculate(ctx context.Context, baseCents int64, facts Facts) (*Result, error) {
	rules, err := en.Rules(ctx)
	if err != nil {
		return nil, err
	}

	logger.Calculations.Add(1)
	return Calculate(baseCents, facts, rules), nil
}

// CalculationInput is one row of a batch calculation.
type CalculationInput struct {
	BaseCents int64 `json:"baseCents"`
	Facts     Facts `json:"context"`
}

// CalculateBatch runs the same rule snapshot against every input, returning
// results in input order.
func (en *Engine) CalculateBatch(ctx context.Context, inputs []CalculationInput) ([]*Result, error) {
	rules, err := en.Rules(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]*Result, len(inputs))
	for i, in := range inputs {
		results[i] = Calculate(in.BaseCents, in.Facts, rules)
	}

	logger.Calculations.Add(int64(len(inputs)))
	return results, nil
}

// Preview normalizes rec without storing it.
func (en *Engine) Preview(rec *Record) (*Rule, error) {
	return en.normalizer.Normalize(rec)
}

// AddRule validates rec by normalizing it, then adds it to the store.
func (en *Engine) AddRule(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		return fmt.Errorf("%w: rule ID is required", ErrInvalidRule)
	}

	if _, err := en.store.Get(ctx, rec.ID); err == nil {
		return fmt.Errorf("rule with ID %s: %w", rec.ID, ErrRuleExists)
	}

	if _, err := en.normalizer.Normalize(rec); err != nil {
		return fmt.Errorf("rule validation failed: %w", err)
	}

	if err := en.store.Add(ctx, rec); err != nil {
		return err
	}

	en.invalidate(ctx)
	return nil
}

// UpdateRule validates and stores a new version of an existing rule.
func (en *Engine) UpdateRule(ctx context.Context, rec *Record) error {
	if _, err := en.normalizer.Normalize(rec); err != nil {
		return fmt.Errorf("rule validation failed: %w", err)
	}

	if err := en.store.Update(ctx, rec); err != nil {
		return err
	}

	en.invalidate(ctx)
	return nil
}

// DeleteRule removes a rule from the store and drops its compiled form.
func (en *Engine) DeleteRule(ctx context.Context, ruleID string) error {
	if err := en.store.Delete(ctx, ruleID); err != nil {
		return err
	}

	en.mu.Lock()
	delete(en.compiled, ruleID)
	en.mu.Unlock()

	en.invalidate(ctx)
	return nil
}

// Store returns the underlying rule store.
func (en *Engine) Store() RuleStore {
	return en.store
}
