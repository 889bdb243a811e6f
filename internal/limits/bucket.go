package limits

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jmanhype/cybernetic/internal/monitoring"
)

// Errors returned by the limiter.
var (
	// ErrRateLimited is returned when a bucket has insufficient tokens for
	// the requested consumption. The bucket state is not mutated.
	ErrRateLimited = errors.New("rate limited")

	// ErrUnknownBudget is returned for operations against a budget name that
	// was never registered. Admission fails closed rather than waving
	// unmetered traffic through.
	ErrUnknownBudget = errors.New("unknown budget")
)

// Priority classifies work for weighted token consumption. Lower priorities
// pay more tokens per unit, so under contention high-priority traffic
// survives longer.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Weight returns the token cost multiplier for the priority:
// critical=1, high=1, normal=2, low=4. Unrecognized values cost as normal.
func (p Priority) Weight() float64 {
	switch p {
	case PriorityCritical, PriorityHigh:
		return 1
	case PriorityLow:
		return 4
	default:
		return 2
	}
}

// ParsePriority maps a string to a Priority, defaulting to normal.
func ParsePriority(s string) Priority {
	switch Priority(s) {
	case PriorityCritical:
		return PriorityCritical
	case PriorityHigh:
		return PriorityHigh
	case PriorityLow:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// BudgetConfig declares a named token budget shared by all keys under it.
type BudgetConfig struct {
	Capacity   float64 // Max tokens a bucket can hold
	RefillRate float64 // Tokens added per second
}

// bucket is the per-(budget,key) token state. Each bucket carries its own
// mutex so concurrent consumers of the same key observe a total order while
// distinct keys never contend.
type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// Limiter is a registry of named token-bucket budgets with priority-weighted
// consumption. Buckets are created lazily on first use with the budget's
// configured capacity and refill rate.
//
// Example:
//
//	limiter := limits.NewLimiter(logger)
//	limiter.RegisterBudget("api_gateway", limits.BudgetConfig{Capacity: 120, RefillRate: 2})
//	if err := limiter.Consume("api_gateway", tenantID, 1, limits.PriorityNormal); err != nil {
//	    // respond 429
//	}
type Limiter struct {
	mu      sync.RWMutex
	budgets map[string]BudgetConfig
	buckets map[string]*bucket
	logger  zerolog.Logger

	// Overridable clock for tests
	now func() time.Time
}

// NewLimiter creates an empty limiter. Budgets must be registered before use.
func NewLimiter(logger zerolog.Logger) *Limiter {
	return &Limiter{
		budgets: make(map[string]BudgetConfig),
		buckets: make(map[string]*bucket),
		logger:  logger.With().Str("component", "rate_limiter").Logger(),
		now:     time.Now,
	}
}

// RegisterBudget declares a named budget. Re-registering replaces the config
// for buckets created afterwards; existing buckets keep their token balance
// but refill and clamp against the new config.
func (l *Limiter) RegisterBudget(name string, cfg BudgetConfig) {
	l.mu.Lock()
	l.budgets[name] = cfg
	l.mu.Unlock()

	l.logger.Info().
		Str("budget", name).
		Float64("capacity", cfg.Capacity).
		Float64("refill_rate", cfg.RefillRate).
		Msg("Budget registered")
}

// Check returns the current token balance for (budget, key) after refill,
// without consuming anything.
func (l *Limiter) Check(budget, key string) (float64, error) {
	cfg, b, err := l.getBucket(budget, key)
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	l.refill(b, cfg)
	return b.tokens, nil
}

// Consume atomically checks and debits cost = units × priority weight from
// the bucket. On insufficient balance it returns ErrRateLimited and leaves
// the token count untouched (the refill still applies).
func (l *Limiter) Consume(budget, key string, units float64, priority Priority) error {
	cfg, b, err := l.getBucket(budget, key)
	if err != nil {
		return err
	}
	cost := units * priority.Weight()

	b.mu.Lock()
	defer b.mu.Unlock()
	l.refill(b, cfg)

	if b.tokens < cost {
		monitoring.RecordRateLimit(budget, false)
		l.logger.Debug().
			Str("budget", budget).
			Str("key", key).
			Float64("cost", cost).
			Float64("tokens", b.tokens).
			Msg("Consumption rejected")
		return fmt.Errorf("%w: budget %s key %s needs %.1f tokens, has %.1f",
			ErrRateLimited, budget, key, cost, b.tokens)
	}

	b.tokens -= cost
	monitoring.RecordRateLimit(budget, true)
	return nil
}

// Refund credits cost = units × priority weight back to the bucket, clamped
// at capacity. Used for best-effort rollback when a caller cancels after a
// successful Consume.
func (l *Limiter) Refund(budget, key string, units float64, priority Priority) {
	cfg, b, err := l.getBucket(budget, key)
	if err != nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	l.refill(b, cfg)
	b.tokens = math.Min(cfg.Capacity, b.tokens+units*priority.Weight())
}

// Reset clears the bucket for (budget, key); the next access starts a fresh
// bucket at full capacity.
func (l *Limiter) Reset(budget, key string) {
	l.mu.Lock()
	delete(l.buckets, bucketKey(budget, key))
	l.mu.Unlock()
}

// RetryAfter estimates how long until the bucket can satisfy cost = units ×
// priority weight. Returns zero when the consumption would already succeed.
// The estimate feeds the Retry-After header on 429 responses.
func (l *Limiter) RetryAfter(budget, key string, units float64, priority Priority) time.Duration {
	cfg, b, err := l.getBucket(budget, key)
	if err != nil {
		return 0
	}
	cost := units * priority.Weight()

	b.mu.Lock()
	defer b.mu.Unlock()
	l.refill(b, cfg)

	deficit := cost - b.tokens
	if deficit <= 0 {
		return 0
	}
	if cfg.RefillRate <= 0 {
		return time.Hour
	}
	return time.Duration(deficit / cfg.RefillRate * float64(time.Second))
}

// refill interpolates elapsed time × rate into the bucket, capped at
// capacity. Caller holds b.mu.
func (l *Limiter) refill(b *bucket, cfg BudgetConfig) {
	now := l.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(cfg.Capacity, b.tokens+elapsed*cfg.RefillRate)
	}
	b.lastRefill = now
}

// getBucket resolves the budget config and the bucket for (budget, key),
// creating the bucket at full capacity on first use.
func (l *Limiter) getBucket(budget, key string) (BudgetConfig, *bucket, error) {
	k := bucketKey(budget, key)

	l.mu.RLock()
	cfg, budgetOK := l.budgets[budget]
	b, bucketOK := l.buckets[k]
	l.mu.RUnlock()

	if !budgetOK {
		return BudgetConfig{}, nil, fmt.Errorf("%w: %s", ErrUnknownBudget, budget)
	}
	if bucketOK {
		return cfg, b, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Another goroutine may have created it between the locks
	if b, bucketOK = l.buckets[k]; bucketOK {
		return cfg, b, nil
	}

	b = &bucket{tokens: cfg.Capacity, lastRefill: l.now()}
	l.buckets[k] = b
	return cfg, b, nil
}

func bucketKey(budget, key string) string {
	return budget + "\x00" + key
}
