// Package breaker implements the S3 adaptive circuit breaker: a three-state
// reliability gate whose trip threshold is tuned by a system-health feedback
// loop. Sustained downstream failure opens the circuit; recovery is probed
// through a half-open trial after a jittered exponential backoff.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jmanhype/cybernetic/internal/monitoring"
	"github.com/jmanhype/cybernetic/internal/telemetry"
)

// Errors returned by breaker calls.
var (
	// ErrCircuitOpen is returned without executing the wrapped function
	// while the circuit is open.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrCallTimeout is returned when the wrapped function outlives the call
	// timeout. The timeout counts as a failure.
	ErrCallTimeout = errors.New("call timeout")
)

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Adaptive threshold bounds. The EMA blend may never push the trip point
// below 2 failures or above 20.
const (
	minThreshold = 2.0
	maxThreshold = 20.0

	// EMA smoothing factor for threshold adaptation
	thresholdAlpha = 0.3
)

// Config holds per-breaker tunables. Zero values take defaults.
type Config struct {
	FailureThreshold int           // Base consecutive failures to trip (default 5)
	SuccessThreshold int           // Consecutive half-open successes to close (default 2)
	CallTimeout      time.Duration // Per-call deadline (default 30s)
	BaseBackoff      time.Duration // First open→half-open delay (default 1s)
	MaxBackoff       time.Duration // Backoff growth cap (default 5m)
	Logger           zerolog.Logger
	Emitter          *telemetry.Emitter
}

func (c *Config) applyDefaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 2
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.BaseBackoff == 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 5 * time.Minute
	}
}

// Stats is a point-in-time view of one breaker.
type Stats struct {
	State             string  `json:"state"`
	Failures          int     `json:"failures"`
	Successes         int     `json:"successes"`
	HealthScore       float64 `json:"health_score"`
	AdaptiveThreshold float64 `json:"adaptive_threshold"`
	Trips             int     `json:"trips"`
}

// Breaker is a single named circuit. All state transitions happen under one
// mutex; the wrapped function runs outside it.
type Breaker struct {
	name string
	cfg  Config

	mu                sync.Mutex
	state             State
	failures          int
	successes         int
	lastFailureTime   time.Time
	healthScore       float64
	adaptiveThreshold float64
	trips             int
	forced            bool
	recoveryTimer     *time.Timer

	logger  zerolog.Logger
	emitter *telemetry.Emitter
}

// New creates a closed breaker with full health.
func New(name string, cfg Config) *Breaker {
	cfg.applyDefaults()

	b := &Breaker{
		name:              name,
		cfg:               cfg,
		state:             StateClosed,
		healthScore:       1.0,
		adaptiveThreshold: float64(cfg.FailureThreshold),
		logger:            cfg.Logger.With().Str("component", "breaker").Str("breaker", name).Logger(),
		emitter:           cfg.Emitter,
	}
	monitoring.SetBreakerState(name, int(StateClosed))
	return b
}

// benignError marks an application error the caller classified as "not a
// breaker signal". The breaker records success; the caller still receives
// the inner error.
type benignError struct{ err error }

func (e *benignError) Error() string { return e.err.Error() }
func (e *benignError) Unwrap() error { return e.err }

// Benign wraps an error so the breaker counts the call as a success.
// Use it for expected application outcomes (validation failures, not-found)
// that say nothing about downstream health.
func Benign(err error) error {
	if err == nil {
		return nil
	}
	return &benignError{err: err}
}

// Call runs fn under the breaker with the configured call timeout.
//
// Closed and half-open circuits execute fn; open circuits return
// ErrCircuitOpen immediately. Timeouts and panics count as failures. A call
// cancelled by the caller's context counts as neither success nor failure.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	return b.CallWithTimeout(ctx, b.cfg.CallTimeout, fn)
}

// CallWithTimeout is Call with an explicit per-call deadline.
func (b *Breaker) CallWithTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	b.mu.Lock()
	if b.state == StateOpen {
		b.mu.Unlock()
		monitoring.IncrementBreakerRejected(b.name)
		return fmt.Errorf("%w: %s", ErrCircuitOpen, b.name)
	}
	b.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("panic in wrapped call: %v", r)
			}
		}()
		errCh <- fn(callCtx)
	}()

	select {
	case err := <-errCh:
		if ctx.Err() != nil {
			// Caller cancelled while fn was finishing: count neither way
			return err
		}
		var benign *benignError
		if errors.As(err, &benign) {
			b.recordSuccess()
			return benign.err
		}
		if err != nil {
			b.recordFailure()
			return err
		}
		b.recordSuccess()
		return nil

	case <-callCtx.Done():
		if ctx.Err() != nil {
			// Parent cancellation, not a downstream verdict
			return ctx.Err()
		}
		b.recordFailure()
		return fmt.Errorf("%w: %s after %s", ErrCallTimeout, b.name, timeout)
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successes++
	b.failures = 0
	b.healthScore = math.Min(1.0, b.healthScore+0.1)

	if b.state == StateHalfOpen && b.successes >= b.cfg.SuccessThreshold {
		b.trips = 0
		b.transitionLocked(StateClosed)
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.successes = 0
	b.lastFailureTime = time.Now()
	b.healthScore = math.Max(0.0, b.healthScore-0.2)

	switch b.state {
	case StateHalfOpen:
		// A failed trial reopens with a longer backoff
		b.trips++
		b.transitionLocked(StateOpen)
		b.scheduleRecoveryLocked()
	case StateClosed:
		if float64(b.failures) >= b.adaptiveThreshold {
			b.trips++
			b.transitionLocked(StateOpen)
			b.scheduleRecoveryLocked()
		}
	}
}

// transitionLocked moves the breaker to a new state, resetting the counters
// that belong to the old one. Caller holds b.mu.
func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to

	switch to {
	case StateClosed:
		b.failures = 0
		b.successes = 0
	case StateHalfOpen:
		b.successes = 0
	}

	monitoring.SetBreakerState(b.name, int(to))
	monitoring.RecordBreakerTransition(b.name, to.String())
	b.emitter.Emit("breaker", "transition", map[string]any{
		"breaker": b.name,
		"from":    from.String(),
		"to":      to.String(),
		"health":  b.healthScore,
	})
	b.logger.Info().
		Str("from", from.String()).
		Str("to", to.String()).
		Float64("health_score", b.healthScore).
		Float64("adaptive_threshold", b.adaptiveThreshold).
		Msg("Breaker state changed")
}

// scheduleRecoveryLocked arms the open→half-open timer with jittered
// exponential backoff. Caller holds b.mu.
func (b *Breaker) scheduleRecoveryLocked() {
	if b.recoveryTimer != nil {
		b.recoveryTimer.Stop()
	}

	backoff := b.cfg.BaseBackoff * time.Duration(1<<uint(min(b.trips-1, 30)))
	if backoff > b.cfg.MaxBackoff || backoff <= 0 {
		backoff = b.cfg.MaxBackoff
	}
	// ±20% jitter so replicas do not probe in lockstep
	backoff = time.Duration(float64(backoff) * (0.8 + 0.4*rand.Float64()))

	b.recoveryTimer = time.AfterFunc(backoff, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.state == StateOpen && !b.forced {
			b.transitionLocked(StateHalfOpen)
		}
	})

	b.logger.Debug().Dur("backoff", backoff).Int("trips", b.trips).Msg("Recovery scheduled")
}

// UpdateHealth feeds a system-health sample into the adaptive threshold EMA:
// suggested = base × healthFactor × (1 − errorRate), healthFactor 1.2 above
// 0.8 system health and 0.8 below, blended and clamped to [2, 20].
func (b *Breaker) UpdateHealth(systemHealth, errorRate float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	healthFactor := 0.8
	if systemHealth > 0.8 {
		healthFactor = 1.2
	}
	suggested := float64(b.cfg.FailureThreshold) * healthFactor * (1 - errorRate)

	next := b.adaptiveThreshold*(1-thresholdAlpha) + suggested*thresholdAlpha
	b.adaptiveThreshold = math.Min(maxThreshold, math.Max(minThreshold, next))
}

// ForceOpen trips the breaker and disables automatic recovery until
// ForceClose. Operator control for taking a downstream out of rotation.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.forced = true
	if b.recoveryTimer != nil {
		b.recoveryTimer.Stop()
	}
	b.transitionLocked(StateOpen)
}

// ForceClose resets the breaker to closed with fresh counters.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.forced = false
	if b.recoveryTimer != nil {
		b.recoveryTimer.Stop()
	}
	b.trips = 0
	b.transitionLocked(StateClosed)
}

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// HealthScore returns the current health in [0,1].
func (b *Breaker) HealthScore() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.healthScore
}

// AdaptiveThreshold returns the current trip point.
func (b *Breaker) AdaptiveThreshold() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.adaptiveThreshold
}

// Snapshot returns the breaker's observable state.
func (b *Breaker) Snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:             b.state.String(),
		Failures:          b.failures,
		Successes:         b.successes,
		HealthScore:       b.healthScore,
		AdaptiveThreshold: b.adaptiveThreshold,
		Trips:             b.trips,
	}
}

// stop releases the recovery timer. Used by Registry shutdown.
func (b *Breaker) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.recoveryTimer != nil {
		b.recoveryTimer.Stop()
	}
}
