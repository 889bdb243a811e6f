package breaker

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jmanhype/cybernetic/internal/monitoring"
	"github.com/jmanhype/cybernetic/internal/telemetry"
)

// Registry resolves breakers by name, creating them on first use with the
// default config. Production code shares one registry; tests build fresh
// ones so no state leaks between cases.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	defaults Config

	logger  zerolog.Logger
	emitter *telemetry.Emitter
}

// NewRegistry creates a registry whose breakers default to cfg.
func NewRegistry(cfg Config) *Registry {
	cfg.applyDefaults()
	return &Registry{
		breakers: make(map[string]*Breaker),
		defaults: cfg,
		logger:   cfg.Logger.With().Str("component", "breaker_registry").Logger(),
		emitter:  cfg.Emitter,
	}
}

// Get resolves a breaker, creating it with the registry defaults when absent.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[name]; ok {
		return b
	}
	b = New(name, r.defaults)
	r.breakers[name] = b
	r.logger.Debug().Str("breaker", name).Msg("Breaker created")
	return b
}

// Configure creates or replaces the named breaker with a specific config.
// Existing state is discarded. The registry's emitter is inherited when the
// config leaves it nil.
func (r *Registry) Configure(name string, cfg Config) *Breaker {
	if cfg.Emitter == nil {
		cfg.Emitter = r.defaults.Emitter
	}
	cfg.applyDefaults()

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.breakers[name]; ok {
		old.stop()
	}
	b := New(name, cfg)
	r.breakers[name] = b
	return b
}

// Call runs fn under the named breaker.
func (r *Registry) Call(ctx context.Context, name string, fn func(context.Context) error) error {
	return r.Get(name).Call(ctx, fn)
}

// UpdateSystemHealth applies a health sample to every breaker's adaptive
// threshold. Fed by the system monitor loop and by vsm.s3.health events.
func (r *Registry) UpdateSystemHealth(systemHealth, errorRate float64) {
	monitoring.SetSystemHealthScore(systemHealth)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.UpdateHealth(systemHealth, errorRate)
	}
}

// Snapshot returns stats for every known breaker.
func (r *Registry) Snapshot() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Stats, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Snapshot()
	}
	return out
}

// Stop releases every breaker's recovery timer.
func (r *Registry) Stop() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.stop()
	}
}
