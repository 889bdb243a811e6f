package vsm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/jmanhype/cybernetic/internal/breaker"
	"github.com/jmanhype/cybernetic/internal/envelope"
	"github.com/jmanhype/cybernetic/internal/limits"
	"github.com/jmanhype/cybernetic/internal/monitoring"
	"github.com/jmanhype/cybernetic/internal/telemetry"
)

// HealthReport carries an observed health sample for adaptive control.
// Both fields live in [0,1]; out-of-range values are clamped.
type HealthReport struct {
	System       string  `json:"system,omitempty"`
	SystemHealth float64 `json:"system_health"`
	ErrorRate    float64 `json:"error_rate"`
}

// System3Config configures the control system.
type System3Config struct {
	Logger  zerolog.Logger
	Emitter *telemetry.Emitter
}

// System3 is the control system. It owns the token-bucket limiter and the
// circuit-breaker registry, and feeds health observations into the
// breakers' adaptive thresholds.
type System3 struct {
	limiter  *limits.Limiter
	breakers *breaker.Registry
	logger   zerolog.Logger
	emitter  *telemetry.Emitter
}

// NewSystem3 wires the control system around the shared limiter and
// breaker registry.
func NewSystem3(limiter *limits.Limiter, breakers *breaker.Registry, cfg System3Config) *System3 {
	return &System3{
		limiter:  limiter,
		breakers: breakers,
		logger:   cfg.Logger.With().Str("component", "vsm").Str("system", "s3").Logger(),
		emitter:  cfg.Emitter,
	}
}

// Limiter exposes the shared token-bucket limiter.
func (s *System3) Limiter() *limits.Limiter {
	return s.limiter
}

// Breakers exposes the shared circuit-breaker registry.
func (s *System3) Breakers() *breaker.Registry {
	return s.breakers
}

// HandleHealth folds a health report into every breaker's adaptive
// threshold.
func (s *System3) HandleHealth(ctx context.Context, env *envelope.Envelope) error {
	var hr HealthReport
	if err := json.Unmarshal(env.Payload, &hr); err != nil {
		return fmt.Errorf("decode health report: %w", err)
	}
	monitoring.RecordVSMMessage("s3")

	health := clamp01(hr.SystemHealth)
	errorRate := clamp01(hr.ErrorRate)
	s.breakers.UpdateSystemHealth(health, errorRate)

	s.logger.Debug().
		Str("system", hr.System).
		Float64("system_health", health).
		Float64("error_rate", errorRate).
		Msg("Health report applied")
	s.emitter.Emit("s3", "health_updated", map[string]any{
		"system":        hr.System,
		"system_health": health,
		"error_rate":    errorRate,
	})
	return nil
}

// HandleEpisode reacts to broadcast episodes. Resource exhaustion
// degrades the system-health factor so breakers trip earlier; alerts are
// observed for the telemetry stream.
func (s *System3) HandleEpisode(ctx context.Context, env *envelope.Envelope) error {
	ep, err := DecodeEpisode(env.Payload)
	if err != nil {
		return err
	}
	monitoring.RecordVSMMessage("s3")

	switch ep.Kind {
	case KindResourceExhausted:
		health := clamp01(floatField(ep.Data, "system_health", 0.2))
		errorRate := clamp01(floatField(ep.Data, "error_rate", 0))
		s.breakers.UpdateSystemHealth(health, errorRate)
		s.logger.Warn().
			Str("episode", ep.ID).
			Float64("system_health", health).
			Msg("Resource exhaustion reported, tightening breakers")
		s.emitter.Emit("s3", "pressure_applied", map[string]any{
			"episode":       ep.ID,
			"system_health": health,
		})
	case KindAlert:
		s.emitter.Emit("s3", "alert_observed", map[string]any{
			"episode":  ep.ID,
			"priority": ep.Priority,
		})
	default:
		s.logger.Debug().Str("episode", ep.ID).Str("kind", ep.Kind).Msg("Episode observed")
	}
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// floatField reads a numeric field out of a loose JSON document.
func floatField(m map[string]any, key string, fallback float64) float64 {
	v, ok := m[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return fallback
		}
		return f
	}
	return fallback
}
