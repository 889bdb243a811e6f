package vsm

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/jmanhype/cybernetic/internal/bus"
	"github.com/jmanhype/cybernetic/internal/envelope"
	"github.com/jmanhype/cybernetic/internal/monitoring"
	"github.com/jmanhype/cybernetic/internal/telemetry"
)

// System1Config configures the operations system.
type System1Config struct {
	Logger  zerolog.Logger
	Emitter *telemetry.Emitter
}

// System1 is the operations intake. It receives raw operation episodes,
// emits operation telemetry, and escalates significant ones to S2 for
// coordination. Alert episodes additionally land on the priority queue.
type System1 struct {
	pub     EventPublisher
	logger  zerolog.Logger
	emitter *telemetry.Emitter
}

// NewSystem1 wires the operations system onto the bus.
func NewSystem1(pub EventPublisher, cfg System1Config) *System1 {
	return &System1{
		pub:     pub,
		logger:  cfg.Logger.With().Str("component", "vsm").Str("system", "s1").Logger(),
		emitter: cfg.Emitter,
	}
}

// HandleOperation processes an inbound operation episode. Insignificant
// operations are recorded and dropped; significant ones are forwarded to
// S2 with their correlation id intact.
func (s *System1) HandleOperation(ctx context.Context, env *envelope.Envelope) error {
	ep, err := DecodeEpisode(env.Payload)
	if err != nil {
		return err
	}
	monitoring.RecordVSMMessage("s1")
	if ep.SourceSystem == "" {
		ep.SourceSystem = "s1"
	}

	s.emitter.Emit("s1", "operation_received", map[string]any{
		"episode":  ep.ID,
		"kind":     ep.Kind,
		"priority": ep.Priority,
	})

	if !Significant(ep) {
		s.logger.Debug().Str("episode", ep.ID).Str("kind", ep.Kind).Msg("Operation below escalation threshold")
		return nil
	}

	body, err := ep.Encode()
	if err != nil {
		return err
	}

	if ep.Kind == KindAlert {
		err := s.pub.Publish(ctx, bus.ExchangePriority, "alert", body, bus.PublishOptions{
			Type:          TypeS2Episode,
			Source:        "s1",
			CorrelationID: env.Headers.CorrelationID,
			Priority:      AMQPPriority(ep.Priority),
		})
		if err != nil {
			return fmt.Errorf("publish alert: %w", err)
		}
	}

	err = s.pub.Publish(ctx, bus.ExchangeEvents, "vsm.s2.triage", body, bus.PublishOptions{
		Type:          TypeS2Episode,
		Source:        "s1",
		CorrelationID: env.Headers.CorrelationID,
	})
	if err != nil {
		return fmt.Errorf("forward to s2: %w", err)
	}

	s.logger.Info().
		Str("episode", ep.ID).
		Str("kind", ep.Kind).
		Str("priority", ep.Priority).
		Msg("Operation escalated to S2")
	s.emitter.Emit("s1", "operation_forwarded", map[string]any{
		"episode": ep.ID,
		"kind":    ep.Kind,
	})
	return nil
}
