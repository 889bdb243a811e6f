package vsm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/jmanhype/cybernetic/internal/bus"
	"github.com/jmanhype/cybernetic/internal/coordinator"
	"github.com/jmanhype/cybernetic/internal/envelope"
	"github.com/jmanhype/cybernetic/internal/monitoring"
	"github.com/jmanhype/cybernetic/internal/telemetry"
)

// broadcastTargets maps an episode kind onto the systems that must hear
// about it. Kinds without an entry go to S4 for analysis.
var broadcastTargets = map[string][]int{
	KindAlert:             {3, 4},
	KindPolicyViolation:   {5, 4},
	KindResourceExhausted: {3},
}

// TargetsFor returns the broadcast targets for an episode kind.
func TargetsFor(kind string) []int {
	if t, ok := broadcastTargets[kind]; ok {
		return t
	}
	return []int{4}
}

// BroadcastRequest asks S2 to fan an episode out to an explicit set of
// systems, bypassing the kind-based target table.
type BroadcastRequest struct {
	Targets []int    `json:"targets"`
	Episode *Episode `json:"episode"`
}

// System2Config configures the coordination system.
type System2Config struct {
	Logger  zerolog.Logger
	Emitter *telemetry.Emitter
}

// System2 is the coordination system. Every escalated episode claims a
// fair-share slot for its kind before being broadcast to the target
// systems; saturation surfaces as backpressure and sends the episode
// through the deferred-retry path instead of piling up in memory.
type System2 struct {
	coord   *coordinator.Coordinator
	pub     EventPublisher
	logger  zerolog.Logger
	emitter *telemetry.Emitter
}

// NewSystem2 wires the coordination system around the fair-share
// coordinator.
func NewSystem2(coord *coordinator.Coordinator, pub EventPublisher, cfg System2Config) *System2 {
	return &System2{
		coord:   coord,
		pub:     pub,
		logger:  cfg.Logger.With().Str("component", "vsm").Str("system", "s2").Logger(),
		emitter: cfg.Emitter,
	}
}

// HandleEpisode coordinates an escalated episode: reserve a slot under
// the episode's kind, broadcast to the systems that must react, release.
func (s *System2) HandleEpisode(ctx context.Context, env *envelope.Envelope) error {
	ep, err := DecodeEpisode(env.Payload)
	if err != nil {
		return err
	}
	monitoring.RecordVSMMessage("s2")

	s.coord.SetPriority(ep.Kind, ShareWeight(ep.Priority))
	if err := s.coord.ReserveSlot(ep.Kind); err != nil {
		return fmt.Errorf("coordination slot for %s: %w", ep.Kind, err)
	}
	defer s.coord.ReleaseSlot(ep.Kind)

	return s.broadcast(ctx, env, ep, TargetsFor(ep.Kind))
}

// HandleBroadcast fans an episode out to an explicit target list.
func (s *System2) HandleBroadcast(ctx context.Context, env *envelope.Envelope) error {
	var req BroadcastRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return fmt.Errorf("decode broadcast request: %w", err)
	}
	if req.Episode == nil {
		return fmt.Errorf("decode broadcast request: missing episode")
	}
	if len(req.Targets) == 0 {
		return fmt.Errorf("decode broadcast request: no targets")
	}
	for _, n := range req.Targets {
		if n < 1 || n > 5 {
			return fmt.Errorf("decode broadcast request: target s%d out of range", n)
		}
	}
	monitoring.RecordVSMMessage("s2")
	return s.broadcast(ctx, env, req.Episode, req.Targets)
}

func (s *System2) broadcast(ctx context.Context, env *envelope.Envelope, ep *Episode, targets []int) error {
	body, err := ep.Encode()
	if err != nil {
		return err
	}
	for _, n := range targets {
		key := fmt.Sprintf("s%d.episode.%s", n, ep.Kind)
		err := s.pub.Publish(ctx, bus.VSMExchange(n), key, body, bus.PublishOptions{
			Type:          episodeTypes[n],
			Source:        "s2",
			CorrelationID: env.Headers.CorrelationID,
		})
		if err != nil {
			return fmt.Errorf("broadcast to s%d: %w", n, err)
		}
	}

	s.logger.Info().
		Str("episode", ep.ID).
		Str("kind", ep.Kind).
		Ints("targets", targets).
		Msg("Episode broadcast")
	s.emitter.Emit("s2", "coordination_dispatched", map[string]any{
		"episode": ep.ID,
		"kind":    ep.Kind,
		"targets": targets,
	})
	return nil
}

// Stats exposes the coordinator's per-topic occupancy for diagnostics.
func (s *System2) Stats() map[string]coordinator.TopicStats {
	return s.coord.Stats()
}
