package vsm

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/jmanhype/cybernetic/internal/bus"
)

// Message types dispatched to the VSM systems. Routing keys put a message
// on a system's queue; the type picks its handler.
const (
	TypeS1Operation      = "vsm.s1.operation"
	TypeS2Episode        = "vsm.s2.coordinate"
	TypeS2Broadcast      = "vsm.s2.broadcast"
	TypeS3Health         = "vsm.s3.health"
	TypeS3Episode        = "vsm.s3.episode"
	TypeS4Analyze        = "vsm.s4.analyze"
	TypeS4Episode        = "vsm.s4.episode"
	TypeS5PolicyOp       = "vsm.s5.policy"
	TypeS5Identity       = "vsm.s5.identity"
	TypeS5Episode        = "vsm.s5.episode"
	TypeAnalysisComplete = "vsm.s4.analysis.complete"
)

// episodeTypes maps a system number onto the message type its episode
// handler is registered under, 1-indexed.
var episodeTypes = [6]string{"", TypeS1Operation, TypeS2Episode, TypeS3Episode, TypeS4Episode, TypeS5Episode}

// EventPublisher is the subset of the bus publisher the systems use.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, payload []byte, opts bus.PublishOptions) error
}

// Router aggregates the five systems and registers their static dispatch
// table. Registration happens once during startup wiring, before any
// consumer starts.
type Router struct {
	S1 *System1
	S2 *System2
	S3 *System3
	S4 *System4
	S5 *System5

	logger zerolog.Logger
}

// NewRouter bundles the systems for registration.
func NewRouter(s1 *System1, s2 *System2, s3 *System3, s4 *System4, s5 *System5, logger zerolog.Logger) *Router {
	return &Router{
		S1:     s1,
		S2:     s2,
		S3:     s3,
		S4:     s4,
		S5:     s5,
		logger: logger.With().Str("component", "vsm").Logger(),
	}
}

// Register installs every system handler on the dispatch table.
func (r *Router) Register(disp *bus.Dispatcher) {
	disp.Register(TypeS1Operation, r.S1.HandleOperation)
	disp.Register(TypeS2Episode, r.S2.HandleEpisode)
	disp.Register(TypeS2Broadcast, r.S2.HandleBroadcast)
	disp.Register(TypeS3Health, r.S3.HandleHealth)
	disp.Register(TypeS3Episode, r.S3.HandleEpisode)
	disp.Register(TypeS4Analyze, r.S4.HandleAnalyze)
	disp.Register(TypeS4Episode, r.S4.HandleAnalyze)
	disp.Register(TypeS5PolicyOp, r.S5.HandlePolicyOp)
	disp.Register(TypeS5Identity, r.S5.HandleIdentity)
	disp.Register(TypeS5Episode, r.S5.HandleEpisode)

	r.logger.Info().Strs("types", disp.Types()).Msg("VSM dispatch table registered")
}
