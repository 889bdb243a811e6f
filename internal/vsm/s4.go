package vsm

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jmanhype/cybernetic/internal/breaker"
	"github.com/jmanhype/cybernetic/internal/bus"
	"github.com/jmanhype/cybernetic/internal/envelope"
	"github.com/jmanhype/cybernetic/internal/hnsw"
	"github.com/jmanhype/cybernetic/internal/limits"
	"github.com/jmanhype/cybernetic/internal/monitoring"
	"github.com/jmanhype/cybernetic/internal/telemetry"
)

// System4Config tunes the intelligence layer.
type System4Config struct {
	// Budget is the rate-limit budget consumed per analysis. Defaults
	// to "s4_llm".
	Budget string
	// BreakerName guards provider calls. Defaults to "s4_provider".
	BreakerName string
	// ProviderTimeout bounds a single provider call. Defaults to 30s.
	ProviderTimeout time.Duration
	// RecallK is how many similar past episodes to attach. Defaults to 3.
	RecallK int
	// RecallEF is the search beam width. Defaults to 32.
	RecallEF int
	// EmbedDim is the embedding dimension. Defaults to 64.
	EmbedDim int

	Logger  zerolog.Logger
	Emitter *telemetry.Emitter
}

func (cfg *System4Config) applyDefaults() {
	if cfg.Budget == "" {
		cfg.Budget = "s4_llm"
	}
	if cfg.BreakerName == "" {
		cfg.BreakerName = "s4_provider"
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 30 * time.Second
	}
	if cfg.RecallK <= 0 {
		cfg.RecallK = 3
	}
	if cfg.RecallEF <= 0 {
		cfg.RecallEF = 32
	}
	if cfg.EmbedDim <= 0 {
		cfg.EmbedDim = 64
	}
}

// System4 is the intelligence layer: it recalls similar past episodes
// from the vector index, runs the analysis provider behind a token
// budget and a circuit breaker, and publishes the result back onto the
// event exchange.
type System4 struct {
	cfg      System4Config
	provider Provider
	limiter  *limits.Limiter
	breakers *breaker.Registry
	index    *hnsw.Index

	pub     EventPublisher
	logger  zerolog.Logger
	emitter *telemetry.Emitter
}

// NewSystem4 wires the intelligence layer.
func NewSystem4(provider Provider, limiter *limits.Limiter, breakers *breaker.Registry, index *hnsw.Index, pub EventPublisher, cfg System4Config) *System4 {
	cfg.applyDefaults()
	return &System4{
		cfg:      cfg,
		provider: provider,
		limiter:  limiter,
		breakers: breakers,
		index:    index,
		pub:      pub,
		logger:   cfg.Logger.With().Str("component", "vsm").Str("system", "s4").Logger(),
		emitter:  cfg.Emitter,
	}
}

// HandleAnalyze runs one episode through recall, provider analysis and
// result publication. Budget exhaustion and provider failures surface as
// errors so the delivery is retried after the bucket refills or the
// breaker closes.
func (s *System4) HandleAnalyze(ctx context.Context, env *envelope.Envelope) error {
	ep, err := DecodeEpisode(env.Payload)
	if err != nil {
		return fmt.Errorf("decode episode: %w", err)
	}
	monitoring.RecordVSMMessage("s4")

	ctx, span := telemetry.StartSpan(ctx, "s4", "analyze")
	defer span.End()

	prio := limits.ParsePriority(ep.Priority)
	tenant := ep.Tenant()
	if err := s.limiter.Consume(s.cfg.Budget, tenant, 1, prio); err != nil {
		s.emitter.Emit("s4", "budget_exhausted", map[string]any{
			"episode": ep.ID,
			"tenant":  tenant,
		})
		return fmt.Errorf("llm budget for %s: %w", tenant, err)
	}

	vec := hashEmbed(ep.Title+" "+ep.Kind, s.cfg.EmbedDim)
	s.attachRecall(ep, vec)

	started := time.Now()
	var analysis *Analysis
	err = s.breakers.Get(s.cfg.BreakerName).CallWithTimeout(ctx, s.cfg.ProviderTimeout, func(callCtx context.Context) error {
		var callErr error
		analysis, callErr = s.provider.Analyze(callCtx, ep)
		return callErr
	})
	if err != nil {
		// The unit never reached the provider when the breaker was
		// already open or the caller cancelled first.
		if ctx.Err() != nil || errors.Is(err, breaker.ErrCircuitOpen) {
			s.limiter.Refund(s.cfg.Budget, tenant, 1, prio)
		}
		monitoring.RecordProviderCall(providerOutcome(err))
		return fmt.Errorf("provider %s: %w", s.provider.Name(), err)
	}
	monitoring.RecordProviderCall("ok")

	analysis.EpisodeID = ep.ID
	analysis.Provider = s.provider.Name()
	analysis.DurationMs = time.Since(started).Milliseconds()

	if err := s.index.Insert(ep.ID, vec); err != nil {
		s.logger.Warn().Err(err).Str("episode", ep.ID).Msg("Failed to index episode")
	}

	body, err := encodeAnalysisResult(ep, analysis)
	if err != nil {
		return fmt.Errorf("encode analysis result: %w", err)
	}
	if err := s.pub.Publish(ctx, bus.ExchangeEvents, "vsm.s4.analysis.complete", body, bus.PublishOptions{
		Type:          TypeAnalysisComplete,
		Source:        "s4",
		CorrelationID: env.Headers.CorrelationID,
	}); err != nil {
		return fmt.Errorf("publish analysis result: %w", err)
	}

	s.logger.Info().
		Str("episode", ep.ID).
		Str("provider", analysis.Provider).
		Float64("confidence", analysis.Confidence).
		Int64("duration_ms", analysis.DurationMs).
		Msg("Episode analysed")
	s.emitter.Emit("s4", "analysis_complete", map[string]any{
		"episode":    ep.ID,
		"provider":   analysis.Provider,
		"confidence": analysis.Confidence,
	})
	return nil
}

// attachRecall queries the vector index and stores neighbouring episode
// ids on the episode context so the provider sees them.
func (s *System4) attachRecall(ep *Episode, vec []float32) {
	hits, err := s.index.Search(vec, s.cfg.RecallK, s.cfg.RecallEF)
	if err != nil {
		s.logger.Warn().Err(err).Str("episode", ep.ID).Msg("Recall search failed")
		return
	}
	if len(hits) == 0 {
		return
	}
	similar := make([]map[string]any, 0, len(hits))
	for _, h := range hits {
		if h.ID == ep.ID {
			continue
		}
		similar = append(similar, map[string]any{
			"id":       h.ID,
			"distance": h.Distance,
		})
	}
	if len(similar) == 0 {
		return
	}
	if ep.Context == nil {
		ep.Context = make(map[string]any)
	}
	ep.Context["similar_episodes"] = similar
}

func providerOutcome(err error) string {
	switch {
	case errors.Is(err, ErrProviderUnavailable), errors.Is(err, breaker.ErrCircuitOpen):
		return "provider_unavailable"
	case errors.Is(err, ErrProviderRateLimited):
		return "provider_rate_limited"
	default:
		return "provider_error"
	}
}

// hashEmbed maps text to a fixed-dimension vector with the feature
// hashing trick: each token lands in a bucket chosen by its FNV-1a hash,
// with the sign taken from the top hash bit, then the vector is
// L2-normalised. Deterministic, no model weights required.
func hashEmbed(text string, dim int) []float32 {
	vec := make([]float32, dim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New64a()
		h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % uint64(dim))
		if sum&(1<<63) != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}
