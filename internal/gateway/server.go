package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/jmanhype/cybernetic/internal/breaker"
	"github.com/jmanhype/cybernetic/internal/bus"
	"github.com/jmanhype/cybernetic/internal/limits"
	"github.com/jmanhype/cybernetic/internal/monitoring"
	"github.com/jmanhype/cybernetic/internal/pubsub"
	"github.com/jmanhype/cybernetic/internal/telemetry"
	"github.com/jmanhype/cybernetic/internal/vsm"
)

const (
	// gatewayBudget is the per-tenant request budget name.
	gatewayBudget = "api_gateway"
	// edgeBreaker guards episode intake against a degraded bus.
	edgeBreaker = "edge"

	maxBodyBytes   = 1 << 20
	maxTitleLength = 120
)

// Config holds the gateway's runtime settings.
type Config struct {
	Addr           string
	Environment    string
	Site           string
	Version        string
	SSEHeartbeat   time.Duration
	TelegramSecret string
	Logger         zerolog.Logger
	Emitter        *telemetry.Emitter
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":4000"
	}
	if c.SSEHeartbeat <= 0 {
		c.SSEHeartbeat = 30 * time.Second
	}
	if c.Version == "" {
		c.Version = "dev"
	}
}

// Server is the HTTP edge. It validates and admits requests, converts
// them into S1 episodes on the bus, and streams bus events back out over
// SSE and WebSocket.
type Server struct {
	cfg      Config
	auth     *Authenticator
	guard    *limits.ConnectionGuard
	limiter  *limits.Limiter
	breakers *breaker.Registry
	pub      vsm.EventPublisher
	events   *pubsub.Bus
	logger   zerolog.Logger
	emitter  *telemetry.Emitter
}

// New assembles the gateway from its collaborators.
func New(auth *Authenticator, guard *limits.ConnectionGuard, limiter *limits.Limiter,
	breakers *breaker.Registry, pub vsm.EventPublisher, events *pubsub.Bus, cfg Config) *Server {
	cfg.applyDefaults()
	return &Server{
		cfg:      cfg,
		auth:     auth,
		guard:    guard,
		limiter:  limiter,
		breakers: breakers,
		pub:      pub,
		events:   events,
		logger:   cfg.Logger.With().Str("component", "gateway").Logger(),
		emitter:  cfg.Emitter,
	}
}

// Handler builds the route table. Admitted routes run behind the full
// chain; health, root, and metrics stay public.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/generate", s.instrument("generate", s.admit(s.handleGenerate)))
	mux.HandleFunc("GET /v1/events", s.instrument("events", s.admit(s.handleSSE)))
	mux.HandleFunc("GET /v1/ws", s.instrument("ws", s.admit(s.handleWS)))
	mux.HandleFunc("POST /telegram/webhook", s.instrument("telegram", s.handleTelegram))
	mux.HandleFunc("GET /health", s.instrument("health", s.handleHealth))
	mux.HandleFunc("GET /{$}", s.instrument("root", s.handleRoot))
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

// generateRequest is the episode intake payload. Prompt is the only
// required field; the rest ride along for the analysis provider.
type generateRequest struct {
	Prompt      string   `json:"prompt"`
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
}

// handleGenerate accepts a prompt, wraps it into an analysis episode,
// and publishes it toward System 4. The response acknowledges intake;
// results arrive on the event stream under the returned episode id.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFrom(r.Context())
	requestID := RequestID(r.Context())

	var req generateRequest
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON")
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "prompt is required")
		return
	}

	ctx, span := telemetry.StartSpan(r.Context(), "gateway", "generate")
	defer span.End()

	ep := vsm.NewEpisode(vsm.KindAnalysis, truncate(req.Prompt, maxTitleLength), "normal", "gateway")
	ep.Data = map[string]any{"prompt": req.Prompt}
	if req.Model != "" {
		ep.Data["model"] = req.Model
	}
	if req.Temperature != nil {
		ep.Data["temperature"] = *req.Temperature
	}
	if req.MaxTokens != nil {
		ep.Data["max_tokens"] = *req.MaxTokens
	}
	ep.Metadata = map[string]any{
		"tenant":     identity.Tenant,
		"request_id": requestID,
		"stream":     req.Stream,
	}

	if err := s.publishEpisode(ctx, ep, requestID, vsm.TypeS4Analyze); err != nil {
		if errors.Is(err, breaker.ErrCircuitOpen) {
			writeError(w, http.StatusServiceUnavailable, "circuit_open", "intake is shedding load, retry later")
			return
		}
		s.logger.Error().Err(err).Str("episode_id", ep.ID).Msg("Episode intake failed")
		writeError(w, http.StatusServiceUnavailable, "publish_failed", "could not enqueue the request")
		return
	}

	s.cacheIdentity(ctx, identity, requestID)

	s.logger.Info().
		Str("episode_id", ep.ID).
		Str("tenant", identity.Tenant).
		Str("request_id", requestID).
		Msg("Episode accepted")
	s.emitter.Emit("gateway", "episode_accepted", map[string]any{
		"episode_id": ep.ID,
		"tenant":     identity.Tenant,
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":     "accepted",
		"episode_id": ep.ID,
		"request_id": requestID,
	})
}

// publishEpisode routes an intake episode through the edge breaker so a
// failing bus trips admission instead of stacking timeouts. msgType picks
// the receiving system: analysis requests go straight to S4, raw updates
// through S1 triage.
func (s *Server) publishEpisode(ctx context.Context, ep *vsm.Episode, requestID, msgType string) error {
	payload, err := ep.Encode()
	if err != nil {
		return err
	}
	return s.breakers.Get(edgeBreaker).Call(ctx, func(ctx context.Context) error {
		return s.pub.Publish(ctx, bus.ExchangeEvents, msgType, payload, bus.PublishOptions{
			Type:          msgType,
			Source:        "gateway",
			CorrelationID: requestID,
		})
	})
}

// cacheIdentity forwards JWT role claims to System 5 so policy checks can
// resolve them without a directory round trip. Failures only log; the
// episode is already accepted.
func (s *Server) cacheIdentity(ctx context.Context, identity *Identity, requestID string) {
	if identity.Method != "jwt" || len(identity.Roles) == 0 {
		return
	}
	claim, err := json.Marshal(vsm.IdentityClaim{
		Tenant: identity.Tenant,
		Roles:  identity.Roles,
		Source: "gateway",
	})
	if err != nil {
		return
	}
	err = s.pub.Publish(ctx, bus.ExchangeEvents, vsm.TypeS5Identity, claim, bus.PublishOptions{
		Type:          vsm.TypeS5Identity,
		Source:        "gateway",
		CorrelationID: requestID,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("tenant", identity.Tenant).Msg("Identity claim publish failed")
	}
}

// handleTelegram ingests bot updates. The route sits outside the tenant
// admission chain; instead it demands the webhook secret Telegram echoes
// back on every delivery.
func (s *Server) handleTelegram(w http.ResponseWriter, r *http.Request) {
	if !s.guard.Allow(clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "connection_rejected", "too many connections from this address")
		return
	}

	token := r.Header.Get("x-telegram-bot-api-secret-token")
	if s.cfg.TelegramSecret != "" {
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.TelegramSecret)) != 1 {
			monitoring.RecordRejection("telegram_secret")
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid webhook token")
			return
		}
	} else if s.cfg.Environment == "production" {
		writeError(w, http.StatusServiceUnavailable, "not_configured", "webhook secret not configured")
		return
	}

	update, err := readAll(r.Body, maxBodyBytes)
	if err != nil || len(update) == 0 || !json.Valid(update) {
		writeError(w, http.StatusBadRequest, "invalid_request", "update body is not valid JSON")
		return
	}

	ep := vsm.NewEpisode(vsm.KindTelegramUpdate, "telegram update", "normal", "telegram")
	ep.Data = map[string]any{"update": json.RawMessage(update)}
	ep.Metadata = map[string]any{"tenant": "telegram", "request_id": RequestID(r.Context())}

	if err := s.publishEpisode(r.Context(), ep, RequestID(r.Context()), vsm.TypeS1Operation); err != nil {
		s.logger.Error().Err(err).Msg("Telegram update intake failed")
		writeError(w, http.StatusServiceUnavailable, "publish_failed", "could not enqueue the update")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "accepted", "episode_id": ep.ID})
}

// handleHealth reports liveness plus the edge breaker position so load
// balancers can drain a shedding instance early.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.breakers.Get(edgeBreaker).State()
	status := http.StatusOK
	if state == breaker.StateOpen {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    healthLabel(state),
		"service":   "cybernetic",
		"version":   s.cfg.Version,
		"site":      s.cfg.Site,
		"edge":      state.String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func healthLabel(state breaker.State) string {
	if state == breaker.StateOpen {
		return "degraded"
	}
	return "ok"
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":    "ok",
		"service":   "cybernetic",
		"version":   s.cfg.Version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// truncate trims s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func readAll(r io.Reader, limit int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, limit))
}
