package gateway

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jmanhype/cybernetic/internal/envelope"
	"github.com/jmanhype/cybernetic/internal/pubsub"
)

// StreamBridge mirrors verified bus traffic into the in-process pub-sub
// that feeds the SSE and WebSocket taps. It is registered as the
// catch-all handler on the stream and telemetry queues.
type StreamBridge struct {
	events *pubsub.Bus
	logger zerolog.Logger
}

// NewStreamBridge wires the bridge onto a pub-sub bus.
func NewStreamBridge(events *pubsub.Bus, logger zerolog.Logger) *StreamBridge {
	return &StreamBridge{
		events: events,
		logger: logger.With().Str("component", "stream_bridge").Logger(),
	}
}

// Handle publishes the envelope payload under the routing key's base
// topic, plus the owning tenant's topic when the payload names one. The
// bridge never rejects: a mirror miss must not send bus messages through
// the retry cycle.
func (b *StreamBridge) Handle(ctx context.Context, env *envelope.Envelope) error {
	base := env.RoutingKey
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	if base == "" {
		base = "events"
	}
	b.events.Publish(base, env.Type, env.Payload)

	if tenant := payloadTenant(env.Payload); tenant != "" {
		b.events.Publish(tenantTopic(tenant), env.Type, env.Payload)
	}
	return nil
}

// payloadTenant digs the tenant out of episode-shaped payloads, both
// bare episodes and analysis results that embed one.
func payloadTenant(payload []byte) string {
	var probe struct {
		Metadata struct {
			Tenant string `json:"tenant"`
		} `json:"metadata"`
		Episode struct {
			Metadata struct {
				Tenant string `json:"tenant"`
			} `json:"metadata"`
		} `json:"episode"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	if probe.Metadata.Tenant != "" {
		return probe.Metadata.Tenant
	}
	return probe.Episode.Metadata.Tenant
}
