package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/jmanhype/cybernetic/internal/envelope"
	"github.com/jmanhype/cybernetic/internal/monitoring"
)

// AMQP header names carried alongside the envelope body.
const (
	headerType      = "x-cyb-type"       // message type, mirrored for broker-side inspection
	headerSite      = "x-cyb-site"       // publishing site
	headerRetry     = "x-cyb-retry"      // retry attempt count
	headerError     = "x-cyb-error"      // failure reason on parked messages
	headerOriginKey = "x-cyb-origin-key" // original routing key on parked messages
)

// MessageTypeTelemetry is the envelope type used for the telemetry stream.
const MessageTypeTelemetry = "telemetry"

// PublishOptions carries optional routing metadata for a publish.
type PublishOptions struct {
	Type          string           // message type for consumer dispatch (required)
	Source        string           // logical producer, e.g. "gateway" or "s4"
	CorrelationID string           // request correlation id; generated when empty
	CausalVector  map[string]int64 // causal ordering hints propagated to consumers
	Priority      uint8            // AMQP priority, honored by priority queues
	Headers       amqp.Table       // extra AMQP headers
}

// PublisherConfig tunes confirm handling and retry behavior.
type PublisherConfig struct {
	ConfirmTimeout time.Duration // wait per publish confirm
	RetryLimit     int           // additional attempts after the first
	Logger         zerolog.Logger
}

// Publisher publishes signed envelopes in confirm mode. A single channel
// is shared across callers and reopened lazily after failures; every
// confirmed publish is an explicit broker acknowledgment that the message
// was taken over.
type Publisher struct {
	bus    *Bus
	codec  *envelope.Codec
	logger zerolog.Logger

	confirmTimeout time.Duration
	retryLimit     int

	mu sync.Mutex
	ch *amqp.Channel
}

// NewPublisher wires a publisher onto the bus. The codec signs every
// outbound envelope under this node's active key.
func NewPublisher(b *Bus, codec *envelope.Codec, cfg PublisherConfig) *Publisher {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = b.cfg.ConfirmTimeout
	}
	if cfg.RetryLimit < 0 {
		cfg.RetryLimit = b.cfg.RetryLimit
	}
	return &Publisher{
		bus:            b,
		codec:          codec,
		logger:         cfg.Logger.With().Str("component", "publisher").Logger(),
		confirmTimeout: cfg.ConfirmTimeout,
		retryLimit:     cfg.RetryLimit,
	}
}

// Publish enriches the payload into a signed envelope and publishes it
// with confirms. Nacked or unconfirmed publishes are retried with backoff
// up to the configured limit; the last error is returned when exhausted.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, payload []byte, opts PublishOptions) error {
	env, err := p.codec.Enrich(payload, envelope.RoutingMeta{
		Exchange:      exchange,
		RoutingKey:    routingKey,
		Type:          opts.Type,
		ContentType:   envelope.DefaultContentType,
		CorrelationID: opts.CorrelationID,
		Source:        opts.Source,
		CausalVector:  opts.CausalVector,
	})
	if err != nil {
		return fmt.Errorf("enrich envelope: %w", err)
	}
	pub, err := p.publishing(env, opts.Priority, opts.Headers)
	if err != nil {
		return err
	}
	return p.send(ctx, exchange, routingKey, pub, true)
}

// PublishRetry re-enqueues a failed delivery through the deferred-retry
// queue. The payload is re-enriched under this node's key with a fresh
// nonce so it passes verification on redelivery; the original exchange and
// routing key are preserved inside the envelope so the expired message
// dead-letters back onto its source exchange with the right key.
func (p *Publisher) PublishRetry(ctx context.Context, env *envelope.Envelope, attempt int) error {
	fresh, err := p.codec.Enrich(env.Payload, envelope.RoutingMeta{
		Exchange:      env.Exchange,
		RoutingKey:    env.RoutingKey,
		Type:          env.Type,
		ContentType:   env.ContentType,
		CorrelationID: env.Headers.CorrelationID,
		Source:        env.Headers.Source,
		CausalVector:  env.Headers.CausalVector,
	})
	if err != nil {
		return fmt.Errorf("enrich retry envelope: %w", err)
	}
	pub, err := p.publishing(fresh, 0, amqp.Table{headerRetry: int32(attempt)})
	if err != nil {
		return err
	}
	return p.send(ctx, ExchangeRetry, env.RoutingKey, pub, true)
}

// PublishFailed parks a terminally failed delivery on the failed-message
// queue for manual inspection. The original body is preserved verbatim.
func (p *Publisher) PublishFailed(ctx context.Context, body []byte, routingKey, reason string) error {
	pub := amqp.Publishing{
		Headers: amqp.Table{
			headerError:     reason,
			headerOriginKey: routingKey,
		},
		ContentType:  envelope.DefaultContentType,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	}
	return p.send(ctx, "", QueueEventsFailed, pub, true)
}

// PublishTelemetry implements telemetry.BusSink. Telemetry events are
// enveloped and published without waiting for a confirm; losing telemetry
// under pressure is acceptable, blocking the emitter is not.
func (p *Publisher) PublishTelemetry(ctx context.Context, routingKey string, body []byte) error {
	env, err := p.codec.Enrich(body, envelope.RoutingMeta{
		Exchange:    ExchangeTelemetry,
		RoutingKey:  routingKey,
		Type:        MessageTypeTelemetry,
		ContentType: envelope.DefaultContentType,
	})
	if err != nil {
		return fmt.Errorf("enrich telemetry envelope: %w", err)
	}
	pub, err := p.publishing(env, 0, nil)
	if err != nil {
		return err
	}
	if err := p.attempt(ctx, ExchangeTelemetry, routingKey, pub, false); err != nil {
		monitoring.RecordPublishFailure(failureKind(err))
		return err
	}
	monitoring.RecordPublish(ExchangeTelemetry)
	return nil
}

// Close releases the publish channel.
func (p *Publisher) Close() {
	p.mu.Lock()
	ch := p.ch
	p.ch = nil
	p.mu.Unlock()
	if ch != nil {
		_ = ch.Close()
	}
}

// publishing maps an envelope onto the wire message. The envelope body is
// authoritative; AMQP properties mirror it for broker-side tooling.
func (p *Publisher) publishing(env *envelope.Envelope, priority uint8, extra amqp.Table) (amqp.Publishing, error) {
	body, err := env.Encode()
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode envelope: %w", err)
	}
	headers := amqp.Table{
		headerType: env.Type,
		headerSite: env.Security.Site,
	}
	for k, v := range extra {
		headers[k] = v
	}
	return amqp.Publishing{
		Headers:       headers,
		ContentType:   env.ContentType,
		DeliveryMode:  amqp.Persistent,
		Priority:      priority,
		CorrelationId: env.Headers.CorrelationID,
		MessageId:     env.ID,
		Timestamp:     time.UnixMilli(env.Headers.TimestampMs),
		Type:          env.Type,
		AppId:         env.Headers.Source,
		Body:          body,
	}, nil
}

// send runs the attempt loop with jittered backoff between tries.
func (p *Publisher) send(ctx context.Context, exchange, routingKey string, pub amqp.Publishing, wait bool) error {
	var lastErr error
	for attempt := 0; attempt <= p.retryLimit; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(reconnectDelay(attempt - 1)):
			}
		}

		err := p.attempt(ctx, exchange, routingKey, pub, wait)
		if err == nil {
			monitoring.RecordPublish(exchange)
			return nil
		}
		lastErr = err
		monitoring.RecordPublishFailure(failureKind(err))
		p.logger.Warn().
			Err(err).
			Str("exchange", exchange).
			Str("routing_key", routingKey).
			Int("attempt", attempt+1).
			Msg("Publish attempt failed")
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

// attempt performs one publish. With wait set it blocks for the broker
// confirm up to the confirm timeout.
func (p *Publisher) attempt(ctx context.Context, exchange, routingKey string, pub amqp.Publishing, wait bool) error {
	ch, err := p.channel()
	if err != nil {
		return err
	}

	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, pub)
	if err != nil {
		p.dropChannel(ch)
		return fmt.Errorf("%w: %v", ErrChannelDown, err)
	}
	if !wait {
		return nil
	}

	confirmCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()
	acked, err := dc.WaitContext(confirmCtx)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrConfirmTimeout, ctx.Err())
		}
		return ErrConfirmTimeout
	}
	if !acked {
		return ErrPublishNack
	}
	return nil
}

// channel returns the shared confirm-mode channel, opening one if needed.
func (p *Publisher) channel() (*amqp.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	ch, err := p.bus.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	p.ch = ch
	return ch, nil
}

// dropChannel discards a failed channel so the next attempt reopens.
func (p *Publisher) dropChannel(ch *amqp.Channel) {
	p.mu.Lock()
	if p.ch == ch {
		p.ch = nil
	}
	p.mu.Unlock()
	_ = ch.Close()
}

// failureKind maps a publish error onto its taxonomy label.
func failureKind(err error) string {
	switch {
	case errors.Is(err, ErrPublishNack):
		return "publish_nack"
	case errors.Is(err, ErrConfirmTimeout):
		return "confirm_timeout"
	default:
		return "channel_down"
	}
}
