package bus

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/jmanhype/cybernetic/internal/envelope"
	"github.com/jmanhype/cybernetic/internal/monitoring"
	"github.com/jmanhype/cybernetic/internal/replay"
	"github.com/jmanhype/cybernetic/internal/telemetry"
)

// HandlerFunc processes a verified envelope. A non-nil error sends the
// delivery down the deferred-retry path.
type HandlerFunc func(ctx context.Context, env *envelope.Envelope) error

// Dispatcher routes verified envelopes to handlers registered per message
// type. The handler table is built during startup wiring; registering
// after consumers start would race with dispatch and is not supported.
type Dispatcher struct {
	handlers map[string]HandlerFunc
	fallback HandlerFunc
}

// NewDispatcher returns an empty dispatch table.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler to a message type, replacing any previous one.
func (d *Dispatcher) Register(msgType string, h HandlerFunc) {
	d.handlers[msgType] = h
}

// RegisterDefault installs a catch-all handler for types with no typed
// binding. Stream taps that mirror everything on a queue use this.
func (d *Dispatcher) RegisterDefault(h HandlerFunc) {
	d.fallback = h
}

// Lookup returns the handler for a message type, falling back to the
// catch-all handler when one is installed.
func (d *Dispatcher) Lookup(msgType string) (HandlerFunc, bool) {
	if h, ok := d.handlers[msgType]; ok {
		return h, true
	}
	if d.fallback != nil {
		return d.fallback, true
	}
	return nil, false
}

// Types returns the registered message types in sorted order.
func (d *Dispatcher) Types() []string {
	types := make([]string, 0, len(d.handlers))
	for t := range d.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// RetryPublisher is the subset of Publisher the consumer needs to move
// failed deliveries to the retry and failed queues.
type RetryPublisher interface {
	PublishRetry(ctx context.Context, env *envelope.Envelope, attempt int) error
	PublishFailed(ctx context.Context, body []byte, routingKey, reason string) error
}

// ConsumerConfig tunes a single queue consumer.
type ConsumerConfig struct {
	Queue          string
	Prefetch       int           // unacked deliveries per channel
	RetryLimit     int           // handler retries before parking on the failed queue
	HandlerTimeout time.Duration // per-delivery handler deadline
	Logger         zerolog.Logger
	Emitter        *telemetry.Emitter
}

func (c *ConsumerConfig) applyDefaults(b *Bus) {
	if c.Prefetch < 1 {
		c.Prefetch = b.cfg.Prefetch
	}
	if c.RetryLimit < 0 {
		c.RetryLimit = b.cfg.RetryLimit
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 30 * time.Second
	}
}

// Consumer drains one queue. Each delivery is decoded, verified against
// the security envelope, dispatched to its typed handler on the worker
// pool, and acked only after the handler finishes. Failed handlers are
// retried through the deferred-retry queue up to the retry limit, then
// parked on the failed queue. Verification failures are rejected without
// requeue and dead-letter to the DLQ.
type Consumer struct {
	cfg     ConsumerConfig
	bus     *Bus
	codec   *envelope.Codec
	disp    *Dispatcher
	pool    *WorkerPool
	pub     RetryPublisher
	logger  zerolog.Logger
	emitter *telemetry.Emitter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer wires a consumer for one queue.
func NewConsumer(b *Bus, codec *envelope.Codec, disp *Dispatcher, pool *WorkerPool, pub RetryPublisher, cfg ConsumerConfig) *Consumer {
	cfg.applyDefaults(b)
	return &Consumer{
		cfg:     cfg,
		bus:     b,
		codec:   codec,
		disp:    disp,
		pool:    pool,
		pub:     pub,
		logger:  cfg.Logger.With().Str("component", "consumer").Str("queue", cfg.Queue).Logger(),
		emitter: cfg.Emitter,
	}
}

// Start launches the consume loop. The loop resubscribes with backoff
// whenever the delivery stream closes.
func (c *Consumer) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.consumeLoop()
}

// Stop cancels the consume loop and waits for it to exit. In-flight
// handlers on the worker pool are not interrupted; unfinished deliveries
// are redelivered by the broker.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()
	defer monitoring.RecoverPanic(c.logger, "consumer", map[string]any{"queue": c.cfg.Queue})

	attempt := 0
	for {
		if c.ctx.Err() != nil {
			return
		}

		deliveries, ch, err := c.open()
		if err != nil {
			delay := reconnectDelay(attempt)
			attempt++
			c.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Consume channel unavailable")
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		attempt = 0
		c.logger.Info().Int("prefetch", c.cfg.Prefetch).Msg("Consumer started")

		for d := range deliveries {
			c.dispatch(c.ctx, d)
		}
		_ = ch.Close()

		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn().Msg("Delivery stream closed, resubscribing")
	}
}

func (c *Consumer) open() (<-chan amqp.Delivery, *amqp.Channel, error) {
	ch, err := c.bus.Channel()
	if err != nil {
		return nil, nil, err
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("set prefetch: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(c.ctx, c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("consume %s: %w", c.cfg.Queue, err)
	}
	return deliveries, ch, nil
}

// dispatch hands the delivery to the worker pool, blocking for queue space
// so prefetch stays the only in-flight bound. During shutdown the delivery
// is requeued for another node.
func (c *Consumer) dispatch(ctx context.Context, d amqp.Delivery) {
	err := c.pool.SubmitWait(ctx, func() { c.process(ctx, d) })
	if err != nil {
		_ = d.Nack(false, true)
	}
}

// process runs the full delivery pipeline: decode, verify, dispatch, ack.
func (c *Consumer) process(ctx context.Context, d amqp.Delivery) {
	env, err := envelope.Decode(d.Body)
	if err != nil {
		c.reject(d, "decode_error", err)
		return
	}

	if err := c.codec.Verify(env); err != nil {
		// A redelivered message was verified before its first handler run,
		// so its nonce is already in the ledger. The redelivered flag is
		// set by the broker and cannot be forged by a publisher, so this
		// is requeue traffic, not a replay.
		if !(d.Redelivered && errors.Is(err, replay.ErrReplayDetected)) {
			c.reject(d, verifyFailureKind(err), err)
			return
		}
	}

	handler, ok := c.disp.Lookup(env.Type)
	if !ok {
		c.park(d, env, "unknown_type", fmt.Errorf("%w: %q", ErrNoHandler, env.Type))
		return
	}

	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandlerTimeout)
	err = c.invoke(hctx, handler, env)
	cancel()

	if err == nil {
		_ = d.Ack(false)
		monitoring.RecordDelivery(c.cfg.Queue, monitoring.DeliveryAcked)
		return
	}
	c.retryOrPark(ctx, d, env, err)
}

// invoke calls the handler with panic containment. A panicking handler is
// treated like a returned error so the delivery goes through retry.
func (c *Consumer) invoke(ctx context.Context, handler HandlerFunc, env *envelope.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Interface("panic_value", r).
				Str("type", env.Type).
				Str("stack_trace", string(debug.Stack())).
				Msg("Handler panic recovered")
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, env)
}

// retryOrPark schedules a retry through the deferred-retry queue, or parks
// the delivery on the failed queue once attempts are exhausted. The
// original delivery is acked only after the handoff publish succeeds.
func (c *Consumer) retryOrPark(ctx context.Context, d amqp.Delivery, env *envelope.Envelope, cause error) {
	attempt := retryCount(d.Headers)
	if attempt >= c.cfg.RetryLimit {
		c.park(d, env, "retries_exhausted", cause)
		return
	}

	if err := c.pub.PublishRetry(ctx, env, attempt+1); err != nil {
		// Handoff failed; let the broker redeliver in place.
		_ = d.Nack(false, true)
		monitoring.RecordDelivery(c.cfg.Queue, monitoring.DeliveryRequeued)
		c.logger.Error().Err(err).Str("type", env.Type).Msg("Retry publish failed, delivery requeued in place")
		return
	}
	_ = d.Ack(false)
	monitoring.RecordDelivery(c.cfg.Queue, monitoring.DeliveryRequeued)
	c.logger.Warn().
		Err(cause).
		Str("type", env.Type).
		Int("attempt", attempt+1).
		Int("limit", c.cfg.RetryLimit).
		Msg("Handler failed, delivery scheduled for retry")
	c.emitter.Emit("bus", "delivery_retry", map[string]any{
		"queue":   c.cfg.Queue,
		"type":    env.Type,
		"attempt": attempt + 1,
	})
}

// park moves a terminally failed delivery to the failed queue and acks the
// original. If even that publish fails the delivery is rejected without
// requeue so it dead-letters to the DLQ instead of being lost.
func (c *Consumer) park(d amqp.Delivery, env *envelope.Envelope, reason string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.pub.PublishFailed(ctx, d.Body, d.RoutingKey, reason); err != nil {
		_ = d.Reject(false)
		monitoring.RecordDelivery(c.cfg.Queue, monitoring.DeliveryRejected)
		c.logger.Error().Err(err).Str("reason", reason).Msg("Failed-queue publish failed, delivery dead-lettered")
		return
	}
	_ = d.Ack(false)
	monitoring.RecordDelivery(c.cfg.Queue, monitoring.DeliveryFailed)
	c.logger.Error().
		Err(cause).
		Str("type", env.Type).
		Str("reason", reason).
		Msg("Delivery parked on failed queue")
	c.emitter.Emit("bus", "delivery_failed", map[string]any{
		"queue":  c.cfg.Queue,
		"type":   env.Type,
		"reason": reason,
	})
}

// reject drops a delivery that can never succeed. Without requeue it
// dead-letters to the DLQ through the queue's dead-letter exchange.
func (c *Consumer) reject(d amqp.Delivery, kind string, err error) {
	_ = d.Reject(false)
	monitoring.RecordDelivery(c.cfg.Queue, monitoring.DeliveryRejected)
	c.logger.Warn().
		Err(err).
		Str("kind", kind).
		Str("message_id", d.MessageId).
		Msg("Delivery rejected")
	c.emitter.Emit("bus", "delivery_rejected", map[string]any{
		"queue": c.cfg.Queue,
		"kind":  kind,
	})
}

// verifyFailureKind maps an envelope verification error onto its taxonomy
// label for telemetry.
func verifyFailureKind(err error) string {
	switch {
	case errors.Is(err, replay.ErrReplayDetected):
		return "replay_detected"
	case errors.Is(err, envelope.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, envelope.ErrUnknownKey):
		return "unknown_key"
	case errors.Is(err, envelope.ErrClockSkewFuture),
		errors.Is(err, envelope.ErrClockSkewPast),
		errors.Is(err, envelope.ErrExpiredTimestamp):
		return "clock_skew"
	case errors.Is(err, envelope.ErrMissingSecurityHeaders):
		return "missing_headers"
	default:
		return "verify_error"
	}
}

// retryCount reads the retry attempt header; absent or malformed means 0.
func retryCount(headers amqp.Table) int {
	v, ok := headers[headerRetry]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int32:
		return int(n)
	case int64:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}
