// Package bus provides the AMQP message fabric: connection lifecycle with
// automatic reconnect, idempotent topology declaration, confirm-mode
// publishing, and verified consumption with deferred retry.
package bus

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/jmanhype/cybernetic/internal/monitoring"
)

var (
	// ErrNotConnected means no live AMQP connection is available.
	ErrNotConnected = errors.New("bus not connected")
	// ErrPublishNack means the broker refused to take responsibility for a publish.
	ErrPublishNack = errors.New("publish nacked by broker")
	// ErrConfirmTimeout means the broker did not confirm a publish in time.
	ErrConfirmTimeout = errors.New("publish confirm timeout")
	// ErrChannelDown means the publish channel failed mid-operation.
	ErrChannelDown = errors.New("channel down")
	// ErrNoHandler means no handler is registered for a message type.
	ErrNoHandler = errors.New("no handler registered for message type")
)

const (
	reconnectBase = 500 * time.Millisecond
	reconnectMax  = 30 * time.Second
)

// reconnectDelay returns the jittered exponential backoff delay for the
// given attempt (0-based). Jitter spreads reconnect storms across nodes.
func reconnectDelay(attempt int) time.Duration {
	if attempt > 6 {
		attempt = 6
	}
	d := reconnectBase << uint(attempt)
	if d > reconnectMax {
		d = reconnectMax
	}
	return time.Duration(float64(d) * (0.8 + 0.4*rand.Float64()))
}

// Config holds the AMQP connection settings.
type Config struct {
	URL            string        // broker URL (amqp://...)
	Prefetch       int           // default per-consumer unacked cap
	ConfirmTimeout time.Duration // default wait for publish confirms
	RetryLimit     int           // default handler retries before parking
	Logger         zerolog.Logger
}

func (c *Config) applyDefaults() {
	if c.Prefetch < 1 {
		c.Prefetch = 32
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 5 * time.Second
	}
	if c.RetryLimit < 0 {
		c.RetryLimit = 3
	}
}

// Bus owns the AMQP connection and re-establishes it with jittered
// exponential backoff when the broker closes it. Publishers and consumers
// obtain channels through Channel and run their own resubscribe loops on
// top of the shared connection.
type Bus struct {
	cfg    Config
	logger zerolog.Logger

	mu   sync.RWMutex
	conn *amqp.Connection

	redeclare atomic.Bool // topology was declared; re-declare after reconnect

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Connect dials the broker and starts the connection watchdog. It fails
// fast when the broker is unreachable so boot problems surface immediately.
func Connect(cfg Config) (*Bus, error) {
	cfg.applyDefaults()

	b := &Bus{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "bus").Logger(),
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	b.conn = conn
	monitoring.SetBusConnected(true)
	b.logger.Info().Msg("AMQP connection established")

	b.wg.Add(1)
	go b.watch(conn)
	return b, nil
}

// Channel opens a fresh channel on the current connection. Callers own the
// returned channel and must close it.
func (b *Bus) Channel() (*amqp.Channel, error) {
	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()

	if conn == nil || conn.IsClosed() {
		return nil, ErrNotConnected
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return ch, nil
}

// DeclareTopology declares the exchange, queue, and binding layout on a
// short-lived channel. Declarations are idempotent and are re-run after
// every reconnect once this has succeeded.
func (b *Bus) DeclareTopology() error {
	ch, err := b.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := declareTopology(ch); err != nil {
		return err
	}
	b.redeclare.Store(true)
	b.logger.Info().Msg("Message topology declared")
	return nil
}

// Close tears down the connection and stops the watchdog. Safe to call
// once during shutdown.
func (b *Bus) Close() error {
	b.cancel()

	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()

	var err error
	if conn != nil && !conn.IsClosed() {
		err = conn.Close()
	}
	b.wg.Wait()
	monitoring.SetBusConnected(false)
	return err
}

// watch blocks on the connection's close notification and hands off to the
// reconnect loop when the broker drops us. A nil close error means a
// graceful local Close.
func (b *Bus) watch(conn *amqp.Connection) {
	defer b.wg.Done()
	defer monitoring.RecoverPanic(b.logger, "bus-watch", nil)

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	select {
	case <-b.ctx.Done():
		return
	case amqpErr := <-closed:
		if amqpErr == nil {
			return
		}
		monitoring.SetBusConnected(false)
		b.logger.Warn().
			Int("code", amqpErr.Code).
			Str("reason", amqpErr.Reason).
			Msg("AMQP connection lost, reconnecting")
		b.reconnect()
	}
}

// reconnect redials until it succeeds or the bus is closed. Each successful
// reconnect re-declares the topology and installs a new watchdog.
func (b *Bus) reconnect() {
	for attempt := 0; ; attempt++ {
		delay := reconnectDelay(attempt)
		select {
		case <-b.ctx.Done():
			return
		case <-time.After(delay):
		}

		conn, err := amqp.Dial(b.cfg.URL)
		if err != nil {
			b.logger.Warn().
				Err(err).
				Int("attempt", attempt+1).
				Msg("AMQP reconnect failed")
			continue
		}
		if b.ctx.Err() != nil {
			_ = conn.Close()
			return
		}

		b.mu.Lock()
		b.conn = conn
		b.mu.Unlock()

		monitoring.IncrementBusReconnects()
		monitoring.SetBusConnected(true)
		b.logger.Info().Int("attempt", attempt+1).Msg("AMQP connection re-established")

		if b.redeclare.Load() {
			if err := b.DeclareTopology(); err != nil {
				b.logger.Error().Err(err).Msg("Topology re-declare failed after reconnect")
			}
		}

		b.wg.Add(1)
		go b.watch(conn)
		return
	}
}
