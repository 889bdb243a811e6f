package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/jmanhype/cybernetic/internal/monitoring"
)

// Event is a boundary telemetry record. Every component emits one at its
// observable edges (schedule, pressure, replay, breaker transitions, spans).
type Event struct {
	Event     string         `json:"event"`
	Component string         `json:"component"`
	AtMs      int64          `json:"at_ms"`
	Site      string         `json:"site"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// BusSink republishes telemetry events onto the telemetry exchange. The bus
// publisher attaches itself after construction; until then events reach the
// log and metrics only.
type BusSink interface {
	PublishTelemetry(ctx context.Context, routingKey string, body []byte) error
}

// EmitterConfig holds emitter tunables.
type EmitterConfig struct {
	Site   string
	Logger zerolog.Logger

	// BufferSize bounds the forwarding queue (default 1024). Events beyond
	// it are dropped and counted rather than blocking the hot path.
	BufferSize int

	// KafkaBrokers enables the analytics mirror when non-empty.
	KafkaBrokers []string
	KafkaTopic   string
}

// Emitter fans boundary events out to the structured log, the Prometheus
// counters, and asynchronously to the telemetry exchange plus an optional
// Kafka mirror. A nil *Emitter is valid and drops everything, which keeps
// component constructors free of conditionals in tests.
type Emitter struct {
	logger zerolog.Logger
	site   string

	sinkMu sync.RWMutex
	sink   BusSink

	kafka      *kgo.Client
	kafkaTopic string

	events  chan *Event
	dropped atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEmitter creates an emitter. Call Start to begin forwarding; Emit before
// Start only logs and counts.
func NewEmitter(cfg EmitterConfig) (*Emitter, error) {
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 1024
	}
	if cfg.KafkaTopic == "" {
		cfg.KafkaTopic = "cyb.telemetry"
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Emitter{
		logger:     cfg.Logger.With().Str("component", "telemetry").Logger(),
		site:       cfg.Site,
		kafkaTopic: cfg.KafkaTopic,
		events:     make(chan *Event, cfg.BufferSize),
		ctx:        ctx,
		cancel:     cancel,
	}

	if len(cfg.KafkaBrokers) > 0 {
		client, err := kgo.NewClient(
			kgo.SeedBrokers(cfg.KafkaBrokers...),
			kgo.ProducerBatchMaxBytes(1024*1024),
			kgo.ProducerLinger(10*time.Millisecond),
		)
		if err != nil {
			cancel()
			return nil, err
		}
		e.kafka = client
		e.logger.Info().
			Strs("brokers", cfg.KafkaBrokers).
			Str("topic", cfg.KafkaTopic).
			Msg("Kafka telemetry mirror enabled")
	}

	return e, nil
}

// AttachSink wires the bus publisher in once it exists. Safe to call while
// events are flowing.
func (e *Emitter) AttachSink(sink BusSink) {
	if e == nil {
		return
	}
	e.sinkMu.Lock()
	e.sink = sink
	e.sinkMu.Unlock()
}

// Start launches the forwarding loop.
func (e *Emitter) Start() {
	if e == nil {
		return
	}
	e.wg.Add(1)
	go e.forwardLoop()
}

// Emit records a boundary event. Never blocks: when the forwarding queue is
// full the event is dropped and counted, with a sampled warning.
func (e *Emitter) Emit(component, event string, fields map[string]any) {
	if e == nil {
		return
	}

	monitoring.RecordTelemetryEvent(component)

	e.logger.Debug().
		Str("event_component", component).
		Str("event", event).
		Fields(fields).
		Msg("Boundary event")

	ev := &Event{
		Event:     event,
		Component: component,
		AtMs:      time.Now().UnixMilli(),
		Site:      e.site,
		Fields:    fields,
	}

	select {
	case e.events <- ev:
	default:
		dropped := e.dropped.Add(1)
		// Log every 100th drop to avoid flooding under sustained overload
		if dropped%100 == 1 {
			e.logger.Warn().
				Uint64("total_dropped", dropped).
				Str("event", event).
				Msg("Telemetry queue full, dropping events")
		}
	}
}

// Dropped returns the total events discarded because the queue was full.
func (e *Emitter) Dropped() uint64 {
	if e == nil {
		return 0
	}
	return e.dropped.Load()
}

func (e *Emitter) forwardLoop() {
	defer e.wg.Done()
	defer monitoring.RecoverPanic(e.logger, "telemetry-forward", nil)

	for {
		select {
		case <-e.ctx.Done():
			return
		case ev := <-e.events:
			e.deliver(ev)
		}
	}
}

// deliver ships one event to the bus sink and the Kafka mirror. Failures are
// logged and dropped; telemetry never causes backpressure on its sources.
func (e *Emitter) deliver(ev *Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		e.logger.Error().Err(err).Str("event", ev.Event).Msg("Failed to encode telemetry event")
		return
	}

	e.sinkMu.RLock()
	sink := e.sink
	e.sinkMu.RUnlock()

	if sink != nil {
		ctx, cancel := context.WithTimeout(e.ctx, 2*time.Second)
		routingKey := "telemetry." + ev.Component + "." + ev.Event
		if err := sink.PublishTelemetry(ctx, routingKey, body); err != nil {
			e.logger.Debug().Err(err).Str("event", ev.Event).Msg("Telemetry publish failed")
		}
		cancel()
	}

	if e.kafka != nil {
		record := &kgo.Record{
			Topic: e.kafkaTopic,
			Key:   []byte(ev.Component),
			Value: body,
		}
		e.kafka.Produce(e.ctx, record, func(_ *kgo.Record, err error) {
			if err != nil {
				e.logger.Debug().Err(err).Msg("Kafka telemetry produce failed")
			}
		})
	}
}

// Stop drains the forwarding loop and closes the Kafka client.
func (e *Emitter) Stop() {
	if e == nil {
		return
	}
	e.cancel()
	e.wg.Wait()
	if e.kafka != nil {
		e.kafka.Close()
	}
	e.logger.Info().Uint64("dropped", e.dropped.Load()).Msg("Telemetry emitter stopped")
}
