package bus

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange names. All are durable; kinds are fixed by declareTopology.
const (
	ExchangeEvents    = "cyb.events"    // topic: domain events
	ExchangeCommands  = "cyb.commands"  // topic: imperative commands
	ExchangeTelemetry = "cyb.telemetry" // topic: telemetry stream
	ExchangeMCPTools  = "cyb.mcp.tools" // topic: tool invocations
	ExchangePriority  = "cyb.priority"  // direct: priority alerts
	ExchangeRetry     = "cyb.retry"     // topic: deferred-retry staging
	ExchangeDLX       = "cyb.dlx"       // fanout: dead letters
)

// Queue names.
const (
	QueueTelemetryMetrics = "telemetry.metrics"
	QueueTelemetryLogs    = "telemetry.logs"
	QueueEventsStream     = "events.stream"
	QueuePriorityAlerts   = "priority.alerts"
	QueueDLQ              = "dlq"
	QueueEventsRetry      = "cyb.events.retry"
	QueueEventsFailed     = "cyb.events.failed"
)

const (
	vsmQueueTTLMs = 300000 // VSM queue message TTL (5 minutes)
	retryDelayMs  = 15000  // hold time before a retry re-enters cyb.events
	alertPriority = 10     // priority levels on the alert queue
)

// vsmRoles names the queue role for each VSM system, 1-indexed.
var vsmRoles = [6]string{"", "operations", "coordination", "control", "intelligence", "policy"}

// VSMExchange returns the dedicated exchange for a VSM system (1..5).
func VSMExchange(system int) string {
	return fmt.Sprintf("cyb.vsm.s%d", system)
}

// VSMQueue returns the durable queue for a VSM system (1..5).
func VSMQueue(system int) string {
	return fmt.Sprintf("vsm.system%d.%s", system, vsmRoles[system])
}

// topologyChannel is the subset of amqp.Channel used for declarations.
type topologyChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

type exchangeSpec struct {
	name string
	kind string
}

type queueSpec struct {
	name string
	args amqp.Table
}

type bindingSpec struct {
	queue    string
	key      string
	exchange string
}

func topologyExchanges() []exchangeSpec {
	specs := []exchangeSpec{
		{ExchangeEvents, "topic"},
		{ExchangeCommands, "topic"},
		{ExchangeTelemetry, "topic"},
		{ExchangeMCPTools, "topic"},
		{ExchangePriority, "direct"},
		{ExchangeRetry, "topic"},
		{ExchangeDLX, "fanout"},
	}
	for s := 1; s <= 5; s++ {
		specs = append(specs, exchangeSpec{VSMExchange(s), "topic"})
	}
	return specs
}

func topologyQueues() []queueSpec {
	// Stream and telemetry consumers reject without requeue on permanent
	// failures, so those queues dead-letter like the VSM ones do.
	specs := []queueSpec{
		{QueueTelemetryMetrics, amqp.Table{"x-dead-letter-exchange": ExchangeDLX}},
		{QueueTelemetryLogs, amqp.Table{"x-dead-letter-exchange": ExchangeDLX}},
		{QueueEventsStream, amqp.Table{"x-dead-letter-exchange": ExchangeDLX}},
		{QueuePriorityAlerts, amqp.Table{"x-max-priority": int32(alertPriority)}},
		{QueueDLQ, nil},
		// Messages parked here expire after retryDelayMs and dead-letter
		// back onto cyb.events with their original routing key.
		{QueueEventsRetry, amqp.Table{
			"x-message-ttl":          int32(retryDelayMs),
			"x-dead-letter-exchange": ExchangeEvents,
		}},
		{QueueEventsFailed, nil},
	}
	for s := 1; s <= 5; s++ {
		specs = append(specs, queueSpec{VSMQueue(s), amqp.Table{
			"x-message-ttl":          int32(vsmQueueTTLMs),
			"x-dead-letter-exchange": ExchangeDLX,
		}})
	}
	return specs
}

func topologyBindings() []bindingSpec {
	specs := []bindingSpec{
		{QueueEventsStream, "#", ExchangeEvents},
		{QueueTelemetryMetrics, "telemetry.#", ExchangeTelemetry},
		{QueueTelemetryLogs, "log.#", ExchangeTelemetry},
		{QueuePriorityAlerts, "alert", ExchangePriority},
		{QueueDLQ, "", ExchangeDLX},
		{QueueEventsRetry, "#", ExchangeRetry},
	}
	for s := 1; s <= 5; s++ {
		specs = append(specs,
			bindingSpec{VSMQueue(s), fmt.Sprintf("vsm.s%d.*", s), ExchangeEvents},
			bindingSpec{VSMQueue(s), fmt.Sprintf("s%d.#", s), VSMExchange(s)},
		)
	}
	return specs
}

// declareTopology lays down the full exchange/queue/binding graph. Every
// declaration is idempotent so this is safe on every boot and reconnect.
func declareTopology(ch topologyChannel) error {
	for _, e := range topologyExchanges() {
		if err := ch.ExchangeDeclare(e.name, e.kind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", e.name, err)
		}
	}
	for _, q := range topologyQueues() {
		if _, err := ch.QueueDeclare(q.name, true, false, false, false, q.args); err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}
	for _, bnd := range topologyBindings() {
		if err := ch.QueueBind(bnd.queue, bnd.key, bnd.exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", bnd.queue, bnd.exchange, err)
		}
	}
	return nil
}
