package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for the control plane.
// Scraped from the /metrics endpoint on the gateway.
var (
	// Envelope / security metrics
	envelopeVerifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cyb_envelope_verifications_total",
		Help: "Total envelope verifications by result",
	}, []string{"result"})

	envelopeClockSkew = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cyb_envelope_clock_skew_ms",
		Help: "Clock skew magnitude observed on the last verified envelope (ms)",
	})

	replayRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cyb_replay_rejections_total",
		Help: "Total messages rejected because their nonce was already seen",
	})

	replayLedgerSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cyb_replay_ledger_nonces",
		Help: "Current number of nonces tracked by the replay ledger",
	})

	replayBloomRebuilds = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cyb_replay_bloom_rebuilds_total",
		Help: "Total bloom filter rebuilds triggered by compaction",
	})

	// Bus metrics
	busPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cyb_bus_published_total",
		Help: "Total messages published by exchange",
	}, []string{"exchange"})

	busPublishFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cyb_bus_publish_failures_total",
		Help: "Total publish failures by kind (nack, confirm_timeout, channel)",
	}, []string{"kind"})

	busConsumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cyb_bus_consumed_total",
		Help: "Total deliveries consumed by queue and outcome (ack, requeue, rejected, failed)",
	}, []string{"queue", "outcome"})

	busReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cyb_bus_reconnects_total",
		Help: "Total broker reconnect attempts",
	})

	busConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cyb_bus_connected",
		Help: "Broker connection status (1=connected, 0=down)",
	})

	// Worker pool metrics
	workerQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cyb_worker_queue_depth",
		Help: "Current number of tasks waiting in worker pool queue",
	})

	workerTasksDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cyb_worker_tasks_dropped_total",
		Help: "Total tasks dropped when worker pool queue full",
	})

	// Rate limiter metrics
	rateLimiterDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cyb_rate_limiter_decisions_total",
		Help: "Token bucket decisions by budget and outcome (allowed, limited)",
	}, []string{"budget", "outcome"})

	// Coordinator metrics
	coordinatorReservations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cyb_coordinator_reservations_total",
		Help: "Fair-share slot reservations by topic and outcome (scheduled, pressure)",
	}, []string{"topic", "outcome"})

	coordinatorOccupancy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cyb_coordinator_occupied_slots",
		Help: "Currently occupied slots per topic",
	}, []string{"topic"})

	// Circuit breaker metrics
	breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cyb_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
	}, []string{"name"})

	breakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cyb_breaker_transitions_total",
		Help: "Circuit breaker state transitions by name and target state",
	}, []string{"name", "to"})

	breakerRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cyb_breaker_rejected_total",
		Help: "Calls rejected while the breaker was open",
	}, []string{"name"})

	// Gateway metrics
	gatewayRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cyb_gateway_requests_total",
		Help: "HTTP requests by route and status code",
	}, []string{"route", "status"})

	gatewayRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cyb_gateway_rejections_total",
		Help: "Admission pipeline rejections by stage (ip_guard, auth, tenant, rate_limit, breaker)",
	}, []string{"stage"})

	sseConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cyb_sse_connections_active",
		Help: "Current number of active SSE subscriptions",
	})

	sseEventsDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cyb_sse_events_delivered_total",
		Help: "Total events delivered over SSE streams",
	})

	wsTapConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cyb_ws_tap_connections_active",
		Help: "Current number of active WebSocket event tap connections",
	})

	// CRDT metrics
	crdtTriples = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cyb_crdt_triples",
		Help: "Current number of live triples in the local replica",
	})

	crdtDeltas = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cyb_crdt_deltas_total",
		Help: "CRDT delta traffic by direction (shipped, applied)",
	}, []string{"direction"})

	crdtPeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cyb_crdt_peers",
		Help: "Known replica peers discovered via membership",
	})

	// Policy metrics
	policyEvaluations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cyb_policy_evaluations_total",
		Help: "Policy evaluations by decision (allow, deny, error)",
	}, []string{"decision"})

	policyRegistrations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cyb_policy_registrations_total",
		Help: "Policy registrations by outcome (ok, parse_error, validation_failed)",
	}, []string{"outcome"})

	// VSM metrics
	vsmMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cyb_vsm_messages_total",
		Help: "Messages handled per VSM system",
	}, []string{"system"})

	episodesCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cyb_episodes_created_total",
		Help: "Episodes created by kind",
	}, []string{"kind"})

	providerCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cyb_provider_calls_total",
		Help: "Analysis provider calls by outcome (ok, error, budget_exhausted, circuit_open)",
	}, []string{"outcome"})

	// Telemetry plane
	telemetryEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cyb_telemetry_events_total",
		Help: "Boundary telemetry events by component",
	}, []string{"component"})

	// System metrics
	systemCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cyb_system_cpu_percent",
		Help: "Current CPU usage percentage",
	})

	systemMemoryBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cyb_system_memory_bytes",
		Help: "Current process memory usage in bytes",
	})

	systemGoroutines = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cyb_system_goroutines",
		Help: "Current number of goroutines",
	})

	systemHealthScore = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cyb_system_health_score",
		Help: "Aggregate system health in [0,1] fed to breaker adaptation",
	})
)

func init() {
	prometheus.MustRegister(envelopeVerifications)
	prometheus.MustRegister(envelopeClockSkew)
	prometheus.MustRegister(replayRejections)
	prometheus.MustRegister(replayLedgerSize)
	prometheus.MustRegister(replayBloomRebuilds)

	prometheus.MustRegister(busPublished)
	prometheus.MustRegister(busPublishFailures)
	prometheus.MustRegister(busConsumed)
	prometheus.MustRegister(busReconnects)
	prometheus.MustRegister(busConnected)

	prometheus.MustRegister(workerQueueDepth)
	prometheus.MustRegister(workerTasksDropped)

	prometheus.MustRegister(rateLimiterDecisions)
	prometheus.MustRegister(coordinatorReservations)
	prometheus.MustRegister(coordinatorOccupancy)

	prometheus.MustRegister(breakerState)
	prometheus.MustRegister(breakerTransitions)
	prometheus.MustRegister(breakerRejected)

	prometheus.MustRegister(gatewayRequests)
	prometheus.MustRegister(gatewayRejections)
	prometheus.MustRegister(sseConnectionsActive)
	prometheus.MustRegister(sseEventsDelivered)
	prometheus.MustRegister(wsTapConnectionsActive)

	prometheus.MustRegister(crdtTriples)
	prometheus.MustRegister(crdtDeltas)
	prometheus.MustRegister(crdtPeers)

	prometheus.MustRegister(policyEvaluations)
	prometheus.MustRegister(policyRegistrations)

	prometheus.MustRegister(vsmMessages)
	prometheus.MustRegister(episodesCreated)
	prometheus.MustRegister(providerCalls)

	prometheus.MustRegister(telemetryEvents)

	prometheus.MustRegister(systemCPUPercent)
	prometheus.MustRegister(systemMemoryBytes)
	prometheus.MustRegister(systemGoroutines)
	prometheus.MustRegister(systemHealthScore)
}

// RecordVerification tracks an envelope verification result.
// Result is the error kind ("ok" for success).
func RecordVerification(result string) {
	envelopeVerifications.WithLabelValues(result).Inc()
}

// RecordClockSkew exports the skew magnitude observed on a verification.
func RecordClockSkew(skewMs float64) {
	envelopeClockSkew.Set(skewMs)
}

// IncrementReplayRejections counts a replay-detected rejection.
func IncrementReplayRejections() {
	replayRejections.Inc()
}

// SetReplayLedgerSize exports the current ledger population.
func SetReplayLedgerSize(n int) {
	replayLedgerSize.Set(float64(n))
}

// IncrementBloomRebuilds counts a bloom rebuild after compaction.
func IncrementBloomRebuilds() {
	replayBloomRebuilds.Inc()
}

// RecordPublish tracks a successful publish to an exchange.
func RecordPublish(exchange string) {
	busPublished.WithLabelValues(exchange).Inc()
}

// RecordPublishFailure tracks a failed publish by kind.
func RecordPublishFailure(kind string) {
	busPublishFailures.WithLabelValues(kind).Inc()
}

// Delivery outcomes for RecordDelivery.
const (
	DeliveryAcked    = "ack"
	DeliveryRequeued = "requeue"
	DeliveryRejected = "rejected"
	DeliveryFailed   = "failed"
)

// RecordDelivery tracks a consumed delivery outcome.
func RecordDelivery(queue, outcome string) {
	busConsumed.WithLabelValues(queue, outcome).Inc()
}

// IncrementBusReconnects counts a reconnect attempt.
func IncrementBusReconnects() {
	busReconnects.Inc()
}

// SetBusConnected flips the broker connectivity gauge.
func SetBusConnected(connected bool) {
	if connected {
		busConnected.Set(1)
	} else {
		busConnected.Set(0)
	}
}

// SetWorkerQueueDepth exports the current worker pool queue depth.
func SetWorkerQueueDepth(depth int) {
	workerQueueDepth.Set(float64(depth))
}

// IncrementWorkerTasksDropped counts a dropped worker pool task.
func IncrementWorkerTasksDropped() {
	workerTasksDropped.Inc()
}

// RecordRateLimit tracks a token bucket decision.
func RecordRateLimit(budget string, allowed bool) {
	outcome := "allowed"
	if !allowed {
		outcome = "limited"
	}
	rateLimiterDecisions.WithLabelValues(budget, outcome).Inc()
}

// RecordSchedule tracks a successful slot reservation.
func RecordSchedule(topic string, occupied int) {
	coordinatorReservations.WithLabelValues(topic, "scheduled").Inc()
	coordinatorOccupancy.WithLabelValues(topic).Set(float64(occupied))
}

// RecordPressure tracks a backpressured reservation attempt.
func RecordPressure(topic string, occupied int) {
	coordinatorReservations.WithLabelValues(topic, "pressure").Inc()
	coordinatorOccupancy.WithLabelValues(topic).Set(float64(occupied))
}

// SetCoordinatorOccupancy exports a topic's occupancy after a release.
func SetCoordinatorOccupancy(topic string, occupied int) {
	coordinatorOccupancy.WithLabelValues(topic).Set(float64(occupied))
}

// SetBreakerState exports a breaker's state as a numeric gauge.
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// RecordBreakerTransition tracks a state transition.
func RecordBreakerTransition(name, to string) {
	breakerTransitions.WithLabelValues(name, to).Inc()
}

// IncrementBreakerRejected counts a call rejected by an open breaker.
func IncrementBreakerRejected(name string) {
	breakerRejected.WithLabelValues(name).Inc()
}

// RecordRequest tracks an HTTP request by route and status.
func RecordRequest(route, status string) {
	gatewayRequests.WithLabelValues(route, status).Inc()
}

// RecordRejection tracks an admission pipeline rejection by stage.
func RecordRejection(stage string) {
	gatewayRejections.WithLabelValues(stage).Inc()
}

// SSEConnectionOpened / SSEConnectionClosed bracket a subscription lifetime.
func SSEConnectionOpened() { sseConnectionsActive.Inc() }

// SSEConnectionClosed marks the end of an SSE subscription.
func SSEConnectionClosed() { sseConnectionsActive.Dec() }

// WSTapOpened marks a new WebSocket event tap connection.
func WSTapOpened() { wsTapConnectionsActive.Inc() }

// WSTapClosed marks the end of a WebSocket event tap connection.
func WSTapClosed() { wsTapConnectionsActive.Dec() }

// IncrementSSEDelivered counts an event written to an SSE stream.
func IncrementSSEDelivered() { sseEventsDelivered.Inc() }

// SetCRDTTriples exports the live triple count.
func SetCRDTTriples(n int) {
	crdtTriples.Set(float64(n))
}

// RecordCRDTDelta tracks delta traffic; direction is "shipped" or "applied".
func RecordCRDTDelta(direction string) {
	crdtDeltas.WithLabelValues(direction).Inc()
}

// SetCRDTPeers exports the known peer count.
func SetCRDTPeers(n int) {
	crdtPeers.Set(float64(n))
}

// RecordPolicyEvaluation tracks an evaluation decision.
func RecordPolicyEvaluation(decision string) {
	policyEvaluations.WithLabelValues(decision).Inc()
}

// RecordPolicyRegistration tracks a registration outcome.
func RecordPolicyRegistration(outcome string) {
	policyRegistrations.WithLabelValues(outcome).Inc()
}

// RecordVSMMessage counts a message handled by a VSM system (s1..s5).
func RecordVSMMessage(system string) {
	vsmMessages.WithLabelValues(system).Inc()
}

// RecordEpisodeCreated counts an episode by kind.
func RecordEpisodeCreated(kind string) {
	episodesCreated.WithLabelValues(kind).Inc()
}

// RecordProviderCall tracks an S4 provider call outcome.
func RecordProviderCall(outcome string) {
	providerCalls.WithLabelValues(outcome).Inc()
}

// RecordTelemetryEvent counts a boundary telemetry event.
func RecordTelemetryEvent(component string) {
	telemetryEvents.WithLabelValues(component).Inc()
}

// UpdateSystemMetrics exports the latest system resource sample.
func UpdateSystemMetrics(cpuPercent float64, memoryBytes int64, goroutines int) {
	systemCPUPercent.Set(cpuPercent)
	systemMemoryBytes.Set(float64(memoryBytes))
	systemGoroutines.Set(float64(goroutines))
}

// SetSystemHealthScore exports the aggregate health score.
func SetSystemHealthScore(score float64) {
	systemHealthScore.Set(score)
}
