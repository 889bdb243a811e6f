// Command cyberneticd runs the control plane daemon: the HTTP edge
// gateway, the AMQP message plane with its five VSM system consumers,
// CRDT context replication over NATS, and the telemetry pipeline.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/jmanhype/cybernetic/internal/breaker"
	"github.com/jmanhype/cybernetic/internal/bus"
	"github.com/jmanhype/cybernetic/internal/config"
	"github.com/jmanhype/cybernetic/internal/coordinator"
	"github.com/jmanhype/cybernetic/internal/crdt"
	"github.com/jmanhype/cybernetic/internal/envelope"
	"github.com/jmanhype/cybernetic/internal/gateway"
	"github.com/jmanhype/cybernetic/internal/hnsw"
	"github.com/jmanhype/cybernetic/internal/limits"
	"github.com/jmanhype/cybernetic/internal/monitoring"
	"github.com/jmanhype/cybernetic/internal/policy"
	"github.com/jmanhype/cybernetic/internal/pubsub"
	"github.com/jmanhype/cybernetic/internal/replay"
	"github.com/jmanhype/cybernetic/internal/telemetry"
	"github.com/jmanhype/cybernetic/internal/vsm"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

// embedDim is the episode embedding dimension shared by the vector index
// and the S4 recall path.
const embedDim = 64

func main() {
	boot := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "json"})
	if err := run(boot); err != nil {
		boot.Fatal().Err(err).Msg("Daemon failed")
	}
	boot.Info().Msg("Daemon stopped")
}

func run(boot zerolog.Logger) error {
	cfg, err := config.Load(&boot)
	if err != nil {
		return err
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)
	logger.Info().Str("version", version).Str("site", cfg.Site).Msg("cyberneticd starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.StartTracing(ctx, cfg.OTLPEndpoint, cfg.Site, logger)
	if err != nil {
		return fmt.Errorf("start tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn().Err(err).Msg("Trace flush incomplete")
		}
	}()

	// Signing key. Validate refuses to boot production without a secret;
	// development falls back to an ephemeral key.
	secret := []byte(cfg.HMACSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("generate ephemeral HMAC secret: %w", err)
		}
		logger.Warn().Msg("CYBERNETIC_HMAC_SECRET unset, signing with an ephemeral key; envelopes from other nodes will not verify")
	}
	keyring, err := envelope.NewKeyring(cfg.HMACKeyID, secret)
	if err != nil {
		return fmt.Errorf("build keyring: %w", err)
	}

	// The VSM queues and the stream mirror queues receive copies of the
	// same messages, so each consumption scope verifies against its own
	// ledger: a nonce already consumed by a VSM system must still be fresh
	// for the stream tap.
	vsmLedger, err := replay.NewLedger(replay.LedgerConfig{Window: cfg.ReplayWindow, Logger: logger})
	if err != nil {
		return fmt.Errorf("build replay ledger: %w", err)
	}
	if cfg.BloomFile != "" {
		if err := vsmLedger.LoadBloom(cfg.BloomFile); err != nil {
			logger.Warn().Err(err).Str("path", cfg.BloomFile).Msg("Bloom filter restore failed, starting empty")
		}
	}
	vsmLedger.StartCompaction(cfg.ReplayWindow / 2)
	defer func() {
		if cfg.BloomFile != "" {
			if err := vsmLedger.SaveBloom(cfg.BloomFile); err != nil {
				logger.Warn().Err(err).Str("path", cfg.BloomFile).Msg("Bloom filter save failed")
			}
		}
		vsmLedger.Stop()
	}()

	streamLedger, err := replay.NewLedger(replay.LedgerConfig{Window: cfg.ReplayWindow, Logger: logger})
	if err != nil {
		return fmt.Errorf("build stream replay ledger: %w", err)
	}
	streamLedger.StartCompaction(cfg.ReplayWindow / 2)
	defer streamLedger.Stop()

	vsmCodec, err := envelope.NewCodec(envelope.CodecConfig{
		Keyring:      keyring,
		Ledger:       vsmLedger,
		Site:         cfg.Site,
		MaxSkew:      cfg.MaxClockSkew,
		ReplayWindow: cfg.ReplayWindow,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("build envelope codec: %w", err)
	}
	streamCodec, err := envelope.NewCodec(envelope.CodecConfig{
		Keyring:      keyring,
		Ledger:       streamLedger,
		Site:         cfg.Site,
		MaxSkew:      cfg.MaxClockSkew,
		ReplayWindow: cfg.ReplayWindow,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("build stream codec: %w", err)
	}

	// Message plane.
	b, err := bus.Connect(bus.Config{
		URL:            cfg.AMQPURL,
		Prefetch:       cfg.BusPrefetch,
		ConfirmTimeout: cfg.ConfirmWait,
		RetryLimit:     cfg.RetryLimit,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("connect message bus: %w", err)
	}
	defer b.Close()
	if err := b.DeclareTopology(); err != nil {
		return fmt.Errorf("declare topology: %w", err)
	}

	pub := bus.NewPublisher(b, vsmCodec, bus.PublisherConfig{
		ConfirmTimeout: cfg.ConfirmWait,
		RetryLimit:     cfg.RetryLimit,
		Logger:         logger,
	})
	defer pub.Close()

	emitter, err := telemetry.NewEmitter(telemetry.EmitterConfig{
		Site:         cfg.Site,
		Logger:       logger,
		KafkaBrokers: splitBrokers(cfg.KafkaBrokers),
	})
	if err != nil {
		return fmt.Errorf("build telemetry emitter: %w", err)
	}
	emitter.AttachSink(pub)
	emitter.Start()
	defer emitter.Stop()

	// Control plane: budgets, admission guard, breakers, fair-share slots.
	limiter := limits.NewLimiter(logger)
	limiter.RegisterBudget("api_gateway", limits.BudgetConfig{
		Capacity:   float64(cfg.GatewayBucketCapacity),
		RefillRate: cfg.GatewayBucketRefill,
	})
	limiter.RegisterBudget("s4_llm", limits.BudgetConfig{
		Capacity:   float64(cfg.LLMBucketCapacity),
		RefillRate: cfg.LLMBucketRefill,
	})

	guard := limits.NewConnectionGuard(limits.ConnectionGuardConfig{Logger: logger})
	defer guard.Stop()

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		BaseBackoff:      cfg.BreakerBaseBackoff,
		MaxBackoff:       cfg.BreakerMaxBackoff,
		Logger:           logger,
		Emitter:          emitter,
	})
	defer breakers.Stop()

	coord := coordinator.New(coordinator.Config{
		MaxSlots:   cfg.MaxSlots,
		AgingMs:    cfg.AgingMs,
		AgingBoost: cfg.AgingBoost,
		AgingCap:   cfg.AgingCap,
		Logger:     logger,
		Emitter:    emitter,
	})

	// Context graph replication.
	nc, err := crdt.Connect(cfg.NATSURL, logger)
	if err != nil {
		return fmt.Errorf("connect NATS: %w", err)
	}
	defer nc.Close()
	replica := crdt.NewReplica(nc, crdt.ReplicaConfig{
		Site:    cfg.Site,
		Logger:  logger,
		Emitter: emitter,
	})
	if err := replica.Start(ctx); err != nil {
		return fmt.Errorf("start CRDT replica: %w", err)
	}
	defer replica.Stop()

	policies := policy.NewRegistry(logger, emitter)
	index := hnsw.New(embedDim, hnsw.DefaultM, hnsw.DefaultEFConstruction)

	// The five systems share one publisher, limiter and breaker registry.
	s1 := vsm.NewSystem1(pub, vsm.System1Config{Logger: logger, Emitter: emitter})
	s2 := vsm.NewSystem2(coord, pub, vsm.System2Config{Logger: logger, Emitter: emitter})
	s3 := vsm.NewSystem3(limiter, breakers, vsm.System3Config{Logger: logger, Emitter: emitter})
	s4 := vsm.NewSystem4(&vsm.HeuristicProvider{}, limiter, breakers, index, pub, vsm.System4Config{
		EmbedDim: embedDim,
		Logger:   logger,
		Emitter:  emitter,
	})
	s5 := vsm.NewSystem5(policies, replica, pub, vsm.System5Config{Logger: logger, Emitter: emitter})
	router := vsm.NewRouter(s1, s2, s3, s4, s5, logger)

	vsmDisp := bus.NewDispatcher()
	router.Register(vsmDisp)

	events := pubsub.New(cfg.EventHistory, logger)
	bridge := gateway.NewStreamBridge(events, logger)
	streamDisp := bus.NewDispatcher()
	streamDisp.RegisterDefault(bridge.Handle)

	// The pool deliberately outlives the signal context: Stop drains the
	// queued deliveries so their acks still happen.
	pool := bus.NewWorkerPool(cfg.WorkerPoolSize, cfg.WorkerQueueSize, logger)
	pool.Start(context.Background())
	defer pool.Stop()

	consumerFor := func(queue string, codec *envelope.Codec, disp *bus.Dispatcher) *bus.Consumer {
		return bus.NewConsumer(b, codec, disp, pool, pub, bus.ConsumerConfig{
			Queue:      queue,
			Prefetch:   cfg.BusPrefetch,
			RetryLimit: cfg.RetryLimit,
			Logger:     logger,
			Emitter:    emitter,
		})
	}
	var consumers []*bus.Consumer
	for s := 1; s <= 5; s++ {
		consumers = append(consumers, consumerFor(bus.VSMQueue(s), vsmCodec, vsmDisp))
	}
	for _, q := range []string{bus.QueueEventsStream, bus.QueueTelemetryMetrics, bus.QueueTelemetryLogs} {
		consumers = append(consumers, consumerFor(q, streamCodec, streamDisp))
	}
	for _, c := range consumers {
		c.Start(ctx)
		defer c.Stop()
	}

	// Resource monitor feeding the adaptive breaker thresholds.
	sysmon := monitoring.NewSystemMonitor(logger)
	sysmon.StartMonitoring(cfg.MetricsInterval)
	defer sysmon.Shutdown()
	go func() {
		defer monitoring.RecoverPanic(logger, "healthAdaptLoop", nil)
		ticker := time.NewTicker(cfg.MetricsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				breakers.UpdateSystemHealth(sysmon.HealthScore(), 0)
			}
		}
	}()

	// HTTP edge.
	auth := gateway.NewAuthenticator(gateway.AuthConfig{
		Environment:   cfg.Environment,
		SecretKeyBase: cfg.SecretKeyBase,
		SystemAPIKey:  cfg.SystemAPIKey,
		JWKSURL:       cfg.AuthJWKSURL,
		Logger:        logger,
	})
	gw := gateway.New(auth, guard, limiter, breakers, pub, events, gateway.Config{
		Addr:           cfg.GatewayAddr,
		Environment:    cfg.Environment,
		Site:           cfg.Site,
		Version:        version,
		SSEHeartbeat:   cfg.SSEHeartbeat,
		TelegramSecret: cfg.TelegramWebhookSecret,
		Logger:         logger,
		Emitter:        emitter,
	})

	gwServer := &http.Server{
		Addr:              cfg.GatewayAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Request contexts inherit the signal context so SSE and WebSocket
		// streams end when shutdown begins. No write timeout: those
		// streams are long-lived.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info().Str("addr", cfg.GatewayAddr).Msg("Gateway listening")
		if err := gwServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("gateway server: %w", err)
		}
	}()
	go func() {
		logger.Info().Int("port", cfg.MetricsPort).Msg("Metrics listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	logger.Info().Str("site", cfg.Site).Msg("cyberneticd started")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("Server failed, shutting down")
		stop()
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := gwServer.Shutdown(drainCtx); err != nil {
		logger.Warn().Err(err).Msg("Gateway drain incomplete, closing remaining connections")
		_ = gwServer.Close()
	}
	if err := metricsServer.Shutdown(drainCtx); err != nil {
		_ = metricsServer.Close()
	}

	return runErr
}

// splitBrokers turns the comma-separated KAFKA_BROKERS value into a broker
// list; empty input disables the mirror.
func splitBrokers(raw string) []string {
	if raw == "" {
		return nil
	}
	var brokers []string
	for _, broker := range strings.Split(raw, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}
