// Command cybload drives sustained episode load against a running daemon
// and measures the end-to-end pipeline: each accepted /v1/generate request
// is matched against its vsm.s4.analysis.complete event on the WebSocket
// tap, giving intake-to-analysis latency under load.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const analysisCompleteType = "vsm.s4.analysis.complete"

// readTimeout bounds tap idleness. The keep-alive ping every pingInterval
// guarantees a pong frame well inside it, so a deadline hit means the
// connection is dead, not quiet.
const (
	readTimeout  = 90 * time.Second
	pingInterval = 20 * time.Second
)

// Config is assembled from flags with environment fallbacks so the tool
// works both interactively and inside a harness.
type Config struct {
	BaseURL     string
	APIKey      string
	Rate        int // episodes per second
	DurationSec int // injection phase length
	Taps        int // concurrent WebSocket watchers
	Topics      string
	ReportSec   int
	HealthSec   int
	TimeoutMs   int
}

// State tracks injection and tap metrics for the periodic reports.
type State struct {
	// Injection counters
	sent          int64
	accepted      int64
	rateLimited   int64
	rejected      int64
	requestErrors int64

	// Tap counters
	eventsSeen    int64
	completions   int64
	unmatched     int64
	tapFailures   int64
	tapReconnects int64
	lost          int64

	// Latency matching
	mu        sync.Mutex
	pending   map[string]time.Time // episode id -> accept time
	latencies []time.Duration

	healthMu   sync.RWMutex
	lastHealth *healthResponse

	startTime time.Time
	phase     atomic.Value // "injecting", "draining", "completed"
}

// healthResponse mirrors the daemon's /health body.
type healthResponse struct {
	Status    string `json:"status"`
	Site      string `json:"site"`
	Edge      string `json:"edge"`
	Timestamp string `json:"timestamp"`
}

var (
	config *Config
	state  *State
)

func main() {
	config = parseFlags()
	state = &State{
		pending:   make(map[string]time.Time),
		startTime: time.Now(),
	}
	state.phase.Store("injecting")

	log.Println(strings.Repeat("=", 80))
	log.Printf("EPISODE LOAD TEST")
	log.Println(strings.Repeat("=", 80))
	log.Printf("Target:   %s", config.BaseURL)
	log.Printf("Rate:     %d episodes/sec for %ds", config.Rate, config.DurationSec)
	log.Printf("Taps:     %d watcher(s) on topics %q", config.Taps, config.Topics)
	if config.APIKey == "" {
		log.Printf("Auth:     none (daemon must allow the dev fallback)")
	} else {
		log.Printf("Auth:     x-api-key")
	}
	log.Println(strings.Repeat("=", 80))

	if err := checkServerHealth(); err != nil {
		log.Fatalf("initial health check failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("shutdown signal received")
		cancel()
	}()

	for i := 0; i < config.Taps; i++ {
		go watcher(ctx, i)
	}
	go periodicHealthChecks(ctx)
	go periodicReports(ctx)

	injectLoop(ctx)

	// Injection is done; give in-flight episodes time to finish the
	// pipeline before the final numbers.
	state.phase.Store("draining")
	log.Printf("injection complete, draining in-flight episodes")
	select {
	case <-time.After(10 * time.Second):
	case <-ctx.Done():
	}
	state.phase.Store("completed")

	printReport()
	log.Printf("load test finished")
}

func parseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.BaseURL, "url", getEnv("CYB_URL", "http://localhost:4000"), "Gateway base URL")
	flag.StringVar(&cfg.APIKey, "api-key", getEnv("CYBERNETIC_SYSTEM_API_KEY", ""), "System API key; empty uses the dev fallback")
	flag.IntVar(&cfg.Rate, "rate", getEnvInt("RATE", 1), "Episodes per second")
	flag.IntVar(&cfg.DurationSec, "duration", getEnvInt("DURATION", 60), "Injection duration in seconds")
	flag.IntVar(&cfg.Taps, "taps", getEnvInt("TAPS", 1), "Concurrent WebSocket watchers")
	flag.StringVar(&cfg.Topics, "topics", getEnv("TOPICS", "vsm.*"), "Tap topic patterns")
	flag.IntVar(&cfg.ReportSec, "report-interval", 10, "Report interval in seconds")
	flag.IntVar(&cfg.HealthSec, "health-interval", 5, "Health check interval in seconds")
	flag.IntVar(&cfg.TimeoutMs, "timeout", getEnvInt("TIMEOUT_MS", 10000), "Request and dial timeout in milliseconds")
	flag.Parse()

	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// injectLoop posts episodes at the configured rate until the duration
// elapses or the context ends.
func injectLoop(ctx context.Context) {
	client := &http.Client{Timeout: time.Duration(config.TimeoutMs) * time.Millisecond}
	interval := time.Second / time.Duration(max(config.Rate, 1))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadline := time.After(time.Duration(config.DurationSec) * time.Second)

	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case <-ticker.C:
			seq++
			go inject(ctx, client, seq)
		}
	}
}

func inject(ctx context.Context, client *http.Client, seq int) {
	atomic.AddInt64(&state.sent, 1)

	body, _ := json.Marshal(map[string]any{
		"prompt": fmt.Sprintf("load probe %d at %d", seq, time.Now().UnixMilli()),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, config.BaseURL+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		atomic.AddInt64(&state.requestErrors, 1)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if config.APIKey != "" {
		req.Header.Set("X-Api-Key", config.APIKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		atomic.AddInt64(&state.requestErrors, 1)
		return
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var out struct {
			EpisodeID string `json:"episode_id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.EpisodeID == "" {
			atomic.AddInt64(&state.requestErrors, 1)
			return
		}
		atomic.AddInt64(&state.accepted, 1)
		state.mu.Lock()
		state.pending[out.EpisodeID] = time.Now()
		state.mu.Unlock()
	case http.StatusTooManyRequests:
		atomic.AddInt64(&state.rateLimited, 1)
		io.Copy(io.Discard, resp.Body)
	default:
		atomic.AddInt64(&state.rejected, 1)
		io.Copy(io.Discard, resp.Body)
	}
}

// watcher holds one WebSocket tap open, reconnecting with a short pause
// whenever the connection drops.
func watcher(ctx context.Context, id int) {
	first := true
	for ctx.Err() == nil {
		if !first {
			atomic.AddInt64(&state.tapReconnects, 1)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
		}
		first = false

		if err := runTap(ctx, id); err != nil && ctx.Err() == nil {
			atomic.AddInt64(&state.tapFailures, 1)
			log.Printf("tap %d: %v", id, err)
		}
	}
}

func runTap(ctx context.Context, id int) error {
	wsURL, err := tapURL(config.BaseURL, config.Topics)
	if err != nil {
		return err
	}

	header := http.Header{}
	if config.APIKey != "" {
		header.Set("X-Api-Key", config.APIKey)
	}
	dialer := ws.Dialer{
		Timeout: time.Duration(config.TimeoutMs) * time.Millisecond,
		Header:  ws.HandshakeHeaderHTTP(header),
	}

	conn, br, _, err := dialer.Dial(ctx, wsURL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)

	// Close the socket when the context ends so the blocked read returns.
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	var writeMu sync.Mutex
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				writeMu.Lock()
				err := wsutil.WriteClientMessage(conn, ws.OpPing, nil)
				writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	// The dialer may have buffered frames past the handshake.
	var rw io.ReadWriter = conn
	if br != nil {
		rw = struct {
			io.Reader
			io.Writer
		}{br, conn}
	}
	reader := wsutil.NewReader(rw, ws.StateClientSide)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return err
		}
		head, err := reader.NextFrame()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		switch head.OpCode {
		case ws.OpClose:
			return fmt.Errorf("server closed the tap")
		case ws.OpPing:
			if _, err := io.CopyN(io.Discard, reader, head.Length); err != nil {
				return err
			}
			writeMu.Lock()
			err := wsutil.WriteClientMessage(conn, ws.OpPong, nil)
			writeMu.Unlock()
			if err != nil {
				return err
			}
		case ws.OpPong:
			if head.Length > 0 {
				if _, err := io.CopyN(io.Discard, reader, head.Length); err != nil {
					return err
				}
			}
		case ws.OpText:
			payload := make([]byte, head.Length)
			if _, err := io.ReadFull(reader, payload); err != nil {
				return err
			}
			handleFrame(payload)
		default:
			if _, err := io.CopyN(io.Discard, reader, head.Length); err != nil {
				return err
			}
		}
	}
}

// handleFrame matches analysis completions against pending injections and
// records the end-to-end latency.
func handleFrame(payload []byte) {
	atomic.AddInt64(&state.eventsSeen, 1)

	var frame struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &frame); err != nil || frame.Type != analysisCompleteType {
		return
	}

	var result struct {
		Analysis struct {
			EpisodeID string `json:"episode_id"`
		} `json:"analysis"`
	}
	if err := json.Unmarshal(frame.Data, &result); err != nil || result.Analysis.EpisodeID == "" {
		return
	}

	state.mu.Lock()
	sentAt, ok := state.pending[result.Analysis.EpisodeID]
	if ok {
		delete(state.pending, result.Analysis.EpisodeID)
		state.latencies = append(state.latencies, time.Since(sentAt))
	}
	state.mu.Unlock()

	if ok {
		atomic.AddInt64(&state.completions, 1)
	} else {
		// Another tenant's episode, a duplicate tap, or a completion
		// that outlived the pending window.
		atomic.AddInt64(&state.unmatched, 1)
	}
}

func tapURL(base, topics string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/v1/ws"
	u.RawQuery = url.Values{"topics": {topics}}.Encode()
	return u.String(), nil
}

func checkServerHealth() error {
	client := &http.Client{Timeout: time.Duration(config.TimeoutMs) * time.Millisecond}
	resp, err := client.Get(config.BaseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return err
	}

	state.healthMu.Lock()
	state.lastHealth = &health
	state.healthMu.Unlock()

	if health.Status != "ok" {
		log.Printf("server reports %s (edge breaker %s), continuing", health.Status, health.Edge)
	}
	return nil
}

func periodicHealthChecks(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(config.HealthSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := checkServerHealth(); err != nil {
				log.Printf("health check failed: %v", err)
			}
		}
	}
}

func periodicReports(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(config.ReportSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expirePending()
			printReport()
		}
	}
}

// expirePending drops injections that never produced a completion event.
// Two minutes covers the daemon's full retry cycle.
func expirePending() {
	cutoff := time.Now().Add(-2 * time.Minute)
	state.mu.Lock()
	for id, at := range state.pending {
		if at.Before(cutoff) {
			delete(state.pending, id)
			atomic.AddInt64(&state.lost, 1)
		}
	}
	state.mu.Unlock()
}

func printReport() {
	elapsed := int(time.Since(state.startTime).Seconds())

	sent := atomic.LoadInt64(&state.sent)
	accepted := atomic.LoadInt64(&state.accepted)
	rateLimited := atomic.LoadInt64(&state.rateLimited)
	rejected := atomic.LoadInt64(&state.rejected)
	reqErrors := atomic.LoadInt64(&state.requestErrors)
	completions := atomic.LoadInt64(&state.completions)
	lost := atomic.LoadInt64(&state.lost)

	acceptRate := 100.0
	if sent > 0 {
		acceptRate = float64(accepted) / float64(sent) * 100
	}

	state.mu.Lock()
	inFlight := len(state.pending)
	lat := make([]time.Duration, len(state.latencies))
	copy(lat, state.latencies)
	state.mu.Unlock()

	state.healthMu.RLock()
	health := state.lastHealth
	state.healthMu.RUnlock()

	log.Println(strings.Repeat("=", 80))
	log.Printf("EPISODE LOAD TEST - elapsed %ds - phase %s", elapsed, strings.ToUpper(state.phase.Load().(string)))
	log.Println(strings.Repeat("=", 80))
	log.Printf("Injection:")
	log.Printf("  Sent:         %d", sent)
	log.Printf("  Accepted:     %d (%.1f%%)", accepted, acceptRate)
	log.Printf("  Rate limited: %d", rateLimited)
	log.Printf("  Rejected:     %d", rejected)
	log.Printf("  Errors:       %d", reqErrors)
	log.Printf("Pipeline:")
	log.Printf("  Completed:    %d", completions)
	log.Printf("  In flight:    %d", inFlight)
	log.Printf("  Lost:         %d", lost)
	log.Printf("  Events seen:  %d (unmatched %d)", atomic.LoadInt64(&state.eventsSeen), atomic.LoadInt64(&state.unmatched))
	if reconnects := atomic.LoadInt64(&state.tapReconnects); reconnects > 0 {
		log.Printf("  Tap reconnects: %d (failures %d)", reconnects, atomic.LoadInt64(&state.tapFailures))
	}

	if len(lat) > 0 {
		sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })
		log.Printf("Latency (intake to analysis complete, %d samples):", len(lat))
		log.Printf("  p50: %s  p95: %s  p99: %s  max: %s",
			percentile(lat, 50), percentile(lat, 95), percentile(lat, 99), lat[len(lat)-1])
	}

	log.Printf("Server:")
	if health != nil {
		log.Printf("  Status: %s  Site: %s  Edge breaker: %s", health.Status, health.Site, health.Edge)
	} else {
		log.Printf("  Status: no health data")
	}
	log.Println(strings.Repeat("=", 80))
}

// percentile reads the p-th percentile from an ascending-sorted sample.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
