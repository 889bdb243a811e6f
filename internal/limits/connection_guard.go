package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/jmanhype/cybernetic/internal/monitoring"
)

// ConnectionGuard throttles inbound connection attempts before any
// authentication work happens.
//
// Two levels:
//   - Per-IP: bounds what a single client can open
//   - Global: bounds system-wide accept rate under distributed load
//
// Both levels use token buckets from golang.org/x/time/rate. Per-IP state is
// evicted after a TTL of inactivity so the map cannot grow without bound.
type ConnectionGuard struct {
	ipLimiters map[string]*ipEntry
	ipMu       sync.RWMutex
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	globalLimiter *rate.Limiter

	logger zerolog.Logger

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

type ipEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnectionGuardConfig holds the guard tunables. Zero values take defaults.
type ConnectionGuardConfig struct {
	IPBurst int           // Max burst attempts per IP (default 10)
	IPRate  float64       // Sustained attempts/sec per IP (default 1.0)
	IPTTL   time.Duration // Evict idle IP entries after this (default 5m)

	GlobalBurst int     // Max burst attempts system-wide (default 300)
	GlobalRate  float64 // Sustained attempts/sec system-wide (default 50.0)

	Logger zerolog.Logger
}

// NewConnectionGuard creates the guard and starts its cleanup loop.
func NewConnectionGuard(config ConnectionGuardConfig) *ConnectionGuard {
	if config.IPBurst == 0 {
		config.IPBurst = 10
	}
	if config.IPRate == 0 {
		config.IPRate = 1.0
	}
	if config.IPTTL == 0 {
		config.IPTTL = 5 * time.Minute
	}
	if config.GlobalBurst == 0 {
		config.GlobalBurst = 300
	}
	if config.GlobalRate == 0 {
		config.GlobalRate = 50.0
	}

	guard := &ConnectionGuard{
		ipLimiters:    make(map[string]*ipEntry),
		ipBurst:       config.IPBurst,
		ipRate:        config.IPRate,
		ipTTL:         config.IPTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		logger:        config.Logger.With().Str("component", "connection_guard").Logger(),
		stopCleanup:   make(chan struct{}),
	}

	guard.cleanupTicker = time.NewTicker(1 * time.Minute)
	go guard.cleanupLoop()

	guard.logger.Info().
		Int("ip_burst", config.IPBurst).
		Float64("ip_rate", config.IPRate).
		Dur("ip_ttl", config.IPTTL).
		Int("global_burst", config.GlobalBurst).
		Float64("global_rate", config.GlobalRate).
		Msg("ConnectionGuard initialized")

	return guard
}

// Allow reports whether a connection attempt from ip may proceed. Global
// limit is checked first (no map lookup), then the per-IP limit.
func (g *ConnectionGuard) Allow(ip string) bool {
	if !g.globalLimiter.Allow() {
		g.logger.Debug().Str("ip", ip).Msg("Connection rejected: global rate exceeded")
		monitoring.RecordRejection("ip_guard")
		return false
	}

	if !g.getIPLimiter(ip).Allow() {
		g.logger.Debug().Str("ip", ip).Msg("Connection rejected: per-IP rate exceeded")
		monitoring.RecordRejection("ip_guard")
		return false
	}

	return true
}

// getIPLimiter retrieves or creates the limiter for ip.
func (g *ConnectionGuard) getIPLimiter(ip string) *rate.Limiter {
	g.ipMu.RLock()
	entry, exists := g.ipLimiters[ip]
	g.ipMu.RUnlock()

	if exists {
		g.ipMu.Lock()
		entry.lastAccess = time.Now()
		g.ipMu.Unlock()
		return entry.limiter
	}

	g.ipMu.Lock()
	defer g.ipMu.Unlock()

	// Re-check under the write lock
	if entry, exists = g.ipLimiters[ip]; exists {
		entry.lastAccess = time.Now()
		return entry.limiter
	}

	limiter := rate.NewLimiter(rate.Limit(g.ipRate), g.ipBurst)
	g.ipLimiters[ip] = &ipEntry{limiter: limiter, lastAccess: time.Now()}
	return limiter
}

func (g *ConnectionGuard) cleanupLoop() {
	for {
		select {
		case <-g.cleanupTicker.C:
			g.cleanup()
		case <-g.stopCleanup:
			g.cleanupTicker.Stop()
			return
		}
	}
}

// cleanup evicts IP entries idle beyond the TTL.
func (g *ConnectionGuard) cleanup() {
	g.ipMu.Lock()
	defer g.ipMu.Unlock()

	now := time.Now()
	removed := 0
	for ip, entry := range g.ipLimiters {
		if now.Sub(entry.lastAccess) > g.ipTTL {
			delete(g.ipLimiters, ip)
			removed++
		}
	}

	if removed > 0 {
		g.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(g.ipLimiters)).
			Msg("Evicted idle IP limiters")
	}
}

// Stop terminates the cleanup loop. Safe to call more than once.
func (g *ConnectionGuard) Stop() {
	g.stopOnce.Do(func() {
		close(g.stopCleanup)
	})
}

// TrackedIPs returns the number of IPs currently held, for stats endpoints.
func (g *ConnectionGuard) TrackedIPs() int {
	g.ipMu.RLock()
	defer g.ipMu.RUnlock()
	return len(g.ipLimiters)
}
