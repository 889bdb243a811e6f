// Package replay tracks message nonces so duplicate deliveries inside the
// configured window are rejected. A bloom filter answers the common "never
// seen" case cheaply; an exact map of first-seen timestamps makes TTL
// eviction precise, which a bloom alone cannot do.
package replay

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/rs/zerolog"

	"github.com/jmanhype/cybernetic/internal/monitoring"
)

// ErrReplayDetected means the nonce was already seen within the window.
var ErrReplayDetected = errors.New("replay detected")

const (
	// Bloom sizing defaults: 100k expected nonces at 0.1% false positives.
	defaultCapacity = 100_000
	defaultFPRate   = 1e-3

	// Rebuild the bloom when eviction removed more than 30% of entries,
	// i.e. survivors fell below this fraction of the pre-eviction count.
	rebuildThreshold = 0.7
)

// Ledger is the shared replay detector. A nonce counts as seen iff the bloom
// reports membership or the exact map contains it; rejection is strict, so a
// bloom false positive rejects a legitimate nonce rather than letting a
// replay through.
//
// Ingestion takes a short critical section; compaction runs on its own
// goroutine and never blocks CheckAndInsert for longer than a map sweep.
type Ledger struct {
	mu     sync.Mutex
	filter *bloom.BloomFilter
	seen   map[string]time.Time // nonce -> first-seen

	window   time.Duration
	capacity uint
	fpRate   float64

	logger zerolog.Logger
	now    func() time.Time // test hook

	// Compaction lifecycle
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// LedgerConfig holds ledger construction parameters.
type LedgerConfig struct {
	Window   time.Duration // replay window; entries older than this are evicted
	Capacity uint          // expected nonce population (default 100k)
	FPRate   float64       // bloom false-positive target (default 1e-3)
	Logger   zerolog.Logger
}

// NewLedger creates a replay ledger. Call StartCompaction to begin periodic
// eviction.
func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("replay window must be > 0, got %s", cfg.Window)
	}
	if cfg.Capacity == 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.FPRate == 0 {
		cfg.FPRate = defaultFPRate
	}

	return &Ledger{
		filter:   bloom.NewWithEstimates(cfg.Capacity, cfg.FPRate),
		seen:     make(map[string]time.Time),
		window:   cfg.Window,
		capacity: cfg.Capacity,
		fpRate:   cfg.FPRate,
		logger:   cfg.Logger.With().Str("component", "replay_ledger").Logger(),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}, nil
}

// CheckAndInsert atomically rejects a seen nonce or records a fresh one.
// This is the single entry point consumers use during verification.
func (l *Ledger) CheckAndInsert(nonce string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.filter.TestString(nonce) {
		monitoring.IncrementReplayRejections()
		return fmt.Errorf("%w: nonce %q", ErrReplayDetected, nonce)
	}
	if _, ok := l.seen[nonce]; ok {
		monitoring.IncrementReplayRejections()
		return fmt.Errorf("%w: nonce %q", ErrReplayDetected, nonce)
	}

	l.filter.AddString(nonce)
	l.seen[nonce] = l.now()
	return nil
}

// Len returns the exact-map population.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}

// StartCompaction begins periodic eviction of expired entries.
func (l *Ledger) StartCompaction(interval time.Duration) {
	l.wg.Add(1)
	go func() {
		defer monitoring.RecoverPanic(l.logger, "compactionLoop", nil)
		defer l.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		l.logger.Info().
			Dur("interval", interval).
			Dur("window", l.window).
			Msg("Replay ledger compaction started")

		for {
			select {
			case <-ticker.C:
				l.Compact()
			case <-l.stopCh:
				l.logger.Info().Msg("Replay ledger compaction stopped")
				return
			}
		}
	}()
}

// Compact evicts entries older than the window. When survivors drop below
// 70% of the pre-eviction population the bloom is rebuilt from the
// survivors, otherwise stale bits accumulate and the false-positive rate
// degrades past its target.
func (l *Ledger) Compact() {
	l.mu.Lock()
	defer l.mu.Unlock()

	before := len(l.seen)
	if before == 0 {
		return
	}

	cutoff := l.now().Add(-l.window)
	for nonce, firstSeen := range l.seen {
		if firstSeen.Before(cutoff) {
			delete(l.seen, nonce)
		}
	}
	after := len(l.seen)

	rebuilt := false
	if float64(after) < rebuildThreshold*float64(before) {
		l.filter = bloom.NewWithEstimates(l.capacity, l.fpRate)
		for nonce := range l.seen {
			l.filter.AddString(nonce)
		}
		rebuilt = true
		monitoring.IncrementBloomRebuilds()
	}

	monitoring.SetReplayLedgerSize(after)

	if before != after {
		l.logger.Debug().
			Int("evicted", before-after).
			Int("remaining", after).
			Bool("bloom_rebuilt", rebuilt).
			Msg("Replay ledger compacted")
	}
}

// Stop terminates the compaction loop. Safe to call multiple times.
func (l *Ledger) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
}

// SaveBloom persists the bloom filter to a flat binary file. Only the bloom
// survives restarts; the exact map is rebuilt as traffic arrives, so a
// restarted node keeps rejecting recently seen nonces while its precise TTL
// view warms back up.
func (l *Ledger) SaveBloom(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create bloom file: %w", err)
	}
	defer f.Close()

	if _, err := l.filter.WriteTo(f); err != nil {
		return fmt.Errorf("failed to write bloom file: %w", err)
	}

	l.logger.Info().Str("path", path).Msg("Bloom filter persisted")
	return nil
}

// LoadBloom restores a previously persisted bloom filter. Missing files are
// not an error; the ledger starts cold.
func (l *Ledger) LoadBloom(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open bloom file: %w", err)
	}
	defer f.Close()

	filter := &bloom.BloomFilter{}
	if _, err := filter.ReadFrom(f); err != nil {
		return fmt.Errorf("failed to read bloom file: %w", err)
	}

	l.mu.Lock()
	l.filter = filter
	l.mu.Unlock()

	l.logger.Info().Str("path", path).Msg("Bloom filter restored")
	return nil
}
