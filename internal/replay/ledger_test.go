package replay

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T, window time.Duration) *Ledger {
	t.Helper()
	l, err := NewLedger(LedgerConfig{
		Window: window,
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	return l
}

// TestCheckAndInsert covers the basic contract: first presentation is
// accepted, the second is rejected with the replay kind.
func TestCheckAndInsert(t *testing.T) {
	l := newTestLedger(t, 90*time.Second)

	require.NoError(t, l.CheckAndInsert("nonce-1"))
	err := l.CheckAndInsert("nonce-1")
	require.ErrorIs(t, err, ErrReplayDetected)

	require.NoError(t, l.CheckAndInsert("nonce-2"))
	require.Equal(t, 2, l.Len())
}

// TestCompactionEvictsExpired verifies entries beyond the window disappear
// and their nonces become acceptable again.
func TestCompactionEvictsExpired(t *testing.T) {
	l := newTestLedger(t, 50*time.Millisecond)

	base := time.Now()
	l.now = func() time.Time { return base }
	require.NoError(t, l.CheckAndInsert("old-nonce"))

	// Advance past the window and compact
	l.now = func() time.Time { return base.Add(100 * time.Millisecond) }
	l.Compact()

	require.Equal(t, 0, l.Len())
	require.NoError(t, l.CheckAndInsert("old-nonce"), "evicted nonce should be accepted after bloom rebuild")
}

// TestCompactionRebuildThreshold checks the bloom is only rebuilt when the
// eviction removed enough of the population: a full eviction resets the
// bloom (nonce accepted again), a small partial one does not.
func TestCompactionRebuildThreshold(t *testing.T) {
	l := newTestLedger(t, time.Minute)

	base := time.Now()

	// 9 fresh entries, 1 stale: survivors are 90% > 70%, no rebuild, so the
	// stale nonce stays caught by the bloom even after map eviction.
	l.now = func() time.Time { return base.Add(-2 * time.Minute) }
	require.NoError(t, l.CheckAndInsert("stale"))
	l.now = func() time.Time { return base }
	for i := 0; i < 9; i++ {
		require.NoError(t, l.CheckAndInsert(fmt.Sprintf("fresh-%d", i)))
	}

	l.Compact()
	require.Equal(t, 9, l.Len())
	require.ErrorIs(t, l.CheckAndInsert("stale"), ErrReplayDetected,
		"without a rebuild the bloom still remembers the evicted nonce")
}

// TestConcurrentCheckAndInsert hammers the ledger from many goroutines and
// verifies exactly one winner per nonce.
func TestConcurrentCheckAndInsert(t *testing.T) {
	l := newTestLedger(t, time.Minute)

	const goroutines = 16
	const nonces = 50

	var wg sync.WaitGroup
	accepted := make([][]int, goroutines)
	for g := 0; g < goroutines; g++ {
		accepted[g] = make([]int, nonces)
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for n := 0; n < nonces; n++ {
				if l.CheckAndInsert(fmt.Sprintf("nonce-%d", n)) == nil {
					accepted[g][n] = 1
				}
			}
		}(g)
	}
	wg.Wait()

	for n := 0; n < nonces; n++ {
		total := 0
		for g := 0; g < goroutines; g++ {
			total += accepted[g][n]
		}
		require.Equal(t, 1, total, "nonce-%d accepted %d times", n, total)
	}
}

// TestBloomPersistence round-trips the bloom through a file and checks a
// restarted ledger still rejects previously seen nonces.
func TestBloomPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replay.bloom")

	l1 := newTestLedger(t, time.Minute)
	require.NoError(t, l1.CheckAndInsert("persisted-nonce"))
	require.NoError(t, l1.SaveBloom(path))

	l2 := newTestLedger(t, time.Minute)
	require.NoError(t, l2.LoadBloom(path))
	require.ErrorIs(t, l2.CheckAndInsert("persisted-nonce"), ErrReplayDetected)
	require.NoError(t, l2.CheckAndInsert("fresh-nonce"))
}

// TestLoadBloomMissingFile verifies a cold start with no persisted state is
// not an error.
func TestLoadBloomMissingFile(t *testing.T) {
	l := newTestLedger(t, time.Minute)
	require.NoError(t, l.LoadBloom(filepath.Join(t.TempDir(), "absent.bloom")))
}

// TestCompactionLoop exercises the background loop end to end with a short
// interval.
func TestCompactionLoop(t *testing.T) {
	l := newTestLedger(t, 20*time.Millisecond)
	require.NoError(t, l.CheckAndInsert("short-lived"))

	l.StartCompaction(10 * time.Millisecond)
	defer l.Stop()

	require.Eventually(t, func() bool { return l.Len() == 0 },
		500*time.Millisecond, 5*time.Millisecond)
}
