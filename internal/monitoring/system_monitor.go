package monitoring

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemMetrics holds current system resource measurements
type SystemMetrics struct {
	CPUPercent    float64   // Current CPU usage percentage
	MemoryPercent float64   // Host memory usage percentage
	MemoryBytes   int64     // Current process heap usage in bytes
	Goroutines    int       // Current goroutine count
	HealthScore   float64   // Aggregate health in [0,1]
	Timestamp     time.Time // When these metrics were captured
}

// SystemMonitor centralizes system resource monitoring.
//
// Philosophy:
//   - Single source of truth for system metrics
//   - Measure once, query many times
//   - Thread-safe concurrent access
//
// The aggregate health score drives the adaptive thresholds of the circuit
// breaker registry: healthy systems tolerate more failures before tripping,
// stressed systems trip earlier.
type SystemMonitor struct {
	logger zerolog.Logger

	// Current metrics (protected by mutex)
	mu      sync.RWMutex
	metrics SystemMetrics

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSystemMonitor creates a system monitor. Call StartMonitoring to begin
// periodic sampling.
func NewSystemMonitor(logger zerolog.Logger) *SystemMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &SystemMonitor{
		logger: logger.With().Str("component", "system_monitor").Logger(),
		metrics: SystemMetrics{
			HealthScore: 1.0,
			Timestamp:   time.Now(),
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// StartMonitoring begins periodic system metric updates.
// Should be called once during application startup.
func (sm *SystemMonitor) StartMonitoring(interval time.Duration) {
	sm.wg.Add(1)
	go func() {
		defer RecoverPanic(sm.logger, "systemMonitorLoop", nil)
		defer sm.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		sm.logger.Info().
			Dur("interval", interval).
			Msg("System monitor started")

		// Initial update so early health queries see real data
		sm.updateMetrics()

		for {
			select {
			case <-ticker.C:
				sm.updateMetrics()
			case <-sm.ctx.Done():
				sm.logger.Info().Msg("System monitor stopped")
				return
			}
		}
	}()
}

// updateMetrics performs a single measurement of all system resources
func (sm *SystemMonitor) updateMetrics() {
	var cpuPercent float64
	percents, err := cpu.PercentWithContext(sm.ctx, 0, false)
	if err != nil || len(percents) == 0 {
		if err != nil {
			LogError(sm.logger, err, "Failed to get CPU usage", nil)
		}
	} else {
		cpuPercent = percents[0]
	}

	var memPercent float64
	if vm, err := mem.VirtualMemoryWithContext(sm.ctx); err == nil {
		memPercent = vm.UsedPercent
	} else {
		LogError(sm.logger, err, "Failed to get memory usage", nil)
	}

	// Process heap via ReadMemStats: universal and reliable; the brief
	// stop-the-world pause is acceptable at sampling intervals.
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	goroutines := runtime.NumGoroutine()
	health := healthScore(cpuPercent, memPercent)

	sm.mu.Lock()
	sm.metrics = SystemMetrics{
		CPUPercent:    cpuPercent,
		MemoryPercent: memPercent,
		MemoryBytes:   int64(ms.Alloc),
		Goroutines:    goroutines,
		HealthScore:   health,
		Timestamp:     time.Now(),
	}
	sm.mu.Unlock()

	UpdateSystemMetrics(cpuPercent, int64(ms.Alloc), goroutines)
	SetSystemHealthScore(health)

	sm.logger.Debug().
		Float64("cpu_percent", cpuPercent).
		Float64("memory_percent", memPercent).
		Int("goroutines", goroutines).
		Float64("health_score", health).
		Msg("System metrics updated")
}

// healthScore maps resource pressure to [0,1]: 1.0 fully healthy, 0.0 saturated.
// The more constrained resource dominates.
func healthScore(cpuPercent, memPercent float64) float64 {
	pressure := cpuPercent
	if memPercent > pressure {
		pressure = memPercent
	}
	score := 1.0 - pressure/100.0
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// GetMetrics returns a copy of the current system metrics.
// Thread-safe for concurrent access.
func (sm *SystemMonitor) GetMetrics() SystemMetrics {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.metrics
}

// HealthScore returns the current aggregate health in [0,1].
// Convenience method for the breaker adaptation loop.
func (sm *SystemMonitor) HealthScore() float64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.metrics.HealthScore
}

// Shutdown gracefully stops the monitor.
func (sm *SystemMonitor) Shutdown() {
	sm.cancel()
	sm.wg.Wait()
}
