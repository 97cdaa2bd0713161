// Package guard pauses dispatch when the process runs hot. It enforces
// static thresholds: no auto-tuning, no trend tracking, just an emergency
// brake the dispatcher polls before claiming work.
package guard

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/adred-codev/wasend/internal/logging"
	"github.com/adred-codev/wasend/internal/metrics"
)

// Config holds the static thresholds.
type Config struct {
	// CPUPauseThreshold is the CPU percentage above which dispatch pauses.
	// Zero disables the CPU check.
	CPUPauseThreshold float64
	// MemoryLimit is the heap byte ceiling above which dispatch pauses.
	// Zero disables the memory check.
	MemoryLimit int64
	// Interval is how often resource state is sampled.
	Interval time.Duration
}

// Guard samples process resource usage and answers ShouldPause.
type Guard struct {
	cfg    Config
	logger zerolog.Logger
	m      *metrics.Metrics

	currentCPU    atomic.Value // float64
	currentMemory atomic.Value // int64
}

// New builds a Guard. Call Run to start sampling; until the first sample
// ShouldPause reports false.
func New(cfg Config, logger zerolog.Logger, m *metrics.Metrics) *Guard {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	g := &Guard{
		cfg:    cfg,
		logger: logger.With().Str("component", "guard").Logger(),
		m:      m,
	}
	g.currentCPU.Store(0.0)
	g.currentMemory.Store(int64(0))
	return g
}

// ShouldPause reports whether the dispatcher should stop claiming new work
// until pressure subsides. In-flight sends are never interrupted.
func (g *Guard) ShouldPause() bool {
	if g.cfg.CPUPauseThreshold > 0 && g.currentCPU.Load().(float64) > g.cfg.CPUPauseThreshold {
		return true
	}
	if g.cfg.MemoryLimit > 0 && g.currentMemory.Load().(int64) > g.cfg.MemoryLimit {
		return true
	}
	return false
}

// Run samples resource state until ctx is cancelled.
func (g *Guard) Run(ctx context.Context) {
	defer logging.RecoverPanic(g.logger, "guard", nil)

	g.logger.Info().
		Float64("cpu_pause_threshold", g.cfg.CPUPauseThreshold).
		Int64("memory_limit", g.cfg.MemoryLimit).
		Dur("interval", g.cfg.Interval).
		Msg("Resource guard started")

	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.sample(ctx)
		case <-ctx.Done():
			g.logger.Info().Msg("Resource guard stopped")
			return
		}
	}
}

func (g *Guard) sample(ctx context.Context) {
	// Non-blocking since the last call; the first sample reads 0.
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		g.logger.Warn().Err(err).Msg("CPU sample failed")
	} else if len(percents) > 0 {
		g.currentCPU.Store(percents[0])
	}

	// ReadMemStats over runtime/metrics: universal across container
	// runtimes, and the stop-the-world pause is negligible at this interval.
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	g.currentMemory.Store(int64(mem.Alloc))

	cpuNow := g.currentCPU.Load().(float64)
	memNow := g.currentMemory.Load().(int64)
	paused := g.ShouldPause()

	g.m.CPUPercent.Set(cpuNow)
	g.m.MemoryBytes.Set(float64(memNow))
	if paused {
		g.m.GuardPaused.Set(1)
		g.logger.Warn().
			Float64("cpu_percent", cpuNow).
			Int64("memory_mb", memNow/(1024*1024)).
			Msg("Dispatch paused under resource pressure")
	} else {
		g.m.GuardPaused.Set(0)
		g.logger.Debug().
			Float64("cpu_percent", cpuNow).
			Int64("memory_mb", memNow/(1024*1024)).
			Int("goroutines", runtime.NumGoroutine()).
			Msg("Resource state updated")
	}
}
