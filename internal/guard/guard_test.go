package guard

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/adred-codev/wasend/internal/metrics"
)

func TestShouldPauseThresholds(t *testing.T) {
	g := New(Config{CPUPauseThreshold: 85, MemoryLimit: 512 << 20}, zerolog.Nop(), metrics.New())

	assert.False(t, g.ShouldPause(), "fresh guard must not pause")

	g.currentCPU.Store(90.0)
	assert.True(t, g.ShouldPause(), "CPU above threshold must pause")

	g.currentCPU.Store(50.0)
	g.currentMemory.Store(int64(600 << 20))
	assert.True(t, g.ShouldPause(), "memory above limit must pause")

	g.currentMemory.Store(int64(100 << 20))
	assert.False(t, g.ShouldPause())
}

func TestDisabledChecksNeverPause(t *testing.T) {
	g := New(Config{}, zerolog.Nop(), metrics.New())
	g.currentCPU.Store(99.0)
	g.currentMemory.Store(int64(8 << 30))
	assert.False(t, g.ShouldPause(), "zero thresholds disable the guard")
}
