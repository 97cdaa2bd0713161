package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/wasend/internal/metrics"
)

func newTestLimiter(opts Options) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := New(opts, nil, zerolog.Nop(), metrics.New())
	l.now = clock.Now
	return l, clock
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time                { return c.t }
func (c *fakeClock) Advance(d time.Duration)       { c.t = c.t.Add(d) }

func TestAcquireDrainsNumberBucket(t *testing.T) {
	l, _ := newTestLimiter(Options{NumberRate: 10, NumberBurst: 3})
	ws := uuid.New()

	for i := 0; i < 3; i++ {
		ok, _ := l.Acquire(context.Background(), "111", ws)
		require.True(t, ok, "token %d should be granted", i)
	}

	ok, wait := l.Acquire(context.Background(), "111", ws)
	assert.False(t, ok)
	assert.Greater(t, wait, time.Duration(0))
	// One token at 10/sec refill is ~100ms away.
	assert.LessOrEqual(t, wait, 150*time.Millisecond)
}

func TestAcquireRefillsOverTime(t *testing.T) {
	l, clock := newTestLimiter(Options{NumberRate: 10, NumberBurst: 1})
	ws := uuid.New()

	ok, _ := l.Acquire(context.Background(), "111", ws)
	require.True(t, ok)

	ok, _ = l.Acquire(context.Background(), "111", ws)
	require.False(t, ok)

	clock.Advance(200 * time.Millisecond)

	ok, _ = l.Acquire(context.Background(), "111", ws)
	assert.True(t, ok, "token should refill after 200ms at 10/sec")
}

func TestBucketsAreIndependentPerNumber(t *testing.T) {
	l, _ := newTestLimiter(Options{NumberRate: 10, NumberBurst: 1})
	ws := uuid.New()

	ok, _ := l.Acquire(context.Background(), "111", ws)
	require.True(t, ok)
	ok, _ = l.Acquire(context.Background(), "111", ws)
	require.False(t, ok)

	// A different sender number has its own full bucket.
	ok, _ = l.Acquire(context.Background(), "222", ws)
	assert.True(t, ok)
}

func TestPenalizeBlocksUntilDeadline(t *testing.T) {
	l, clock := newTestLimiter(Options{NumberRate: 100, NumberBurst: 100})
	ws := uuid.New()

	l.Penalize(context.Background(), "111", 30*time.Second)

	ok, wait := l.Acquire(context.Background(), "111", ws)
	require.False(t, ok)
	assert.Equal(t, 30*time.Second, wait)

	// Still blocked partway through the penalty.
	clock.Advance(10 * time.Second)
	ok, wait = l.Acquire(context.Background(), "111", ws)
	require.False(t, ok)
	assert.Equal(t, 20*time.Second, wait)

	// After the penalty the bucket refills from empty.
	clock.Advance(21 * time.Second)
	ok, _ = l.Acquire(context.Background(), "111", ws)
	assert.True(t, ok)
}

func TestGlobalScopeRefusalDoesNotConsumeNumberToken(t *testing.T) {
	l, _ := newTestLimiter(Options{
		NumberRate: 100, NumberBurst: 100,
		GlobalRate: 1, GlobalBurst: 1,
	})
	ws := uuid.New()

	ok, _ := l.Acquire(context.Background(), "111", ws)
	require.True(t, ok)

	// Global bucket is now empty; the per-number bucket must be untouched
	// by the refusal.
	ok, wait := l.Acquire(context.Background(), "111", ws)
	require.False(t, ok)
	assert.Greater(t, wait, time.Duration(0))

	l.lock()
	b := l.numbers["111"]
	l.unlock()
	assert.InDelta(t, 99, b.tokens, 0.01, "number token must be refunded on global refusal")
}

func TestWorkspaceScopeIsShared(t *testing.T) {
	l, _ := newTestLimiter(Options{
		NumberRate: 100, NumberBurst: 100,
		WorkspaceRate: 2, WorkspaceBurst: 2,
	})
	ws := uuid.New()

	ok, _ := l.Acquire(context.Background(), "111", ws)
	require.True(t, ok)
	ok, _ = l.Acquire(context.Background(), "222", ws)
	require.True(t, ok)

	// Third send in the same workspace is refused regardless of number.
	ok, _ = l.Acquire(context.Background(), "333", ws)
	assert.False(t, ok)

	// A different workspace is unaffected.
	ok, _ = l.Acquire(context.Background(), "444", uuid.New())
	assert.True(t, ok)
}
