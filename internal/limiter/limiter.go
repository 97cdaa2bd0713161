// Package limiter enforces the three send-rate scopes: per sender number,
// per workspace, and global. Acquire never blocks; on refusal it returns a
// wait hint so the caller can decide between sleeping briefly and releasing
// the message back to the queue.
package limiter

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/wasend/internal/metrics"
)

// Options configures the three scopes. Zero workspace/global rates disable
// that scope.
type Options struct {
	NumberRate     float64
	NumberBurst    float64
	WorkspaceRate  float64
	WorkspaceBurst int
	GlobalRate     float64
	GlobalBurst    int
}

// SharedBucket is an optional cross-node bucket (Redis-backed in
// production). When every dispatcher node shares one sender number, local
// buckets alone would overshoot the provider limit N-fold.
type SharedBucket interface {
	// Take consumes one token for key. A false result carries a wait hint.
	// Implementations must fall open (return true) on backend errors.
	Take(ctx context.Context, key string) (ok bool, wait time.Duration, err error)
	// Penalize empties the shared bucket for key until now+d.
	Penalize(ctx context.Context, key string, d time.Duration) error
}

// Limiter combines lazily-created per-number buckets with x/time/rate
// limiters for the workspace and global scopes.
type Limiter struct {
	opts   Options
	logger zerolog.Logger
	m      *metrics.Metrics

	mu        chan struct{} // 1-slot semaphore; buckets map + bucket state
	numbers   map[string]*bucket
	workspace map[uuid.UUID]*rate.Limiter
	global    *rate.Limiter

	shared SharedBucket // nil when running single-node

	now func() time.Time
}

// New builds a Limiter. shared may be nil.
func New(opts Options, shared SharedBucket, logger zerolog.Logger, m *metrics.Metrics) *Limiter {
	l := &Limiter{
		opts:      opts,
		logger:    logger.With().Str("component", "limiter").Logger(),
		m:         m,
		mu:        make(chan struct{}, 1),
		numbers:   make(map[string]*bucket),
		workspace: make(map[uuid.UUID]*rate.Limiter),
		shared:    shared,
		now:       time.Now,
	}
	if opts.GlobalRate > 0 {
		l.global = rate.NewLimiter(rate.Limit(opts.GlobalRate), opts.GlobalBurst)
	}
	return l
}

func (l *Limiter) lock()   { l.mu <- struct{}{} }
func (l *Limiter) unlock() { <-l.mu }

// Acquire tries to take one token from every scope for a send to
// phoneNumberID on behalf of workspaceID. On refusal the returned wait is
// the hint from the refusing scope; tokens taken from earlier scopes are
// returned via reservation cancel so a refusal consumes nothing.
func (l *Limiter) Acquire(ctx context.Context, phoneNumberID string, workspaceID uuid.UUID) (ok bool, wait time.Duration) {
	now := l.now()

	// Global scope first: cheapest to check, protects the upstream app-level
	// throughput cap.
	var globalRes *rate.Reservation
	if l.global != nil {
		r := l.global.ReserveN(now, 1)
		if d := r.DelayFrom(now); !r.OK() || d > 0 {
			r.CancelAt(now)
			l.m.LimiterWaits.WithLabelValues("global").Inc()
			return false, max(d, time.Millisecond)
		}
		globalRes = r
	}

	// Workspace scope.
	var wsRes *rate.Reservation
	if ws := l.workspaceLimiter(workspaceID); ws != nil {
		r := ws.ReserveN(now, 1)
		if d := r.DelayFrom(now); !r.OK() || d > 0 {
			r.CancelAt(now)
			cancelAt(globalRes, now)
			l.m.LimiterWaits.WithLabelValues("workspace").Inc()
			return false, max(d, time.Millisecond)
		}
		wsRes = r
	}

	// Per-number scope: the provider limit that actually bites.
	l.lock()
	b, exists := l.numbers[phoneNumberID]
	if !exists {
		b = newBucket(l.opts.NumberBurst, l.opts.NumberRate, now)
		l.numbers[phoneNumberID] = b
	}
	taken, hint := b.take(now)
	l.unlock()

	if !taken {
		cancelAt(globalRes, now)
		cancelAt(wsRes, now)
		l.m.LimiterWaits.WithLabelValues("number").Inc()
		return false, hint
	}

	// Shared cross-node bucket last, so a shared refusal refunds all local
	// scopes. Fall open when the backend is unreachable: local buckets still
	// bound this node.
	if l.shared != nil {
		sok, swait, err := l.shared.Take(ctx, phoneNumberID)
		if err != nil {
			l.logger.Warn().Err(err).Str("phone_number_id", phoneNumberID).
				Msg("Shared limiter unavailable, falling open to local buckets")
		} else if !sok {
			l.lock()
			b.give()
			l.unlock()
			cancelAt(globalRes, now)
			cancelAt(wsRes, now)
			l.m.LimiterWaits.WithLabelValues("shared").Inc()
			return false, swait
		}
	}

	return true, 0
}

func cancelAt(r *rate.Reservation, now time.Time) {
	if r != nil {
		r.CancelAt(now)
	}
}

// Penalize reacts to an upstream 429: the per-number bucket (and the shared
// bucket, if any) is emptied and refill is pushed out by d.
func (l *Limiter) Penalize(ctx context.Context, phoneNumberID string, d time.Duration) {
	now := l.now()
	l.lock()
	b, exists := l.numbers[phoneNumberID]
	if !exists {
		b = newBucket(l.opts.NumberBurst, l.opts.NumberRate, now)
		l.numbers[phoneNumberID] = b
	}
	b.penalize(now, d)
	l.unlock()

	if l.shared != nil {
		if err := l.shared.Penalize(ctx, phoneNumberID, d); err != nil {
			l.logger.Warn().Err(err).Str("phone_number_id", phoneNumberID).
				Msg("Failed to penalize shared limiter")
		}
	}

	l.logger.Info().
		Str("phone_number_id", phoneNumberID).
		Dur("penalty", d).
		Msg("Sender number penalized after upstream rate limit")
}

func (l *Limiter) workspaceLimiter(id uuid.UUID) *rate.Limiter {
	if l.opts.WorkspaceRate <= 0 {
		return nil
	}
	l.lock()
	defer l.unlock()
	ws, exists := l.workspace[id]
	if !exists {
		ws = rate.NewLimiter(rate.Limit(l.opts.WorkspaceRate), l.opts.WorkspaceBurst)
		l.workspace[id] = ws
	}
	return ws
}

