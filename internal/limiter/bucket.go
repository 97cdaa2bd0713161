package limiter

import "time"

// bucket is a lazily-refilled token bucket. Tokens accrue as a function of
// elapsed time at refill rate up to capacity; no background goroutine runs.
// Callers must hold the owning Limiter's lock.
type bucket struct {
	capacity   float64
	refillRate float64 // tokens per second
	tokens     float64
	last       time.Time

	// penaltyUntil empties the bucket until the given instant. Set when the
	// upstream provider returns 429 with a Retry-After.
	penaltyUntil time.Time
}

func newBucket(capacity, refillRate float64, now time.Time) *bucket {
	return &bucket{
		capacity:   capacity,
		refillRate: refillRate,
		tokens:     capacity, // start full
		last:       now,
	}
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens = min(b.capacity, b.tokens+elapsed*b.refillRate)
		b.last = now
	}
}

// take attempts to consume one token. On refusal it returns how long the
// caller should wait before a token is expected to be available.
func (b *bucket) take(now time.Time) (ok bool, wait time.Duration) {
	if now.Before(b.penaltyUntil) {
		return false, b.penaltyUntil.Sub(now)
	}
	b.refill(now)
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	needed := 1 - b.tokens
	return false, time.Duration(needed / b.refillRate * float64(time.Second))
}

// give returns a token, used to undo a partial multi-scope acquire.
func (b *bucket) give() {
	b.tokens = min(b.capacity, b.tokens+1)
}

// penalize drains the bucket and blocks refill until now+d.
func (b *bucket) penalize(now time.Time, d time.Duration) {
	b.tokens = 0
	b.last = now
	until := now.Add(d)
	if until.After(b.penaltyUntil) {
		b.penaltyUntil = until
	}
}
