package dispatch

import (
	"math/rand"
	"time"
)

// Backoff computes retry delays: base doubled per attempt, capped, with
// ±25% jitter so synchronized failures do not retry in lockstep.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns the wait before the given retry. attempt counts completed
// attempts, so the first retry (attempt=1) waits about Base.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt && d < b.Cap; i++ {
		d *= 2
	}
	if d > b.Cap {
		d = b.Cap
	}
	// ±25% jitter.
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * jitter)
}
