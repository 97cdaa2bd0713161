package queue

import (
	"context"
	"sync"
	"time"
)

// Memory is the in-process Queue used by tests and by single-binary
// development runs. It honors the same contract as JetStream: explicit acks,
// delayed naks, redelivery after the ack wait, and msgID dedupe.
type Memory struct {
	mu       sync.Mutex
	subjects map[string][]*memMsg
	dedupe   map[string]struct{}
}

type memMsg struct {
	data        []byte
	attempts    int
	availableAt time.Time
	lockedUntil time.Time
	done        bool
}

// NewMemory builds an empty in-process queue.
func NewMemory() *Memory {
	return &Memory{
		subjects: make(map[string][]*memMsg),
		dedupe:   make(map[string]struct{}),
	}
}

func (q *Memory) Publish(_ context.Context, subject string, data []byte, msgID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if msgID != "" {
		key := subject + "/" + msgID
		if _, seen := q.dedupe[key]; seen {
			return nil
		}
		q.dedupe[key] = struct{}{}
	}
	q.subjects[subject] = append(q.subjects[subject], &memMsg{
		data: append([]byte(nil), data...),
	})
	return nil
}

func (q *Memory) Consume(_ context.Context, _, _, subject string, ackWait time.Duration) (Consumer, error) {
	return &memConsumer{q: q, subject: subject, ackWait: ackWait}, nil
}

func (q *Memory) Close() {}

// Depth reports messages not yet acked or termed on a subject.
func (q *Memory) Depth(subject string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, m := range q.subjects[subject] {
		if !m.done {
			n++
		}
	}
	return n
}

type memConsumer struct {
	q       *Memory
	subject string
	ackWait time.Duration
}

func (c *memConsumer) Next(ctx context.Context, wait time.Duration) (Delivery, error) {
	deadline := time.Now().Add(wait)
	for {
		if d := c.tryNext(); d != nil {
			return d, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrNoMessages
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (c *memConsumer) tryNext() Delivery {
	c.q.mu.Lock()
	defer c.q.mu.Unlock()
	now := time.Now()
	for _, m := range c.q.subjects[c.subject] {
		if m.done || now.Before(m.availableAt) || now.Before(m.lockedUntil) {
			continue
		}
		m.attempts++
		m.lockedUntil = now.Add(c.ackWait)
		return &memDelivery{q: c.q, m: m}
	}
	return nil
}

type memDelivery struct {
	q *Memory
	m *memMsg
}

func (d *memDelivery) Data() []byte { return d.m.data }

func (d *memDelivery) Attempt() int {
	d.q.mu.Lock()
	defer d.q.mu.Unlock()
	return d.m.attempts
}

func (d *memDelivery) Ack() error {
	d.q.mu.Lock()
	defer d.q.mu.Unlock()
	d.m.done = true
	return nil
}

func (d *memDelivery) Nak(delay time.Duration) error {
	d.q.mu.Lock()
	defer d.q.mu.Unlock()
	d.m.lockedUntil = time.Time{}
	d.m.availableAt = time.Now().Add(delay)
	return nil
}

func (d *memDelivery) Term() error {
	d.q.mu.Lock()
	defer d.q.mu.Unlock()
	d.m.done = true
	return nil
}
