// Package queue is the durable at-least-once transport between components.
// Two implementations exist: JetStream for production and an in-memory
// double for tests. Both honor the same redelivery contract: an
// unacknowledged delivery reappears after the visibility timeout, a
// negatively-acknowledged one after the requested delay.
package queue

import (
	"context"
	"errors"
	"time"
)

// Stream and subject names. Outbound commands and webhook events live in
// separate streams so a webhook storm cannot starve sends.
const (
	StreamOutbound = "OUTBOUND"
	StreamEvents   = "WEBHOOK_EVENTS"

	SubjectOutbound = "outbound.send"

	SubjectStatusUpdates      = "events.status"
	SubjectInboundMessages    = "events.inbound"
	SubjectTemplateUpdates    = "events.template"
	SubjectPhoneNumberUpdates = "events.phone"
	SubjectCampaignCounters   = "events.counters"
)

// ErrNoMessages is returned by Consumer.Next when the bounded wait elapsed
// with nothing to deliver. Callers loop on it.
var ErrNoMessages = errors.New("queue: no messages")

// Delivery is one received message plus its acknowledgment handle.
type Delivery interface {
	Data() []byte

	// Attempt is the delivery count starting at 1. The message row remains
	// the authority on send attempts; this only informs poison handling.
	Attempt() int

	// Ack removes the message permanently.
	Ack() error

	// Nak schedules redelivery after delay (0 = immediately).
	Nak(delay time.Duration) error

	// Term drops the message without retry (malformed payloads).
	Term() error
}

// Consumer pulls deliveries from one durable subscription. Multiple workers
// may share a Consumer; each delivery goes to exactly one of them until its
// visibility timeout lapses.
type Consumer interface {
	// Next blocks up to wait for a delivery. Returns ErrNoMessages on a
	// quiet period and ctx.Err() on cancellation.
	Next(ctx context.Context, wait time.Duration) (Delivery, error)
}

// Queue publishes and creates consumers.
type Queue interface {
	// Publish appends data to subject. msgID deduplicates re-publishes
	// within the stream's dedupe window.
	Publish(ctx context.Context, subject string, data []byte, msgID string) error

	// Consume returns the durable consumer named durable filtered to subject.
	// ackWait is the visibility timeout for its deliveries.
	Consume(ctx context.Context, stream, durable, subject string, ackWait time.Duration) (Consumer, error)

	Close()
}
