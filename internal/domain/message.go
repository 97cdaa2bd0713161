package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Direction distinguishes messages we send from messages we receive.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// MessageKind is the wire-level message type.
type MessageKind string

const (
	KindText               MessageKind = "text"
	KindTemplate           MessageKind = "template"
	KindMedia              MessageKind = "media"
	KindInteractiveButtons MessageKind = "interactive_buttons"
	KindInteractiveList    MessageKind = "interactive_list"
	KindLocation           MessageKind = "location"
	KindReaction           MessageKind = "reaction"
	KindMarkAsRead         MessageKind = "mark_as_read"
	KindUnknown            MessageKind = "unknown"
)

// Message is the durable row tracking one message through its lifecycle.
// The row is the source of truth for status and attempt accounting; queue
// deliveries only carry the self-contained command.
type Message struct {
	ID          uuid.UUID
	WorkspaceID uuid.UUID
	CampaignID  *uuid.UUID
	ContactID   *uuid.UUID

	// PhoneNumberID is the upstream provider's phone-number id, not our row id.
	PhoneNumberID string
	Direction     Direction
	Kind          MessageKind

	// Recipient (outbound) or sender (inbound), digits only.
	Peer string

	// Payload is the original command (outbound) or the raw provider message
	// fragment (inbound), kept for audit and rendering display.
	Payload json.RawMessage

	// UpstreamMessageID is the provider-assigned id ("wamid...") used to
	// correlate delivery receipts. Empty until the send is accepted.
	UpstreamMessageID string

	Status       MessageStatus
	AttemptCount int
	LastError    *SendError

	// WorkerID and LeaseDeadline are set while a worker holds the row in
	// SENDING. A lease past its deadline is reclaimable by any worker.
	WorkerID      string
	LeaseDeadline time.Time

	// AvailableAt delays redelivery after a retryable failure.
	AvailableAt time.Time

	CreatedAt   time.Time
	QueuedAt    time.Time
	SentAt      time.Time
	DeliveredAt time.Time
	ReadAt      time.Time
	FailedAt    time.Time
}

// StampStatus records the timestamp column matching a status transition.
func (m *Message) StampStatus(s MessageStatus, at time.Time) {
	switch s {
	case StatusQueued:
		m.QueuedAt = at
	case StatusSent:
		if m.SentAt.IsZero() {
			m.SentAt = at
		}
	case StatusDelivered:
		// A delivery receipt implies the send succeeded even if the SENT
		// receipt never arrived.
		if m.SentAt.IsZero() {
			m.SentAt = at
		}
		m.DeliveredAt = at
	case StatusRead:
		if m.SentAt.IsZero() {
			m.SentAt = at
		}
		if m.DeliveredAt.IsZero() {
			m.DeliveredAt = at
		}
		m.ReadAt = at
	case StatusFailed:
		m.FailedAt = at
	}
	m.Status = s
}
