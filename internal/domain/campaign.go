package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Campaign is a bulk template send to an audience of contacts.
type Campaign struct {
	ID          uuid.UUID
	WorkspaceID uuid.UUID

	Name string

	// Template identity plus the pre-resolved component values applied to
	// every recipient.
	TemplateName     string
	TemplateLanguage string
	Components       json.RawMessage

	// PhoneNumberID is the upstream id of the sender number.
	PhoneNumberID string

	Status CampaignStatus

	// Counters are maintained by the counter reducer from the same status
	// events the webhook pipeline consumes. Total is fixed at start.
	Total     int64
	Sent      int64
	Delivered int64
	Read      int64
	Failed    int64

	ScheduledAt time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// Contact is an audience member addressable on WhatsApp.
type Contact struct {
	ID          uuid.UUID
	WorkspaceID uuid.UUID

	// WaID is the provider's account id for the contact (digits only).
	WaID string

	PhoneNumber string
	Name        string
	OptedIn     bool

	// SessionExpiresAt marks the end of the 24h customer-service window
	// opened by the contact's most recent inbound message.
	SessionExpiresAt time.Time

	CreatedAt time.Time
}

// SessionOpen reports whether the 24h service window is currently open.
func (c *Contact) SessionOpen(now time.Time) bool {
	return now.Before(c.SessionExpiresAt)
}
