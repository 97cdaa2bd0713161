package campaign

import "github.com/google/uuid"

// CounterEvent is one increment of a campaign counter. Producers publish it
// with a dedupe id of message+field, so a redelivered status event cannot
// double-count.
type CounterEvent struct {
	CampaignID uuid.UUID `json:"campaign_id"`
	MessageID  uuid.UUID `json:"message_id"`
	// Field names the counter: sent, delivered, read, failed.
	Field string `json:"field"`
}
