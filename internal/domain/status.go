package domain

// MessageStatus is the lifecycle state of a message row.
//
// Outbound messages move strictly forward:
//
//	PENDING -> QUEUED -> SENDING -> SENT -> DELIVERED -> READ
//
// FAILED is terminal and reachable from any non-terminal state. Delivery
// receipts arrive out of order from the upstream provider, so forward-only
// transitions are enforced by rank, never by equality on the previous state.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusQueued    MessageStatus = "queued"
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// statusRanks orders the forward-only lifecycle. FAILED carries the highest
// rank so it wins any compare-and-set and nothing can overwrite it.
var statusRanks = map[MessageStatus]int{
	StatusPending:   0,
	StatusQueued:    1,
	StatusSending:   2,
	StatusSent:      3,
	StatusDelivered: 4,
	StatusRead:      5,
	StatusFailed:    100,
}

// Rank returns the ordering position of s. Unknown statuses rank below
// PENDING so they can never advance a row.
func (s MessageStatus) Rank() int {
	if r, ok := statusRanks[s]; ok {
		return r
	}
	return -1
}

// Terminal reports whether no further transition is possible.
func (s MessageStatus) Terminal() bool {
	return s == StatusRead || s == StatusFailed
}

// Settled reports whether the dispatcher is done with the message: it has
// been handed to the upstream provider or has permanently failed. Campaign
// batches wait on this, not on delivery receipts.
func (s MessageStatus) Settled() bool {
	return s.Rank() >= statusRanks[StatusSent]
}

// CampaignStatus is the campaign state machine.
//
//	DRAFT -> SCHEDULED -> SENDING -> COMPLETED
//	                         |  \-> PAUSED -> SENDING (resume)
//	                         \---> CANCELLED | FAILED
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignSending   CampaignStatus = "sending"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
	CampaignFailed    CampaignStatus = "failed"
)

// Terminal reports whether the campaign can never run again.
func (s CampaignStatus) Terminal() bool {
	return s == CampaignCompleted || s == CampaignCancelled || s == CampaignFailed
}
