package domain

import (
	"time"

	"github.com/google/uuid"
)

// QualityRating is the provider's health signal for a sender number.
type QualityRating string

const (
	QualityGreen   QualityRating = "GREEN"
	QualityYellow  QualityRating = "YELLOW"
	QualityRed     QualityRating = "RED"
	QualityUnknown QualityRating = "UNKNOWN"
)

// PhoneNumber is a registered sender number belonging to a workspace.
type PhoneNumber struct {
	ID          uuid.UUID
	WorkspaceID uuid.UUID

	// UpstreamID is the provider's phone-number id used in API paths.
	UpstreamID string

	DisplayNumber string
	VerifiedName  string

	// AccessTokenRef is an opaque handle resolved to a bearer token at send
	// time. Raw tokens are never placed on the queue.
	AccessTokenRef string

	QualityRating QualityRating

	// MessagingTier is the provider tier string (e.g. "TIER_1K"); DailyCap is
	// its numeric business-initiated conversation limit.
	MessagingTier string
	DailyCap      int

	UpdatedAt time.Time
}

// tierCaps maps provider messaging-limit tiers to the daily number of
// business-initiated conversations they allow.
var tierCaps = map[string]int{
	"TIER_50":        50,
	"TIER_250":       250,
	"TIER_1K":        1_000,
	"TIER_10K":       10_000,
	"TIER_100K":      100_000,
	"TIER_UNLIMITED": 999_999_999,
}

// TierCap returns the daily cap for a provider tier string. Unknown tiers
// get the most conservative cap.
func TierCap(tier string) int {
	if cap, ok := tierCaps[tier]; ok {
		return cap
	}
	return tierCaps["TIER_50"]
}
