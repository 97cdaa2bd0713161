// Package store persists messages, campaigns, contacts and phone numbers.
// Every state transition is a compare-and-set: the WHERE clause (or its
// in-memory equivalent) names the expected current state, and a false return
// means someone else already moved the row. Callers treat false as "not my
// job anymore", never as an error.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/adred-codev/wasend/internal/domain"
)

// ErrNotFound is returned when the addressed row does not exist.
var ErrNotFound = errors.New("store: not found")

// MessageStore owns message rows and their lifecycle transitions.
type MessageStore interface {
	// CreateMessage inserts a new row. Inserting an id that already exists
	// returns nil without modifying the row (idempotent enqueue).
	CreateMessage(ctx context.Context, m *domain.Message) error

	GetMessage(ctx context.Context, id uuid.UUID) (*domain.Message, error)

	// GetMessageByUpstreamID resolves a provider message id (indexed).
	GetMessageByUpstreamID(ctx context.Context, upstreamID string) (*domain.Message, error)

	// MarkQueued moves PENDING -> QUEUED after the command reached the queue.
	MarkQueued(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)

	// ClaimSending moves QUEUED -> SENDING, increments the attempt count and
	// records the worker lease. It also reclaims rows stuck in SENDING past
	// their lease deadline (crashed worker). Returns the claimed row, or
	// ok=false when the row is not claimable (duplicate delivery, terminal,
	// not yet available).
	ClaimSending(ctx context.Context, id uuid.UUID, workerID string, leaseDeadline time.Time) (*domain.Message, bool, error)

	// ReleaseToQueued undoes a claim without consuming an attempt (limiter
	// refusals). The row becomes claimable again at availableAt.
	ReleaseToQueued(ctx context.Context, id uuid.UUID, availableAt time.Time) error

	// RequeueAfterFailure moves SENDING -> QUEUED keeping the attempt count,
	// recording the failure and delaying the next claim until availableAt.
	RequeueAfterFailure(ctx context.Context, id uuid.UUID, availableAt time.Time, sendErr *domain.SendError) error

	// MarkSent moves SENDING -> SENT and stores the provider message id.
	MarkSent(ctx context.Context, id uuid.UUID, upstreamID string, at time.Time) (bool, error)

	// MarkFailed terminally fails the row from any non-terminal state.
	MarkFailed(ctx context.Context, id uuid.UUID, sendErr *domain.SendError, at time.Time) (bool, error)

	// AdvanceStatus applies a delivery receipt by provider message id. The
	// transition is applied only when the new status outranks the current
	// one; ok=false with a nil error means the receipt was stale.
	AdvanceStatus(ctx context.Context, upstreamID string, to domain.MessageStatus, at time.Time) (*domain.Message, bool, error)

	// MessageStatuses returns the current status of each id (for batch
	// settlement polling). Missing ids are absent from the map.
	MessageStatuses(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]domain.MessageStatus, error)
}

// CampaignStore owns campaign rows, their state machine and counters.
type CampaignStore interface {
	CreateCampaign(ctx context.Context, c *domain.Campaign) error
	GetCampaign(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)

	// TransitionCampaign CASes status from any of `from` to `to`.
	TransitionCampaign(ctx context.Context, id uuid.UUID, from []domain.CampaignStatus, to domain.CampaignStatus) (bool, error)

	// CampaignCancelled is the dispatcher's tombstone check.
	CampaignCancelled(ctx context.Context, id uuid.UUID) (bool, error)

	// AddCampaignCounters atomically increments the named counters.
	AddCampaignCounters(ctx context.Context, id uuid.UUID, delta CounterDelta) error

	// SetCampaignTotal fixes the audience size at start.
	SetCampaignTotal(ctx context.Context, id uuid.UUID, total int64) error
}

// CounterDelta is a sparse increment of campaign counters.
type CounterDelta struct {
	Sent      int64
	Delivered int64
	Read      int64
	Failed    int64
}

// ContactStore owns the contact book.
type ContactStore interface {
	// UpsertContact returns the contact for (workspace, waID), creating it
	// with the given details on first sight.
	UpsertContact(ctx context.Context, workspaceID uuid.UUID, waID, phone, name string) (*domain.Contact, error)

	// TouchContactSession extends the 24h service window after an inbound
	// message at the given time.
	TouchContactSession(ctx context.Context, workspaceID uuid.UUID, waID string, receivedAt time.Time) error

	// CampaignAudience pages the campaign's audience in stable contact-id
	// order: contacts with id > after, up to limit.
	CampaignAudience(ctx context.Context, campaignID uuid.UUID, after uuid.UUID, limit int) ([]*domain.Contact, error)

	// AddToAudience attaches contacts to a campaign.
	AddToAudience(ctx context.Context, campaignID uuid.UUID, contactIDs []uuid.UUID) error

	// CampaignAudienceCount returns the audience size for total bookkeeping
	// at campaign start.
	CampaignAudienceCount(ctx context.Context, campaignID uuid.UUID) (int64, error)
}

// PhoneNumberStore owns registered sender numbers.
type PhoneNumberStore interface {
	CreatePhoneNumber(ctx context.Context, p *domain.PhoneNumber) error

	// GetPhoneNumberByUpstreamID resolves the provider's phone-number id.
	GetPhoneNumberByUpstreamID(ctx context.Context, upstreamID string) (*domain.PhoneNumber, error)

	// UpdatePhoneQuality applies a quality/tier webhook update.
	UpdatePhoneQuality(ctx context.Context, upstreamID string, q domain.QualityRating, tier string, at time.Time) error
}

// TemplateStore tracks template approval state per workspace.
type TemplateStore interface {
	// UpdateTemplateStatus records the provider's review decision.
	UpdateTemplateStatus(ctx context.Context, workspaceID uuid.UUID, name, language, status, reason string) error

	// TemplateStatus returns the last recorded status, ErrNotFound if never
	// seen.
	TemplateStatus(ctx context.Context, workspaceID uuid.UUID, name, language string) (string, error)
}

// WorkspaceStore resolves per-tenant webhook credentials.
type WorkspaceStore interface {
	// WebhookSecret returns the tenant's webhook signing secret.
	WebhookSecret(ctx context.Context, workspaceID uuid.UUID) (string, error)

	// AccessToken resolves an opaque token handle to a bearer token.
	AccessToken(ctx context.Context, tokenRef string) (string, error)
}

// Store bundles every interface; both implementations satisfy it.
type Store interface {
	MessageStore
	CampaignStore
	ContactStore
	PhoneNumberStore
	TemplateStore
	WorkspaceStore
}
