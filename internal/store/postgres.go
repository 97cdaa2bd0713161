package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adred-codev/wasend/internal/domain"
)

// Postgres is the production Store. Every transition is a single UPDATE
// whose WHERE clause encodes the expected prior state; the affected-row
// count is the CAS result. The schema is provisioned externally.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects and pings.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the pool.
func (s *Postgres) Close() { s.pool.Close() }

const messageColumns = `
	id, workspace_id, campaign_id, contact_id, phone_number_id, direction,
	kind, peer, payload, upstream_message_id, status, attempt_count,
	last_error_kind, last_error_code, last_error_message,
	worker_id, lease_deadline, available_at,
	created_at, queued_at, sent_at, delivered_at, read_at, failed_at`

func scanMessage(row pgx.Row) (*domain.Message, error) {
	var m domain.Message
	var campaignID, contactID *uuid.UUID
	var upstreamID, workerID *string
	var errKind, errMessage *string
	var errCode *int
	var leaseDeadline, availableAt, queuedAt, sentAt, deliveredAt, readAt, failedAt *time.Time

	err := row.Scan(
		&m.ID, &m.WorkspaceID, &campaignID, &contactID, &m.PhoneNumberID, &m.Direction,
		&m.Kind, &m.Peer, &m.Payload, &upstreamID, &m.Status, &m.AttemptCount,
		&errKind, &errCode, &errMessage,
		&workerID, &leaseDeadline, &availableAt,
		&m.CreatedAt, &queuedAt, &sentAt, &deliveredAt, &readAt, &failedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}

	m.CampaignID = campaignID
	m.ContactID = contactID
	m.UpstreamMessageID = deref(upstreamID)
	m.WorkerID = deref(workerID)
	if errKind != nil {
		m.LastError = &domain.SendError{
			Kind:    domain.ErrorKind(*errKind),
			Message: deref(errMessage),
		}
		if errCode != nil {
			m.LastError.Code = *errCode
		}
	}
	m.LeaseDeadline = derefTime(leaseDeadline)
	m.AvailableAt = derefTime(availableAt)
	m.QueuedAt = derefTime(queuedAt)
	m.SentAt = derefTime(sentAt)
	m.DeliveredAt = derefTime(deliveredAt)
	m.ReadAt = derefTime(readAt)
	m.FailedAt = derefTime(failedAt)
	return &m, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// --- messages ---

func (s *Postgres) CreateMessage(ctx context.Context, m *domain.Message) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (
			id, workspace_id, campaign_id, contact_id, phone_number_id,
			direction, kind, peer, payload, upstream_message_id, status, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO NOTHING`,
		m.ID, m.WorkspaceID, m.CampaignID, m.ContactID, m.PhoneNumberID,
		m.Direction, m.Kind, m.Peer, m.Payload, nullable(m.UpstreamMessageID), m.Status, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *Postgres) GetMessage(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	return scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
}

func (s *Postgres) GetMessageByUpstreamID(ctx context.Context, upstreamID string) (*domain.Message, error) {
	return scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE upstream_message_id = $1`, upstreamID))
}

func (s *Postgres) MarkQueued(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET status = 'queued', queued_at = $2
		WHERE id = $1 AND status = 'pending'`, id, at)
	if err != nil {
		return false, fmt.Errorf("mark queued: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) ClaimSending(ctx context.Context, id uuid.UUID, workerID string, leaseDeadline time.Time) (*domain.Message, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE messages SET
			status = 'sending',
			attempt_count = attempt_count + 1,
			worker_id = $2,
			lease_deadline = $3
		WHERE id = $1 AND (
			(status = 'queued' AND (available_at IS NULL OR available_at <= now()))
			OR (status = 'sending' AND lease_deadline < now())
		)
		RETURNING `+messageColumns, id, workerID, leaseDeadline)
	m, err := scanMessage(row)
	if errors.Is(err, ErrNotFound) {
		// Row exists but was not claimable, or does not exist at all;
		// distinguish for the caller.
		if _, getErr := s.GetMessage(ctx, id); errors.Is(getErr, ErrNotFound) {
			return nil, false, ErrNotFound
		}
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return m, true, nil
}

func (s *Postgres) ReleaseToQueued(ctx context.Context, id uuid.UUID, availableAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE messages SET
			status = 'queued',
			attempt_count = attempt_count - 1,
			worker_id = NULL,
			lease_deadline = NULL,
			available_at = $2
		WHERE id = $1 AND status = 'sending'`, id, availableAt)
	if err != nil {
		return fmt.Errorf("release to queued: %w", err)
	}
	return nil
}

func (s *Postgres) RequeueAfterFailure(ctx context.Context, id uuid.UUID, availableAt time.Time, sendErr *domain.SendError) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE messages SET
			status = 'queued',
			worker_id = NULL,
			lease_deadline = NULL,
			available_at = $2,
			last_error_kind = $3,
			last_error_code = $4,
			last_error_message = $5
		WHERE id = $1 AND status = 'sending'`,
		id, availableAt, sendErr.Kind, sendErr.Code, sendErr.Message)
	if err != nil {
		return fmt.Errorf("requeue after failure: %w", err)
	}
	return nil
}

func (s *Postgres) MarkSent(ctx context.Context, id uuid.UUID, upstreamID string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET
			status = 'sent',
			upstream_message_id = $2,
			sent_at = $3,
			worker_id = NULL,
			lease_deadline = NULL,
			last_error_kind = NULL,
			last_error_code = NULL,
			last_error_message = NULL
		WHERE id = $1 AND status = 'sending'`, id, nullable(upstreamID), at)
	if err != nil {
		return false, fmt.Errorf("mark sent: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) MarkFailed(ctx context.Context, id uuid.UUID, sendErr *domain.SendError, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET
			status = 'failed',
			failed_at = $2,
			worker_id = NULL,
			lease_deadline = NULL,
			last_error_kind = $3,
			last_error_code = $4,
			last_error_message = $5
		WHERE id = $1 AND status NOT IN ('read', 'failed')`,
		id, at, sendErr.Kind, sendErr.Code, sendErr.Message)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// statusRankSQL mirrors domain.MessageStatus.Rank for in-database CAS.
const statusRankSQL = `
	CASE %s
		WHEN 'pending' THEN 0 WHEN 'queued' THEN 1 WHEN 'sending' THEN 2
		WHEN 'sent' THEN 3 WHEN 'delivered' THEN 4 WHEN 'read' THEN 5
		WHEN 'failed' THEN 100 ELSE -1
	END`

func (s *Postgres) AdvanceStatus(ctx context.Context, upstreamID string, to domain.MessageStatus, at time.Time) (*domain.Message, bool, error) {
	rankCurrent := fmt.Sprintf(statusRankSQL, "status")
	rankNew := fmt.Sprintf(statusRankSQL, "$2::text")
	row := s.pool.QueryRow(ctx, `
		UPDATE messages SET
			status = $2,
			sent_at = COALESCE(sent_at, CASE WHEN $2 IN ('sent','delivered','read') THEN $3 END),
			delivered_at = COALESCE(delivered_at, CASE WHEN $2 IN ('delivered','read') THEN $3 END),
			read_at = CASE WHEN $2 = 'read' THEN $3 ELSE read_at END,
			failed_at = CASE WHEN $2 = 'failed' THEN $3 ELSE failed_at END
		WHERE upstream_message_id = $1 AND `+rankNew+` > `+rankCurrent+`
		RETURNING `+messageColumns, upstreamID, to, at)
	m, err := scanMessage(row)
	if errors.Is(err, ErrNotFound) {
		existing, getErr := s.GetMessageByUpstreamID(ctx, upstreamID)
		if getErr != nil {
			return nil, false, getErr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return m, true, nil
}

func (s *Postgres) MessageStatuses(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]domain.MessageStatus, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, status FROM messages WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("message statuses: %w", err)
	}
	defer rows.Close()
	out := make(map[uuid.UUID]domain.MessageStatus, len(ids))
	for rows.Next() {
		var id uuid.UUID
		var status domain.MessageStatus
		if err := rows.Scan(&id, &status); err != nil {
			return nil, fmt.Errorf("scan status: %w", err)
		}
		out[id] = status
	}
	return out, rows.Err()
}

// --- campaigns ---

func (s *Postgres) CreateCampaign(ctx context.Context, c *domain.Campaign) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO campaigns (
			id, workspace_id, name, template_name, template_language,
			components, phone_number_id, status, total, scheduled_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		c.ID, c.WorkspaceID, c.Name, c.TemplateName, c.TemplateLanguage,
		c.Components, c.PhoneNumberID, c.Status, c.Total, nullTime(c.ScheduledAt))
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *Postgres) GetCampaign(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	var c domain.Campaign
	var scheduledAt, startedAt, completedAt *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT id, workspace_id, name, template_name, template_language,
			components, phone_number_id, status, total, sent, delivered,
			read_count, failed, scheduled_at, started_at, completed_at
		FROM campaigns WHERE id = $1`, id).Scan(
		&c.ID, &c.WorkspaceID, &c.Name, &c.TemplateName, &c.TemplateLanguage,
		&c.Components, &c.PhoneNumberID, &c.Status, &c.Total, &c.Sent, &c.Delivered,
		&c.Read, &c.Failed, &scheduledAt, &startedAt, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	c.ScheduledAt = derefTime(scheduledAt)
	c.StartedAt = derefTime(startedAt)
	c.CompletedAt = derefTime(completedAt)
	return &c, nil
}

func (s *Postgres) TransitionCampaign(ctx context.Context, id uuid.UUID, from []domain.CampaignStatus, to domain.CampaignStatus) (bool, error) {
	fromStrs := make([]string, len(from))
	for i, f := range from {
		fromStrs[i] = string(f)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE campaigns SET
			status = $2,
			started_at = CASE WHEN $2 = 'sending' THEN COALESCE(started_at, now()) ELSE started_at END,
			completed_at = CASE WHEN $2 IN ('completed','cancelled','failed') THEN now() ELSE completed_at END
		WHERE id = $1 AND status = ANY($3)`, id, to, fromStrs)
	if err != nil {
		return false, fmt.Errorf("transition campaign: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) CampaignCancelled(ctx context.Context, id uuid.UUID) (bool, error) {
	var status domain.CampaignStatus
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM campaigns WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("campaign cancelled check: %w", err)
	}
	return status == domain.CampaignCancelled, nil
}

func (s *Postgres) AddCampaignCounters(ctx context.Context, id uuid.UUID, delta CounterDelta) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE campaigns SET
			sent = sent + $2,
			delivered = delivered + $3,
			read_count = read_count + $4,
			failed = failed + $5
		WHERE id = $1`, id, delta.Sent, delta.Delivered, delta.Read, delta.Failed)
	if err != nil {
		return fmt.Errorf("add campaign counters: %w", err)
	}
	return nil
}

func (s *Postgres) SetCampaignTotal(ctx context.Context, id uuid.UUID, total int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE campaigns SET total = $2 WHERE id = $1`, id, total)
	if err != nil {
		return fmt.Errorf("set campaign total: %w", err)
	}
	return nil
}

// --- contacts ---

func (s *Postgres) UpsertContact(ctx context.Context, workspaceID uuid.UUID, waID, phone, name string) (*domain.Contact, error) {
	var c domain.Contact
	var sessionExpiresAt *time.Time
	err := s.pool.QueryRow(ctx, `
		INSERT INTO contacts (id, workspace_id, wa_id, phone_number, name, opted_in, created_at)
		VALUES ($1, $2, $3, $4, $5, true, now())
		ON CONFLICT (workspace_id, wa_id) DO UPDATE
			SET name = CASE WHEN contacts.name = '' THEN EXCLUDED.name ELSE contacts.name END
		RETURNING id, workspace_id, wa_id, phone_number, name, opted_in, session_expires_at, created_at`,
		uuid.New(), workspaceID, waID, phone, name).Scan(
		&c.ID, &c.WorkspaceID, &c.WaID, &c.PhoneNumber, &c.Name, &c.OptedIn,
		&sessionExpiresAt, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert contact: %w", err)
	}
	c.SessionExpiresAt = derefTime(sessionExpiresAt)
	return &c, nil
}

func (s *Postgres) TouchContactSession(ctx context.Context, workspaceID uuid.UUID, waID string, receivedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE contacts SET session_expires_at = $3
		WHERE workspace_id = $1 AND wa_id = $2`,
		workspaceID, waID, receivedAt.Add(24*time.Hour))
	if err != nil {
		return fmt.Errorf("touch contact session: %w", err)
	}
	return nil
}

func (s *Postgres) CampaignAudience(ctx context.Context, campaignID uuid.UUID, after uuid.UUID, limit int) ([]*domain.Contact, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.workspace_id, c.wa_id, c.phone_number, c.name, c.opted_in,
			c.session_expires_at, c.created_at
		FROM campaign_audience a
		JOIN contacts c ON c.id = a.contact_id
		WHERE a.campaign_id = $1 AND c.id > $2
		ORDER BY c.id
		LIMIT $3`, campaignID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("campaign audience: %w", err)
	}
	defer rows.Close()
	var out []*domain.Contact
	for rows.Next() {
		var c domain.Contact
		var sessionExpiresAt *time.Time
		if err := rows.Scan(&c.ID, &c.WorkspaceID, &c.WaID, &c.PhoneNumber,
			&c.Name, &c.OptedIn, &sessionExpiresAt, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		c.SessionExpiresAt = derefTime(sessionExpiresAt)
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *Postgres) CampaignAudienceCount(ctx context.Context, campaignID uuid.UUID) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM campaign_audience WHERE campaign_id = $1`, campaignID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("campaign audience count: %w", err)
	}
	return count, nil
}

func (s *Postgres) AddToAudience(ctx context.Context, campaignID uuid.UUID, contactIDs []uuid.UUID) error {
	batch := &pgx.Batch{}
	for _, id := range contactIDs {
		batch.Queue(`
			INSERT INTO campaign_audience (campaign_id, contact_id)
			VALUES ($1, $2) ON CONFLICT DO NOTHING`, campaignID, id)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("add to audience: %w", err)
	}
	return nil
}

// --- phone numbers ---

func (s *Postgres) CreatePhoneNumber(ctx context.Context, p *domain.PhoneNumber) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO phone_numbers (
			id, workspace_id, upstream_id, display_number, verified_name,
			access_token_ref, quality_rating, messaging_tier, daily_cap, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now())
		ON CONFLICT (upstream_id) DO NOTHING`,
		p.ID, p.WorkspaceID, p.UpstreamID, p.DisplayNumber, p.VerifiedName,
		p.AccessTokenRef, p.QualityRating, p.MessagingTier, p.DailyCap)
	if err != nil {
		return fmt.Errorf("insert phone number: %w", err)
	}
	return nil
}

func (s *Postgres) GetPhoneNumberByUpstreamID(ctx context.Context, upstreamID string) (*domain.PhoneNumber, error) {
	var p domain.PhoneNumber
	err := s.pool.QueryRow(ctx, `
		SELECT id, workspace_id, upstream_id, display_number, verified_name,
			access_token_ref, quality_rating, messaging_tier, daily_cap, updated_at
		FROM phone_numbers WHERE upstream_id = $1`, upstreamID).Scan(
		&p.ID, &p.WorkspaceID, &p.UpstreamID, &p.DisplayNumber, &p.VerifiedName,
		&p.AccessTokenRef, &p.QualityRating, &p.MessagingTier, &p.DailyCap, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get phone number: %w", err)
	}
	return &p, nil
}

func (s *Postgres) UpdatePhoneQuality(ctx context.Context, upstreamID string, q domain.QualityRating, tier string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE phone_numbers SET
			quality_rating = $2,
			messaging_tier = CASE WHEN $3 <> '' THEN $3 ELSE messaging_tier END,
			daily_cap = CASE WHEN $3 <> '' THEN $4 ELSE daily_cap END,
			updated_at = $5
		WHERE upstream_id = $1`,
		upstreamID, q, tier, domain.TierCap(tier), at)
	if err != nil {
		return fmt.Errorf("update phone quality: %w", err)
	}
	return nil
}

// --- templates ---

func (s *Postgres) UpdateTemplateStatus(ctx context.Context, workspaceID uuid.UUID, name, language, status, reason string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO template_statuses (workspace_id, name, language, status, reason, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
		ON CONFLICT (workspace_id, name, language) DO UPDATE
			SET status = EXCLUDED.status, reason = EXCLUDED.reason, updated_at = now()`,
		workspaceID, name, language, status, reason)
	if err != nil {
		return fmt.Errorf("update template status: %w", err)
	}
	return nil
}

func (s *Postgres) TemplateStatus(ctx context.Context, workspaceID uuid.UUID, name, language string) (string, error) {
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT status FROM template_statuses
		WHERE workspace_id = $1 AND name = $2 AND language = $3`,
		workspaceID, name, language).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("template status: %w", err)
	}
	return status, nil
}

// --- workspace credentials ---

func (s *Postgres) WebhookSecret(ctx context.Context, workspaceID uuid.UUID) (string, error) {
	var secret string
	err := s.pool.QueryRow(ctx,
		`SELECT webhook_secret FROM workspaces WHERE id = $1`, workspaceID).Scan(&secret)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("webhook secret: %w", err)
	}
	return secret, nil
}

func (s *Postgres) AccessToken(ctx context.Context, tokenRef string) (string, error) {
	var token string
	err := s.pool.QueryRow(ctx,
		`SELECT token FROM access_tokens WHERE ref = $1`, tokenRef).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("access token: %w", err)
	}
	return token, nil
}
