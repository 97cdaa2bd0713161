// Package campaign executes bulk template sends. The executor walks the
// audience in stable contact-id order, enqueues one batch at a time, and
// waits for the batch to settle before the next, so a mid-campaign pause or
// cancel never leaves more than one batch in flight.
package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adred-codev/wasend/internal/domain"
	"github.com/adred-codev/wasend/internal/logging"
	"github.com/adred-codev/wasend/internal/metrics"
	"github.com/adred-codev/wasend/internal/queue"
	"github.com/adred-codev/wasend/internal/store"
)

// Config tunes the executor.
type Config struct {
	BatchSize    int
	PollInterval time.Duration
}

// Executor runs campaigns. One goroutine per running campaign, tracked so
// Stop can drain them.
type Executor struct {
	cfg       Config
	st        store.Store
	publisher queue.Queue
	logger    zerolog.Logger
	m         *metrics.Metrics

	mu      sync.Mutex
	running map[uuid.UUID]context.CancelFunc
	wg      sync.WaitGroup
}

// NewExecutor wires an Executor.
func NewExecutor(cfg Config, st store.Store, publisher queue.Queue, logger zerolog.Logger, m *metrics.Metrics) *Executor {
	return &Executor{
		cfg:       cfg,
		st:        st,
		publisher: publisher,
		logger:    logger.With().Str("component", "campaign").Logger(),
		m:         m,
		running:   make(map[uuid.UUID]context.CancelFunc),
	}
}

// Start moves DRAFT/SCHEDULED -> SENDING and launches the run loop.
func (e *Executor) Start(ctx context.Context, id uuid.UUID) error {
	ok, err := e.st.TransitionCampaign(ctx, id,
		[]domain.CampaignStatus{domain.CampaignDraft, domain.CampaignScheduled},
		domain.CampaignSending)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: campaign %s is not startable", ErrNotRunnable, id)
	}
	e.launch(id)
	return nil
}

// Pause moves SENDING -> PAUSED. The run loop notices at the next batch
// boundary; already-enqueued messages keep flowing.
func (e *Executor) Pause(ctx context.Context, id uuid.UUID) error {
	ok, err := e.st.TransitionCampaign(ctx, id,
		[]domain.CampaignStatus{domain.CampaignSending}, domain.CampaignPaused)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: campaign %s is not pausable", ErrNotRunnable, id)
	}
	return nil
}

// Resume moves PAUSED -> SENDING and relaunches the run loop, which picks up
// after the last fully-settled batch.
func (e *Executor) Resume(ctx context.Context, id uuid.UUID) error {
	ok, err := e.st.TransitionCampaign(ctx, id,
		[]domain.CampaignStatus{domain.CampaignPaused}, domain.CampaignSending)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: campaign %s is not resumable", ErrNotRunnable, id)
	}
	e.launch(id)
	return nil
}

// Cancel terminally cancels the campaign. The status itself is the
// tombstone: the dispatcher checks it before every campaign send, so
// already-queued messages fail fast instead of going out.
func (e *Executor) Cancel(ctx context.Context, id uuid.UUID) error {
	ok, err := e.st.TransitionCampaign(ctx, id,
		[]domain.CampaignStatus{
			domain.CampaignDraft, domain.CampaignScheduled,
			domain.CampaignSending, domain.CampaignPaused,
		}, domain.CampaignCancelled)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: campaign %s is not cancellable", ErrNotRunnable, id)
	}
	e.stopLoop(id)
	return nil
}

// Stop cancels all run loops and waits for them.
func (e *Executor) Stop() {
	e.mu.Lock()
	for _, cancel := range e.running {
		cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Executor) launch(id uuid.UUID) {
	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	if _, exists := e.running[id]; exists {
		e.mu.Unlock()
		cancel()
		return
	}
	e.running[id] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer logging.RecoverPanic(e.logger, "campaign-run", map[string]any{"campaign_id": id.String()})
		defer e.stopLoop(id)
		e.run(ctx, id)
	}()
}

func (e *Executor) stopLoop(id uuid.UUID) {
	e.mu.Lock()
	if cancel, exists := e.running[id]; exists {
		cancel()
		delete(e.running, id)
	}
	e.mu.Unlock()
}

// run is the batch loop for one campaign.
func (e *Executor) run(ctx context.Context, id uuid.UUID) {
	log := e.logger.With().Stringer("campaign_id", id).Logger()

	c, err := e.st.GetCampaign(ctx, id)
	if err != nil {
		log.Error().Err(err).Msg("Campaign load failed")
		return
	}

	phone, err := e.st.GetPhoneNumberByUpstreamID(ctx, c.PhoneNumberID)
	if err != nil {
		log.Error().Err(err).Msg("Campaign sender number missing")
		_, _ = e.st.TransitionCampaign(ctx, id,
			[]domain.CampaignStatus{domain.CampaignSending}, domain.CampaignFailed)
		return
	}

	// Fix the total before the first batch: counters fold in as soon as
	// messages settle, and sent+failed must never outrun total mid-run.
	// Contacts without a phone number are skipped at enqueue time; the
	// end-of-run write reconciles the total down to what actually went out.
	audience, err := e.st.CampaignAudienceCount(ctx, id)
	if err != nil {
		log.Error().Err(err).Msg("Audience count failed")
		return
	}
	if err := e.st.SetCampaignTotal(ctx, id, audience); err != nil {
		log.Warn().Err(err).Msg("Campaign total update failed")
	}

	log.Info().Str("template", c.TemplateName).Int64("audience", audience).Msg("Campaign run starting")

	cursor := uuid.Nil
	total := int64(0)
	for {
		// Status refresh at every batch boundary catches pause/cancel.
		current, err := e.st.GetCampaign(ctx, id)
		if err != nil {
			log.Error().Err(err).Msg("Campaign refresh failed")
			return
		}
		if current.Status != domain.CampaignSending {
			log.Info().Str("status", string(current.Status)).Msg("Campaign stopped mid-run")
			return
		}

		contacts, err := e.st.CampaignAudience(ctx, id, cursor, e.cfg.BatchSize)
		if err != nil {
			log.Error().Err(err).Msg("Audience page failed")
			return
		}
		if len(contacts) == 0 {
			break
		}

		batchIDs, enqueued := e.enqueueBatch(ctx, log, c, phone, contacts)
		total += int64(enqueued)
		e.m.CampaignBatches.Inc()
		cursor = contacts[len(contacts)-1].ID

		if !e.awaitSettled(ctx, log, id, batchIDs) {
			return
		}
	}

	if err := e.st.SetCampaignTotal(ctx, id, total); err != nil {
		log.Warn().Err(err).Msg("Campaign total update failed")
	}
	ok, err := e.st.TransitionCampaign(ctx, id,
		[]domain.CampaignStatus{domain.CampaignSending}, domain.CampaignCompleted)
	if err != nil || !ok {
		log.Warn().Err(err).Msg("Campaign was not in SENDING at completion")
		return
	}
	log.Info().Int64("total", total).Msg("Campaign completed")
}

// enqueueBatch creates a message row and publishes a command per contact.
func (e *Executor) enqueueBatch(ctx context.Context, log zerolog.Logger, c *domain.Campaign,
	phone *domain.PhoneNumber, contacts []*domain.Contact) (ids []uuid.UUID, enqueued int) {
	now := time.Now()
	for _, contact := range contacts {
		if contact.PhoneNumber == "" {
			continue
		}
		campaignID := c.ID
		// Deterministic per (campaign, contact): a resume rewalks the audience
		// from the start, and the repeated batches must collapse onto the same
		// rows (insert-once) and the same queue dedupe ids.
		msgID := uuid.NewSHA1(uuid.NameSpaceOID, []byte("campaign:"+c.ID.String()+":"+contact.ID.String()))
		cmd := &domain.OutboundCommand{
			MessageID:      msgID,
			WorkspaceID:    c.WorkspaceID,
			CampaignID:     &campaignID,
			PhoneNumberID:  phone.UpstreamID,
			AccessTokenRef: phone.AccessTokenRef,
			To:             contact.PhoneNumber,
			Kind:           domain.KindTemplate,
			Template: &domain.TemplateContent{
				Name:       c.TemplateName,
				Language:   c.TemplateLanguage,
				Components: c.Components,
			},
		}
		payload, err := json.Marshal(cmd)
		if err != nil {
			log.Error().Err(err).Msg("Command marshal failed")
			continue
		}

		contactID := contact.ID
		msg := &domain.Message{
			ID:            msgID,
			WorkspaceID:   c.WorkspaceID,
			CampaignID:    &campaignID,
			ContactID:     &contactID,
			PhoneNumberID: phone.UpstreamID,
			Direction:     domain.DirectionOutbound,
			Kind:          domain.KindTemplate,
			Peer:          contact.PhoneNumber,
			Payload:       payload,
			Status:        domain.StatusPending,
			CreatedAt:     now,
		}
		if err := e.st.CreateMessage(ctx, msg); err != nil {
			log.Error().Err(err).Stringer("contact_id", contact.ID).Msg("Message row insert failed")
			continue
		}

		// Publish with bounded retry; the msgID dedupe makes re-publishing a
		// half-failed attempt safe.
		err = retry.Do(
			func() error {
				return e.publisher.Publish(ctx, queue.SubjectOutbound, payload, msgID.String())
			},
			retry.Attempts(3),
			retry.Delay(100*time.Millisecond),
			retry.Context(ctx),
		)
		if err != nil {
			log.Error().Err(err).Stringer("message_id", msgID).Msg("Command publish failed")
			_, _ = e.st.MarkFailed(ctx, msgID,
				domain.NewSendError(domain.ErrTransientUpstream, 0, "enqueue failed: %v", err), time.Now())
			ids = append(ids, msgID)
			continue
		}
		if _, err := e.st.MarkQueued(ctx, msgID, time.Now()); err != nil {
			log.Warn().Err(err).Stringer("message_id", msgID).Msg("MarkQueued failed")
		}
		ids = append(ids, msgID)
		enqueued++
	}
	return ids, enqueued
}

// awaitSettled polls until every message of the batch reached SENT or
// FAILED. Returns false when the run should stop (cancelled context or
// campaign no longer SENDING).
func (e *Executor) awaitSettled(ctx context.Context, log zerolog.Logger, id uuid.UUID, ids []uuid.UUID) bool {
	if len(ids) == 0 {
		return true
	}
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		statuses, err := e.st.MessageStatuses(ctx, ids)
		if err != nil {
			log.Warn().Err(err).Msg("Batch settlement poll failed")
		} else {
			pending := 0
			for _, msgID := range ids {
				if s, ok := statuses[msgID]; !ok || !s.Settled() {
					pending++
				}
			}
			if pending == 0 {
				return true
			}
			log.Debug().Int("pending", pending).Int("batch", len(ids)).Msg("Awaiting batch settlement")
		}

		current, err := e.st.GetCampaign(ctx, id)
		if err == nil && current.Status != domain.CampaignSending {
			return false
		}

		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// ErrNotRunnable marks control-plane requests rejected by the state machine.
var ErrNotRunnable = errors.New("campaign: invalid state transition")
