// Package dispatch runs the outbound worker pool: dequeue a command, claim
// its row, pass the rate limiter, render, send, and apply the outcome. All
// workers are symmetric; ordering across messages is not promised, effective
// exactly-once is approximated by row-level CAS plus the upstream
// idempotency key.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adred-codev/wasend/internal/campaign"
	"github.com/adred-codev/wasend/internal/domain"
	"github.com/adred-codev/wasend/internal/logging"
	"github.com/adred-codev/wasend/internal/metrics"
	"github.com/adred-codev/wasend/internal/queue"
	"github.com/adred-codev/wasend/internal/store"
	"github.com/adred-codev/wasend/internal/upstream"
	"github.com/adred-codev/wasend/internal/wire"
)

// Limiter is what the dispatcher needs from the rate limiter.
type Limiter interface {
	Acquire(ctx context.Context, phoneNumberID string, workspaceID uuid.UUID) (ok bool, wait time.Duration)
	Penalize(ctx context.Context, phoneNumberID string, d time.Duration)
}

// TokenSource resolves opaque token handles to bearer tokens.
type TokenSource interface {
	AccessToken(ctx context.Context, tokenRef string) (string, error)
}

// Guard lets the resource watchdog pause dequeuing under load.
type Guard interface {
	ShouldPause() bool
}

// Notifier pushes message lifecycle events to connected dashboard clients.
type Notifier interface {
	Notify(workspaceID uuid.UUID, event string, payload any)
}

// Config tunes the worker pool.
type Config struct {
	Workers           int
	VisibilityTimeout time.Duration
	DequeueWait       time.Duration
	MaxAttempts       int
	Backoff           Backoff
}

// Dispatcher owns the worker pool.
type Dispatcher struct {
	cfg       Config
	consumer  queue.Consumer
	publisher queue.Queue
	messages  store.MessageStore
	campaigns store.CampaignStore
	tokens    TokenSource
	limiter   Limiter
	sender    upstream.Sender
	guard     Guard    // may be nil
	notifier  Notifier // may be nil
	logger    zerolog.Logger
	m         *metrics.Metrics

	wg sync.WaitGroup
}

// New wires a Dispatcher. guard and notifier may be nil.
func New(cfg Config, consumer queue.Consumer, publisher queue.Queue,
	messages store.MessageStore, campaigns store.CampaignStore, tokens TokenSource,
	lim Limiter, sender upstream.Sender, guard Guard, notifier Notifier,
	logger zerolog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		cfg:       cfg,
		consumer:  consumer,
		publisher: publisher,
		messages:  messages,
		campaigns: campaigns,
		tokens:    tokens,
		limiter:   lim,
		sender:    sender,
		guard:     guard,
		notifier:  notifier,
		logger:    logger.With().Str("component", "dispatcher").Logger(),
		m:         m,
	}
}

// Run starts the workers and blocks until ctx is cancelled and every worker
// finished its in-flight message.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info().Int("workers", d.cfg.Workers).Msg("Dispatcher starting")
	for i := 0; i < d.cfg.Workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer logging.RecoverPanic(d.logger, "dispatch-worker", map[string]any{"worker_id": workerID})
			d.runWorker(ctx, workerID)
		}()
	}
	d.wg.Wait()
	d.logger.Info().Msg("Dispatcher drained")
}

func (d *Dispatcher) runWorker(ctx context.Context, workerID string) {
	log := d.logger.With().Str("worker_id", workerID).Logger()
	for {
		if ctx.Err() != nil {
			return
		}
		if d.guard != nil && d.guard.ShouldPause() {
			sleep(ctx, 500*time.Millisecond)
			continue
		}

		delivery, err := d.consumer.Next(ctx, d.cfg.DequeueWait)
		if errors.Is(err, queue.ErrNoMessages) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("Dequeue failed")
			sleep(ctx, time.Second)
			continue
		}

		d.m.WorkersActive.Inc()
		d.handle(ctx, log, workerID, delivery)
		d.m.WorkersActive.Dec()
	}
}

// handle processes one delivery end to end. Every path acks, naks or terms
// the delivery exactly once.
func (d *Dispatcher) handle(ctx context.Context, log zerolog.Logger, workerID string, delivery queue.Delivery) {
	var cmd domain.OutboundCommand
	if err := json.Unmarshal(delivery.Data(), &cmd); err != nil {
		log.Error().Err(err).Msg("Undecodable command, dropping")
		_ = delivery.Term()
		return
	}
	log = log.With().Stringer("message_id", cmd.MessageID).Logger()

	// Cancelled-campaign tombstone: consult before any work.
	if cmd.CampaignID != nil {
		cancelled, err := d.campaigns.CampaignCancelled(ctx, *cmd.CampaignID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Warn().Err(err).Msg("Tombstone check failed, retrying delivery")
			_ = delivery.Nak(time.Second)
			return
		}
		if cancelled {
			d.failMessage(ctx, log, &cmd, domain.NewSendError(domain.ErrCancelled, 0, "campaign cancelled"))
			_ = delivery.Ack()
			return
		}
	}

	// Claim the row. A refused claim means some other worker owns it or it
	// already settled; inspect the row to pick between ack and delayed nak.
	leaseDeadline := time.Now().Add(d.cfg.VisibilityTimeout)
	msg, claimed, err := d.messages.ClaimSending(ctx, cmd.MessageID, workerID, leaseDeadline)
	if errors.Is(err, store.ErrNotFound) {
		log.Error().Msg("Command references no message row, dropping")
		_ = delivery.Term()
		return
	}
	if err != nil {
		log.Warn().Err(err).Msg("Claim failed, retrying delivery")
		_ = delivery.Nak(time.Second)
		return
	}
	if !claimed {
		d.resolveUnclaimed(ctx, log, cmd.MessageID, delivery)
		return
	}

	// Rate limiter. Short waits are absorbed inline; anything that would eat
	// into the lease releases the claim and defers the delivery.
	if !d.acquireWithinLease(ctx, log, &cmd, msg, delivery, leaseDeadline) {
		return
	}

	token, err := d.tokens.AccessToken(ctx, cmd.AccessTokenRef)
	if errors.Is(err, store.ErrNotFound) {
		d.failMessage(ctx, log, &cmd, domain.NewSendError(domain.ErrAuthExpired, 0, "unknown access token ref %q", cmd.AccessTokenRef))
		_ = delivery.Ack()
		return
	}
	if err != nil {
		log.Warn().Err(err).Msg("Token resolution failed, releasing claim")
		_ = d.messages.ReleaseToQueued(ctx, cmd.MessageID, time.Now().Add(time.Second))
		_ = delivery.Nak(time.Second)
		return
	}

	path, body, err := wire.Render(&cmd)
	if err != nil {
		var sendErr *domain.SendError
		if !errors.As(err, &sendErr) {
			sendErr = domain.NewSendError(domain.ErrInvalidCommand, 0, "%v", err)
		}
		d.failMessage(ctx, log, &cmd, sendErr)
		_ = delivery.Ack()
		return
	}

	d.m.SendAttempts.WithLabelValues(string(cmd.Kind)).Inc()
	started := time.Now()
	res := d.sender.Send(ctx, path, body, cmd.MessageID.String(), token)
	d.m.SendLatency.Observe(time.Since(started).Seconds())
	d.m.SendOutcomes.WithLabelValues(res.Kind.String()).Inc()

	d.applyOutcome(ctx, log, &cmd, msg, res, delivery)
}

// resolveUnclaimed decides what to do with a delivery whose row refused the
// claim: settled rows ack, rows delayed into the future nak until then.
func (d *Dispatcher) resolveUnclaimed(ctx context.Context, log zerolog.Logger, id uuid.UUID, delivery queue.Delivery) {
	msg, err := d.messages.GetMessage(ctx, id)
	if err != nil {
		_ = delivery.Nak(time.Second)
		return
	}
	if msg.Status == domain.StatusQueued {
		if wait := time.Until(msg.AvailableAt); wait > 0 {
			// Redelivered slightly ahead of its backoff window.
			_ = delivery.Nak(wait)
			return
		}
		// Queued and available but claim refused: raced another worker's
		// redelivery. Let the queue retry.
		_ = delivery.Nak(time.Second)
		return
	}
	// SENDING under a live lease, or already settled: this delivery is a
	// duplicate.
	log.Debug().Str("status", string(msg.Status)).Msg("Duplicate delivery for settled or owned row")
	_ = delivery.Ack()
}

// acquireWithinLease runs the limiter loop. Returns false when the delivery
// was already disposed of (released + nak'd).
func (d *Dispatcher) acquireWithinLease(ctx context.Context, log zerolog.Logger, cmd *domain.OutboundCommand,
	msg *domain.Message, delivery queue.Delivery, leaseDeadline time.Time) bool {
	for {
		ok, wait := d.limiter.Acquire(ctx, cmd.PhoneNumberID, cmd.WorkspaceID)
		if ok {
			return true
		}
		// Keep enough lease to actually perform the send afterwards.
		budget := time.Until(leaseDeadline) - 10*time.Second
		if wait > budget {
			log.Debug().Dur("wait", wait).Msg("Limiter wait exceeds lease budget, deferring")
			d.m.LimiterNAKs.Inc()
			_ = d.messages.ReleaseToQueued(ctx, cmd.MessageID, time.Now().Add(wait))
			_ = delivery.Nak(wait)
			return false
		}
		if !sleep(ctx, wait) {
			// Shutting down mid-wait: hand the message back untouched.
			_ = d.messages.ReleaseToQueued(ctx, cmd.MessageID, time.Now())
			_ = delivery.Nak(0)
			return false
		}
	}
}

func (d *Dispatcher) applyOutcome(ctx context.Context, log zerolog.Logger, cmd *domain.OutboundCommand,
	msg *domain.Message, res upstream.Result, delivery queue.Delivery) {
	switch res.Kind {
	case upstream.Accepted:
		now := time.Now()
		ok, err := d.messages.MarkSent(ctx, cmd.MessageID, res.UpstreamMessageID, now)
		if err != nil {
			// The send happened; losing the row update would re-send, but the
			// idempotency key absorbs that. Retry the bookkeeping.
			log.Error().Err(err).Msg("MarkSent failed after accepted send")
			_ = delivery.Nak(time.Second)
			return
		}
		if ok {
			log.Info().
				Str("upstream_message_id", res.UpstreamMessageID).
				Int("attempt", msg.AttemptCount).
				Msg("Message sent")
			d.publishCounter(ctx, cmd, "sent")
			d.notify(cmd.WorkspaceID, "message.sent", map[string]any{
				"message_id":          cmd.MessageID,
				"upstream_message_id": res.UpstreamMessageID,
			})
		}
		_ = delivery.Ack()

	case upstream.RateLimited:
		penalty := res.RetryAfter
		if penalty <= 0 {
			penalty = d.cfg.Backoff.Delay(msg.AttemptCount)
		}
		d.limiter.Penalize(ctx, cmd.PhoneNumberID, penalty)
		sendErr := domain.NewSendError(domain.ErrRateLimited, res.Code, "%s", res.Reason)
		if err := d.messages.RequeueAfterFailure(ctx, cmd.MessageID, time.Now().Add(penalty), sendErr); err != nil {
			log.Error().Err(err).Msg("Requeue after rate limit failed")
		}
		d.m.Retries.Inc()
		log.Warn().Dur("penalty", penalty).Msg("Upstream rate limited, deferring")
		_ = delivery.Nak(penalty)

	case upstream.TransientFailure:
		sendErr := domain.NewSendError(domain.ErrTransientUpstream, res.Code, "%s", res.Reason)
		if msg.AttemptCount >= d.cfg.MaxAttempts {
			d.failMessage(ctx, log, cmd, domain.NewSendError(domain.ErrExhausted, res.Code,
				"gave up after %d attempts: %s", msg.AttemptCount, res.Reason))
			_ = delivery.Ack()
			return
		}
		delay := d.cfg.Backoff.Delay(msg.AttemptCount)
		if err := d.messages.RequeueAfterFailure(ctx, cmd.MessageID, time.Now().Add(delay), sendErr); err != nil {
			log.Error().Err(err).Msg("Requeue after transient failure failed")
		}
		d.m.Retries.Inc()
		log.Warn().
			Int("attempt", msg.AttemptCount).
			Dur("delay", delay).
			Str("reason", res.Reason).
			Msg("Transient send failure, will retry")
		_ = delivery.Nak(delay)

	case upstream.PermanentFailure:
		kind := domain.ErrPermanentUpstream
		if res.AuthFailure {
			kind = domain.ErrAuthExpired
			// Surface loudly: every send on this number will fail until the
			// token is rotated.
			log.Error().
				Str("phone_number_id", cmd.PhoneNumberID).
				Str("token_ref", cmd.AccessTokenRef).
				Msg("Upstream auth failure, token refresh required")
		}
		d.failMessage(ctx, log, cmd, domain.NewSendError(kind, res.Code, "%s", res.Reason))
		_ = delivery.Ack()
	}
}

// failMessage terminally fails the row and fans out the consequences.
func (d *Dispatcher) failMessage(ctx context.Context, log zerolog.Logger, cmd *domain.OutboundCommand, sendErr *domain.SendError) {
	ok, err := d.messages.MarkFailed(ctx, cmd.MessageID, sendErr, time.Now())
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Error().Err(err).Msg("MarkFailed failed")
		return
	}
	if !ok {
		return
	}
	log.Warn().Str("error_kind", string(sendErr.Kind)).Str("reason", sendErr.Message).Msg("Message failed")
	d.publishCounter(ctx, cmd, "failed")
	d.notify(cmd.WorkspaceID, "message.failed", map[string]any{
		"message_id": cmd.MessageID,
		"error":      sendErr,
	})
}

// publishCounter emits a campaign counter event; the reducer applies it.
func (d *Dispatcher) publishCounter(ctx context.Context, cmd *domain.OutboundCommand, field string) {
	if cmd.CampaignID == nil {
		return
	}
	ev := campaign.CounterEvent{
		CampaignID: *cmd.CampaignID,
		MessageID:  cmd.MessageID,
		Field:      field,
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	msgID := fmt.Sprintf("counter:%s:%s", cmd.MessageID, field)
	if err := d.publisher.Publish(ctx, queue.SubjectCampaignCounters, data, msgID); err != nil {
		d.logger.Warn().Err(err).Msg("Counter event publish failed")
	}
	d.m.CampaignMessages.WithLabelValues(field).Inc()
}

func (d *Dispatcher) notify(workspaceID uuid.UUID, event string, payload any) {
	if d.notifier != nil {
		d.notifier.Notify(workspaceID, event, payload)
	}
}

// sleep waits d or until ctx is done; reports whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
