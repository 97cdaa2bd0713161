package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adred-codev/wasend/internal/campaign"
	"github.com/adred-codev/wasend/internal/domain"
	"github.com/adred-codev/wasend/internal/logging"
	"github.com/adred-codev/wasend/internal/metrics"
	"github.com/adred-codev/wasend/internal/queue"
	"github.com/adred-codev/wasend/internal/store"
)

// receiptGrace bounds how long a receipt waits for its message row to show
// up. Receipts can outrun the dispatcher: the provider may post "delivered"
// before MarkSent has stored the upstream id.
const receiptGrace = 30 * time.Second

// Notifier pushes events to connected dashboard clients.
type Notifier interface {
	Notify(workspaceID uuid.UUID, event string, payload any)
}

// StatusHandler consumes delivery receipts and advances message rows.
type StatusHandler struct {
	messages  store.MessageStore
	consumer  queue.Consumer
	publisher queue.Queue
	notifier  Notifier // may be nil
	logger    zerolog.Logger
	m         *metrics.Metrics
}

// NewStatusHandler wires the receipt consumer.
func NewStatusHandler(messages store.MessageStore, consumer queue.Consumer, publisher queue.Queue,
	notifier Notifier, logger zerolog.Logger, m *metrics.Metrics) *StatusHandler {
	return &StatusHandler{
		messages:  messages,
		consumer:  consumer,
		publisher: publisher,
		notifier:  notifier,
		logger:    logger.With().Str("component", "status-handler").Logger(),
		m:         m,
	}
}

// Run consumes receipts until ctx is cancelled.
func (h *StatusHandler) Run(ctx context.Context) {
	defer logging.RecoverPanic(h.logger, "status-handler", nil)
	for {
		if ctx.Err() != nil {
			return
		}
		delivery, err := h.consumer.Next(ctx, 5*time.Second)
		if errors.Is(err, queue.ErrNoMessages) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.logger.Warn().Err(err).Msg("Receipt dequeue failed")
			continue
		}
		h.handle(ctx, delivery)
	}
}

func (h *StatusHandler) handle(ctx context.Context, delivery queue.Delivery) {
	var ev Event
	if err := json.Unmarshal(delivery.Data(), &ev); err != nil {
		h.logger.Error().Err(err).Msg("Undecodable status event, dropping")
		_ = delivery.Term()
		return
	}
	var rec statusRecord
	if err := json.Unmarshal(ev.Payload, &rec); err != nil {
		h.logger.Error().Err(err).Str("event_id", ev.ID).Msg("Undecodable receipt payload, dropping")
		_ = delivery.Term()
		return
	}

	log := h.logger.With().
		Str("upstream_message_id", rec.ID).
		Str("status", rec.Status).
		Logger()

	at := parseUnixSeconds(rec.Timestamp)
	if at.IsZero() {
		at = ev.ReceivedAt
	}

	if rec.Status == "failed" {
		h.handleFailed(ctx, delivery, &ev, &rec, at, log)
		return
	}

	to, ok := receiptStatus(rec.Status)
	if !ok {
		log.Warn().Msg("Unknown receipt status, dropping")
		_ = delivery.Term()
		return
	}

	msg, applied, err := h.messages.AdvanceStatus(ctx, rec.ID, to, at)
	if errors.Is(err, store.ErrNotFound) {
		// The row has not recorded this upstream id yet. Within the grace
		// window assume the send is still settling and retry; after it,
		// the message is not ours (or was purged) and the receipt is noise.
		if time.Since(ev.ReceivedAt) < receiptGrace {
			h.m.StatusBuffered.Inc()
			_ = delivery.Nak(5 * time.Second)
			return
		}
		log.Warn().Msg("Receipt for unknown message, dropping")
		_ = delivery.Term()
		return
	}
	if err != nil {
		log.Warn().Err(err).Msg("Status advance failed, retrying")
		_ = delivery.Nak(time.Second)
		return
	}
	if !applied {
		// Out-of-order receipt: the row already outranks it.
		h.m.StatusStale.Inc()
		_ = delivery.Ack()
		return
	}

	h.m.StatusAdvances.WithLabelValues(string(to)).Inc()
	h.publishCounter(ctx, msg, string(to))
	h.notify(msg, "message.status", map[string]any{
		"message_id": msg.ID,
		"status":     to,
		"at":         at,
	})
	_ = delivery.Ack()
}

// handleFailed applies a failed receipt: the provider accepted the send but
// could not deliver (expired session window, recipient unreachable).
func (h *StatusHandler) handleFailed(ctx context.Context, delivery queue.Delivery,
	ev *Event, rec *statusRecord, at time.Time, log zerolog.Logger) {

	msg, err := h.messages.GetMessageByUpstreamID(ctx, rec.ID)
	if errors.Is(err, store.ErrNotFound) {
		if time.Since(ev.ReceivedAt) < receiptGrace {
			h.m.StatusBuffered.Inc()
			_ = delivery.Nak(5 * time.Second)
			return
		}
		log.Warn().Msg("Failure receipt for unknown message, dropping")
		_ = delivery.Term()
		return
	}
	if err != nil {
		_ = delivery.Nak(time.Second)
		return
	}

	sendErr := domain.NewSendError(domain.ErrPermanentUpstream, 0, "delivery failed")
	if len(rec.Errors) > 0 {
		e := rec.Errors[0]
		sendErr = domain.NewSendError(domain.ErrPermanentUpstream, e.Code, "%s: %s", e.Title, e.Message)
	}

	applied, err := h.messages.MarkFailed(ctx, msg.ID, sendErr, at)
	if err != nil {
		log.Warn().Err(err).Msg("Failure apply failed, retrying")
		_ = delivery.Nak(time.Second)
		return
	}
	if !applied {
		h.m.StatusStale.Inc()
		_ = delivery.Ack()
		return
	}

	h.m.StatusAdvances.WithLabelValues(string(domain.StatusFailed)).Inc()
	h.publishCounter(ctx, msg, "failed")
	h.notify(msg, "message.status", map[string]any{
		"message_id": msg.ID,
		"status":     domain.StatusFailed,
		"error":      sendErr,
		"at":         at,
	})
	_ = delivery.Ack()
}

// publishCounter emits a campaign counter increment for campaign messages.
// The dedupe id makes receipt redeliveries collapse to one increment.
func (h *StatusHandler) publishCounter(ctx context.Context, msg *domain.Message, field string) {
	if msg.CampaignID == nil {
		return
	}
	ev := campaign.CounterEvent{
		CampaignID: *msg.CampaignID,
		MessageID:  msg.ID,
		Field:      field,
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	dedupeID := "counter:" + msg.ID.String() + ":" + field
	if err := h.publisher.Publish(ctx, queue.SubjectCampaignCounters, data, dedupeID); err != nil {
		h.logger.Warn().Err(err).Stringer("message_id", msg.ID).Msg("Counter publish failed")
	}
}

func (h *StatusHandler) notify(msg *domain.Message, event string, payload any) {
	if h.notifier == nil {
		return
	}
	h.notifier.Notify(msg.WorkspaceID, event, payload)
}

// receiptStatus maps a provider receipt status onto the message lifecycle.
func receiptStatus(s string) (domain.MessageStatus, bool) {
	switch s {
	case "sent":
		return domain.StatusSent, true
	case "delivered":
		return domain.StatusDelivered, true
	case "read":
		return domain.StatusRead, true
	default:
		return "", false
	}
}
