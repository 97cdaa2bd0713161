package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adred-codev/wasend/internal/domain"
	"github.com/adred-codev/wasend/internal/logging"
	"github.com/adred-codev/wasend/internal/metrics"
	"github.com/adred-codev/wasend/internal/queue"
	"github.com/adred-codev/wasend/internal/store"
)

// InboundHandler consumes customer messages: it upserts the contact, opens
// the 24-hour service window, and persists the message for the conversation
// view.
type InboundHandler struct {
	messages store.MessageStore
	contacts store.ContactStore
	consumer queue.Consumer
	notifier Notifier // may be nil
	logger   zerolog.Logger
	m        *metrics.Metrics
}

// NewInboundHandler wires the inbound consumer.
func NewInboundHandler(messages store.MessageStore, contacts store.ContactStore,
	consumer queue.Consumer, notifier Notifier, logger zerolog.Logger, m *metrics.Metrics) *InboundHandler {
	return &InboundHandler{
		messages: messages,
		contacts: contacts,
		consumer: consumer,
		notifier: notifier,
		logger:   logger.With().Str("component", "inbound-handler").Logger(),
		m:        m,
	}
}

// Run consumes inbound messages until ctx is cancelled.
func (h *InboundHandler) Run(ctx context.Context) {
	defer logging.RecoverPanic(h.logger, "inbound-handler", nil)
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
			h.logger.Warn().Err(err).Msg("Inbound dequeue failed")
			continue
		}
		h.handle(ctx, delivery)
	}
}

// inboundPayload is the queued fragment: the provider message plus the
// sender profile captured at intake.
type inboundPayload struct {
	inboundRecord
	Contacts []waContact `json:"contacts,omitempty"`
}

func (h *InboundHandler) handle(ctx context.Context, delivery queue.Delivery) {
	var ev Event
	if err := json.Unmarshal(delivery.Data(), &ev); err != nil {
		h.logger.Error().Err(err).Msg("Undecodable inbound event, dropping")
		_ = delivery.Term()
		return
	}
	var rec inboundPayload
	if err := json.Unmarshal(ev.Payload, &rec); err != nil {
		h.logger.Error().Err(err).Str("event_id", ev.ID).Msg("Undecodable inbound payload, dropping")
		_ = delivery.Term()
		return
	}

	log := h.logger.With().
		Stringer("workspace_id", ev.WorkspaceID).
		Str("upstream_message_id", rec.ID).
		Logger()

	receivedAt := parseUnixSeconds(rec.Timestamp)
	if receivedAt.IsZero() {
		receivedAt = ev.ReceivedAt
	}

	name := ""
	for _, c := range rec.Contacts {
		if c.WaID == rec.From {
			name = c.Profile.Name
			break
		}
	}

	contact, err := h.contacts.UpsertContact(ctx, ev.WorkspaceID, rec.From, rec.From, name)
	if err != nil {
		log.Warn().Err(err).Msg("Contact upsert failed, retrying")
		_ = delivery.Nak(time.Second)
		return
	}
	if err := h.contacts.TouchContactSession(ctx, ev.WorkspaceID, rec.From, receivedAt); err != nil {
		log.Warn().Err(err).Msg("Session window update failed, retrying")
		_ = delivery.Nak(time.Second)
		return
	}

	// Deterministic row id: a redelivered event past the queue's dedupe
	// window maps onto the same row and CreateMessage's insert-once makes
	// the replay a no-op.
	msg := &domain.Message{
		ID:                uuid.NewSHA1(uuid.NameSpaceOID, []byte("inbound:"+rec.ID)),
		WorkspaceID:       ev.WorkspaceID,
		ContactID:         &contact.ID,
		PhoneNumberID:     ev.PhoneNumberID,
		Direction:         domain.DirectionInbound,
		Kind:              inboundKind(&rec.inboundRecord),
		Peer:              rec.From,
		Payload:           ev.Payload,
		UpstreamMessageID: rec.ID,
		Status:            domain.StatusDelivered,
		CreatedAt:         receivedAt,
		DeliveredAt:       receivedAt,
	}
	if err := h.messages.CreateMessage(ctx, msg); err != nil {
		log.Warn().Err(err).Msg("Inbound persist failed, retrying")
		_ = delivery.Nak(time.Second)
		return
	}

	h.notifyInbound(&ev, &rec, msg, contact)
	_ = delivery.Ack()
}

func (h *InboundHandler) notifyInbound(ev *Event, rec *inboundPayload, msg *domain.Message, contact *domain.Contact) {
	if h.notifier == nil {
		return
	}
	h.notifier.Notify(ev.WorkspaceID, "message.inbound", map[string]any{
		"message_id": msg.ID,
		"contact_id": contact.ID,
		"from":       rec.From,
		"kind":       msg.Kind,
		"at":         msg.DeliveredAt,
	})
}

// inboundKind maps the provider message type onto our message kinds. Media
// subtypes collapse into KindMedia; anything unrecognized is preserved as
// KindUnknown rather than dropped, so the conversation stays complete.
func inboundKind(rec *inboundRecord) domain.MessageKind {
	switch rec.Type {
	case "text":
		return domain.KindText
	case "image", "video", "audio", "document", "sticker":
		return domain.KindMedia
	case "location":
		return domain.KindLocation
	case "reaction":
		return domain.KindReaction
	case "interactive", "button":
		return domain.KindInteractiveButtons
	default:
		return domain.KindUnknown
	}
}
