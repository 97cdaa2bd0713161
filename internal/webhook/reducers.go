package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/wasend/internal/domain"
	"github.com/adred-codev/wasend/internal/logging"
	"github.com/adred-codev/wasend/internal/metrics"
	"github.com/adred-codev/wasend/internal/queue"
	"github.com/adred-codev/wasend/internal/store"
)

// AccountHandler consumes the low-volume account events: template review
// decisions and phone-number quality updates.
type AccountHandler struct {
	templates store.TemplateStore
	phones    store.PhoneNumberStore
	templateQ queue.Consumer
	phoneQ    queue.Consumer
	notifier  Notifier // may be nil
	logger    zerolog.Logger
	m         *metrics.Metrics
}

// NewAccountHandler wires the account-event consumers.
func NewAccountHandler(templates store.TemplateStore, phones store.PhoneNumberStore,
	templateQ, phoneQ queue.Consumer, notifier Notifier, logger zerolog.Logger, m *metrics.Metrics) *AccountHandler {
	return &AccountHandler{
		templates: templates,
		phones:    phones,
		templateQ: templateQ,
		phoneQ:    phoneQ,
		notifier:  notifier,
		logger:    logger.With().Str("component", "account-handler").Logger(),
		m:         m,
	}
}

// Run consumes both account queues until ctx is cancelled.
func (h *AccountHandler) Run(ctx context.Context) {
	go h.loop(ctx, h.templateQ, h.handleTemplate, "template-updates")
	h.loop(ctx, h.phoneQ, h.handlePhone, "phone-updates")
}

func (h *AccountHandler) loop(ctx context.Context, c queue.Consumer,
	handle func(context.Context, queue.Delivery), name string) {
	defer logging.RecoverPanic(h.logger, name, nil)
	for {
		if ctx.Err() != nil {
			return
		}
		delivery, err := c.Next(ctx, 5*time.Second)
		if errors.Is(err, queue.ErrNoMessages) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.logger.Warn().Err(err).Str("loop", name).Msg("Account dequeue failed")
			continue
		}
		handle(ctx, delivery)
	}
}

func (h *AccountHandler) handleTemplate(ctx context.Context, delivery queue.Delivery) {
	var ev Event
	var val changeValue
	if err := json.Unmarshal(delivery.Data(), &ev); err != nil {
		_ = delivery.Term()
		return
	}
	if err := json.Unmarshal(ev.Payload, &val); err != nil {
		_ = delivery.Term()
		return
	}

	status := strings.ToLower(val.Event) // APPROVED/REJECTED/PAUSED -> approved/rejected/paused
	err := h.templates.UpdateTemplateStatus(ctx, ev.WorkspaceID,
		val.MessageTemplateName, val.MessageTemplateLanguage, status, val.Reason)
	if err != nil {
		h.logger.Warn().Err(err).
			Str("template", val.MessageTemplateName).
			Msg("Template status update failed, retrying")
		_ = delivery.Nak(time.Second)
		return
	}

	h.logger.Info().
		Stringer("workspace_id", ev.WorkspaceID).
		Str("template", val.MessageTemplateName).
		Str("language", val.MessageTemplateLanguage).
		Str("status", status).
		Msg("Template status updated")
	if h.notifier != nil {
		h.notifier.Notify(ev.WorkspaceID, "template.status", map[string]any{
			"name":     val.MessageTemplateName,
			"language": val.MessageTemplateLanguage,
			"status":   status,
			"reason":   val.Reason,
		})
	}
	_ = delivery.Ack()
}

func (h *AccountHandler) handlePhone(ctx context.Context, delivery queue.Delivery) {
	var ev Event
	var val changeValue
	if err := json.Unmarshal(delivery.Data(), &ev); err != nil {
		_ = delivery.Term()
		return
	}
	if err := json.Unmarshal(ev.Payload, &val); err != nil {
		_ = delivery.Term()
		return
	}

	quality := phoneQuality(val.Event)
	err := h.phones.UpdatePhoneQuality(ctx, ev.PhoneNumberID, quality, val.CurrentLimit, ev.ReceivedAt)
	if errors.Is(err, store.ErrNotFound) {
		// Update for a number we never registered; nothing to record.
		_ = delivery.Term()
		return
	}
	if err != nil {
		h.logger.Warn().Err(err).
			Str("phone_number_id", ev.PhoneNumberID).
			Msg("Phone quality update failed, retrying")
		_ = delivery.Nak(time.Second)
		return
	}

	h.logger.Info().
		Stringer("workspace_id", ev.WorkspaceID).
		Str("phone_number_id", ev.PhoneNumberID).
		Str("quality", string(quality)).
		Str("tier", val.CurrentLimit).
		Msg("Phone quality updated")
	if h.notifier != nil {
		h.notifier.Notify(ev.WorkspaceID, "phone.quality", map[string]any{
			"phone_number_id": ev.PhoneNumberID,
			"quality":         quality,
			"tier":            val.CurrentLimit,
		})
	}
	_ = delivery.Ack()
}

// phoneQuality maps the provider's quality event onto a rating. The event
// field carries values like "FLAGGED", "UNFLAGGED", "DOWNGRADE", "UPGRADE".
func phoneQuality(event string) domain.QualityRating {
	switch strings.ToUpper(event) {
	case "UNFLAGGED", "UPGRADE", "ONBOARDING":
		return domain.QualityGreen
	case "DOWNGRADE":
		return domain.QualityYellow
	case "FLAGGED":
		return domain.QualityRed
	default:
		return domain.QualityUnknown
	}
}
