package webhook

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/wasend/internal/domain"
	"github.com/adred-codev/wasend/internal/metrics"
	"github.com/adred-codev/wasend/internal/queue"
	"github.com/adred-codev/wasend/internal/store"
)

func deliverAccountEvent(t *testing.T, q *queue.Memory, subject string, ev Event) queue.Delivery {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	require.NoError(t, q.Publish(context.Background(), subject, data, ev.ID))
	consumer, err := q.Consume(context.Background(), queue.StreamEvents, "account", subject, time.Minute)
	require.NoError(t, err)
	delivery, err := consumer.Next(context.Background(), time.Second)
	require.NoError(t, err)
	return delivery
}

func TestTemplateDecisionRecorded(t *testing.T) {
	st := store.NewMemory()
	q := queue.NewMemory()
	h := NewAccountHandler(st, st, nil, nil, nil, zerolog.Nop(), metrics.New())
	workspaceID := uuid.New()

	payload, _ := json.Marshal(changeValue{
		Event:                   "REJECTED",
		MessageTemplateName:     "promo_blast",
		MessageTemplateLanguage: "en_US",
		Reason:                  "ABUSIVE_CONTENT",
	})
	delivery := deliverAccountEvent(t, q, queue.SubjectTemplateUpdates, Event{
		ID:          "tpl-1",
		Kind:        EventKindTemplate,
		WorkspaceID: workspaceID,
		ReceivedAt:  time.Now(),
		Payload:     payload,
	})
	h.handleTemplate(context.Background(), delivery)

	status, err := st.TemplateStatus(context.Background(), workspaceID, "promo_blast", "en_US")
	require.NoError(t, err)
	assert.Equal(t, "rejected", status)
	assert.Equal(t, 0, q.Depth(queue.SubjectTemplateUpdates))
}

func TestPhoneQualityUpdateApplied(t *testing.T) {
	st := store.NewMemory()
	q := queue.NewMemory()
	h := NewAccountHandler(st, st, nil, nil, nil, zerolog.Nop(), metrics.New())
	workspaceID := uuid.New()

	require.NoError(t, st.CreatePhoneNumber(context.Background(), &domain.PhoneNumber{
		ID:            uuid.New(),
		WorkspaceID:   workspaceID,
		UpstreamID:    "PN-1",
		QualityRating: domain.QualityGreen,
		MessagingTier: "TIER_10K",
		DailyCap:      10_000,
	}))

	payload, _ := json.Marshal(changeValue{Event: "FLAGGED", CurrentLimit: "TIER_1K"})
	delivery := deliverAccountEvent(t, q, queue.SubjectPhoneNumberUpdates, Event{
		ID:            "phone-1",
		Kind:          EventKindPhone,
		WorkspaceID:   workspaceID,
		PhoneNumberID: "PN-1",
		ReceivedAt:    time.Now(),
		Payload:       payload,
	})
	h.handlePhone(context.Background(), delivery)

	p, err := st.GetPhoneNumberByUpstreamID(context.Background(), "PN-1")
	require.NoError(t, err)
	assert.Equal(t, domain.QualityRed, p.QualityRating)
	assert.Equal(t, "TIER_1K", p.MessagingTier)
	assert.Equal(t, 1_000, p.DailyCap)
	assert.Equal(t, 0, q.Depth(queue.SubjectPhoneNumberUpdates))
}

func TestPhoneQualityUpdateForUnknownNumberDropped(t *testing.T) {
	st := store.NewMemory()
	q := queue.NewMemory()
	h := NewAccountHandler(st, st, nil, nil, nil, zerolog.Nop(), metrics.New())

	payload, _ := json.Marshal(changeValue{Event: "FLAGGED", CurrentLimit: "TIER_250"})
	delivery := deliverAccountEvent(t, q, queue.SubjectPhoneNumberUpdates, Event{
		ID:            "phone-2",
		Kind:          EventKindPhone,
		WorkspaceID:   uuid.New(),
		PhoneNumberID: "PN-UNKNOWN",
		ReceivedAt:    time.Now(),
		Payload:       payload,
	})
	h.handlePhone(context.Background(), delivery)

	assert.Equal(t, 0, q.Depth(queue.SubjectPhoneNumberUpdates))
}
