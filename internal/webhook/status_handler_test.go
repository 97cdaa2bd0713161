package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/wasend/internal/campaign"
	"github.com/adred-codev/wasend/internal/domain"
	"github.com/adred-codev/wasend/internal/metrics"
	"github.com/adred-codev/wasend/internal/queue"
	"github.com/adred-codev/wasend/internal/store"
)

type statusFixture struct {
	handler *StatusHandler
	store   *store.Memory
	queue   *queue.Memory
	ctx     context.Context
}

func newStatusFixture(t *testing.T) *statusFixture {
	t.Helper()
	st := store.NewMemory()
	q := queue.NewMemory()
	consumer, err := q.Consume(context.Background(), queue.StreamEvents, "status", queue.SubjectStatusUpdates, time.Minute)
	require.NoError(t, err)
	return &statusFixture{
		handler: NewStatusHandler(st, consumer, q, nil, zerolog.Nop(), metrics.New()),
		store:   st,
		queue:   q,
		ctx:     context.Background(),
	}
}

// seedSent inserts a SENT outbound row correlated to the given upstream id.
func (f *statusFixture) seedSent(t *testing.T, upstreamID string, campaignID *uuid.UUID) *domain.Message {
	t.Helper()
	msg := &domain.Message{
		ID:                uuid.New(),
		WorkspaceID:       uuid.New(),
		CampaignID:        campaignID,
		PhoneNumberID:     "PN-1",
		Direction:         domain.DirectionOutbound,
		Kind:              domain.KindText,
		Peer:              "4915112345678",
		UpstreamMessageID: upstreamID,
		Status:            domain.StatusSent,
		SentAt:            time.Now().Add(-time.Minute),
	}
	require.NoError(t, f.store.CreateMessage(f.ctx, msg))
	return msg
}

// receive enqueues a receipt and hands the resulting delivery to the handler.
func (f *statusFixture) receive(t *testing.T, upstreamID, status string, receivedAt time.Time, errCode int) {
	t.Helper()
	rec := statusRecord{ID: upstreamID, Status: status, Timestamp: "1724500000"}
	if errCode != 0 {
		rec.Errors = append(rec.Errors, struct {
			Code    int    `json:"code"`
			Title   string `json:"title"`
			Message string `json:"message"`
			Details string `json:"error_data,omitempty"`
		}{Code: errCode, Title: "Undeliverable", Message: "re-engagement required"})
	}
	payload, err := json.Marshal(rec)
	require.NoError(t, err)
	ev := Event{
		ID:          contentHashID("status", upstreamID, status),
		Kind:        EventKindStatus,
		WorkspaceID: uuid.New(),
		ReceivedAt:  receivedAt,
		Payload:     payload,
	}
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	require.NoError(t, f.queue.Publish(f.ctx, queue.SubjectStatusUpdates, data, ev.ID))

	consumer, err := f.queue.Consume(f.ctx, queue.StreamEvents, "status", queue.SubjectStatusUpdates, time.Minute)
	require.NoError(t, err)
	delivery, err := consumer.Next(f.ctx, time.Second)
	require.NoError(t, err)
	f.handler.handle(f.ctx, delivery)
}

func TestReceiptAdvancesStatus(t *testing.T) {
	f := newStatusFixture(t)
	msg := f.seedSent(t, "wamid.A", nil)

	f.receive(t, "wamid.A", "delivered", time.Now(), 0)

	got, err := f.store.GetMessage(f.ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, got.Status)
	assert.False(t, got.DeliveredAt.IsZero())
	assert.Equal(t, 0, f.queue.Depth(queue.SubjectStatusUpdates), "receipt must be acked")
}

func TestOutOfOrderReceiptIsStale(t *testing.T) {
	f := newStatusFixture(t)
	msg := f.seedSent(t, "wamid.A", nil)

	f.receive(t, "wamid.A", "read", time.Now(), 0)
	f.receive(t, "wamid.A", "delivered", time.Now(), 0) // arrives late

	got, err := f.store.GetMessage(f.ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRead, got.Status, "late delivered receipt must not regress READ")
	assert.False(t, got.DeliveredAt.IsZero(), "READ backfills the delivered timestamp")
	assert.Equal(t, 0, f.queue.Depth(queue.SubjectStatusUpdates))
}

func TestEarlyReceiptIsRetriedWithinGrace(t *testing.T) {
	f := newStatusFixture(t)

	// Receipt for an upstream id no row has recorded yet: the send is still
	// settling, so the delivery stays on the queue for another pass.
	f.receive(t, "wamid.UNKNOWN", "delivered", time.Now(), 0)
	assert.Equal(t, 1, f.queue.Depth(queue.SubjectStatusUpdates), "receipt within grace must be retried")
}

func TestOrphanReceiptIsDroppedAfterGrace(t *testing.T) {
	f := newStatusFixture(t)

	f.receive(t, "wamid.UNKNOWN", "delivered", time.Now().Add(-time.Minute), 0)
	assert.Equal(t, 0, f.queue.Depth(queue.SubjectStatusUpdates), "receipt past grace must be dropped")
}

func TestFailedReceiptMarksMessageFailed(t *testing.T) {
	f := newStatusFixture(t)
	msg := f.seedSent(t, "wamid.A", nil)

	f.receive(t, "wamid.A", "failed", time.Now(), 131047)

	got, err := f.store.GetMessage(f.ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	require.NotNil(t, got.LastError)
	assert.Equal(t, domain.ErrPermanentUpstream, got.LastError.Kind)
	assert.Equal(t, 131047, got.LastError.Code)
}

func TestCampaignReceiptPublishesCounterOnce(t *testing.T) {
	f := newStatusFixture(t)
	campaignID := uuid.New()
	msg := f.seedSent(t, "wamid.A", &campaignID)

	f.receive(t, "wamid.A", "delivered", time.Now(), 0)
	require.Equal(t, 1, f.queue.Depth(queue.SubjectCampaignCounters))

	consumer, err := f.queue.Consume(f.ctx, queue.StreamEvents, "counters", queue.SubjectCampaignCounters, time.Minute)
	require.NoError(t, err)
	delivery, err := consumer.Next(f.ctx, time.Second)
	require.NoError(t, err)

	var ev campaign.CounterEvent
	require.NoError(t, json.Unmarshal(delivery.Data(), &ev))
	assert.Equal(t, campaignID, ev.CampaignID)
	assert.Equal(t, msg.ID, ev.MessageID)
	assert.Equal(t, "delivered", ev.Field)
	require.NoError(t, delivery.Ack())

	// Publishing the same increment again collapses on the dedupe id.
	data, _ := json.Marshal(ev)
	dedupeID := fmt.Sprintf("counter:%s:%s", msg.ID, ev.Field)
	require.NoError(t, f.queue.Publish(f.ctx, queue.SubjectCampaignCounters, data, dedupeID))
	assert.Equal(t, 0, f.queue.Depth(queue.SubjectCampaignCounters))
}

func TestNonCampaignReceiptPublishesNoCounter(t *testing.T) {
	f := newStatusFixture(t)
	f.seedSent(t, "wamid.A", nil)

	f.receive(t, "wamid.A", "read", time.Now(), 0)
	assert.Equal(t, 0, f.queue.Depth(queue.SubjectCampaignCounters))
}

func TestGarbageReceiptIsTermed(t *testing.T) {
	f := newStatusFixture(t)
	require.NoError(t, f.queue.Publish(f.ctx, queue.SubjectStatusUpdates, []byte("not json"), "garbage-1"))

	consumer, err := f.queue.Consume(f.ctx, queue.StreamEvents, "status", queue.SubjectStatusUpdates, time.Minute)
	require.NoError(t, err)
	delivery, err := consumer.Next(f.ctx, time.Second)
	require.NoError(t, err)
	f.handler.handle(f.ctx, delivery)

	assert.Equal(t, 0, f.queue.Depth(queue.SubjectStatusUpdates))
}
