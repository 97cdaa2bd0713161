package campaign

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

type executorFixture struct {
	executor    *Executor
	store       *store.Memory
	queue       *queue.Memory
	campaignID  uuid.UUID
	workspaceID uuid.UUID
	ctx         context.Context
	cancel      context.CancelFunc
}

func newExecutorFixture(t *testing.T, contacts int, batchSize int) *executorFixture {
	t.Helper()
	st := store.NewMemory()
	q := queue.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	workspaceID := uuid.New()
	require.NoError(t, st.CreatePhoneNumber(ctx, &domain.PhoneNumber{
		ID:             uuid.New(),
		WorkspaceID:    workspaceID,
		UpstreamID:     "PN-1",
		AccessTokenRef: "tok-ref",
	}))

	campaignID := uuid.New()
	require.NoError(t, st.CreateCampaign(ctx, &domain.Campaign{
		ID:               campaignID,
		WorkspaceID:      workspaceID,
		Name:             "launch",
		TemplateName:     "promo",
		TemplateLanguage: "en_US",
		PhoneNumberID:    "PN-1",
		Status:           domain.CampaignDraft,
	}))

	var contactIDs []uuid.UUID
	for i := 0; i < contacts; i++ {
		c, err := st.UpsertContact(ctx, workspaceID,
			"49151123456"+string(rune('0'+i)), "49151123456"+string(rune('0'+i)), "")
		require.NoError(t, err)
		contactIDs = append(contactIDs, c.ID)
	}
	require.NoError(t, st.AddToAudience(ctx, campaignID, contactIDs))

	e := NewExecutor(Config{BatchSize: batchSize, PollInterval: 5 * time.Millisecond},
		st, q, zerolog.Nop(), metrics.New())
	t.Cleanup(e.Stop)

	return &executorFixture{
		executor:    e,
		store:       st,
		queue:       q,
		campaignID:  campaignID,
		workspaceID: workspaceID,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// settle plays the dispatcher: consume outbound commands and mark their rows
// SENT so batches settle.
func (f *executorFixture) settle(t *testing.T) {
	t.Helper()
	consumer, err := f.queue.Consume(f.ctx, queue.StreamOutbound, "settler", queue.SubjectOutbound, time.Minute)
	require.NoError(t, err)
	go func() {
		for {
			delivery, err := consumer.Next(f.ctx, 50*time.Millisecond)
			if err != nil {
				if f.ctx.Err() != nil {
					return
				}
				continue
			}
			var cmd domain.OutboundCommand
			if json.Unmarshal(delivery.Data(), &cmd) != nil {
				_ = delivery.Term()
				continue
			}
			if _, ok, _ := f.store.ClaimSending(f.ctx, cmd.MessageID, "settler", time.Now().Add(time.Minute)); ok {
				_, _ = f.store.MarkSent(f.ctx, cmd.MessageID, "wamid."+cmd.MessageID.String(), time.Now())
			}
			_ = delivery.Ack()
		}
	}()
}

func (f *executorFixture) campaignStatus(t *testing.T) domain.CampaignStatus {
	t.Helper()
	c, err := f.store.GetCampaign(f.ctx, f.campaignID)
	require.NoError(t, err)
	return c.Status
}

func TestCampaignRunsToCompletion(t *testing.T) {
	f := newExecutorFixture(t, 5, 2)
	f.settle(t)

	require.NoError(t, f.executor.Start(f.ctx, f.campaignID))

	require.Eventually(t, func() bool {
		return f.campaignStatus(t) == domain.CampaignCompleted
	}, 5*time.Second, 10*time.Millisecond)

	c, err := f.store.GetCampaign(f.ctx, f.campaignID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), c.Total)
}

func TestStartRejectsWrongState(t *testing.T) {
	f := newExecutorFixture(t, 1, 1)
	f.settle(t)

	require.NoError(t, f.executor.Start(f.ctx, f.campaignID))
	err := f.executor.Start(f.ctx, f.campaignID)
	assert.ErrorIs(t, err, ErrNotRunnable, "double start must be rejected")

	assert.ErrorIs(t, f.executor.Resume(f.ctx, f.campaignID), ErrNotRunnable)
}

func TestPauseStopsEnqueueingAndResumeFinishes(t *testing.T) {
	f := newExecutorFixture(t, 6, 1)
	// No settler yet: the first batch hangs in awaitSettled, so Pause lands
	// deterministically mid-run.
	require.NoError(t, f.executor.Start(f.ctx, f.campaignID))

	require.Eventually(t, func() bool {
		return f.queue.Depth(queue.SubjectOutbound) >= 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.executor.Pause(f.ctx, f.campaignID))
	require.Eventually(t, func() bool {
		return f.campaignStatus(t) == domain.CampaignPaused
	}, 2*time.Second, 5*time.Millisecond)

	// At most the in-flight batch was enqueued.
	assert.LessOrEqual(t, f.queue.Depth(queue.SubjectOutbound), 2)

	f.settle(t)
	require.NoError(t, f.executor.Resume(f.ctx, f.campaignID))
	require.Eventually(t, func() bool {
		return f.campaignStatus(t) == domain.CampaignCompleted
	}, 5*time.Second, 10*time.Millisecond)

	// The resumed walk re-covers the audience without duplicating rows: the
	// message ids are deterministic per contact.
	c, err := f.store.GetCampaign(f.ctx, f.campaignID)
	require.NoError(t, err)
	assert.Equal(t, int64(6), c.Total)
}

func TestTotalIsFixedBeforeFirstBatchSettles(t *testing.T) {
	f := newExecutorFixture(t, 5, 2)
	// No settler: the run freezes in the first batch with commands enqueued,
	// which is exactly when a dashboard read races the counter reducer.
	require.NoError(t, f.executor.Start(f.ctx, f.campaignID))

	require.Eventually(t, func() bool {
		return f.queue.Depth(queue.SubjectOutbound) >= 1
	}, 2*time.Second, 5*time.Millisecond)

	c, err := f.store.GetCampaign(f.ctx, f.campaignID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignSending, c.Status)
	assert.Equal(t, int64(5), c.Total, "total must cover the audience before anything settles")

	f.settle(t)
	require.Eventually(t, func() bool {
		return f.campaignStatus(t) == domain.CampaignCompleted
	}, 5*time.Second, 10*time.Millisecond)

	c, err = f.store.GetCampaign(f.ctx, f.campaignID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), c.Total)
}

func TestCancelStopsRunAndIsTerminal(t *testing.T) {
	f := newExecutorFixture(t, 6, 1)
	require.NoError(t, f.executor.Start(f.ctx, f.campaignID))

	require.Eventually(t, func() bool {
		return f.queue.Depth(queue.SubjectOutbound) >= 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.executor.Cancel(f.ctx, f.campaignID))
	assert.Equal(t, domain.CampaignCancelled, f.campaignStatus(t))

	cancelled, err := f.store.CampaignCancelled(f.ctx, f.campaignID)
	require.NoError(t, err)
	assert.True(t, cancelled, "cancelled status doubles as the dispatcher tombstone")

	assert.ErrorIs(t, f.executor.Resume(f.ctx, f.campaignID), ErrNotRunnable)
	assert.ErrorIs(t, f.executor.Start(f.ctx, f.campaignID), ErrNotRunnable)
}
