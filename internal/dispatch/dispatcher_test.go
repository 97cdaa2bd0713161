package dispatch

import (
	"context"
	"encoding/json"
	"sync"
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
	"github.com/adred-codev/wasend/internal/upstream"
)

// scriptedSender returns pre-programmed results in order, then accepts.
type scriptedSender struct {
	mu      sync.Mutex
	results []upstream.Result
	calls   int
	lastKey string
}

func (s *scriptedSender) Send(_ context.Context, _ string, _ []byte, idempotencyKey, _ string) upstream.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.lastKey = idempotencyKey
	if len(s.results) == 0 {
		return upstream.Result{Kind: upstream.Accepted, UpstreamMessageID: "wamid.DEFAULT"}
	}
	res := s.results[0]
	s.results = s.results[1:]
	return res
}

// scriptedLimiter refuses with the scripted waits first, then always allows.
type scriptedLimiter struct {
	mu        sync.Mutex
	waits     []time.Duration
	penalties map[string]time.Duration
}

func newScriptedLimiter(waits ...time.Duration) *scriptedLimiter {
	return &scriptedLimiter{waits: waits, penalties: make(map[string]time.Duration)}
}

func (l *scriptedLimiter) Acquire(_ context.Context, _ string, _ uuid.UUID) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.waits) == 0 {
		return true, 0
	}
	wait := l.waits[0]
	l.waits = l.waits[1:]
	return false, wait
}

func (l *scriptedLimiter) Penalize(_ context.Context, phoneNumberID string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.penalties[phoneNumberID] = d
}

type dispatchFixture struct {
	d       *Dispatcher
	store   *store.Memory
	queue   *queue.Memory
	sender  *scriptedSender
	limiter *scriptedLimiter
	ctx     context.Context
}

func newDispatchFixture(t *testing.T, sender *scriptedSender, lim *scriptedLimiter) *dispatchFixture {
	t.Helper()
	st := store.NewMemory()
	st.SetAccessToken("tok-ref", "bearer-token")
	q := queue.NewMemory()
	if lim == nil {
		lim = newScriptedLimiter()
	}

	cfg := Config{
		Workers:           1,
		VisibilityTimeout: time.Minute,
		DequeueWait:       50 * time.Millisecond,
		MaxAttempts:       5,
		Backoff:           Backoff{Base: time.Millisecond, Cap: 8 * time.Millisecond},
	}
	consumer, err := q.Consume(context.Background(), queue.StreamOutbound, "dispatch", queue.SubjectOutbound, time.Minute)
	require.NoError(t, err)
	d := New(cfg, consumer, q, st, st, st, lim, sender, nil, nil, zerolog.Nop(), metrics.New())

	return &dispatchFixture{d: d, store: st, queue: q, sender: sender, limiter: lim, ctx: context.Background()}
}

// enqueue persists a PENDING row, marks it QUEUED and publishes the command.
func (f *dispatchFixture) enqueue(t *testing.T, campaignID *uuid.UUID) *domain.OutboundCommand {
	t.Helper()
	cmd := &domain.OutboundCommand{
		MessageID:      uuid.New(),
		WorkspaceID:    uuid.New(),
		CampaignID:     campaignID,
		PhoneNumberID:  "PN-1",
		AccessTokenRef: "tok-ref",
		To:             "4915112345678",
		Kind:           domain.KindText,
		Text:           &domain.TextContent{Body: "hello"},
	}
	payload, err := json.Marshal(cmd)
	require.NoError(t, err)
	require.NoError(t, f.store.CreateMessage(f.ctx, &domain.Message{
		ID:            cmd.MessageID,
		WorkspaceID:   cmd.WorkspaceID,
		CampaignID:    campaignID,
		PhoneNumberID: cmd.PhoneNumberID,
		Direction:     domain.DirectionOutbound,
		Kind:          cmd.Kind,
		Peer:          cmd.To,
		Payload:       payload,
		Status:        domain.StatusPending,
		CreatedAt:     time.Now(),
	}))
	_, err = f.store.MarkQueued(f.ctx, cmd.MessageID, time.Now())
	require.NoError(t, err)
	require.NoError(t, f.queue.Publish(f.ctx, queue.SubjectOutbound, payload, cmd.MessageID.String()))
	return cmd
}

// step pulls one delivery and runs it through the worker path.
func (f *dispatchFixture) step(t *testing.T) {
	t.Helper()
	consumer, err := f.queue.Consume(f.ctx, queue.StreamOutbound, "dispatch", queue.SubjectOutbound, time.Minute)
	require.NoError(t, err)
	delivery, err := consumer.Next(f.ctx, time.Second)
	require.NoError(t, err)
	f.d.handle(f.ctx, zerolog.Nop(), "worker-test", delivery)
}

func TestHappyPathSend(t *testing.T) {
	sender := &scriptedSender{results: []upstream.Result{
		{Kind: upstream.Accepted, UpstreamMessageID: "wamid.OK"},
	}}
	f := newDispatchFixture(t, sender, nil)
	cmd := f.enqueue(t, nil)

	f.step(t)

	msg, err := f.store.GetMessage(f.ctx, cmd.MessageID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, msg.Status)
	assert.Equal(t, "wamid.OK", msg.UpstreamMessageID)
	assert.Equal(t, 1, msg.AttemptCount)
	assert.False(t, msg.SentAt.IsZero())
	assert.Equal(t, cmd.MessageID.String(), sender.lastKey, "message id doubles as the idempotency key")
	assert.Equal(t, 0, f.queue.Depth(queue.SubjectOutbound))
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	sender := &scriptedSender{results: []upstream.Result{
		{Kind: upstream.TransientFailure, Reason: "HTTP 503"},
		{Kind: upstream.Accepted, UpstreamMessageID: "wamid.RETRY"},
	}}
	f := newDispatchFixture(t, sender, nil)
	cmd := f.enqueue(t, nil)

	f.step(t)

	msg, err := f.store.GetMessage(f.ctx, cmd.MessageID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, msg.Status, "transient failure requeues")
	assert.Equal(t, 1, msg.AttemptCount, "the failed attempt is kept")
	require.NotNil(t, msg.LastError)
	assert.Equal(t, domain.ErrTransientUpstream, msg.LastError.Kind)
	assert.Equal(t, 1, f.queue.Depth(queue.SubjectOutbound), "delivery stays queued for redelivery")

	// Backoff is a few milliseconds in this fixture; the redelivery becomes
	// visible almost immediately.
	time.Sleep(20 * time.Millisecond)
	f.step(t)

	msg, err = f.store.GetMessage(f.ctx, cmd.MessageID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, msg.Status)
	assert.Equal(t, 2, msg.AttemptCount, "one failed plus one successful attempt")
	assert.Equal(t, "wamid.RETRY", msg.UpstreamMessageID)
	assert.Equal(t, 2, sender.calls)
}

func TestPermanentFailureFailsImmediately(t *testing.T) {
	sender := &scriptedSender{results: []upstream.Result{
		{Kind: upstream.PermanentFailure, Code: 131026, Reason: "recipient not on whatsapp"},
	}}
	f := newDispatchFixture(t, sender, nil)
	cmd := f.enqueue(t, nil)

	f.step(t)

	msg, err := f.store.GetMessage(f.ctx, cmd.MessageID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, msg.Status)
	require.NotNil(t, msg.LastError)
	assert.Equal(t, domain.ErrPermanentUpstream, msg.LastError.Kind)
	assert.Equal(t, 131026, msg.LastError.Code)
	assert.Equal(t, 1, sender.calls, "no retry on permanent failure")
	assert.Equal(t, 0, f.queue.Depth(queue.SubjectOutbound))
}

func TestAuthFailureMarksAuthExpired(t *testing.T) {
	sender := &scriptedSender{results: []upstream.Result{
		{Kind: upstream.PermanentFailure, Code: 190, Reason: "token expired", AuthFailure: true},
	}}
	f := newDispatchFixture(t, sender, nil)
	cmd := f.enqueue(t, nil)

	f.step(t)

	msg, err := f.store.GetMessage(f.ctx, cmd.MessageID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, msg.Status)
	require.NotNil(t, msg.LastError)
	assert.Equal(t, domain.ErrAuthExpired, msg.LastError.Kind)
}

func TestRateLimitedPenalizesAndDefers(t *testing.T) {
	sender := &scriptedSender{results: []upstream.Result{
		{Kind: upstream.RateLimited, RetryAfter: 17 * time.Second, Reason: "HTTP 429"},
	}}
	f := newDispatchFixture(t, sender, nil)
	cmd := f.enqueue(t, nil)

	f.step(t)

	msg, err := f.store.GetMessage(f.ctx, cmd.MessageID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, msg.Status)
	require.NotNil(t, msg.LastError)
	assert.Equal(t, domain.ErrRateLimited, msg.LastError.Kind)
	assert.True(t, msg.AvailableAt.After(time.Now().Add(10*time.Second)), "row honors Retry-After")
	assert.Equal(t, 17*time.Second, f.limiter.penalties["PN-1"], "bucket penalized with the advertised pause")
}

func TestRetriesExhausted(t *testing.T) {
	sender := &scriptedSender{results: []upstream.Result{
		{Kind: upstream.TransientFailure, Reason: "HTTP 503"},
		{Kind: upstream.TransientFailure, Reason: "HTTP 503"},
	}}
	f := newDispatchFixture(t, sender, nil)
	f.d.cfg.MaxAttempts = 2
	cmd := f.enqueue(t, nil)

	f.step(t)
	time.Sleep(20 * time.Millisecond)
	f.step(t)

	msg, err := f.store.GetMessage(f.ctx, cmd.MessageID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, msg.Status)
	require.NotNil(t, msg.LastError)
	assert.Equal(t, domain.ErrExhausted, msg.LastError.Kind)
	assert.Equal(t, 2, msg.AttemptCount)
	assert.Equal(t, 0, f.queue.Depth(queue.SubjectOutbound))
}

func TestCancelledCampaignTombstone(t *testing.T) {
	sender := &scriptedSender{}
	f := newDispatchFixture(t, sender, nil)

	campaignID := uuid.New()
	require.NoError(t, f.store.CreateCampaign(f.ctx, &domain.Campaign{
		ID:     campaignID,
		Status: domain.CampaignCancelled,
	}))
	cmd := f.enqueue(t, &campaignID)

	f.step(t)

	msg, err := f.store.GetMessage(f.ctx, cmd.MessageID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, msg.Status)
	require.NotNil(t, msg.LastError)
	assert.Equal(t, domain.ErrCancelled, msg.LastError.Kind)
	assert.Equal(t, 0, sender.calls, "cancelled campaign messages never reach the wire")
	assert.Equal(t, 1, f.queue.Depth(queue.SubjectCampaignCounters), "failed counter emitted")
}

func TestDuplicateDeliveryOfSettledRowIsAcked(t *testing.T) {
	sender := &scriptedSender{results: []upstream.Result{
		{Kind: upstream.Accepted, UpstreamMessageID: "wamid.OK"},
	}}
	f := newDispatchFixture(t, sender, nil)
	cmd := f.enqueue(t, nil)

	// A second copy under a different queue dedupe id (e.g. a publish retry
	// past the dedupe window).
	require.NoError(t, f.queue.Publish(f.ctx, queue.SubjectOutbound,
		mustMarshal(t, cmd), cmd.MessageID.String()+"-replay"))

	f.step(t)
	f.step(t)

	msg, err := f.store.GetMessage(f.ctx, cmd.MessageID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, msg.Status)
	assert.Equal(t, 1, msg.AttemptCount, "duplicate must not re-send")
	assert.Equal(t, 1, sender.calls)
	assert.Equal(t, 0, f.queue.Depth(queue.SubjectOutbound))
}

func TestLongLimiterWaitReleasesClaim(t *testing.T) {
	sender := &scriptedSender{}
	lim := newScriptedLimiter(2 * time.Hour) // far beyond the lease budget
	f := newDispatchFixture(t, sender, lim)
	cmd := f.enqueue(t, nil)

	f.step(t)

	msg, err := f.store.GetMessage(f.ctx, cmd.MessageID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, msg.Status)
	assert.Equal(t, 0, msg.AttemptCount, "a refused acquire must not consume an attempt")
	assert.Equal(t, 0, sender.calls)
	assert.Equal(t, 1, f.queue.Depth(queue.SubjectOutbound), "delivery deferred, not dropped")
}

func TestShortLimiterWaitIsAbsorbedInline(t *testing.T) {
	sender := &scriptedSender{results: []upstream.Result{
		{Kind: upstream.Accepted, UpstreamMessageID: "wamid.OK"},
	}}
	lim := newScriptedLimiter(time.Millisecond, time.Millisecond)
	f := newDispatchFixture(t, sender, lim)
	cmd := f.enqueue(t, nil)

	f.step(t)

	msg, err := f.store.GetMessage(f.ctx, cmd.MessageID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, msg.Status)
	assert.Equal(t, 1, sender.calls)
}

func TestUndecodableCommandIsTermed(t *testing.T) {
	f := newDispatchFixture(t, &scriptedSender{}, nil)
	require.NoError(t, f.queue.Publish(f.ctx, queue.SubjectOutbound, []byte("not json"), "garbage"))

	f.step(t)

	assert.Equal(t, 0, f.queue.Depth(queue.SubjectOutbound))
}

func TestUnknownTokenRefFailsAuth(t *testing.T) {
	sender := &scriptedSender{}
	f := newDispatchFixture(t, sender, nil)
	cmd := f.enqueue(t, nil)

	// Point the command at a handle the store has never seen.
	var raw domain.OutboundCommand
	require.NoError(t, json.Unmarshal(mustMarshal(t, cmd), &raw))
	raw.AccessTokenRef = "tok-gone"
	payload, err := json.Marshal(&raw)
	require.NoError(t, err)
	// Replace the queued copy.
	f.drainOutbound(t)
	require.NoError(t, f.queue.Publish(f.ctx, queue.SubjectOutbound, payload, cmd.MessageID.String()+"-v2"))

	f.step(t)

	msg, err := f.store.GetMessage(f.ctx, cmd.MessageID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, msg.Status)
	require.NotNil(t, msg.LastError)
	assert.Equal(t, domain.ErrAuthExpired, msg.LastError.Kind)
	assert.Equal(t, 0, sender.calls)
}

// RunDrainsOnCancel exercises the worker loop itself rather than handle.
func TestRunDrainsOnCancel(t *testing.T) {
	sender := &scriptedSender{}
	f := newDispatchFixture(t, sender, nil)
	cmd := f.enqueue(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		msg, err := f.store.GetMessage(context.Background(), cmd.MessageID)
		return err == nil && msg.Status == domain.StatusSent
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not drain after cancel")
	}
}

func (f *dispatchFixture) drainOutbound(t *testing.T) {
	t.Helper()
	consumer, err := f.queue.Consume(f.ctx, queue.StreamOutbound, "dispatch", queue.SubjectOutbound, time.Minute)
	require.NoError(t, err)
	for {
		delivery, err := consumer.Next(f.ctx, 20*time.Millisecond)
		if err != nil {
			return
		}
		require.NoError(t, delivery.Term())
	}
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
