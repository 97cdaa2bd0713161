package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/wasend/internal/auth"
	"github.com/adred-codev/wasend/internal/campaign"
	"github.com/adred-codev/wasend/internal/domain"
	"github.com/adred-codev/wasend/internal/metrics"
	"github.com/adred-codev/wasend/internal/queue"
	"github.com/adred-codev/wasend/internal/realtime"
	"github.com/adred-codev/wasend/internal/store"
	"github.com/adred-codev/wasend/internal/webhook"
)

type apiFixture struct {
	router      chi.Router
	store       *store.Memory
	queue       *queue.Memory
	workspaceID uuid.UUID
}

func newAPIFixture(t *testing.T, authMgr *auth.Manager) *apiFixture {
	t.Helper()
	st := store.NewMemory()
	q := queue.NewMemory()
	m := metrics.New()
	logger := zerolog.Nop()

	executor := campaign.NewExecutor(campaign.Config{BatchSize: 500, PollInterval: 10 * time.Millisecond},
		st, q, logger, m)
	t.Cleanup(executor.Stop)
	intake := webhook.NewServer(webhook.ServerConfig{VerifyToken: "verify-me"}, st,
		webhook.NewMemoryDeduper(time.Hour), q, logger, m)

	workspaceID := uuid.New()
	st.SetWebhookSecret(workspaceID, "secret")
	require.NoError(t, st.CreatePhoneNumber(context.Background(), &domain.PhoneNumber{
		ID:             uuid.New(),
		WorkspaceID:    workspaceID,
		UpstreamID:     "PN-1",
		AccessTokenRef: "token-ref-1",
		QualityRating:  domain.QualityGreen,
	}))

	srv := NewServer(st, q, executor, intake, realtime.NewHub(logger), authMgr, logger, m)
	return &apiFixture{router: srv.Router(), store: st, queue: q, workspaceID: workspaceID}
}

func (f *apiFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("X-Workspace-ID", f.workspaceID.String())
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestSendMessageAccepted(t *testing.T) {
	f := newAPIFixture(t, nil)

	w := f.do(t, http.MethodPost, "/v1/messages", `{
		"phone_number_id": "PN-1",
		"to": "+4915112345678",
		"kind": "text",
		"text": {"body": "hello"}
	}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp struct {
		MessageID uuid.UUID            `json:"message_id"`
		Status    domain.MessageStatus `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, domain.StatusQueued, resp.Status)
	assert.Equal(t, 1, f.queue.Depth(queue.SubjectOutbound))

	msg, err := f.store.GetMessage(context.Background(), resp.MessageID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, msg.Status)
	assert.Equal(t, "PN-1", msg.PhoneNumberID)

	// The queued command must be self-contained.
	var cmd domain.OutboundCommand
	require.NoError(t, json.Unmarshal(msg.Payload, &cmd))
	assert.Equal(t, "token-ref-1", cmd.AccessTokenRef)
	assert.Equal(t, resp.MessageID, cmd.MessageID)
}

func TestSendMessageInvalidCommand(t *testing.T) {
	f := newAPIFixture(t, nil)

	// Kind/body mismatch.
	w := f.do(t, http.MethodPost, "/v1/messages", `{
		"phone_number_id": "PN-1", "to": "+4915112345678", "kind": "text",
		"template": {"name": "x", "language": "en"}
	}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Bad recipient.
	w = f.do(t, http.MethodPost, "/v1/messages", `{
		"phone_number_id": "PN-1", "to": "not-a-number", "kind": "text",
		"text": {"body": "hi"}
	}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Equal(t, 0, f.queue.Depth(queue.SubjectOutbound), "rejected commands must not reach the queue")
}

func TestSendMessageUnknownPhone(t *testing.T) {
	f := newAPIFixture(t, nil)

	w := f.do(t, http.MethodPost, "/v1/messages", `{
		"phone_number_id": "PN-MISSING", "to": "+4915112345678", "kind": "text",
		"text": {"body": "hi"}
	}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSendMessageCrossTenantPhoneHidden(t *testing.T) {
	f := newAPIFixture(t, nil)
	require.NoError(t, f.store.CreatePhoneNumber(context.Background(), &domain.PhoneNumber{
		ID:          uuid.New(),
		WorkspaceID: uuid.New(), // someone else's
		UpstreamID:  "PN-OTHER",
	}))

	w := f.do(t, http.MethodPost, "/v1/messages", `{
		"phone_number_id": "PN-OTHER", "to": "+4915112345678", "kind": "text",
		"text": {"body": "hi"}
	}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetMessage(t *testing.T) {
	f := newAPIFixture(t, nil)

	w := f.do(t, http.MethodPost, "/v1/messages", `{
		"phone_number_id": "PN-1", "to": "+4915112345678", "kind": "text",
		"text": {"body": "hello"}
	}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	var resp struct {
		MessageID uuid.UUID `json:"message_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	w = f.do(t, http.MethodGet, "/v1/messages/"+resp.MessageID.String(), "")
	require.Equal(t, http.StatusOK, w.Code)
	var view struct {
		Status domain.MessageStatus `json:"status"`
		Kind   domain.MessageKind   `json:"kind"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, domain.StatusQueued, view.Status)
	assert.Equal(t, domain.KindText, view.Kind)

	w = f.do(t, http.MethodGet, "/v1/messages/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCampaignLifecycleOverHTTP(t *testing.T) {
	f := newAPIFixture(t, nil)
	contact, err := f.store.UpsertContact(context.Background(), f.workspaceID,
		"4915112345678", "4915112345678", "Ada")
	require.NoError(t, err)

	body := `{
		"name": "launch", "phone_number_id": "PN-1",
		"template_name": "promo", "template_language": "en_US",
		"contact_ids": ["` + contact.ID.String() + `"]
	}`
	w := f.do(t, http.MethodPost, "/v1/campaigns", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		CampaignID uuid.UUID `json:"campaign_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	// Pausing a draft is a state-machine conflict.
	w = f.do(t, http.MethodPost, "/v1/campaigns/"+created.CampaignID.String()+"/pause", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodPost, "/v1/campaigns/"+created.CampaignID.String()+"/cancel", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/v1/campaigns/"+created.CampaignID.String(), "")
	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		Status domain.CampaignStatus `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, domain.CampaignCancelled, got.Status)

	// Cancelled is terminal.
	w = f.do(t, http.MethodPost, "/v1/campaigns/"+created.CampaignID.String()+"/start", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAuthRequiredWhenEnabled(t *testing.T) {
	mgr := auth.NewManager("test-secret", time.Hour)
	f := newAPIFixture(t, mgr)

	// No token.
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Valid token scoped to the fixture workspace.
	token, err := mgr.Generate(f.workspaceID, "admin")
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{
		"phone_number_id": "PN-1", "to": "+4915112345678", "kind": "text",
		"text": {"body": "hi"}
	}`))
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
}

func TestHealthAndMetricsExposed(t *testing.T) {
	f := newAPIFixture(t, nil)

	w := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "wasend_")
}
