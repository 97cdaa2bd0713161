package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/adred-codev/wasend/internal/campaign"
	"github.com/adred-codev/wasend/internal/domain"
	"github.com/adred-codev/wasend/internal/queue"
	"github.com/adred-codev/wasend/internal/store"
	"github.com/adred-codev/wasend/internal/wire"
)

// sendRequest is the POST /v1/messages body. Exactly one content field must
// be set, matching kind.
type sendRequest struct {
	PhoneNumberID string             `json:"phone_number_id"`
	To            string             `json:"to"`
	Kind          domain.MessageKind `json:"kind"`
	ReplyTo       string             `json:"reply_to,omitempty"`

	Text       *domain.TextContent       `json:"text,omitempty"`
	Template   *domain.TemplateContent   `json:"template,omitempty"`
	Media      *domain.MediaContent      `json:"media,omitempty"`
	Buttons    *domain.ButtonsContent    `json:"buttons,omitempty"`
	List       *domain.ListContent       `json:"list,omitempty"`
	Location   *domain.LocationContent   `json:"location,omitempty"`
	Reaction   *domain.ReactionContent   `json:"reaction,omitempty"`
	MarkAsRead *domain.MarkAsReadContent `json:"mark_as_read,omitempty"`
}

// handleSendMessage validates, persists and enqueues one outbound message.
// Returns 202: acceptance means durably queued, not sent.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := s.workspaceFor(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "workspace scope missing")
		return
	}

	var req sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	phone, err := s.st.GetPhoneNumberByUpstreamID(r.Context(), req.PhoneNumberID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown phone number")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "phone number lookup failed")
		return
	}
	if phone.WorkspaceID != workspaceID {
		// Do not leak that the number exists under another tenant.
		writeError(w, http.StatusNotFound, "unknown phone number")
		return
	}

	cmd := &domain.OutboundCommand{
		MessageID:      uuid.New(),
		WorkspaceID:    workspaceID,
		PhoneNumberID:  phone.UpstreamID,
		AccessTokenRef: phone.AccessTokenRef,
		To:             req.To,
		Kind:           req.Kind,
		ReplyTo:        req.ReplyTo,
		Text:           req.Text,
		Template:       req.Template,
		Media:          req.Media,
		Buttons:        req.Buttons,
		List:           req.List,
		Location:       req.Location,
		Reaction:       req.Reaction,
		MarkAsRead:     req.MarkAsRead,
	}
	if err := wire.Validate(cmd); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "command marshal failed")
		return
	}

	// Get-or-create the contact so the conversation view has a row even
	// before the peer ever writes back. Best effort: a failure here must not
	// block the send.
	var contactID *uuid.UUID
	if cmd.To != "" {
		if contact, err := s.st.UpsertContact(r.Context(), workspaceID, cmd.To, cmd.To, ""); err == nil {
			contactID = &contact.ID
		} else {
			s.logger.Warn().Err(err).Str("to", cmd.To).Msg("Contact upsert failed")
		}
	}

	now := time.Now()
	msg := &domain.Message{
		ID:            cmd.MessageID,
		WorkspaceID:   workspaceID,
		ContactID:     contactID,
		PhoneNumberID: phone.UpstreamID,
		Direction:     domain.DirectionOutbound,
		Kind:          cmd.Kind,
		Peer:          cmd.To,
		Payload:       payload,
		Status:        domain.StatusPending,
		CreatedAt:     now,
	}
	if err := s.st.CreateMessage(r.Context(), msg); err != nil {
		writeError(w, http.StatusInternalServerError, "message persist failed")
		return
	}

	// Bounded retry; the msgID dedupe makes a replayed half-failure safe.
	err = retry.Do(
		func() error {
			return s.publisher.Publish(r.Context(), queue.SubjectOutbound, payload, cmd.MessageID.String())
		},
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.Context(r.Context()),
	)
	if err != nil {
		s.logger.Error().Err(err).Stringer("message_id", cmd.MessageID).Msg("Command publish failed")
		writeError(w, http.StatusServiceUnavailable, "enqueue failed")
		return
	}
	if _, err := s.st.MarkQueued(r.Context(), cmd.MessageID, time.Now()); err != nil {
		s.logger.Warn().Err(err).Stringer("message_id", cmd.MessageID).Msg("MarkQueued failed")
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"message_id": cmd.MessageID,
		"status":     domain.StatusQueued,
	})
}

// messageView is the read model returned by GET /v1/messages/{id}.
type messageView struct {
	ID                uuid.UUID            `json:"id"`
	Direction         domain.Direction     `json:"direction"`
	Kind              domain.MessageKind   `json:"kind"`
	Peer              string               `json:"peer"`
	Status            domain.MessageStatus `json:"status"`
	AttemptCount      int                  `json:"attempt_count"`
	UpstreamMessageID string               `json:"upstream_message_id,omitempty"`
	LastError         *domain.SendError    `json:"last_error,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
	SentAt            *time.Time           `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time           `json:"delivered_at,omitempty"`
	ReadAt            *time.Time           `json:"read_at,omitempty"`
	FailedAt          *time.Time           `json:"failed_at,omitempty"`
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := s.workspaceFor(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "workspace scope missing")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}

	msg, err := s.st.GetMessage(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && msg.WorkspaceID != workspaceID) {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "message lookup failed")
		return
	}

	view := messageView{
		ID:                msg.ID,
		Direction:         msg.Direction,
		Kind:              msg.Kind,
		Peer:              msg.Peer,
		Status:            msg.Status,
		AttemptCount:      msg.AttemptCount,
		UpstreamMessageID: msg.UpstreamMessageID,
		LastError:         msg.LastError,
		CreatedAt:         msg.CreatedAt,
		SentAt:            timePtr(msg.SentAt),
		DeliveredAt:       timePtr(msg.DeliveredAt),
		ReadAt:            timePtr(msg.ReadAt),
		FailedAt:          timePtr(msg.FailedAt),
	}
	writeJSON(w, http.StatusOK, view)
}

// createCampaignRequest is the POST /v1/campaigns body.
type createCampaignRequest struct {
	Name             string          `json:"name"`
	PhoneNumberID    string          `json:"phone_number_id"`
	TemplateName     string          `json:"template_name"`
	TemplateLanguage string          `json:"template_language"`
	Components       json.RawMessage `json:"components,omitempty"`
	ContactIDs       []uuid.UUID     `json:"contact_ids"`
}

func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := s.workspaceFor(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "workspace scope missing")
		return
	}

	var req createCampaignRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Name == "" || req.TemplateName == "" || req.TemplateLanguage == "" {
		writeError(w, http.StatusBadRequest, "name, template_name and template_language are required")
		return
	}
	if len(req.ContactIDs) == 0 {
		writeError(w, http.StatusBadRequest, "contact_ids must not be empty")
		return
	}

	phone, err := s.st.GetPhoneNumberByUpstreamID(r.Context(), req.PhoneNumberID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && phone.WorkspaceID != workspaceID) {
		writeError(w, http.StatusNotFound, "unknown phone number")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "phone number lookup failed")
		return
	}

	c := &domain.Campaign{
		ID:               uuid.New(),
		WorkspaceID:      workspaceID,
		Name:             req.Name,
		TemplateName:     req.TemplateName,
		TemplateLanguage: req.TemplateLanguage,
		Components:       req.Components,
		PhoneNumberID:    phone.UpstreamID,
		Status:           domain.CampaignDraft,
	}
	if err := s.st.CreateCampaign(r.Context(), c); err != nil {
		writeError(w, http.StatusInternalServerError, "campaign persist failed")
		return
	}
	if err := s.st.AddToAudience(r.Context(), c.ID, req.ContactIDs); err != nil {
		writeError(w, http.StatusInternalServerError, "audience persist failed")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"campaign_id": c.ID,
		"status":      c.Status,
	})
}

func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := s.workspaceFor(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "workspace scope missing")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}

	c, err := s.st.GetCampaign(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && c.WorkspaceID != workspaceID) {
		writeError(w, http.StatusNotFound, "campaign not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "campaign lookup failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"campaign_id": c.ID,
		"name":        c.Name,
		"status":      c.Status,
		"counters": map[string]int64{
			"total":     c.Total,
			"sent":      c.Sent,
			"delivered": c.Delivered,
			"read":      c.Read,
			"failed":    c.Failed,
		},
	})
}

// campaignTransition adapts an executor state-machine call into a handler.
func (s *Server) campaignTransition(fn func(context.Context, uuid.UUID) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workspaceID, ok := s.workspaceFor(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "workspace scope missing")
			return
		}
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid campaign id")
			return
		}

		c, err := s.st.GetCampaign(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) || (err == nil && c.WorkspaceID != workspaceID) {
			writeError(w, http.StatusNotFound, "campaign not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "campaign lookup failed")
			return
		}

		if err := fn(r.Context(), id); err != nil {
			if errors.Is(err, campaign.ErrNotRunnable) {
				writeError(w, http.StatusConflict, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "campaign transition failed")
			return
		}

		current, err := s.st.GetCampaign(r.Context(), id)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"campaign_id": id})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"campaign_id": current.ID,
			"status":      current.Status,
		})
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
