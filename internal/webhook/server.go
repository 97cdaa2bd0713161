// Package webhook ingests provider callbacks. The synchronous path is kept
// to the minimum that guarantees durability: bound the body, verify the
// signature, demux, dedupe, enqueue, 200. Everything state-changing happens
// in the async handlers consuming the typed queues.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adred-codev/wasend/internal/metrics"
	"github.com/adred-codev/wasend/internal/queue"
)

// SecretSource resolves the per-tenant webhook signing secret.
type SecretSource interface {
	WebhookSecret(ctx context.Context, workspaceID uuid.UUID) (string, error)
}

// ServerConfig tunes the intake endpoint.
type ServerConfig struct {
	// VerifyToken answers the provider's subscription handshake.
	VerifyToken string
	// MaxBodyBytes bounds the request body (default 1 MiB).
	MaxBodyBytes int64
}

// Server is the HTTP intake.
type Server struct {
	cfg       ServerConfig
	secrets   SecretSource
	dedupe    Deduper
	publisher queue.Queue
	logger    zerolog.Logger
	m         *metrics.Metrics
}

// NewServer wires the intake.
func NewServer(cfg ServerConfig, secrets SecretSource, dedupe Deduper, publisher queue.Queue,
	logger zerolog.Logger, m *metrics.Metrics) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{
		cfg:       cfg,
		secrets:   secrets,
		dedupe:    dedupe,
		publisher: publisher,
		logger:    logger.With().Str("component", "webhook").Logger(),
		m:         m,
	}
}

// Routes mounts the intake under /webhook/{workspaceID}.
func (s *Server) Routes(r chi.Router) {
	r.Get("/webhook/{workspaceID}", s.handleVerify)
	r.Post("/webhook/{workspaceID}", s.handleNotification)
}

// handleVerify answers the provider's GET subscription handshake: echo
// hub.challenge when hub.verify_token matches.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || q.Get("hub.verify_token") != s.cfg.VerifyToken {
		http.Error(w, "verification failed", http.StatusForbidden)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(q.Get("hub.challenge")))
}

func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request) {
	workspaceID, err := uuid.Parse(chi.URLParam(r, "workspaceID"))
	if err != nil {
		http.Error(w, "unknown workspace", http.StatusNotFound)
		return
	}
	log := s.logger.With().Stringer("workspace_id", workspaceID).Logger()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}

	// Signature first, over the raw bytes, before any parsing.
	secret, err := s.secrets.WebhookSecret(r.Context(), workspaceID)
	if err != nil {
		http.Error(w, "unknown workspace", http.StatusNotFound)
		return
	}
	if !VerifySignature(body, r.Header.Get("X-Hub-Signature-256"), secret) {
		s.m.WebhookBadSignature.Inc()
		log.Warn().Msg("Webhook signature mismatch")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var n notification
	if err := json.Unmarshal(body, &n); err != nil {
		s.m.WebhookDropped.WithLabelValues("parse").Inc()
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	received := time.Now().UTC()
	for _, d := range s.demux(&n, workspaceID, received) {
		seen, err := s.dedupe.Seen(r.Context(), workspaceID, d.event.ID)
		if err != nil {
			// Dedupe backend down: prefer a duplicate downstream (handlers
			// CAS anyway) over dropping the event.
			log.Warn().Err(err).Msg("Dedupe check failed, accepting event")
		} else if seen {
			s.m.WebhookDeduped.Inc()
			continue
		}

		data, err := json.Marshal(d.event)
		if err != nil {
			s.m.WebhookDropped.WithLabelValues("marshal").Inc()
			continue
		}
		if err := s.publisher.Publish(r.Context(), d.subject, data, d.event.ID); err != nil {
			// The provider retries on non-2xx; release the dedupe mark so the
			// retry is not skipped as already seen.
			if ferr := s.dedupe.Forget(r.Context(), workspaceID, d.event.ID); ferr != nil {
				log.Warn().Err(ferr).Str("event_id", d.event.ID).Msg("Dedupe release failed")
			}
			log.Error().Err(err).Str("subject", d.subject).Msg("Event publish failed")
			http.Error(w, "enqueue failed", http.StatusServiceUnavailable)
			return
		}
		s.m.WebhookEvents.WithLabelValues(d.event.Kind).Inc()
	}

	w.WriteHeader(http.StatusOK)
}

// demux splits a notification into routed events. Unknown change fields are
// counted and dropped.
func (s *Server) demux(n *notification, workspaceID uuid.UUID, received time.Time) []demuxed {
	var out []demuxed
	for _, e := range n.Entry {
		for _, c := range e.Changes {
			switch c.Field {
			case "messages":
				out = append(out, s.demuxMessages(&c, workspaceID, received)...)
			case "message_template_status_update":
				payload, _ := json.Marshal(c.Value)
				out = append(out, demuxed{
					subject: queue.SubjectTemplateUpdates,
					event: Event{
						ID: contentHashID("template", c.Value.MessageTemplateName,
							c.Value.MessageTemplateLanguage, c.Value.Event),
						Kind:        EventKindTemplate,
						WorkspaceID: workspaceID,
						ReceivedAt:  received,
						Payload:     payload,
					},
				})
			case "phone_number_quality_update":
				payload, _ := json.Marshal(c.Value)
				out = append(out, demuxed{
					subject: queue.SubjectPhoneNumberUpdates,
					event: Event{
						ID: contentHashID("phone", c.Value.Metadata.PhoneNumberID,
							c.Value.DisplayPhone, c.Value.Event, c.Value.CurrentLimit),
						Kind:          EventKindPhone,
						WorkspaceID:   workspaceID,
						PhoneNumberID: c.Value.Metadata.PhoneNumberID,
						ReceivedAt:    received,
						Payload:       payload,
					},
				})
			default:
				s.m.WebhookDropped.WithLabelValues("unknown_field").Inc()
				s.logger.Debug().Str("field", c.Field).Msg("Unhandled webhook change field")
			}
		}
	}
	return out
}

func (s *Server) demuxMessages(c *change, workspaceID uuid.UUID, received time.Time) []demuxed {
	var out []demuxed
	phoneNumberID := c.Value.Metadata.PhoneNumberID

	for _, st := range c.Value.Statuses {
		payload, err := json.Marshal(st)
		if err != nil {
			continue
		}
		out = append(out, demuxed{
			subject: queue.SubjectStatusUpdates,
			event: Event{
				// Receipts carry no event id of their own; the message id
				// plus status is naturally unique and makes provider
				// redeliveries collapse.
				ID:            contentHashID("status", st.ID, st.Status),
				Kind:          EventKindStatus,
				WorkspaceID:   workspaceID,
				PhoneNumberID: phoneNumberID,
				ReceivedAt:    received,
				Payload:       payload,
			},
		})
	}

	for _, msg := range c.Value.Messages {
		// Attach the sender profile, if present, for contact creation.
		wrapped := struct {
			inboundRecord
			Contacts []waContact `json:"contacts,omitempty"`
		}{msg, c.Value.Contacts}
		payload, err := json.Marshal(wrapped)
		if err != nil {
			continue
		}
		out = append(out, demuxed{
			subject: queue.SubjectInboundMessages,
			event: Event{
				ID:            contentHashID("inbound", msg.ID),
				Kind:          EventKindInbound,
				WorkspaceID:   workspaceID,
				PhoneNumberID: phoneNumberID,
				ReceivedAt:    received,
				Payload:       payload,
			},
		})
	}

	return out
}
