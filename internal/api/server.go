// Package api is the HTTP control surface: the send API, campaign control,
// the webhook intake, the realtime feed, health and metrics.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adred-codev/wasend/internal/auth"
	"github.com/adred-codev/wasend/internal/campaign"
	"github.com/adred-codev/wasend/internal/metrics"
	"github.com/adred-codev/wasend/internal/queue"
	"github.com/adred-codev/wasend/internal/realtime"
	"github.com/adred-codev/wasend/internal/store"
	"github.com/adred-codev/wasend/internal/webhook"
)

// Server assembles the HTTP routes.
type Server struct {
	st        store.Store
	publisher queue.Queue
	campaigns *campaign.Executor
	intake    *webhook.Server
	hub       *realtime.Hub
	authMgr   *auth.Manager // nil disables API auth (development)
	logger    zerolog.Logger
	m         *metrics.Metrics
}

// NewServer wires the HTTP surface.
func NewServer(st store.Store, publisher queue.Queue, campaigns *campaign.Executor,
	intake *webhook.Server, hub *realtime.Hub, authMgr *auth.Manager,
	logger zerolog.Logger, m *metrics.Metrics) *Server {
	return &Server{
		st:        st,
		publisher: publisher,
		campaigns: campaigns,
		intake:    intake,
		hub:       hub,
		authMgr:   authMgr,
		logger:    logger.With().Str("component", "api").Logger(),
		m:         m,
	}
}

// Router builds the chi router.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.m.Handler())

	// Provider callbacks authenticate by HMAC signature, not bearer token.
	s.intake.Routes(r)

	r.Get("/ws", s.handleWebSocket)

	r.Route("/v1", func(r chi.Router) {
		if s.authMgr != nil {
			r.Use(s.authMgr.Middleware)
		}
		r.Post("/messages", s.handleSendMessage)
		r.Get("/messages/{id}", s.handleGetMessage)

		r.Post("/campaigns", s.handleCreateCampaign)
		r.Get("/campaigns/{id}", s.handleGetCampaign)
		r.Post("/campaigns/{id}/start", s.campaignTransition(s.campaigns.Start))
		r.Post("/campaigns/{id}/pause", s.campaignTransition(s.campaigns.Pause))
		r.Post("/campaigns/{id}/resume", s.campaignTransition(s.campaigns.Resume))
		r.Post("/campaigns/{id}/cancel", s.campaignTransition(s.campaigns.Cancel))
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWebSocket authenticates and upgrades a dashboard client.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := s.workspaceFor(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	s.hub.HandleUpgrade(w, r, workspaceID)
}

// workspaceFor resolves the workspace scope of a request: from the verified
// token when auth is enabled, from the X-Workspace-ID header otherwise.
func (s *Server) workspaceFor(r *http.Request) (uuid.UUID, bool) {
	if s.authMgr != nil {
		claims, err := s.authMgr.WebSocketAuth(r)
		if err == nil {
			if id, err := claims.Workspace(); err == nil {
				return id, true
			}
		}
		if claims, ok := auth.ClaimsFrom(r.Context()); ok {
			if id, err := claims.Workspace(); err == nil {
				return id, true
			}
		}
		return uuid.Nil, false
	}
	id, err := uuid.Parse(r.Header.Get("X-Workspace-ID"))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// requestLogger logs one line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
