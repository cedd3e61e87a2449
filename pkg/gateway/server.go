// Package gateway exposes the runtime over HTTP: a JSON control
// surface for sessions and plans, and a websocket feed of session
// events. All requests authenticate with a shared secret.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stewardlabs/steward/pkg/agent"
	"github.com/stewardlabs/steward/pkg/events"
	"github.com/stewardlabs/steward/pkg/risk"
	"github.com/stewardlabs/steward/pkg/store"
)

// Config holds server configuration.
type Config struct {
	Addr         string
	SharedSecret string
	Runner       *agent.Runner
	Sessions     *store.SessionStore
	EventLog     events.Log
	Bus          *events.Bus
	Logger       zerolog.Logger

	// DefaultAutonomy applies when a create request omits the field.
	DefaultAutonomy risk.Autonomy
}

// Server is the HTTP gateway.
type Server struct {
	addr         string
	sharedSecret string
	runner       *agent.Runner
	sessions     *store.SessionStore
	eventLog     events.Log
	bus          *events.Bus
	logger       zerolog.Logger

	defaultAutonomy risk.Autonomy

	server       *http.Server
	clients      *clientRegistry
	shutdownMu   sync.RWMutex
	shuttingDown bool
}

// NewServer validates the config and builds the gateway.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		return nil, errors.New("listen address is required")
	}
	if cfg.SharedSecret == "" {
		return nil, errors.New("shared secret is required")
	}
	if cfg.Runner == nil || cfg.Sessions == nil {
		return nil, errors.New("runner and session store are required")
	}
	if cfg.EventLog == nil || cfg.Bus == nil {
		return nil, errors.New("event log and bus are required")
	}

	s := &Server{
		addr:            cfg.Addr,
		sharedSecret:    cfg.SharedSecret,
		runner:          cfg.Runner,
		sessions:        cfg.Sessions,
		eventLog:        cfg.EventLog,
		bus:             cfg.Bus,
		logger:          cfg.Logger,
		defaultAutonomy: cfg.DefaultAutonomy,
		clients:         newClientRegistry(cfg.Logger),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /v1/sessions", s.auth(s.handleCreateSession))
	mux.HandleFunc("GET /v1/sessions", s.auth(s.handleListSessions))
	mux.HandleFunc("GET /v1/sessions/{id}", s.auth(s.handleGetSession))
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.auth(s.handleArchiveSession))
	mux.HandleFunc("POST /v1/sessions/{id}/messages", s.auth(s.handleSendMessage))
	mux.HandleFunc("POST /v1/sessions/{id}/interrupt", s.auth(s.handleInterrupt))
	mux.HandleFunc("GET /v1/sessions/{id}/events", s.auth(s.handleSessionEvents))
	mux.HandleFunc("GET /v1/sessions/{id}/feed", s.auth(s.handleFeed))
	mux.HandleFunc("POST /v1/plans/{id}/approve", s.auth(s.handleApprovePlan))
	mux.HandleFunc("POST /v1/plans/{id}/reject", s.auth(s.handleRejectPlan))

	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.addr).Msg("Gateway listening")
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Shutdown stops accepting requests and closes every feed connection.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.shuttingDown = true
	s.shutdownMu.Unlock()

	s.clients.closeAll()
	return s.server.Shutdown(ctx)
}

// auth wraps a handler with shared-secret authentication. The secret
// arrives as a bearer token, or as ?token= for websocket clients.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || token == r.Header.Get("Authorization") {
			token = r.URL.Query().Get("token")
		}
		if token != s.sharedSecret {
			writeError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createSessionRequest struct {
	Identity string `json:"identity"`
	Autonomy string `json:"autonomy"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Identity == "" {
		writeError(w, http.StatusBadRequest, "identity is required")
		return
	}

	autonomy := s.defaultAutonomy
	if req.Autonomy != "" {
		parsed, err := risk.ParseAutonomy(req.Autonomy)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		autonomy = parsed
	}

	session, err := s.runner.CreateSession(r.Context(), req.Identity, autonomy)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	includeArchived := r.URL.Query().Get("archived") == "true"
	sessions, err := s.sessions.List(r.Context(), includeArchived)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sessions == nil {
		sessions = []*store.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleArchiveSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Archive(r.Context(), r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	id := r.PathValue("id")
	if err := s.runner.HandleMessage(r.Context(), id, req.Content); err != nil {
		writeStoreError(w, err)
		return
	}

	// HandleMessage returns once the turn finished, paused for
	// approval, or queued; the snapshot tells the caller which.
	session, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	if err := s.runner.Interrupt(r.Context(), r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	logged, err := s.eventLog.BySession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if logged == nil {
		logged = []events.Event{}
	}
	writeJSON(w, http.StatusOK, logged)
}

func (s *Server) handleApprovePlan(w http.ResponseWriter, r *http.Request) {
	if err := s.runner.ApprovePlan(r.Context(), r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type rejectPlanRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRejectPlan(w http.ResponseWriter, r *http.Request) {
	var req rejectPlanRequest
	if r.Body != nil {
		// A missing body means rejection without a reason.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if err := s.runner.RejectPlan(r.Context(), r.PathValue("id"), req.Reason); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are gone; nothing left to do.
		_ = err
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case strings.Contains(err.Error(), "not awaiting approval"):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
