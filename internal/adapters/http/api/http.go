// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/pitwall/racepulse/internal/adapters/repository"
	"github.com/pitwall/racepulse/internal/domain/model"
	"github.com/pitwall/racepulse/internal/domain/normalize"
	"github.com/pitwall/racepulse/internal/domain/session"
	"github.com/pitwall/racepulse/internal/domain/types"
)

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to implementations in other packages.
type Dependencies interface {
	// Ingest normalizes one raw feed payload and queues it for processing.
	Ingest(ctx context.Context, dialect string, raw []byte) (types.IngestAck, error)

	// Session administration.
	CreateSession(ctx context.Context, sessionID, trackID string, startTime time.Time) (types.SessionInfo, error)
	TransitionSession(ctx context.Context, sessionID, next string) error
	TerminateSession(ctx context.Context, sessionID string) error
	Sessions(ctx context.Context) []types.SessionInfo

	// LatestResult exposes the newest probability result for a session.
	LatestResult(ctx context.Context, sessionID string) (model.ProbabilityResult, error)
}

// Server wires HTTP routes for the business API.
type Server struct {
	healthHandler   *HealthHandler
	statsHandler    *StatsHandler
	feedHandler     *FeedHandler
	sessionsHandler *SessionsHandler
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, statsProvider StatsProvider) *Server {
	return &Server{
		healthHandler:   NewHealthHandler(),
		statsHandler:    NewStatsHandler(statsProvider),
		feedHandler:     NewFeedHandler(deps),
		sessionsHandler: NewSessionsHandler(deps),
	}
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(ctx context.Context, mux *http.ServeMux) {
	mux.HandleFunc("/healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.HandleFunc("/metrics", MetricsMiddleware(s.healthHandler.HandleMetrics, "metrics"))
	mux.HandleFunc("/stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))
	mux.HandleFunc("/feed/", MetricsMiddleware(s.feedHandler.HandlePostFeed, "feed"))
	mux.HandleFunc("/sessions", MetricsMiddleware(s.sessionsHandler.HandleSessions, "sessions"))
	mux.HandleFunc("/sessions/", MetricsMiddleware(s.sessionsHandler.HandleSession, "session"))
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// writeDomainError translates domain sentinel errors to HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrUnknownSession):
		writeError(w, http.StatusNotFound, "unknown_session", err)
	case errors.Is(err, session.ErrDuplicateSession):
		writeError(w, http.StatusConflict, "duplicate_session", err)
	case errors.Is(err, session.ErrIllegalTransition):
		writeError(w, http.StatusConflict, "illegal_transition", err)
	case errors.Is(err, session.ErrSessionClosed):
		writeError(w, http.StatusConflict, "session_closed", err)
	case errors.Is(err, normalize.ErrUnknownDialect):
		writeError(w, http.StatusNotFound, "unknown_dialect", err)
	case errors.Is(err, normalize.ErrMalformedEvent):
		writeError(w, http.StatusBadRequest, "malformed_event", err)
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "no_result", err)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err)
	}
}

// pathSegments splits the path below prefix into non-empty segments.
func pathSegments(path, prefix string) []string {
	rest := strings.TrimPrefix(path, prefix)
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}
