// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

// SessionsHandler handles session administration and prediction reads.
type SessionsHandler struct {
	deps Dependencies
}

// NewSessionsHandler creates a new sessions handler.
func NewSessionsHandler(deps Dependencies) *SessionsHandler {
	return &SessionsHandler{deps: deps}
}

// createSessionRequest mirrors the schema for POST /sessions.
type createSessionRequest struct {
	SessionID string `json:"session_id"`
	TrackID   string `json:"track_id"`
	StartTime string `json:"start_time"`
}

func (r createSessionRequest) validate() error {
	switch {
	case strings.TrimSpace(r.SessionID) == "":
		return errors.New("missing session_id")
	case strings.TrimSpace(r.TrackID) == "":
		return errors.New("missing track_id")
	}
	if r.StartTime != "" {
		if _, err := time.Parse(time.RFC3339, r.StartTime); err != nil {
			return errors.New("invalid start_time; must be RFC3339")
		}
	}
	return nil
}

// transitionRequest mirrors the schema for POST /sessions/{id}/transition.
type transitionRequest struct {
	State string `json:"state"`
}

// HandleSessions handles the collection routes: POST and GET /sessions.
func (h *SessionsHandler) HandleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handleCreate(w, r)
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.deps.Sessions(r.Context()))
	default:
		http.NotFound(w, r)
	}
}

// HandleSession handles the item routes below /sessions/{id}.
func (h *SessionsHandler) HandleSession(w http.ResponseWriter, r *http.Request) {
	segs := pathSegments(r.URL.Path, "/sessions/")
	switch {
	case len(segs) == 1 && r.Method == http.MethodDelete:
		h.handleTerminate(w, r, segs[0])
	case len(segs) == 2 && segs[1] == "transition" && r.Method == http.MethodPost:
		h.handleTransition(w, r, segs[0])
	case len(segs) == 2 && segs[1] == "prediction" && r.Method == http.MethodGet:
		h.handlePrediction(w, r, segs[0])
	default:
		http.NotFound(w, r)
	}
}

func (h *SessionsHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", ErrBadRequest)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}

	start := time.Now()
	if req.StartTime != "" {
		start, _ = time.Parse(time.RFC3339, req.StartTime)
	}
	info, err := h.deps.CreateSession(r.Context(), req.SessionID, req.TrackID, start)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (h *SessionsHandler) handleTransition(w http.ResponseWriter, r *http.Request, sessionID string) {
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", ErrBadRequest)
		return
	}
	if strings.TrimSpace(req.State) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", errors.New("missing state"))
		return
	}
	if err := h.deps.TransitionSession(r.Context(), sessionID, req.State); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID, "state": req.State})
}

func (h *SessionsHandler) handleTerminate(w http.ResponseWriter, r *http.Request, sessionID string) {
	if err := h.deps.TerminateSession(r.Context(), sessionID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionsHandler) handlePrediction(w http.ResponseWriter, r *http.Request, sessionID string) {
	result, err := h.deps.LatestResult(r.Context(), sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
