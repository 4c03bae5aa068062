// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"io"
	"net/http"
)

// Feed payloads are small telemetry frames; anything bigger is abuse.
const maxFeedBody = 1 << 16

// FeedHandler accepts raw telemetry frames from upstream providers.
type FeedHandler struct {
	deps Dependencies
}

// NewFeedHandler creates a new feed handler.
func NewFeedHandler(deps Dependencies) *FeedHandler {
	return &FeedHandler{deps: deps}
}

// HandlePostFeed handles POST /feed/{dialect} requests.
func (h *FeedHandler) HandlePostFeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	segs := pathSegments(r.URL.Path, "/feed/")
	if len(segs) != 1 {
		http.NotFound(w, r)
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxFeedBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable_body", ErrBadRequest)
		return
	}

	ack, err := h.deps.Ingest(r.Context(), segs[0], raw)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if ack.Dropped {
		writeError(w, http.StatusTooManyRequests, "backpressure", ErrBackpressure)
		return
	}
	writeJSON(w, http.StatusAccepted, ack)
}
