// Package ws streams probability updates to websocket subscribers.
//
// Each connection is one broadcast subscription. The writer drains the
// subscription mailbox, so a slow connection only ever misses intermediate
// results, never blocks the engine.
package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/pitwall/racepulse/internal/adapters/broadcast"
	"github.com/pitwall/racepulse/pkg/logger"
)

const (
	writeTimeout = 5 * time.Second

	// pongWait must exceed the ping interval or healthy connections get
	// reaped between pings.
	pongSlack = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Subscriptions are read-only; any origin may watch.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Subscriber attaches clients to a session's result stream.
type Subscriber interface {
	Subscribe(ctx context.Context, sessionID string) (*broadcast.Subscription, error)
}

// Handler upgrades HTTP requests on /ws/sessions/{id} to result streams.
type Handler struct {
	subscriber   Subscriber
	pingInterval time.Duration
	logger       logger.Logger
}

// Option applies a configuration option to the Handler.
type Option func(*Handler)

// WithPingInterval sets the keepalive ping period.
func WithPingInterval(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.pingInterval = d
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHandler creates a websocket handler backed by the given subscriber.
func NewHandler(subscriber Subscriber, opts ...Option) *Handler {
	h := &Handler{
		subscriber:   subscriber,
		pingInterval: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = logger.Get().Named("ws")
	}
	return h
}

// HandleSession serves one subscriber connection for the session named in
// the path below prefix.
func (h *Handler) HandleSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	ctx := r.Context()

	sub, err := h.subscriber.Subscribe(ctx, sessionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		h.logger.Warn(ctx, "websocket upgrade failed",
			logger.String("session", sessionID), logger.Error(err))
		return
	}

	h.logger.Debug(ctx, "subscriber connected",
		logger.String("session", sessionID), logger.String("subscriber", sub.ID()))

	go h.readPump(ctx, conn, sub)
	h.writePump(ctx, conn, sub)
}

// readPump discards client frames and closes the subscription when the
// peer goes away. It also keeps the read deadline fed by pongs.
func (h *Handler) readPump(ctx context.Context, conn *websocket.Conn, sub *broadcast.Subscription) {
	defer sub.Close()

	wait := h.pingInterval + pongSlack
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})
	conn.SetReadLimit(512)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug(ctx, "subscriber read ended",
					logger.String("subscriber", sub.ID()), logger.Error(err))
			}
			return
		}
	}
}

// writePump pushes mailbox results and keepalive pings until the
// subscription or the connection ends.
func (h *Handler) writePump(ctx context.Context, conn *websocket.Conn, sub *broadcast.Subscription) {
	ping := time.NewTicker(h.pingInterval)
	defer func() {
		ping.Stop()
		sub.Close()
		_ = conn.Close()
	}()

	for {
		select {
		case result, ok := <-sub.Updates():
			if !ok {
				// Session ended; tell the client before hanging up.
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(result); err != nil {
				h.logger.Debug(ctx, "subscriber write failed",
					logger.String("subscriber", sub.ID()),
					logger.Error(errors.Wrap(err, "write result")))
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
