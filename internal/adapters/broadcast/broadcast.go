// Package broadcast fans probability results out to per-session subscribers.
//
// Delivery is snapshot-sequence ordered and at-most-once per sequence per
// subscriber. Every subscriber owns a single-slot mailbox: when the
// transport cannot keep up, the unsent result is replaced by the newer one
// (latest-value-wins) and the engine is never blocked.
package broadcast

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/pitwall/racepulse/internal/domain/model"
	"github.com/pitwall/racepulse/pkg/logger"
	"github.com/pitwall/racepulse/pkg/metrics"
)

// Subscription is one subscriber's handle on a session's result stream.
type Subscription struct {
	id        string
	sessionID string
	hub       *hub

	mailbox chan model.ProbabilityResult
	lastSeq uint64 // newest sequence handed to the mailbox
	closed  sync.Once
	done    chan struct{}
}

// ID returns the subscriber's unique id.
func (s *Subscription) ID() string { return s.id }

// SessionID returns the subscribed session.
func (s *Subscription) SessionID() string { return s.sessionID }

// Updates returns the mailbox channel. It is closed when the subscription
// or its session ends.
func (s *Subscription) Updates() <-chan model.ProbabilityResult { return s.mailbox }

// Close detaches the subscriber. Safe to call more than once, and safe to
// call concurrently with Publish.
func (s *Subscription) Close() {
	s.closed.Do(func() {
		close(s.done)
		s.hub.remove(s.id)
	})
}

// hub is the per-session subscriber registry.
type hub struct {
	mu        sync.Mutex
	sessionID string
	subs      map[string]*Subscription
	latest    *model.ProbabilityResult
	ended     bool
}

func (h *hub) remove(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	n := len(h.subs)
	h.mu.Unlock()

	if ok {
		close(sub.mailbox)
		metrics.UpdateSubscriberCount(h.sessionID, n)
	}
}

// deliver puts the result in the subscriber mailbox, displacing an unsent
// older result if the transport is behind. Hub lock held.
func (h *hub) deliver(sub *Subscription, result model.ProbabilityResult) {
	if result.SnapshotSeq <= sub.lastSeq {
		return // already offered this sequence (or newer) to this subscriber
	}
	select {
	case <-sub.done:
		return
	default:
	}
	for {
		select {
		case sub.mailbox <- result:
			sub.lastSeq = result.SnapshotSeq
			metrics.RecordResultPublished()
			return
		default:
		}
		select {
		case <-sub.mailbox: // drop the unsent older result
			metrics.RecordSubscriberDrop()
		default:
		}
	}
}

// Broadcaster routes results to the hub for their session.
type Broadcaster struct {
	mu     sync.RWMutex
	hubs   map[string]*hub
	logger logger.Logger
}

// Option applies a configuration option to the Broadcaster.
type Option func(*Broadcaster)

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(b *Broadcaster) {
		if l != nil {
			b.logger = l
		}
	}
}

// New creates an empty Broadcaster.
func New(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		hubs:   make(map[string]*hub),
		logger: logger.Get().Named("broadcast"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe attaches a new subscriber to a session. A late joiner gets the
// latest available result pushed immediately; there is no backlog replay.
func (b *Broadcaster) Subscribe(ctx context.Context, sessionID string) (*Subscription, error) {
	h := b.hubFor(sessionID)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		return nil, ErrSessionEnded
	}

	sub := &Subscription{
		id:        uuid.NewString(),
		sessionID: sessionID,
		hub:       h,
		mailbox:   make(chan model.ProbabilityResult, 1),
		done:      make(chan struct{}),
	}
	h.subs[sub.id] = sub
	if h.latest != nil {
		h.deliver(sub, *h.latest)
	}
	metrics.UpdateSubscriberCount(sessionID, len(h.subs))

	b.logger.Debug(ctx, "subscriber attached",
		logger.String("session", sessionID),
		logger.String("subscriber", sub.id),
	)
	return sub, nil
}

// Publish delivers a result to every current subscriber of its session and
// retains it for late joiners. Never blocks.
func (b *Broadcaster) Publish(ctx context.Context, result model.ProbabilityResult) {
	h := b.hubFor(result.SessionID)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		return
	}
	if h.latest == nil || result.SnapshotSeq >= h.latest.SnapshotSeq {
		cp := result
		cp.Drivers = append([]model.DriverProbability(nil), result.Drivers...)
		h.latest = &cp
	}
	for _, sub := range h.subs {
		h.deliver(sub, result)
	}
}

// Latest returns the retained result for a session, or nil.
func (b *Broadcaster) Latest(sessionID string) *model.ProbabilityResult {
	b.mu.RLock()
	h, ok := b.hubs[sessionID]
	b.mu.RUnlock()
	if !ok {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.latest == nil {
		return nil
	}
	cp := *h.latest
	cp.Drivers = append([]model.DriverProbability(nil), h.latest.Drivers...)
	return &cp
}

// SubscriberCount returns the number of attached subscribers for a session.
func (b *Broadcaster) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	h, ok := b.hubs[sessionID]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// EndSession closes every subscriber of the session and rejects future
// subscriptions for it.
func (b *Broadcaster) EndSession(ctx context.Context, sessionID string) {
	b.mu.Lock()
	h, ok := b.hubs[sessionID]
	if ok {
		delete(b.hubs, sessionID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	h.mu.Lock()
	h.ended = true
	subs := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = make(map[string]*Subscription)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.closed.Do(func() {
			close(sub.done)
			close(sub.mailbox)
		})
	}
	metrics.RemoveSubscriberCount(sessionID)
	b.logger.Debug(ctx, "session broadcast ended",
		logger.String("session", sessionID),
		logger.Int("subscribers", len(subs)),
	)
}

// hubFor returns the hub for a session, creating it on first use.
func (b *Broadcaster) hubFor(sessionID string) *hub {
	b.mu.RLock()
	h, ok := b.hubs[sessionID]
	b.mu.RUnlock()
	if ok {
		return h
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok = b.hubs[sessionID]; ok {
		return h
	}
	h = &hub{
		sessionID: sessionID,
		subs:      make(map[string]*Subscription),
	}
	b.hubs[sessionID] = h
	return h
}
