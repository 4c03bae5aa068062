package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/pitwall/racepulse/internal/domain/engine"
	"github.com/pitwall/racepulse/internal/domain/model"
	"github.com/pitwall/racepulse/internal/domain/state"
	"github.com/pitwall/racepulse/internal/domain/types"
	"github.com/pitwall/racepulse/pkg/logger"
	"github.com/pitwall/racepulse/pkg/metrics"
)

// Manager defaults.
const (
	defaultSessionBacklog = 4096
	defaultIdleSuspend    = 5 * time.Minute
	defaultGraceQueueSize = 100
	defaultGraceTimeout   = 3 * time.Second
	defaultRetention      = time.Hour
	janitorInterval       = 500 * time.Millisecond
)

// Broadcaster is the slice of the fan-out layer the manager needs when a
// session ends.
type Broadcaster interface {
	EndSession(ctx context.Context, sessionID string)
}

// parkedEvent is an event waiting for its session record to propagate.
type parkedEvent struct {
	event model.RaceEvent
	at    time.Time
}

// Manager owns the session registry and every per-session pipeline. The
// registry is the only state shared between sessions; it is held under an
// exclusive lock during create, transition and terminate.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	engine      *engine.Engine
	publisher   engine.Publisher
	broadcaster Broadcaster

	reorderWindow  int
	reorderTimeout time.Duration
	backlog        int
	idleSuspend    time.Duration
	graceSize      int
	graceTimeout   time.Duration
	retention      time.Duration

	graceMu sync.Mutex
	grace   []parkedEvent

	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	logger logger.Logger
}

// NewManager creates a Manager wiring the engine and the downstream
// publisher into every session pipeline it starts.
func NewManager(eng *engine.Engine, pub engine.Publisher, bc Broadcaster, opts ...Option) *Manager {
	m := &Manager{
		sessions:       make(map[string]*Session),
		engine:         eng,
		publisher:      pub,
		broadcaster:    bc,
		reorderWindow:  50,
		reorderTimeout: 2 * time.Second,
		backlog:        defaultSessionBacklog,
		idleSuspend:    defaultIdleSuspend,
		graceSize:      defaultGraceQueueSize,
		graceTimeout:   defaultGraceTimeout,
		retention:      defaultRetention,
		logger:         logger.Get().Named("session-manager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the janitor that expires grace-parked events, applies the
// idle-suspend policy, and archives terminal sessions past retention.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	janitorCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.janitor(janitorCtx)
}

// Stop terminates every active session and stops the janitor.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id, s := range m.sessions {
		if !s.State().Terminal() {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.Terminate(ctx, id); err != nil {
			m.logger.Warn(ctx, "terminate during shutdown failed",
				logger.String("session", id), logger.Error(err))
		}
	}

	m.mu.Lock()
	cancel := m.cancel
	m.started = false
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// Create registers a new session and starts its pipeline. Ids still held
// by a non-terminal session are rejected; a terminal session of the same
// id is archived and replaced.
func (m *Manager) Create(ctx context.Context, sessionID, trackID string, startTime time.Time) (*Session, error) {
	m.mu.Lock()
	if existing, ok := m.sessions[sessionID]; ok {
		if !existing.State().Terminal() {
			m.mu.Unlock()
			return nil, ErrDuplicateSession
		}
		delete(m.sessions, sessionID)
	}

	pipelineCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		ID:           sessionID,
		TrackID:      trackID,
		StartTime:    startTime,
		sessionState: StateCreated,
		store: state.New(sessionID, startTime,
			state.WithReorderWindow(m.reorderWindow),
			state.WithReorderTimeout(m.reorderTimeout),
		),
		events: make(chan model.RaceEvent, m.backlog),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.loop = m.engine.NewLoop(sessionID, m.publisher)
	m.sessions[sessionID] = s
	m.mu.Unlock()

	s.loop.Start(pipelineCtx)
	m.wg.Add(1)
	go m.runPipeline(pipelineCtx, s)

	m.updateStateGauges()
	m.logger.Info(ctx, "session created",
		logger.String("session", sessionID),
		logger.String("track", trackID),
	)

	// Adopt anything parked for this id while the record propagated.
	for _, e := range m.takeParked(sessionID) {
		if err := m.Route(ctx, e); err != nil {
			m.logger.Warn(ctx, "parked event rejected after adoption",
				logger.String("session", sessionID), logger.Error(err))
		}
	}
	return s, nil
}

// Route hands an event to its session's pipeline. Events for unknown
// sessions are parked for the grace period and reported as unknown.
func (m *Manager) Route(ctx context.Context, e model.RaceEvent) error {
	m.mu.RLock()
	s, ok := m.sessions[e.SessionID]
	m.mu.RUnlock()

	if !ok {
		m.park(e)
		return ErrUnknownSession
	}
	if s.State().Terminal() {
		metrics.RecordEventDropped("session_closed")
		return ErrSessionClosed
	}

	select {
	case s.events <- e:
		return nil
	default:
		// The per-session backlog protects the rest of the process; a
		// session that cannot drain loses its newest event.
		metrics.RecordEventDropped("session_backlog")
		m.logger.Warn(ctx, "session backlog full; event dropped",
			logger.String("session", e.SessionID),
			logger.Uint64("seq", e.Seq),
		)
		return nil
	}
}

// Transition applies an administrative lifecycle move.
func (m *Manager) Transition(ctx context.Context, sessionID string, next State) error {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return ErrUnknownSession
	}

	if next == StateCompleted || next == StateAborted {
		return m.terminateAs(ctx, s, next)
	}

	if err := s.transition(next); err != nil {
		return err
	}
	m.updateStateGauges()
	m.logger.Info(ctx, "session transitioned",
		logger.String("session", sessionID),
		logger.String("state", string(next)),
	)
	return nil
}

// Terminate completes a session: flushes buffered events, emits a final
// result, and releases the pipeline.
func (m *Manager) Terminate(ctx context.Context, sessionID string) error {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return ErrUnknownSession
	}
	return m.terminateAs(ctx, s, StateCompleted)
}

// Get returns a session by id.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Sessions lists the registry for the read API, ordered by id.
func (m *Manager) Sessions() []types.SessionInfo {
	m.mu.RLock()
	out := make([]types.SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, types.SessionInfo{
			SessionID: s.ID,
			TrackID:   s.TrackID,
			State:     string(s.State()),
			StartTime: s.StartTime,
			LastSeq:   s.store.LastSnapshotSeq(),
		})
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// terminateAs flushes, drains and tears down a session into the given
// terminal state.
func (m *Manager) terminateAs(ctx context.Context, s *Session, terminal State) error {
	if err := s.transition(terminal); err != nil {
		// A session that never went live cannot complete; abort it so the
		// pipeline still gets torn down.
		if terminal != StateCompleted || s.transition(StateAborted) != nil {
			return err
		}
		terminal = StateAborted
	}

	// The terminal state makes Route reject new events; whatever was
	// accepted before that must still reach the store. The pipeline may be
	// consuming concurrently, so both drains share the channel.
drain:
	for {
		select {
		case e := <-s.events:
			snaps, err := s.store.Apply(ctx, e)
			if err != nil {
				m.logger.Warn(ctx, "event application failed during terminate",
					logger.String("session", s.ID),
					logger.Uint64("seq", e.Seq),
					logger.Error(err),
				)
				continue
			}
			for _, snap := range snaps {
				s.loop.Offer(snap)
			}
		default:
			break drain
		}
	}

	// Flush the reorder buffer so nothing buffered is lost, then make sure
	// a final snapshot reaches the engine even if the flush produced none.
	snaps := s.store.Flush(ctx)
	if len(snaps) == 0 {
		snaps = []model.SessionSnapshot{s.store.Snapshot()}
	}
	for _, snap := range snaps {
		s.loop.Offer(snap)
	}
	s.loop.Drain(ctx)

	s.cancel()
	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		m.logger.Warn(ctx, "session pipeline did not stop in time",
			logger.String("session", s.ID))
	}

	if m.broadcaster != nil {
		m.broadcaster.EndSession(ctx, s.ID)
	}
	m.updateStateGauges()
	m.logger.Info(ctx, "session terminated",
		logger.String("session", s.ID),
		logger.String("state", string(terminal)),
		logger.Uint64("snapshots", s.store.LastSnapshotSeq()),
		logger.Int("feed_gaps", s.store.Gaps()),
	)
	return nil
}

// runPipeline is the per-session goroutine: apply events, react to track
// status, and hand snapshots to the engine loop.
func (m *Manager) runPipeline(ctx context.Context, s *Session) {
	defer m.wg.Done()
	defer close(s.done)

	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case e := <-s.events:
			s.touch()
			if s.State() == StateCreated {
				// First accepted event takes the session live.
				if err := s.transition(StateLive); err == nil {
					m.updateStateGauges()
				}
			}

			snaps, err := s.store.Apply(ctx, e)
			if err != nil {
				if errors.Is(err, state.ErrCorrupted) {
					m.abort(ctx, s, err)
					return
				}
				m.logger.Warn(ctx, "event application failed",
					logger.String("session", s.ID),
					logger.Uint64("seq", e.Seq),
					logger.Error(err),
				)
				continue
			}
			m.offerSnapshots(ctx, s, snaps)

		case <-ticker.C:
			m.offerSnapshots(ctx, s, s.store.Tick(ctx))
			if s.State() == StateLive && m.idleSuspend > 0 && s.idleSince() > m.idleSuspend {
				if err := s.transition(StateSuspended); err == nil {
					m.updateStateGauges()
					m.logger.Info(ctx, "session auto-suspended after idle period",
						logger.String("session", s.ID),
						logger.Duration("idle", s.idleSince()),
					)
				}
			}
		}
	}
}

// offerSnapshots forwards snapshots to the engine loop, applying the
// red-flag suspension rules on the way.
func (m *Manager) offerSnapshots(ctx context.Context, s *Session, snaps []model.SessionSnapshot) {
	for _, snap := range snaps {
		if snap.StatusChanged {
			switch {
			case snap.Track == model.TrackRedFlag && s.State() == StateLive:
				if err := s.transition(StateSuspended); err == nil {
					m.updateStateGauges()
					m.logger.Info(ctx, "session suspended on red flag",
						logger.String("session", s.ID))
				}
			case snap.Track != model.TrackRedFlag && s.State() == StateSuspended:
				if err := s.transition(StateLive); err == nil {
					m.updateStateGauges()
					m.logger.Info(ctx, "session resumed on track status clear",
						logger.String("session", s.ID),
						logger.String("status", string(snap.Track)))
				}
			}
		}
		s.loop.Offer(snap)
	}
}

// abort moves a session to Aborted after an unrecoverable store failure.
func (m *Manager) abort(ctx context.Context, s *Session, cause error) {
	m.logger.Error(ctx, "session aborted on unrecoverable store failure",
		logger.String("session", s.ID), logger.Error(cause))
	s.setState(StateAborted)
	s.cancel()
	if m.broadcaster != nil {
		m.broadcaster.EndSession(ctx, s.ID)
	}
	m.updateStateGauges()
}

// park holds an event for an unknown session until the grace period ends.
func (m *Manager) park(e model.RaceEvent) {
	m.graceMu.Lock()
	defer m.graceMu.Unlock()
	if len(m.grace) >= m.graceSize {
		metrics.RecordEventDropped("grace_overflow")
		return
	}
	m.grace = append(m.grace, parkedEvent{event: e, at: time.Now()})
	metrics.UpdateGraceQueueDepth(len(m.grace))
}

// takeParked removes and returns every parked event for a session id.
func (m *Manager) takeParked(sessionID string) []model.RaceEvent {
	m.graceMu.Lock()
	defer m.graceMu.Unlock()
	var adopted []model.RaceEvent
	kept := m.grace[:0]
	for _, p := range m.grace {
		if p.event.SessionID == sessionID {
			adopted = append(adopted, p.event)
		} else {
			kept = append(kept, p)
		}
	}
	m.grace = kept
	metrics.UpdateGraceQueueDepth(len(m.grace))
	return adopted
}

// janitor drops expired grace-parked events and archives terminal sessions
// past the retention window.
func (m *Manager) janitor(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.expireParked(ctx)
			m.archiveTerminal(ctx)
		}
	}
}

func (m *Manager) expireParked(ctx context.Context) {
	m.graceMu.Lock()
	defer m.graceMu.Unlock()
	cutoff := time.Now().Add(-m.graceTimeout)
	kept := m.grace[:0]
	for _, p := range m.grace {
		if p.at.Before(cutoff) {
			metrics.RecordEventDropped("grace_expired")
			m.logger.Warn(ctx, "event for unknown session dropped after grace period",
				logger.String("session", p.event.SessionID),
				logger.Uint64("seq", p.event.Seq),
			)
			continue
		}
		kept = append(kept, p)
	}
	m.grace = kept
	metrics.UpdateGraceQueueDepth(len(m.grace))
}

func (m *Manager) archiveTerminal(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if s.State().Terminal() && s.endedSince() > m.retention {
			delete(m.sessions, id)
			m.logger.Info(ctx, "session archived after retention window",
				logger.String("session", id))
		}
	}
}

// updateStateGauges recounts sessions per lifecycle state.
func (m *Manager) updateStateGauges() {
	counts := map[State]int{
		StateCreated: 0, StateLive: 0, StateSuspended: 0,
		StateCompleted: 0, StateAborted: 0,
	}
	m.mu.RLock()
	for _, s := range m.sessions {
		counts[s.State()]++
	}
	m.mu.RUnlock()
	for st, n := range counts {
		metrics.UpdateSessionsByState(string(st), n)
	}
}
