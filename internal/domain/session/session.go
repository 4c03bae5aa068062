// Package session owns session lifecycle and routes events into each
// session's processing pipeline.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/pitwall/racepulse/internal/domain/engine"
	"github.com/pitwall/racepulse/internal/domain/model"
	"github.com/pitwall/racepulse/internal/domain/state"
)

// State is a session lifecycle state.
type State string

// Lifecycle states.
const (
	StateCreated   State = "created"
	StateLive      State = "live"
	StateSuspended State = "suspended"
	StateCompleted State = "completed"
	StateAborted   State = "aborted"
)

// legalTransitions is the lifecycle table. Completed and Aborted are
// terminal.
var legalTransitions = map[State][]State{
	StateCreated:   {StateLive, StateAborted},
	StateLive:      {StateSuspended, StateCompleted, StateAborted},
	StateSuspended: {StateLive, StateCompleted, StateAborted},
	StateCompleted: {},
	StateAborted:   {},
}

// canTransition reports whether from -> to is in the lifecycle table.
func canTransition(from, to State) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s is an end state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}

// Session is one managed race session and its pipeline.
type Session struct {
	ID        string
	TrackID   string
	StartTime time.Time

	mu           sync.Mutex
	sessionState State
	lastEventAt  time.Time
	endedAt      time.Time // set on entering a terminal state

	store *state.Store
	loop  *engine.Loop

	events chan model.RaceEvent
	cancel context.CancelFunc
	done   chan struct{}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionState
}

// setState moves the session without validation; callers validate first.
func (s *Session) setState(next State) {
	s.mu.Lock()
	s.sessionState = next
	if next.Terminal() {
		s.endedAt = time.Now()
	}
	s.mu.Unlock()
}

// transition validates and applies a lifecycle move.
func (s *Session) transition(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !canTransition(s.sessionState, next) {
		return illegalTransition(s.sessionState, next)
	}
	s.sessionState = next
	if next.Terminal() {
		s.endedAt = time.Now()
	}
	return nil
}

// touch records feed activity for the idle-suspend check.
func (s *Session) touch() {
	s.mu.Lock()
	s.lastEventAt = time.Now()
	s.mu.Unlock()
}

// idleSince returns how long the session has gone without events.
func (s *Session) idleSince() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastEventAt.IsZero() {
		return 0
	}
	return time.Since(s.lastEventAt)
}

// endedSince returns how long ago the session reached a terminal state, or
// zero if it has not.
func (s *Session) endedSince() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endedAt.IsZero() {
		return 0
	}
	return time.Since(s.endedAt)
}
