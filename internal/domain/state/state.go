// Package state owns the authoritative mutable view of one race session.
//
// Event application is serialized per store: callers may race, the store
// never does. Each applied event yields exactly one immutable snapshot, so
// snapshot sequence numbers increase strictly with no gaps.
package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitwall/racepulse/internal/domain/model"
	"github.com/pitwall/racepulse/pkg/metrics"
)

// Defaults for the reordering buffer.
const (
	defaultReorderWindow  = 50
	defaultReorderTimeout = 2 * time.Second
	paceAlpha             = 0.3 // EWMA weight for the newest lap
	appliedRetention      = 1024
)

type pendingEvent struct {
	event model.RaceEvent
	held  time.Time
}

// Store applies canonical events to a single session's state and produces
// immutable snapshots.
type Store struct {
	mu sync.Mutex

	sessionID string
	startTime time.Time
	now       func() time.Time

	window  int
	timeout time.Duration

	track   model.TrackStatus
	weather model.WeatherPayload
	drivers map[string]*model.DriverState

	nextSeq    uint64                  // next expected feed sequence
	snapSeq    uint64                  // last produced snapshot sequence
	applied    map[uint64]struct{}     // recently applied feed sequences
	posSeq     map[string]uint64       // per driver, feed seq of last position write
	pending    map[uint64]pendingEvent // reorder buffer
	gaps       int
	lastEvent  time.Time
	lastStatus model.TrackStatus
}

// New creates a store for one session. The first accepted event must carry
// feed sequence firstSeq (normally 1).
func New(sessionID string, startTime time.Time, opts ...Option) *Store {
	s := &Store{
		sessionID: sessionID,
		startTime: startTime,
		now:       time.Now,
		window:    defaultReorderWindow,
		timeout:   defaultReorderTimeout,
		track:     model.TrackGreen,
		drivers:   make(map[string]*model.DriverState),
		nextSeq:   1,
		applied:   make(map[uint64]struct{}),
		posSeq:    make(map[string]uint64),
		pending:   make(map[uint64]pendingEvent),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SessionID returns the owning session id.
func (s *Store) SessionID() string { return s.sessionID }

// Apply incorporates one event and returns the snapshots it produced, in
// order. Out-of-sequence events are buffered up to the reorder window;
// events from before the window are applied immediately as late, with the
// affected driver flagged uncertain. Replaying an already-applied sequence
// number changes nothing and returns no snapshots.
func (s *Store) Apply(ctx context.Context, e model.RaceEvent) ([]model.SessionSnapshot, error) {
	start := time.Now()
	defer func() {
		metrics.RecordApplyLatency(float64(time.Since(start).Milliseconds()))
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if e.SessionID != s.sessionID {
		return nil, fmt.Errorf("%w: event %s for %s", ErrSessionMismatch, e.ID(), s.sessionID)
	}

	switch {
	case e.Seq < s.nextSeq:
		// Either a replay of something applied, or a straggler from before
		// the reorder window.
		if _, done := s.applied[e.Seq]; done {
			metrics.RecordEventDropped("replay")
			return nil, nil
		}
		return s.applyLate(e)

	case e.Seq == s.nextSeq:
		snaps := make([]model.SessionSnapshot, 0, 1+len(s.pending))
		snaps = append(snaps, s.applyInOrder(e))
		snaps = append(snaps, s.drainContiguous()...)
		snaps = append(snaps, s.expirePending()...)
		metrics.UpdateReorderBufferDepth(s.sessionID, len(s.pending))
		return snaps, nil

	default: // e.Seq > s.nextSeq: hold for reordering
		if _, held := s.pending[e.Seq]; !held {
			s.pending[e.Seq] = pendingEvent{event: e, held: s.now()}
		}
		var snaps []model.SessionSnapshot
		if len(s.pending) > s.window {
			snaps = s.flushPendingLocked()
		} else {
			snaps = s.expirePending()
		}
		metrics.UpdateReorderBufferDepth(s.sessionID, len(s.pending))
		return snaps, nil
	}
}

// Flush applies everything still held in the reorder buffer in best-effort
// order. Called on session termination.
func (s *Store) Flush(ctx context.Context) []model.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snaps := s.flushPendingLocked()
	metrics.UpdateReorderBufferDepth(s.sessionID, 0)
	return snaps
}

// Tick gives the store a chance to expire reorder-buffer residents whose
// hold time passed without any new event arriving.
func (s *Store) Tick(ctx context.Context) []model.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snaps := s.expirePending()
	metrics.UpdateReorderBufferDepth(s.sessionID, len(s.pending))
	return snaps
}

// Snapshot returns a copy of the current state without applying anything.
func (s *Store) Snapshot() model.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(false)
}

// PendingLen returns the reorder buffer depth.
func (s *Store) PendingLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// LastSnapshotSeq returns the sequence number of the newest snapshot.
func (s *Store) LastSnapshotSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapSeq
}

// Gaps returns how many feed gaps the store has recorded.
func (s *Store) Gaps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gaps
}

// applyInOrder applies the expected-next event. Lock held.
func (s *Store) applyInOrder(e model.RaceEvent) model.SessionSnapshot {
	statusChanged := s.mutate(e, false)
	s.markApplied(e.Seq)
	s.nextSeq = e.Seq + 1
	return s.snapshotLocked(statusChanged)
}

// applyLate applies an event from before the reorder window. Superseded
// position data is discarded outright; everything else lands with the
// driver flagged uncertain. Lock held.
func (s *Store) applyLate(e model.RaceEvent) ([]model.SessionSnapshot, error) {
	if e.Type == model.TypePositionChange && s.posSeq[e.DriverID] > e.Seq {
		metrics.RecordEventDropped("superseded")
		return nil, nil
	}
	statusChanged := s.mutate(e, true)
	s.markApplied(e.Seq)
	metrics.RecordLateEventApplied()
	return []model.SessionSnapshot{s.snapshotLocked(statusChanged)}, nil
}

// drainContiguous applies buffered events that are now in sequence. Lock held.
func (s *Store) drainContiguous() []model.SessionSnapshot {
	var snaps []model.SessionSnapshot
	for {
		p, ok := s.pending[s.nextSeq]
		if !ok {
			return snaps
		}
		delete(s.pending, s.nextSeq)
		snaps = append(snaps, s.applyInOrder(p.event))
	}
}

// expirePending force-applies any buffered event held longer than the
// reorder timeout, recording the feed gap it implies. Lock held.
func (s *Store) expirePending() []model.SessionSnapshot {
	if len(s.pending) == 0 {
		return nil
	}
	cutoff := s.now().Add(-s.timeout)
	expired := false
	for _, p := range s.pending {
		if p.held.Before(cutoff) {
			expired = true
			break
		}
	}
	if !expired {
		return nil
	}
	return s.flushPendingLocked()
}

// flushPendingLocked applies the whole reorder buffer in ascending sequence
// order, skipping over the missing sequences as a recorded gap. Lock held.
func (s *Store) flushPendingLocked() []model.SessionSnapshot {
	if len(s.pending) == 0 {
		return nil
	}
	seqs := make([]uint64, 0, len(s.pending))
	for seq := range s.pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	s.gaps++
	metrics.RecordFeedGap()

	snaps := make([]model.SessionSnapshot, 0, len(seqs))
	for _, seq := range seqs {
		p := s.pending[seq]
		delete(s.pending, seq)
		statusChanged := s.mutate(p.event, false)
		s.markApplied(seq)
		if seq >= s.nextSeq {
			s.nextSeq = seq + 1
		}
		snaps = append(snaps, s.snapshotLocked(statusChanged))
	}
	return snaps
}

// mutate applies the event payload to driver/session state and reports
// whether the track status changed. Lock held.
func (s *Store) mutate(e model.RaceEvent, late bool) bool {
	s.lastEvent = e.Wall
	statusChanged := false

	var d *model.DriverState
	if e.DriverID != "" {
		d = s.driver(e.DriverID)
		if late {
			d.Uncertain = true
		}
	}

	switch e.Type {
	case model.TypeLapTime:
		p := e.LapTime
		d.LastLap = p.LapSeconds
		if d.BestLap == 0 || p.LapSeconds < d.BestLap {
			d.BestLap = p.LapSeconds
		}
		if p.Lap > d.LapsDone {
			d.LapsDone = p.Lap
		}
		if d.Pace == 0 {
			d.Pace = p.LapSeconds
		} else {
			d.Pace = paceAlpha*p.LapSeconds + (1-paceAlpha)*d.Pace
		}
		d.TireAge++
		if p.Position > 0 && (!late || s.posSeq[e.DriverID] <= e.Seq) {
			d.Position = p.Position
			d.GapToLeader = p.GapToLeader
			s.posSeq[e.DriverID] = e.Seq
		}
		if !late {
			d.Uncertain = false
		}

	case model.TypeSectorTime:
		// Sector splits refine the clock only; pace waits for the full lap.

	case model.TypePitStop:
		d.PitStops++

	case model.TypeTireChange:
		d.Tire = e.TireChange.Compound
		d.TireAge = e.TireChange.AgeLaps

	case model.TypeTrackStatus:
		next := e.TrackStatus.Status
		if next != s.track {
			s.lastStatus = s.track
			s.track = next
			statusChanged = true
		}

	case model.TypeWeather:
		s.weather = *e.Weather

	case model.TypeRetirement:
		d.Retired = true

	case model.TypePositionChange:
		if !late || s.posSeq[e.DriverID] <= e.Seq {
			d.Position = e.PositionChange.Position
			d.GapToLeader = e.PositionChange.GapToLeader
			s.posSeq[e.DriverID] = e.Seq
		}
	}
	return statusChanged
}

// driver returns the state record for id, creating it on first sight.
// Lock held.
func (s *Store) driver(id string) *model.DriverState {
	if d, ok := s.drivers[id]; ok {
		return d
	}
	d := &model.DriverState{
		DriverID: id,
		Position: len(s.drivers) + 1,
		Tire:     model.CompoundMedium,
	}
	s.drivers[id] = d
	return d
}

// snapshotLocked produces an immutable copy of the current state with the
// next snapshot sequence number. Lock held.
func (s *Store) snapshotLocked(statusChanged bool) model.SessionSnapshot {
	s.snapSeq++

	drivers := make([]model.DriverState, 0, len(s.drivers))
	for _, d := range s.drivers {
		drivers = append(drivers, *d)
	}
	sort.Slice(drivers, func(i, j int) bool {
		a, b := &drivers[i], &drivers[j]
		if a.Retired != b.Retired {
			return !a.Retired
		}
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		return a.DriverID < b.DriverID
	})

	var clock time.Duration
	if !s.lastEvent.IsZero() && s.lastEvent.After(s.startTime) {
		clock = s.lastEvent.Sub(s.startTime)
	}

	metrics.RecordSnapshotProduced()
	return model.SessionSnapshot{
		SessionID:     s.sessionID,
		Seq:           s.snapSeq,
		Track:         s.track,
		Clock:         clock,
		TakenAt:       s.now(),
		StatusChanged: statusChanged,
		Weather:       s.weather,
		Drivers:       drivers,
	}
}

// markApplied remembers a feed sequence for replay detection, trimming the
// memory to a bounded horizon. Lock held.
func (s *Store) markApplied(seq uint64) {
	s.applied[seq] = struct{}{}
	if len(s.applied) > appliedRetention && s.nextSeq > appliedRetention {
		horizon := s.nextSeq - appliedRetention
		for old := range s.applied {
			if old < horizon {
				delete(s.applied, old)
			}
		}
	}
}
