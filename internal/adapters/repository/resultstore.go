package repository

import (
	"context"
	"sync"

	"github.com/pitwall/racepulse/internal/domain/model"
)

// ResultStore is the in-memory Store. One entry per session; writers for
// different sessions never contend beyond the map shard lock.
type ResultStore struct {
	mu      sync.RWMutex
	results map[string]*model.ProbabilityResult
}

// NewResultStore creates an empty ResultStore.
func NewResultStore(_ context.Context) *ResultStore {
	return &ResultStore{results: make(map[string]*model.ProbabilityResult)}
}

// Put records a result, refusing regressions below the stored snapshot
// sequence. Stale-flagged reuses of the same sequence are accepted so
// subscribers and API readers agree on what was last published.
func (s *ResultStore) Put(_ context.Context, result model.ProbabilityResult) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.results[result.SessionID]; ok && cur.SnapshotSeq > result.SnapshotSeq {
		return false, nil
	}
	cp := result
	cp.Drivers = append([]model.DriverProbability(nil), result.Drivers...)
	s.results[result.SessionID] = &cp
	return true, nil
}

// Latest returns a copy of the newest result for a session.
func (s *ResultStore) Latest(_ context.Context, sessionID string) (model.ProbabilityResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cur, ok := s.results[sessionID]
	if !ok {
		return model.ProbabilityResult{}, ErrNotFound
	}
	cp := *cur
	cp.Drivers = append([]model.DriverProbability(nil), cur.Drivers...)
	return cp, nil
}

// PredictedOrder returns the drivers of the newest result; they are stored
// already ranked, so this is a copy.
func (s *ResultStore) PredictedOrder(ctx context.Context, sessionID string) ([]model.DriverProbability, error) {
	result, err := s.Latest(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return result.Drivers, nil
}

// Drop removes a session's result.
func (s *ResultStore) Drop(_ context.Context, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.results, sessionID)
}

// Count returns the number of sessions with a stored result.
func (s *ResultStore) Count(_ context.Context) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.results)
}
