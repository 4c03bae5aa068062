// Package repository keeps the newest probability result per session for
// the read API and for late-joining subscribers.
package repository

import (
	"context"

	"github.com/pitwall/racepulse/internal/domain/model"
)

// Store provides read/write access to per-session results.
type Store interface {
	// Put records a result if it is at least as new as the stored one.
	// Returns true when the store accepted it.
	Put(ctx context.Context, result model.ProbabilityResult) (bool, error)

	// Latest returns the newest result for a session.
	// Returns ErrNotFound if the session has no result yet.
	Latest(ctx context.Context, sessionID string) (model.ProbabilityResult, error)

	// PredictedOrder returns the drivers of the newest result in predicted
	// finishing order.
	PredictedOrder(ctx context.Context, sessionID string) ([]model.DriverProbability, error)

	// Drop removes a session's result.
	Drop(ctx context.Context, sessionID string)

	// Count returns the number of sessions with a stored result.
	Count(ctx context.Context) int
}
