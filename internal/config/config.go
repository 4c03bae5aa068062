// Package config defines service configuration structures and loading hooks.
//
// Conventions:
// - Defaults come from New; file and env layers override via Load.
// - External errors are wrapped through this package's sentinel kinds.
package config

import (
	"context"
	"runtime"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// Addr configures the HTTP listen address, e.g. ":8090".
	Addr string `koanf:"addr"`

	// EventQueueSize bounds the normalized-event ingest queue.
	EventQueueSize int `koanf:"queue_size"`

	// DispatcherCount sets the number of goroutines draining the ingest queue.
	DispatcherCount int `koanf:"dispatcher_count"`

	// DedupeSize bounds the feed idempotency cache.
	DedupeSize int `koanf:"dedupe_size"`

	// ReorderWindow caps out-of-sequence events buffered per session.
	ReorderWindow int `koanf:"reorder_window"`

	// ReorderTimeoutMS caps how long an out-of-sequence event is held.
	ReorderTimeoutMS int `koanf:"reorder_timeout_ms"`

	// ScoringBudgetMS bounds a single scoring call before the engine reuses
	// the previous result with the staleness flag.
	ScoringBudgetMS int `koanf:"scoring_budget_ms"`

	// SmoothingMaxDelta caps the per-tick probability movement (0..1).
	SmoothingMaxDelta float64 `koanf:"smoothing_max_delta"`

	// IdleSuspendMinutes auto-suspends a session with no events.
	IdleSuspendMinutes int `koanf:"idle_suspend_minutes"`

	// GraceQueueSize and GraceTimeoutMS bound events parked for sessions
	// whose records have not propagated yet.
	GraceQueueSize int `koanf:"grace_queue_size"`
	GraceTimeoutMS int `koanf:"grace_timeout_ms"`

	// SubscriberPingSeconds sets the websocket keepalive interval.
	SubscriberPingSeconds int `koanf:"subscriber_ping_seconds"`

	// GreenTemperature and CautionTemperature scale gap seconds in the
	// baseline scoring model's softmax.
	GreenTemperature   float64 `koanf:"green_temperature"`
	CautionTemperature float64 `koanf:"caution_temperature"`
}

// New builds a Config with defaults. Context is accepted first per the
// project convention; reserved for future loading hooks.
func New(_ context.Context) *Config {
	return &Config{
		LogLevel:              "info",
		Addr:                  ":8090",
		EventQueueSize:        50_000,
		DispatcherCount:       runtime.NumCPU() * 2,
		DedupeSize:            200_000,
		ReorderWindow:         50,
		ReorderTimeoutMS:      2000,
		ScoringBudgetMS:       200,
		SmoothingMaxDelta:     0.15,
		IdleSuspendMinutes:    5,
		GraceQueueSize:        100,
		GraceTimeoutMS:        3000,
		SubscriberPingSeconds: 30,
		GreenTemperature:      12.0,
		CautionTemperature:    40.0,
	}
}
