// Package types contains shapes shared between the service and the API layer.
package types

import "time"

// SessionInfo is the read shape for session listings.
type SessionInfo struct {
	SessionID string    `json:"session_id"`
	TrackID   string    `json:"track_id"`
	State     string    `json:"state"`
	StartTime time.Time `json:"start_time"`
	LastSeq   uint64    `json:"last_seq"`
}

// IngestAck is returned for accepted raw feed payloads.
type IngestAck struct {
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Dropped   bool   `json:"dropped,omitempty"`
}
