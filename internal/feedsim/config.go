package feedsim

import "time"

// Config holds configuration for one simulated race feed.
type Config struct {
	BaseURL      string        // Base URL of the service
	SessionID    string        // Session to create and feed
	TrackID      string        // Track identifier reported on create
	Drivers      int           // Size of the simulated field
	Laps         int           // Race length
	Interval     time.Duration // Pause between posted frames
	ShufflePct   int           // Percent of frames delivered out of order
	DuplicatePct int           // Percent of frames posted twice
	Timeout      time.Duration // HTTP request timeout
	Seed         int64         // Random seed; 0 derives one from the clock
	Verbose      bool          // Enable verbose logging
}

// Stats holds simulation statistics.
type Stats struct {
	FramesGenerated int
	FramesPosted    int
	FramesAccepted  int
	FramesDuplicate int
	FramesDropped   int
	FramesFailed    int
	StartTime       time.Time
	EndTime         time.Time
	Duration        time.Duration
}
