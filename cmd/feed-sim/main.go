// Command feed-sim replays a synthetic race feed against a running
// racepulse service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/pitwall/racepulse/internal/feedsim"
	"github.com/pitwall/racepulse/pkg/logger"
)

const simTimeout = 10 * time.Minute

func main() {
	var (
		baseURL   = flag.String("url", "http://localhost:8090", "Base URL of the service")
		sessionID = flag.String("session", "", "Session ID (default: sim-TIMESTAMP)")
		trackID   = flag.String("track", "monza", "Track ID reported on session create")
		drivers   = flag.Int("drivers", 20, "Number of simulated drivers")
		laps      = flag.Int("laps", 50, "Number of race laps")
		interval  = flag.Duration("interval", 5*time.Millisecond, "Pause between posted frames")
		shuffle   = flag.Int("shuffle", 10, "Percent of frames delivered out of order")
		duplicate = flag.Int("duplicate", 2, "Percent of frames posted twice")
		timeout   = flag.Duration("timeout", 10*time.Second, "HTTP request timeout")
		seed      = flag.Int64("seed", 0, "Random seed (0 = derive from clock)")
		verbose   = flag.Bool("verbose", false, "Enable verbose logging")
	)
	flag.Parse()

	if err := logger.Init(); err != nil {
		fmt.Fprintln(os.Stderr, "logger init failed:", err)
		os.Exit(1)
	}
	if *verbose {
		_ = logger.SetLevelString("debug")
	}

	if *sessionID == "" {
		*sessionID = "sim-" + time.Now().Format("20060102-150405")
	}

	ctx, cancel := context.WithTimeout(context.Background(), simTimeout)
	defer cancel()

	cfg := &feedsim.Config{
		BaseURL:      *baseURL,
		SessionID:    *sessionID,
		TrackID:      *trackID,
		Drivers:      *drivers,
		Laps:         *laps,
		Interval:     *interval,
		ShufflePct:   *shuffle,
		DuplicatePct: *duplicate,
		Timeout:      *timeout,
		Seed:         *seed,
		Verbose:      *verbose,
	}
	if _, err := feedsim.Run(ctx, cfg); err != nil {
		fmt.Fprintln(os.Stderr, "simulation failed:", err)
		os.Exit(1)
	}
}
