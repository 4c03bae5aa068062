// Package feedsim replays a synthetic race against a running service: it
// creates a session, posts race-dialect frames with configurable disorder
// and duplication, and reads back the final prediction.
package feedsim

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/pitwall/racepulse/pkg/logger"
)

// Run executes the full simulation and returns statistics.
func Run(ctx context.Context, cfg *Config) (*Stats, error) {
	stats := &Stats{StartTime: time.Now()}
	log := logger.Get().Named("feedsim")

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	log.Info(ctx, "simulating race",
		logger.String("session", cfg.SessionID),
		logger.Int("drivers", cfg.Drivers),
		logger.Int("laps", cfg.Laps),
		logger.Int64("seed", seed),
	)

	client := &http.Client{Timeout: cfg.Timeout}

	if err := createSession(ctx, client, cfg); err != nil {
		return stats, err
	}

	frames := generateRace(cfg, rng)
	stats.FramesGenerated = len(frames)
	shuffleFrames(frames, cfg.ShufflePct, rng)

	feedURL := cfg.BaseURL + "/feed/race"
	for _, f := range frames {
		if err := ctx.Err(); err != nil {
			return stats, fmt.Errorf("simulation cancelled: %w", err)
		}
		postFrame(ctx, client, feedURL, f.body, stats, log)
		if cfg.DuplicatePct > 0 && rng.Intn(100) < cfg.DuplicatePct {
			postFrame(ctx, client, feedURL, f.body, stats, log)
		}
		if cfg.Interval > 0 {
			time.Sleep(cfg.Interval)
		}
	}

	if err := fetchPrediction(ctx, client, cfg, log); err != nil {
		log.Warn(ctx, "prediction read failed", logger.Error(err))
	}

	stats.EndTime = time.Now()
	stats.Duration = stats.EndTime.Sub(stats.StartTime)
	log.Info(ctx, "simulation finished",
		logger.Int("generated", stats.FramesGenerated),
		logger.Int("accepted", stats.FramesAccepted),
		logger.Int("duplicate", stats.FramesDuplicate),
		logger.Int("dropped", stats.FramesDropped),
		logger.Int("failed", stats.FramesFailed),
		logger.Duration("took", stats.Duration),
	)
	return stats, nil
}

func createSession(ctx context.Context, client *http.Client, cfg *Config) error {
	body, _ := json.Marshal(map[string]string{
		"session_id": cfg.SessionID,
		"track_id":   cfg.TrackID,
		"start_time": time.Now().UTC().Format(time.RFC3339),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.BaseURL+"/sessions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("create session: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func postFrame(ctx context.Context, client *http.Client, url string, body []byte, stats *Stats, log logger.Logger) {
	stats.FramesPosted++
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		stats.FramesFailed++
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		stats.FramesFailed++
		log.Warn(ctx, "frame post failed", logger.Error(err))
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusAccepted:
		stats.FramesAccepted++
	case http.StatusTooManyRequests:
		stats.FramesDropped++
	default:
		stats.FramesFailed++
	}
}

func fetchPrediction(ctx context.Context, client *http.Client, cfg *Config, log logger.Logger) error {
	url := cfg.BaseURL + "/sessions/" + cfg.SessionID + "/prediction"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build prediction request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch prediction: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch prediction: unexpected status %d", resp.StatusCode)
	}

	var result struct {
		SnapshotSeq uint64 `json:"snapshot_seq"`
		Drivers     []struct {
			DriverID string  `json:"driver_id"`
			Win      float64 `json:"win"`
		} `json:"drivers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode prediction: %w", err)
	}
	if len(result.Drivers) > 0 {
		log.Info(ctx, "final prediction",
			logger.Uint64("snapshotSeq", result.SnapshotSeq),
			logger.String("favorite", result.Drivers[0].DriverID),
			logger.Float64("win", result.Drivers[0].Win),
		)
	}
	return nil
}
