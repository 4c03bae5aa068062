package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Load builds a Config by layering defaults, optional file, and env vars.
// Order of precedence (low -> high):
//  1. defaults (New(ctx))
//  2. file (YAML) if RACEPULSE_CONFIG is set
//  3. env (prefix RACEPULSE_)
func Load(ctx context.Context) (*Config, error) {
	base := New(ctx)

	k := koanf.New(".")

	if path := os.Getenv("RACEPULSE_CONFIG"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
		}
	}

	// RACEPULSE_QUEUE_SIZE -> queue_size; underscores preserved to match
	// the koanf tags on the struct.
	envProvider := env.Provider("RACEPULSE_", ".", func(s string) string {
		return strings.TrimPrefix(strings.ToLower(s), "racepulse_")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}

	cfg := *base
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}

	switch {
	case cfg.Addr == "":
		return nil, fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case cfg.ReorderWindow < 0:
		return nil, fmt.Errorf("%w: reorder_window must not be negative", ErrInvalidConfig)
	case cfg.SmoothingMaxDelta <= 0 || cfg.SmoothingMaxDelta > 1:
		return nil, fmt.Errorf("%w: smoothing_max_delta must be in (0,1]", ErrInvalidConfig)
	}
	return &cfg, nil
}
