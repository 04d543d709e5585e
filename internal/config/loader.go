package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix     = "PITWALL_"
	envConfigPath = "PITWALL_CONFIG"
	envDotenvPath = "PITWALL_DOTENV"
)

// Load builds a Config by layering sources.
// Order of precedence (low -> high):
//  1. defaults (New)
//  2. YAML file if PITWALL_CONFIG is set
//  3. .env file (or PITWALL_DOTENV), never overriding the real environment
//  4. env (prefix PITWALL_)
func Load(ctx context.Context) (*Config, error) {
	base := New(ctx)

	k := koanf.New(".")

	if path := os.Getenv(envConfigPath); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrLoadConfig, path, err)
		}
	}

	dotenv := os.Getenv(envDotenvPath)
	if dotenv == "" {
		dotenv = ".env"
	}
	if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s: %w", ErrLoadConfig, dotenv, err)
	}

	// PITWALL_QUEUE_SIZE -> queue_size; underscores are kept to match the koanf tags.
	envProvider := env.Provider(envPrefix, ".", func(s string) string {
		s = strings.ToLower(s)
		return strings.TrimPrefix(s, strings.ToLower(envPrefix))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: env: %w", ErrLoadConfig, err)
	}
	// "config" and "dotenv" are locations, not settings.
	k.Delete("config")
	k.Delete("dotenv")

	cfg := *base
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case c.QueueSize <= 0:
		return fmt.Errorf("%w: queue_size must be positive", ErrInvalidConfig)
	case c.WorkerCount <= 0:
		return fmt.Errorf("%w: worker_count must be positive", ErrInvalidConfig)
	case c.PersistMaxAttempts <= 0:
		return fmt.Errorf("%w: persist_max_attempts must be positive", ErrInvalidConfig)
	case c.FuzzyMinScore <= 0 || c.FuzzyMinScore > 1:
		return fmt.Errorf("%w: fuzzy_min_score must be in (0,1]", ErrInvalidConfig)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("%w: timezone %q: %w", ErrInvalidConfig, c.Timezone, err)
	}

	switch c.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("%w: postgres_dsn required for postgres store", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store_backend %q", ErrInvalidConfig, c.StoreBackend)
	}

	switch c.LeaderboardBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("%w: redis_url required for redis leaderboard", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown leaderboard_backend %q", ErrInvalidConfig, c.LeaderboardBackend)
	}
	return nil
}
