// Package config defines service configuration structures and loading hooks.
package config

import (
	"context"
	"runtime"
	"time"
)

// Storage and leaderboard backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// LogFormat selects text or json log output.
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// QueueSize bounds the in-memory batch queue.
	QueueSize int `koanf:"queue_size"`

	// WorkerCount sets the number of batch workers.
	WorkerCount int `koanf:"worker_count"`

	// Timezone is the venue time zone used to derive session dates.
	Timezone string `koanf:"timezone"`

	// DifferResetInterval clears the in-memory snapshot state periodically.
	DifferResetInterval time.Duration `koanf:"differ_reset_interval"`

	PersistMaxAttempts   int `koanf:"persist_max_attempts"`
	PersistBackoffStepMS int `koanf:"persist_backoff_step_ms"`

	// FuzzyMinScore is the minimum similarity accepted by the fuzzy tier.
	FuzzyMinScore       float64 `koanf:"fuzzy_min_score"`
	FuzzyCandidateLimit int     `koanf:"fuzzy_candidate_limit"`

	// LeaderboardSize caps each best-record board.
	LeaderboardSize    int    `koanf:"leaderboard_size"`
	LeaderboardBackend string `koanf:"leaderboard_backend"`
	MaxLeaderboardLimit int   `koanf:"max_leaderboard_limit"`

	// StoreBackend selects where sessions and identities live.
	StoreBackend string `koanf:"store_backend"`
	PostgresDSN  string `koanf:"postgres_dsn"`
	RedisURL     string `koanf:"redis_url"`

	// Kafka ingestion is enabled when brokers are set.
	KafkaBrokers     []string `koanf:"kafka_brokers"`
	KafkaTopic       string   `koanf:"kafka_topic"`
	KafkaGroup       string   `koanf:"kafka_group"`
	KafkaCreateTopic bool     `koanf:"kafka_create_topic"`

	CORSAllowedOrigins []string `koanf:"cors_allowed_origins"`
}

// New creates a Config populated with defaults.
func New(_ context.Context) *Config {
	return &Config{
		LogLevel:             "info",
		LogFormat:            "text",
		Addr:                 ":9080",
		QueueSize:            10_000,
		WorkerCount:          runtime.NumCPU() * 2,
		Timezone:             "UTC",
		DifferResetInterval:  24 * time.Hour,
		PersistMaxAttempts:   3,
		PersistBackoffStepMS: 100,
		FuzzyMinScore:        0.82,
		FuzzyCandidateLimit:  20,
		LeaderboardSize:      100,
		LeaderboardBackend:   BackendMemory,
		MaxLeaderboardLimit:  100,
		StoreBackend:         BackendMemory,
		KafkaTopic:           "timing.snapshots",
		KafkaGroup:           "pitwall",
		CORSAllowedOrigins:   []string{"*"},
	}
}

// Location returns the venue time zone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// PersistBackoffStep returns the linear backoff unit between conflict retries.
func (c *Config) PersistBackoffStep() time.Duration {
	return time.Duration(c.PersistBackoffStepMS) * time.Millisecond
}
