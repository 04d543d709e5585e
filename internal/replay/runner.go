package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/okian/pitwall/internal/adapters/mq/kafka"
	"github.com/okian/pitwall/internal/domain/model"
	"github.com/okian/pitwall/pkg/logger"
	"github.com/okian/pitwall/pkg/retry"
)

// Defaults applied by Run to zero config fields.
const (
	defaultDrivers       = 8
	defaultLaps          = 10
	defaultRedeliver     = 3
	defaultTick          = 5 * time.Second
	defaultTimeout       = 10 * time.Second
	defaultSettleTimeout = 30 * time.Second
	defaultPollInterval  = 250 * time.Millisecond
	defaultKafkaTopic    = "timing.snapshots"

	backpressureAttempts = 20
	backpressureStep     = 50 * time.Millisecond
	stablePolls          = 8
	directoryPermission  = 0o750
	filePermission       = 0o600
)

func (c Config) withDefaults() Config {
	if c.Drivers == 0 {
		c.Drivers = defaultDrivers
	}
	if c.Laps == 0 {
		c.Laps = defaultLaps
	}
	if c.Redeliver == 0 {
		c.Redeliver = defaultRedeliver
	}
	if c.Tick == 0 {
		c.Tick = defaultTick
	}
	if c.Seed == 0 {
		c.Seed = uint64(time.Now().UnixNano()) //nolint:gosec // clock as seed
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
	if c.SettleTimeout == 0 {
		c.SettleTimeout = defaultSettleTimeout
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.KafkaTopic == "" {
		c.KafkaTopic = defaultKafkaTopic
	}
	return c
}

// Run generates a race, delivers it to the service, waits for the laps to
// land and verifies the stored session.
func Run(ctx context.Context, cfg Config) (*Stats, error) {
	cfg = cfg.withDefaults()
	log := logger.Get().Named("replay")
	stats := &Stats{StartTime: time.Now()}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return stats, fmt.Errorf("%w: timezone %q: %w", ErrInvalidConfig, cfg.Timezone, err)
	}

	log.Info(ctx, "starting replay",
		logger.String("baseURL", cfg.BaseURL),
		logger.Int("drivers", cfg.Drivers),
		logger.Int("laps", cfg.Laps),
		logger.Int("redeliver", cfg.Redeliver),
		logger.Any("seed", cfg.Seed),
		logger.Bool("kafka", len(cfg.KafkaBrokers) > 0))

	client := NewClient(cfg.BaseURL, cfg.Timeout)
	if err := client.Health(ctx); err != nil {
		return stats, fmt.Errorf("service health check failed: %w", err)
	}

	race, err := Generate(cfg, time.Now().UTC().Truncate(time.Second))
	if err != nil {
		return stats, fmt.Errorf("race generation failed: %w", err)
	}
	stats.BatchesGenerated = len(race.Batches)
	stats.Redeliveries = race.Redeliveries
	stats.LapsExpected = race.ExpectedLaps()

	sink, closeSink, err := newSink(cfg, client)
	if err != nil {
		return stats, err
	}
	defer closeSink()

	if err := deliver(ctx, log, sink, race, stats); err != nil {
		return stats, fmt.Errorf("delivery failed: %w", err)
	}

	id := model.SessionID(race.SessionName, race.Batches[0].Timestamp, loc)
	session, err := settle(ctx, client, id, stats.LapsExpected, cfg)
	if err != nil {
		return stats, fmt.Errorf("session %s did not appear: %w", id, err)
	}
	stats.LapsStored = StoredLaps(session)

	if err := Verify(session, race); err != nil {
		return stats, err
	}
	if missing := Missing(session, race); len(missing) > 0 {
		log.Warn(ctx, "laps missing from session", logger.String("sessionId", id), logger.Any("missing", missing))
	}

	if cfg.OutputFile != "" {
		if err := saveBatches(cfg.OutputFile, race.Batches); err != nil {
			log.Warn(ctx, "failed to save batches", logger.Error(err))
		}
	}

	stats.EndTime = time.Now()
	stats.Duration = stats.EndTime.Sub(stats.StartTime)
	displayFinalStats(ctx, log, id, stats)
	return stats, nil
}

func newSink(cfg Config, client *Client) (Sink, func(), error) {
	if len(cfg.KafkaBrokers) == 0 {
		return client, func() {}, nil
	}
	producer, err := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka producer: %w", err)
	}
	return SinkFunc(producer.Publish), producer.Close, nil
}

// deliver sends the batches in order, backing off while the service
// reports a full queue.
func deliver(ctx context.Context, log logger.Logger, sink Sink, race *Race, stats *Stats) error {
	isBackpressure := func(err error) bool { return errors.Is(err, ErrBackpressure) }
	for i, b := range race.Batches {
		payload, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("encode batch %d: %w", i, err)
		}
		attempts, err := retry.WithOptimisticRetry(ctx, backpressureAttempts, backpressureStep, isBackpressure,
			func(ctx context.Context, _ int) error {
				return sink.Send(ctx, race.SessionName, payload)
			})
		stats.Backpressured += attempts - 1
		if err != nil {
			return fmt.Errorf("batch %d: %w", i, err)
		}
		stats.BatchesSent++
		log.Debug(ctx, "batch sent", logger.Int("batch", i), logger.Int("attempts", attempts), logger.String("timestamp", b.Timestamp.Format(time.RFC3339)))
	}
	return nil
}

// settle polls the session until every expected lap is stored, the lap
// count stops moving, or the settle timeout passes.
func settle(ctx context.Context, client *Client, id string, expected int, cfg Config) (model.RaceSession, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.SettleTimeout)
	defer cancel()

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	var (
		last    model.RaceSession
		lastErr error
		found   bool
		stable  int
		prev    = -1
	)
	for {
		session, err := client.Session(ctx, id)
		switch {
		case err == nil:
			found, last = true, session
			n := StoredLaps(session)
			if n >= expected {
				return session, nil
			}
			if n == prev {
				stable++
			} else {
				stable, prev = 0, n
			}
			if stable >= stablePolls {
				return session, nil
			}
		case errors.Is(err, ErrSessionNotFound):
			lastErr = err
		default:
			return last, err
		}

		select {
		case <-ctx.Done():
			if found {
				return last, nil
			}
			if lastErr == nil {
				lastErr = ctx.Err()
			}
			return last, lastErr
		case <-ticker.C:
		}
	}
}

func saveBatches(filename string, batches []Batch) error {
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, directoryPermission); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}
	data, err := json.MarshalIndent(batches, "", "  ")
	if err != nil {
		return fmt.Errorf("encode batches: %w", err)
	}
	if err := os.WriteFile(filename, data, filePermission); err != nil {
		return fmt.Errorf("write %s: %w", filename, err)
	}
	return nil
}

func displayFinalStats(ctx context.Context, log logger.Logger, id string, stats *Stats) {
	var batchesPerSecond float64
	if stats.Duration > 0 {
		batchesPerSecond = float64(stats.BatchesSent) / stats.Duration.Seconds()
	}
	log.Info(ctx, "replay completed",
		logger.String("sessionId", id),
		logger.Int("batchesGenerated", stats.BatchesGenerated),
		logger.Int("batchesSent", stats.BatchesSent),
		logger.Int("redeliveries", stats.Redeliveries),
		logger.Int("backpressured", stats.Backpressured),
		logger.Int("lapsExpected", stats.LapsExpected),
		logger.Int("lapsStored", stats.LapsStored),
		logger.String("duration", stats.Duration.String()),
		logger.Float64("batchesPerSecond", batchesPerSecond))
}
