// Package leaderboard keeps the all-time best lap per driver and per kart.
package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/okian/pitwall/internal/adapters/repository"
	"github.com/okian/pitwall/internal/domain/model"
	"github.com/okian/pitwall/pkg/logger"
	"github.com/okian/pitwall/pkg/metrics"
)

// Board names, also used as metric labels and store names.
const (
	BoardDrivers = "drivers"
	BoardKarts   = "karts"
)

const defaultMaxLimit = 100

// Option applies a configuration option to Boards.
type Option func(*Boards)

// WithMaxLimit caps how many records a read may return.
func WithMaxLimit(n int) Option {
	return func(b *Boards) {
		if n > 0 {
			b.maxLimit = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(b *Boards) {
		if l != nil {
			b.logger = l
		}
	}
}

// Boards pairs the driver board with the kart board.
type Boards struct {
	drivers  repository.Store
	karts    repository.Store
	maxLimit int
	logger   logger.Logger
}

// New creates Boards over two stores.
func New(drivers, karts repository.Store, opts ...Option) *Boards {
	b := &Boards{drivers: drivers, karts: karts, maxLimit: defaultMaxLimit}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = logger.Get().Named("leaderboard")
	}
	return b
}

// Improvement reports which boards a lap changed.
type Improvement struct {
	Driver bool
	Kart   bool
}

// ConsiderLap offers a lap to both boards. A board changes only when the lap
// is strictly faster than the record it holds for that key. A blank kart
// skips the kart board.
func (b *Boards) ConsiderLap(ctx context.Context, sessionID, driverName, kart string, lapTime int64, at time.Time) (Improvement, error) {
	var imp Improvement
	if lapTime <= 0 {
		return imp, repository.ErrInvalidTime
	}
	rec := model.BestRecord{
		Time:       lapTime,
		SessionID:  sessionID,
		DriverName: driverName,
		KartNumber: kart,
		RecordedAt: at,
	}

	var errs []error
	if name := strings.TrimSpace(driverName); name != "" {
		ok, err := b.drivers.Consider(ctx, name, rec)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s board: %w", BoardDrivers, err))
		}
		imp.Driver = ok
	}
	if k := strings.TrimSpace(kart); k != "" {
		ok, err := b.karts.Consider(ctx, k, rec)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s board: %w", BoardKarts, err))
		}
		imp.Kart = ok
	}

	if imp.Driver {
		metrics.RecordLeaderboardUpdate(BoardDrivers)
	}
	if imp.Kart {
		metrics.RecordLeaderboardUpdate(BoardKarts)
	}
	if imp.Driver || imp.Kart {
		b.logger.Debug(ctx, "best lap improved",
			logger.String("driver", driverName),
			logger.String("kart", kart),
			logger.Int64("time", lapTime),
			logger.Bool("driver_record", imp.Driver),
			logger.Bool("kart_record", imp.Kart),
		)
	}
	if err := errors.Join(errs...); err != nil {
		metrics.RecordLeaderboardError()
		return imp, err
	}
	return imp, nil
}

func (b *Boards) clamp(limit int) (int, error) {
	if limit < 1 {
		return 0, repository.ErrInvalidLimit
	}
	return min(limit, b.maxLimit), nil
}

// TopDrivers returns the fastest drivers.
func (b *Boards) TopDrivers(ctx context.Context, limit int) ([]model.BestRecord, error) {
	n, err := b.clamp(limit)
	if err != nil {
		return nil, err
	}
	return b.drivers.TopN(ctx, n)
}

// TopKarts returns the fastest karts.
func (b *Boards) TopKarts(ctx context.Context, limit int) ([]model.BestRecord, error) {
	n, err := b.clamp(limit)
	if err != nil {
		return nil, err
	}
	return b.karts.TopN(ctx, n)
}

// DriverRecord returns a driver's ranked best lap.
func (b *Boards) DriverRecord(ctx context.Context, driverName string) (model.BestRecord, error) {
	return b.drivers.Get(ctx, strings.TrimSpace(driverName))
}

// KartRecord returns a kart's ranked best lap.
func (b *Boards) KartRecord(ctx context.Context, kart string) (model.BestRecord, error) {
	return b.karts.Get(ctx, strings.TrimSpace(kart))
}

// Sizes returns the number of entries on each board.
func (b *Boards) Sizes(ctx context.Context) (drivers, karts int, err error) {
	if drivers, err = b.drivers.Count(ctx); err != nil {
		return 0, 0, err
	}
	if karts, err = b.karts.Count(ctx); err != nil {
		return 0, 0, err
	}
	return drivers, karts, nil
}

// Close releases both stores.
func (b *Boards) Close() error {
	return errors.Join(b.drivers.Close(), b.karts.Close())
}
