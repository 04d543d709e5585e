// Package aggregator owns the durable race-session documents: it appends
// newly completed laps and persists them under optimistic concurrency.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/okian/pitwall/internal/domain/model"
	"github.com/okian/pitwall/pkg/logger"
	"github.com/okian/pitwall/pkg/metrics"
	"github.com/okian/pitwall/pkg/retry"
)

const (
	defaultMaxAttempts = 3
	defaultBackoffStep = 100 * time.Millisecond
)

// Result describes what AppendLap or UpdateSummary did.
type Result struct {
	SessionID  string
	Appended   bool // the lap is now stored
	Updated    bool // UpdateSummary wrote a changed summary
	Duplicate  bool // the lap number was already stored; nothing written
	Created    bool // this call created the session document
	BenignRace bool // another writer created the session first
	Attempts   int
}

// Option applies a configuration option to the Aggregator.
type Option func(*Aggregator)

// WithRetry sets the attempt ceiling and linear backoff step.
func WithRetry(maxAttempts int, step time.Duration) Option {
	return func(a *Aggregator) {
		if maxAttempts > 0 {
			a.maxAttempts = maxAttempts
		}
		if step >= 0 {
			a.backoffStep = step
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// Aggregator appends laps to session documents.
type Aggregator struct {
	store       SessionStore
	maxAttempts int
	backoffStep time.Duration
	logger      logger.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// New creates an Aggregator over store.
func New(store SessionStore, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:       store,
		maxAttempts: defaultMaxAttempts,
		backoffStep: defaultBackoffStep,
		tracer:      otel.Tracer("pitwall/aggregator"),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = logger.Get().Named("aggregator")
	}
	return a
}

func isRetryable(err error) bool {
	return errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrDuplicate)
}

// AppendLap loads or creates the session, appends lap for the driver unless
// its number is already present, refreshes totals and writes the document
// back, reloading and reapplying on version conflicts.
//
// A creation that loses the race to another writer is not an error: the
// attempt is abandoned and the lap is reapplied to the winner's document.
func (a *Aggregator) AppendLap(ctx context.Context, meta SessionMeta, upd DriverUpdate, lap model.Lap) (Result, error) {
	ctx, span := a.tracer.Start(ctx, "aggregator.AppendLap",
		trace.WithAttributes(
			attribute.String("session_id", meta.SessionID),
			attribute.String("driver", upd.Snapshot.Name),
			attribute.Int("lap", lap.LapNumber),
		),
	)
	defer span.End()

	if lap.LapNumber < 1 {
		return Result{SessionID: meta.SessionID}, ErrInvalidLap
	}

	start := time.Now()
	res := Result{SessionID: meta.SessionID}

	attempts, err := retry.WithOptimisticRetry(ctx, a.maxAttempts, a.backoffStep, isRetryable, func(ctx context.Context, attempt int) error {
		res.Appended, res.Duplicate, res.Created = false, false, false

		doc, exists, err := a.load(ctx, meta)
		if err != nil {
			return err
		}
		expected := doc.Version

		if !applyLap(&doc, upd, lap) {
			res.Duplicate = true
			return nil
		}
		recomputeTotals(&doc, a.now())

		if !exists {
			doc.Version = 1
			err := a.store.Create(ctx, doc)
			if errors.Is(err, ErrDuplicate) {
				res.BenignRace = true
				metrics.RecordBenignCreation()
				a.logger.Debug(ctx, "session created concurrently; reapplying",
					logger.String("session_id", meta.SessionID),
					logger.String("driver", upd.Snapshot.Name),
					logger.Int("attempt", attempt))
				return err
			}
			if err != nil {
				return fmt.Errorf("create session %s: %w", meta.SessionID, err)
			}
			res.Created, res.Appended = true, true
			return nil
		}

		if err := a.store.Update(ctx, doc, expected); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				metrics.RecordVersionConflict()
				a.logger.Debug(ctx, "session version conflict",
					logger.String("session_id", meta.SessionID),
					logger.String("driver", upd.Snapshot.Name),
					logger.Int("attempt", attempt))
				return err
			}
			return fmt.Errorf("update session %s: %w", meta.SessionID, err)
		}
		res.Appended = true
		return nil
	})
	res.Attempts = attempts
	metrics.RecordPersistLatency(float64(time.Since(start).Milliseconds()))
	span.SetAttributes(attribute.Int("attempts", attempts), attribute.Bool("duplicate", res.Duplicate))

	switch {
	case err == nil && res.Duplicate:
		metrics.RecordLapDuplicate()
		a.logger.Debug(ctx, "duplicate lap skipped",
			logger.String("session_id", meta.SessionID),
			logger.String("driver", upd.Snapshot.Name),
			logger.Int("lap", lap.LapNumber))
		return res, nil
	case err == nil:
		metrics.RecordLapRecorded()
		return res, nil
	case errors.Is(err, retry.ErrExhausted):
		metrics.RecordRetriesExhausted()
		err = fmt.Errorf("%w: session %s driver %q lap %d: %w", ErrRetriesExhausted, meta.SessionID, upd.Snapshot.Name, lap.LapNumber, err)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return res, err
}

// UpdateSummary refreshes a driver's live fields (position, gap, kart and
// the timing system's times) without appending a lap. The session and the
// driver are created when missing. Nothing is written when the stored
// summary already matches.
func (a *Aggregator) UpdateSummary(ctx context.Context, meta SessionMeta, upd DriverUpdate) (Result, error) {
	ctx, span := a.tracer.Start(ctx, "aggregator.UpdateSummary",
		trace.WithAttributes(
			attribute.String("session_id", meta.SessionID),
			attribute.String("driver", upd.Snapshot.Name),
		),
	)
	defer span.End()

	res := Result{SessionID: meta.SessionID}
	attempts, err := retry.WithOptimisticRetry(ctx, a.maxAttempts, a.backoffStep, isRetryable, func(ctx context.Context, _ int) error {
		res.Updated, res.Created = false, false

		doc, exists, err := a.load(ctx, meta)
		if err != nil {
			return err
		}
		expected := doc.Version

		if !applySummaryOnly(&doc, upd) {
			return nil
		}
		recomputeTotals(&doc, a.now())

		if !exists {
			doc.Version = 1
			err := a.store.Create(ctx, doc)
			if errors.Is(err, ErrDuplicate) {
				res.BenignRace = true
				metrics.RecordBenignCreation()
				return err
			}
			if err != nil {
				return fmt.Errorf("create session %s: %w", meta.SessionID, err)
			}
			res.Created, res.Updated = true, true
			return nil
		}

		if err := a.store.Update(ctx, doc, expected); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				metrics.RecordVersionConflict()
				return err
			}
			return fmt.Errorf("update session %s: %w", meta.SessionID, err)
		}
		res.Updated = true
		return nil
	})
	res.Attempts = attempts
	if err != nil {
		if errors.Is(err, retry.ErrExhausted) {
			metrics.RecordRetriesExhausted()
			err = fmt.Errorf("%w: session %s driver %q summary: %w", ErrRetriesExhausted, meta.SessionID, upd.Snapshot.Name, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetAttributes(attribute.Int("attempts", attempts), attribute.Bool("updated", res.Updated))
	return res, nil
}

// ReplaceLap corrects a stored lap by removing the entry with the same lap
// number and inserting lap in its place.
func (a *Aggregator) ReplaceLap(ctx context.Context, sessionID, driverName string, lap model.Lap) (Result, error) {
	ctx, span := a.tracer.Start(ctx, "aggregator.ReplaceLap",
		trace.WithAttributes(
			attribute.String("session_id", sessionID),
			attribute.String("driver", driverName),
			attribute.Int("lap", lap.LapNumber),
		),
	)
	defer span.End()

	if lap.LapNumber < 1 {
		return Result{SessionID: sessionID}, ErrInvalidLap
	}

	res := Result{SessionID: sessionID}
	attempts, err := retry.WithOptimisticRetry(ctx, a.maxAttempts, a.backoffStep, isRetryable, func(ctx context.Context, _ int) error {
		doc, err := a.store.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		d := doc.Driver(driverName)
		if d == nil {
			return ErrDriverNotFound
		}
		expected := doc.Version
		replaceLap(d, lap)
		recomputeTotals(&doc, a.now())
		if err := a.store.Update(ctx, doc, expected); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				metrics.RecordVersionConflict()
			}
			return err
		}
		return nil
	})
	res.Attempts = attempts
	if err != nil {
		if errors.Is(err, retry.ErrExhausted) {
			metrics.RecordRetriesExhausted()
			err = fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	res.Appended = true
	a.logger.Info(ctx, "lap replaced",
		logger.String("session_id", sessionID),
		logger.String("driver", driverName),
		logger.Int("lap", lap.LapNumber))
	return res, nil
}

// Session returns the stored document.
func (a *Aggregator) Session(ctx context.Context, sessionID string) (model.RaceSession, error) {
	return a.store.Get(ctx, sessionID)
}

func (a *Aggregator) load(ctx context.Context, meta SessionMeta) (model.RaceSession, bool, error) {
	doc, err := a.store.Get(ctx, meta.SessionID)
	switch {
	case err == nil:
		return doc, true, nil
	case errors.Is(err, ErrNotFound):
		return newSession(meta, a.now()), false, nil
	default:
		return model.RaceSession{}, false, fmt.Errorf("load session %s: %w", meta.SessionID, err)
	}
}
