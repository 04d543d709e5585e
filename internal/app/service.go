// Package service wires the ingestion pipeline together and implements the
// dependencies required by the HTTP API and the Kafka consumer.
package service

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/okian/pitwall/internal/adapters/identitystore"
	"github.com/okian/pitwall/internal/adapters/mq/queue"
	"github.com/okian/pitwall/internal/adapters/mq/worker"
	"github.com/okian/pitwall/internal/adapters/repository"
	"github.com/okian/pitwall/internal/adapters/sessionstore"
	"github.com/okian/pitwall/internal/domain/aggregator"
	"github.com/okian/pitwall/internal/domain/differ"
	"github.com/okian/pitwall/internal/domain/identity"
	"github.com/okian/pitwall/internal/domain/leaderboard"
	"github.com/okian/pitwall/internal/domain/model"
	"github.com/okian/pitwall/pkg/logger"
	"github.com/okian/pitwall/pkg/metrics"
)

const (
	defaultQueueSize       = 10_000
	defaultLeaderboardSize = 100
	defaultResolveParallel = 8
	sideEffectTimeout      = 5 * time.Second
	stopTimeout            = 30 * time.Second
)

// SessionLister is implemented by session stores that can list documents.
type SessionLister interface {
	List(ctx context.Context, limit int) ([]model.RaceSession, error)
}

// Service implements the API dependencies for the ingestion pipeline.
type Service struct {
	mu sync.RWMutex

	// Ports
	sessions   aggregator.SessionStore
	identities identity.Store
	registry   identity.Registry
	drivers    repository.Store
	karts      repository.Store

	// Core components
	differ   differ.Differ
	agg      *aggregator.Aggregator
	resolver *identity.Resolver
	boards   *leaderboard.Boards
	queue    queue.Queue
	pool     *worker.Pool

	// Configuration
	workerCount     int
	queueSize       int
	location        *time.Location
	persistAttempts int
	persistStep     time.Duration
	fuzzyMinScore   float64
	fuzzyCandidates int
	maxSessions     int
	resetInterval   time.Duration
	leaderboardSize int
	maxRecordsLimit int
	resolveParallel int

	// State
	started   bool
	stopLoops context.CancelFunc
	sideFx    sync.WaitGroup
	batches   atomic.Int64

	logger logger.Logger
	tracer trace.Tracer
}

// New constructs a Service. Ports left unset fall back to in-memory
// implementations.
func New(opts ...Option) *Service {
	s := &Service{
		workerCount:     runtime.NumCPU() * 2,
		queueSize:       defaultQueueSize,
		location:        time.UTC,
		leaderboardSize: defaultLeaderboardSize,
		resolveParallel: defaultResolveParallel,
		tracer:          otel.Tracer("pitwall/service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("service")
	}

	if s.sessions == nil {
		s.sessions = sessionstore.NewInMemory()
	}
	if s.identities == nil {
		s.identities = identitystore.NewInMemory()
	}
	if s.drivers == nil {
		s.drivers = repository.NewTreapStore(
			repository.WithName(leaderboard.BoardDrivers),
			repository.WithCapacity(s.leaderboardSize),
		)
	}
	if s.karts == nil {
		s.karts = repository.NewTreapStore(
			repository.WithName(leaderboard.BoardKarts),
			repository.WithCapacity(s.leaderboardSize),
		)
	}

	differOpts := []differ.Option{}
	if s.resetInterval > 0 {
		differOpts = append(differOpts, differ.WithResetInterval(s.resetInterval))
	}
	if s.maxSessions > 0 {
		differOpts = append(differOpts, differ.WithMaxSessions(s.maxSessions))
	}
	s.differ = differ.New(differOpts...)

	aggOpts := []aggregator.Option{}
	if s.persistAttempts > 0 {
		aggOpts = append(aggOpts, aggregator.WithRetry(s.persistAttempts, s.persistStep))
	}
	s.agg = aggregator.New(s.sessions, aggOpts...)

	resolverOpts := []identity.Option{}
	if s.fuzzyMinScore > 0 {
		resolverOpts = append(resolverOpts, identity.WithMinScore(s.fuzzyMinScore))
	}
	if s.fuzzyCandidates > 0 {
		resolverOpts = append(resolverOpts, identity.WithCandidateLimit(s.fuzzyCandidates))
	}
	s.resolver = identity.NewResolver(s.identities, s.registry, resolverOpts...)

	boardOpts := []leaderboard.Option{}
	if s.maxRecordsLimit > 0 {
		boardOpts = append(boardOpts, leaderboard.WithMaxLimit(s.maxRecordsLimit))
	}
	s.boards = leaderboard.New(s.drivers, s.karts, boardOpts...)

	return s
}

// Start creates the queue and worker pool and starts the background loops.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.logger.Info(ctx, "starting ingestion service...")

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.stopLoops = cancel

	q := queue.NewInMemoryQueue(queue.WithCapacity(s.queueSize))
	s.queue = q
	s.pool = worker.NewPool(s.workerCount, q, worker.ProcessorFunc(func(ctx context.Context, b model.SnapshotBatch) error {
		_, err := s.ProcessBatch(ctx, b)
		return err
	}))
	s.pool.Start(loopCtx)
	go s.differ.Run(loopCtx)

	s.started = true
	s.logger.Info(ctx, "ingestion service started",
		logger.Int("workers", s.pool.Size()),
		logger.Int("queueSize", s.queueSize),
		logger.String("timezone", s.location.String()),
	)
	return nil
}

// Stop drains the queue, waits for pending side effects and releases the
// leaderboard stores.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	s.logger.Info(ctx, "stopping ingestion service...")

	if err := s.pool.Shutdown(ctx); err != nil {
		s.logger.Warn(ctx, "worker pool did not drain", logger.Error(err))
	}
	s.stopLoops()
	s.sideFx.Wait()
	if err := s.boards.Close(); err != nil {
		s.logger.Warn(ctx, "closing leaderboards", logger.Error(err))
	}

	s.started = false
	s.logger.Info(ctx, "ingestion service stopped")
}

// Enqueue submits a batch for asynchronous processing. False means the
// queue is full or the service is not running.
func (s *Service) Enqueue(ctx context.Context, b model.SnapshotBatch) bool {
	s.mu.RLock()
	q, started := s.queue, s.started
	s.mu.RUnlock()
	if !started {
		return false
	}
	return q.Enqueue(ctx, b)
}

// HandleBatch processes b synchronously for transports that acknowledge
// only after persistence.
func (s *Service) HandleBatch(ctx context.Context, b model.SnapshotBatch) error { //nolint:gocritic // hugeParam
	_, err := s.ProcessBatch(ctx, b)
	return err
}

// Flush blocks until pending leaderboard and identity updates finish.
func (s *Service) Flush() {
	s.sideFx.Wait()
}

// DriverFailure describes a driver whose new lap or summary could not be
// persisted. Lap is zero for a summary.
type DriverFailure struct {
	Driver string `json:"driver"`
	Lap    int    `json:"lap"`
	Error  string `json:"error"`
}

// BatchReport summarizes what ProcessBatch did.
type BatchReport struct {
	SessionID        string          `json:"sessionId"`
	Received         int             `json:"received"`
	NewLaps          int             `json:"newLaps"`
	Appended         int             `json:"appended"`
	Summaries        int             `json:"summaries"`
	Duplicates       int             `json:"duplicates"`
	Unchanged        int             `json:"unchanged"`
	Stale            int             `json:"stale"`
	IdentityFailures int             `json:"identityFailures"`
	Failed           []DriverFailure `json:"failed,omitempty"`
}

type pending struct {
	snap       model.Snapshot
	obs        differ.Observation
	identityID string
	tier       model.ConfidenceTier
}

// ProcessBatch runs one batch through the pipeline: the differencer picks
// the drivers with a newly completed lap, identities of unresolved drivers
// are looked up concurrently, then each lap is appended to the session
// document one driver at a time. Drivers whose position, gap or kart moved
// without a lap only get their summary refreshed. A failing driver is logged and reverted in
// the differencer without affecting the others; the joined failures are
// returned so the transport can redeliver.
func (s *Service) ProcessBatch(ctx context.Context, b model.SnapshotBatch) (BatchReport, error) { //nolint:gocritic // hugeParam
	start := time.Now()
	defer func() {
		metrics.RecordBatchLatency(float64(time.Since(start).Milliseconds()))
	}()
	s.batches.Add(1)

	observed := b.ObservedAt
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	sessionType := b.SessionType
	if !sessionType.Valid() {
		sessionType = model.ClassifySession(b.SessionName)
	}
	meta := aggregator.SessionMeta{
		SessionID: model.SessionID(b.SessionName, observed, s.location),
		Name:      b.SessionName,
		Type:      sessionType,
		Date:      model.SessionDate(observed, s.location),
	}
	report := BatchReport{SessionID: meta.SessionID, Received: len(b.Snapshots)}

	ctx, span := s.tracer.Start(ctx, "service.ProcessBatch",
		trace.WithAttributes(
			attribute.String("session_id", meta.SessionID),
			attribute.Int("snapshots", len(b.Snapshots)),
		),
	)
	defer span.End()

	var work, summaries []*pending
	for _, snap := range b.Snapshots {
		if snap.ObservedAt.IsZero() {
			snap.ObservedAt = observed
		}
		obs := s.differ.Observe(ctx, meta.SessionID, snap)
		p := &pending{snap: snap, obs: obs, identityID: obs.IdentityID, tier: obs.Confidence}
		switch {
		case obs.Stale:
			report.Stale++
		case obs.NewLap && snap.LapCount >= 1:
			work = append(work, p)
		case summaryChanged(snap, obs.Previous):
			// Live fields moved without a lap, or a first sighting before any lap.
			summaries = append(summaries, p)
		default:
			report.Unchanged++
		}
	}
	report.NewLaps = len(work)

	report.IdentityFailures = s.resolveIdentities(ctx, meta.SessionID, work)

	var errs []error
	for _, p := range work {
		lap := p.snap.Lap()
		res, err := s.agg.AppendLap(ctx, meta, aggregator.DriverUpdate{
			Snapshot:   p.snap,
			IdentityID: p.identityID,
			Confidence: p.tier,
		}, lap)
		if err != nil {
			s.differ.Revert(ctx, meta.SessionID, p.snap, p.obs.Previous)
			metrics.RecordDriverFailure()
			s.logger.Error(ctx, "lap not persisted",
				logger.String("session_id", meta.SessionID),
				logger.String("driver", p.snap.Name),
				logger.Int("lap", lap.LapNumber),
				logger.Error(err),
			)
			report.Failed = append(report.Failed, DriverFailure{Driver: p.snap.Name, Lap: lap.LapNumber, Error: err.Error()})
			errs = append(errs, fmt.Errorf("driver %q lap %d: %w", p.snap.Name, lap.LapNumber, err))
			continue
		}
		if res.Duplicate {
			report.Duplicates++
			continue
		}
		report.Appended++
		s.afterAppend(ctx, meta.SessionID, p, lap)
	}

	for _, p := range summaries {
		res, err := s.agg.UpdateSummary(ctx, meta, aggregator.DriverUpdate{
			Snapshot:   p.snap,
			IdentityID: p.identityID,
			Confidence: p.tier,
		})
		if err != nil {
			s.differ.Revert(ctx, meta.SessionID, p.snap, p.obs.Previous)
			metrics.RecordDriverFailure()
			s.logger.Error(ctx, "driver summary not persisted",
				logger.String("session_id", meta.SessionID),
				logger.String("driver", p.snap.Name),
				logger.Error(err),
			)
			report.Failed = append(report.Failed, DriverFailure{Driver: p.snap.Name, Error: err.Error()})
			errs = append(errs, fmt.Errorf("driver %q summary: %w", p.snap.Name, err))
			continue
		}
		if res.Updated {
			report.Summaries++
		} else {
			report.Unchanged++
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "drivers failed")
	}
	return report, err
}

// summaryChanged reports whether a snapshot without a new lap moved the
// driver's live position, gap or kart.
func summaryChanged(cur model.Snapshot, prev *model.Snapshot) bool {
	if prev == nil {
		return true
	}
	return cur.Position != prev.Position || cur.Gap != prev.Gap || cur.Kart != prev.Kart
}

// resolveIdentities resolves drivers without a cached identity in parallel.
// Resolution is best effort: failures are counted and the lap is persisted
// without an identity.
func (s *Service) resolveIdentities(ctx context.Context, sessionID string, work []*pending) int {
	var (
		g        errgroup.Group
		failures atomic.Int32
	)
	g.SetLimit(s.resolveParallel)
	for _, p := range work {
		if p.identityID != "" {
			continue
		}
		g.Go(func() error {
			res, err := s.resolver.Resolve(ctx, identity.Request{
				DisplayName: p.snap.Name,
				ExternalID:  p.snap.PersonID,
				SessionID:   sessionID,
				SeenAt:      p.snap.ObservedAt,
			})
			if err != nil {
				failures.Add(1)
				s.logger.Warn(ctx, "identity resolution failed",
					logger.String("session_id", sessionID),
					logger.String("driver", p.snap.Name),
					logger.Error(err),
				)
				return nil
			}
			p.identityID, p.tier = res.Identity.ID, res.Tier
			s.differ.Remember(ctx, sessionID, p.snap.Name, p.identityID, p.tier)
			return nil
		})
	}
	_ = g.Wait()
	return int(failures.Load())
}

// afterAppend updates the leaderboards and the identity lap counter in the
// background. Their failures never affect the stored session.
func (s *Service) afterAppend(ctx context.Context, sessionID string, p *pending, lap model.Lap) {
	bg := context.WithoutCancel(ctx)
	s.sideFx.Add(1)
	go func() {
		defer s.sideFx.Done()
		ctx, cancel := context.WithTimeout(bg, sideEffectTimeout)
		defer cancel()

		if lap.Time > 0 {
			if _, err := s.boards.ConsiderLap(ctx, sessionID, p.snap.Name, p.snap.Kart, lap.Time, lap.Timestamp); err != nil {
				s.logger.Warn(ctx, "leaderboard update failed",
					logger.String("session_id", sessionID),
					logger.String("driver", p.snap.Name),
					logger.Error(err),
				)
			}
		}
		if err := s.resolver.RecordLaps(ctx, p.identityID, 1); err != nil {
			s.logger.Warn(ctx, "identity lap count failed",
				logger.String("identity_id", p.identityID),
				logger.Error(err),
			)
		}
	}()
}

// Session returns a stored session document.
func (s *Service) Session(ctx context.Context, sessionID string) (model.RaceSession, error) {
	return s.agg.Session(ctx, sessionID)
}

// Sessions lists recent sessions when the store supports listing.
func (s *Service) Sessions(ctx context.Context, limit int) ([]model.RaceSession, error) {
	lister, ok := s.sessions.(SessionLister)
	if !ok {
		return nil, errors.ErrUnsupported
	}
	return lister.List(ctx, limit)
}

// ReplaceLap corrects a stored lap and offers the corrected time to the
// leaderboards.
func (s *Service) ReplaceLap(ctx context.Context, sessionID, driverName string, lap model.Lap) (model.RaceSession, error) {
	if _, err := s.agg.ReplaceLap(ctx, sessionID, driverName, lap); err != nil {
		return model.RaceSession{}, err
	}
	doc, err := s.agg.Session(ctx, sessionID)
	if err != nil {
		return model.RaceSession{}, err
	}
	if d := doc.Driver(driverName); d != nil && lap.Time > 0 {
		s.afterCorrection(ctx, sessionID, d.DriverName, d.KartNumber, lap)
	}
	return doc, nil
}

func (s *Service) afterCorrection(ctx context.Context, sessionID, driver, kart string, lap model.Lap) {
	bg := context.WithoutCancel(ctx)
	s.sideFx.Add(1)
	go func() {
		defer s.sideFx.Done()
		ctx, cancel := context.WithTimeout(bg, sideEffectTimeout)
		defer cancel()
		if _, err := s.boards.ConsiderLap(ctx, sessionID, driver, kart, lap.Time, lap.Timestamp); err != nil {
			s.logger.Warn(ctx, "leaderboard update failed", logger.String("session_id", sessionID), logger.Error(err))
		}
	}()
}

// Identity returns a stored driver identity.
func (s *Service) Identity(ctx context.Context, id string) (model.DriverIdentity, error) {
	return s.resolver.Identity(ctx, id)
}

// BindManually force-binds a display name to a registered account.
func (s *Service) BindManually(ctx context.Context, displayName, accountID string) (model.DriverIdentity, error) {
	return s.resolver.BindManually(ctx, displayName, accountID)
}

// TopDrivers returns the fastest drivers of all time.
func (s *Service) TopDrivers(ctx context.Context, limit int) ([]model.BestRecord, error) {
	return s.boards.TopDrivers(ctx, limit)
}

// TopKarts returns the fastest karts of all time.
func (s *Service) TopKarts(ctx context.Context, limit int) ([]model.BestRecord, error) {
	return s.boards.TopKarts(ctx, limit)
}

// DriverRecord returns one driver's best lap and rank.
func (s *Service) DriverRecord(ctx context.Context, driver string) (model.BestRecord, error) {
	return s.boards.DriverRecord(ctx, driver)
}

// KartRecord returns one kart's best lap and rank.
func (s *Service) KartRecord(ctx context.Context, kart string) (model.BestRecord, error) {
	return s.boards.KartRecord(ctx, kart)
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats(ctx context.Context) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]any{
		"started":          s.started,
		"workerCount":      s.workerCount,
		"queueSize":        s.queueSize,
		"batchesProcessed": s.batches.Load(),
		"differSessions":   s.differ.Sessions(),
		"differEntries":    s.differ.Size(),
	}
	if drivers, karts, err := s.boards.Sizes(ctx); err == nil {
		stats["driverRecords"] = drivers
		stats["kartRecords"] = karts
	}
	if s.started {
		queueLen := s.queue.Len(ctx)
		stats["queueLength"] = queueLen
		stats["workers"] = s.pool.Size()
		metrics.UpdateQueueSize(queueLen)
	}
	return stats
}
