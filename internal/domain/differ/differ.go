// Package differ decides, per session and driver, whether a snapshot
// completes a new lap.
package differ

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/pitwall/internal/domain/model"
	"github.com/okian/pitwall/pkg/logger"
	"github.com/okian/pitwall/pkg/metrics"
)

// Differ holds the last snapshot seen per (session, driver).
// The state is an optimization; losing it costs at most one redundant
// first-sighting per driver, which the aggregator's lap-number gate absorbs.
type Differ interface {
	// Observe swaps in current as the driver's last snapshot and reports
	// whether it completes a new lap. Two callers racing on the same driver
	// never both observe the same transition as new.
	Observe(ctx context.Context, sessionID string, current model.Snapshot) Observation

	// Revert restores previous for the driver if the slot still holds current,
	// so a redelivery of current is treated as new again after a failed write.
	Revert(ctx context.Context, sessionID string, current model.Snapshot, previous *model.Snapshot)

	// Remember caches the resolved identity of a driver within a session.
	Remember(ctx context.Context, sessionID, driver, identityID string, tier model.ConfidenceTier)

	// Reset drops all state.
	Reset(ctx context.Context)

	// Run clears the state on every reset interval until ctx is done.
	Run(ctx context.Context)

	Sessions() int
	Size() int64
}

// Observation is the outcome of Observe.
type Observation struct {
	NewLap        bool
	FirstSighting bool
	Stale         bool // current is behind the stored snapshot and was not stored
	Previous      *model.Snapshot
	IdentityID    string
	Confidence    model.ConfidenceTier
}

// ShouldRecordLap reports whether current completes a new lap given the
// previous snapshot for the same driver, if any.
func ShouldRecordLap(current model.Snapshot, previous *model.Snapshot) bool {
	if previous == nil {
		return true
	}
	return current.LapCount > previous.LapCount
}

type slot struct {
	last       model.Snapshot
	identityID string
	tier       model.ConfidenceTier
}

// sessionState is owned by one session and guarded by its own mutex so
// different sessions never contend.
type sessionState struct {
	mu      sync.Mutex
	drivers map[string]*slot
	node    *node
}

// node links sessions in creation order for eviction.
type node struct {
	id         string
	prev, next *node
}

type inMemoryDiffer struct {
	mu            sync.RWMutex
	sessions      map[string]*sessionState
	head, tail    *node // head is the most recently created session
	maxSessions   int   // 0 or negative = unbounded
	resetInterval time.Duration
	size          atomic.Int64
	logger        logger.Logger
}

// New creates an in-memory Differ.
func New(opts ...Option) Differ {
	d := &inMemoryDiffer{
		sessions:      make(map[string]*sessionState),
		maxSessions:   1024,
		resetInterval: 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = logger.Get().Named("differ")
	}
	return d
}

func (d *inMemoryDiffer) session(sessionID string, create bool) *sessionState {
	d.mu.RLock()
	s := d.sessions[sessionID]
	d.mu.RUnlock()
	if s != nil || !create {
		return s
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if s = d.sessions[sessionID]; s != nil {
		return s
	}
	if d.maxSessions > 0 && len(d.sessions) >= d.maxSessions {
		d.evictOldest()
	}
	n := &node{id: sessionID, next: d.head}
	if d.head != nil {
		d.head.prev = n
	}
	d.head = n
	if d.tail == nil {
		d.tail = n
	}
	s = &sessionState{drivers: make(map[string]*slot), node: n}
	d.sessions[sessionID] = s
	return s
}

// evictOldest drops the least recently created session. Caller holds d.mu.
func (d *inMemoryDiffer) evictOldest() {
	n := d.tail
	if n == nil {
		return
	}
	d.tail = n.prev
	if d.tail != nil {
		d.tail.next = nil
	} else {
		d.head = nil
	}
	if s, ok := d.sessions[n.id]; ok {
		s.mu.Lock()
		d.size.Add(-int64(len(s.drivers)))
		s.mu.Unlock()
		delete(d.sessions, n.id)
	}
}

func (d *inMemoryDiffer) Observe(ctx context.Context, sessionID string, current model.Snapshot) Observation {
	s := d.session(sessionID, true)
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.drivers[current.Name]
	if !ok {
		s.drivers[current.Name] = &slot{last: current}
		d.size.Add(1)
		metrics.UpdateDifferStateEntries(int(d.size.Load()))
		return Observation{NewLap: true, FirstSighting: true}
	}

	prev := sl.last
	obs := Observation{
		NewLap:     ShouldRecordLap(current, &prev),
		Previous:   &prev,
		IdentityID: sl.identityID,
		Confidence: sl.tier,
	}
	if current.LapCount < prev.LapCount {
		// Out-of-order redelivery; keep the newer snapshot.
		obs.Stale = true
		d.logger.Debug(ctx, "stale snapshot ignored",
			logger.String("session_id", sessionID),
			logger.String("driver", current.Name),
			logger.Int("lap_count", current.LapCount),
			logger.Int("stored_lap_count", prev.LapCount))
		return obs
	}
	sl.last = current
	return obs
}

func (d *inMemoryDiffer) Revert(ctx context.Context, sessionID string, current model.Snapshot, previous *model.Snapshot) {
	s := d.session(sessionID, false)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.drivers[current.Name]
	if !ok || sl.last != current {
		return
	}
	if previous == nil {
		delete(s.drivers, current.Name)
		d.size.Add(-1)
		metrics.UpdateDifferStateEntries(int(d.size.Load()))
		return
	}
	sl.last = *previous
}

func (d *inMemoryDiffer) Remember(_ context.Context, sessionID, driver, identityID string, tier model.ConfidenceTier) {
	s := d.session(sessionID, false)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok := s.drivers[driver]; ok {
		sl.identityID = identityID
		sl.tier = tier
	}
}

func (d *inMemoryDiffer) Reset(ctx context.Context) {
	d.mu.Lock()
	n := len(d.sessions)
	d.sessions = make(map[string]*sessionState)
	d.head, d.tail = nil, nil
	d.size.Store(0)
	d.mu.Unlock()

	metrics.UpdateDifferStateEntries(0)
	d.logger.Info(ctx, "differ state cleared", logger.Int("sessions", n))
}

func (d *inMemoryDiffer) Run(ctx context.Context) {
	if d.resetInterval <= 0 {
		return
	}
	ticker := time.NewTicker(d.resetInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Reset(ctx)
		}
	}
}

func (d *inMemoryDiffer) Sessions() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sessions)
}

func (d *inMemoryDiffer) Size() int64 {
	return d.size.Load()
}
