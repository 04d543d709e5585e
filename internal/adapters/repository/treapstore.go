package repository

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/okian/pitwall/internal/domain/model"
	"github.com/okian/pitwall/pkg/logger"
	"github.com/okian/pitwall/pkg/metrics"
)

// Treap-based, in-memory Store implementation.
//
// Ordering: time ASC, then key ASC. "less" means ranks earlier, so an
// in-order traversal yields the board from fastest to slowest.

type node struct {
	key   string
	time  int64
	prio  uint64
	left  *node
	right *node
	size  int
}

func nsize(n *node) int {
	if n == nil {
		return 0
	}
	return n.size
}

func fix(n *node) {
	if n != nil {
		n.size = 1 + nsize(n.left) + nsize(n.right)
	}
}

func less(aTime int64, aKey string, bTime int64, bKey string) bool {
	if aTime != bTime {
		return aTime < bTime
	}
	return aKey < bKey
}

func rotateRight(y *node) *node {
	x := y.left
	y.left = x.right
	x.right = y
	fix(y)
	fix(x)
	return x
}

func rotateLeft(x *node) *node {
	y := x.right
	x.right = y.left
	y.left = x
	fix(x)
	fix(y)
	return y
}

func insert(n *node, key string, t int64, prio uint64) *node {
	if n == nil {
		return &node{key: key, time: t, prio: prio, size: 1}
	}
	if less(t, key, n.time, n.key) {
		n.left = insert(n.left, key, t, prio)
		if n.left.prio > n.prio {
			n = rotateRight(n)
		}
	} else {
		n.right = insert(n.right, key, t, prio)
		if n.right.prio > n.prio {
			n = rotateLeft(n)
		}
	}
	fix(n)
	return n
}

func deleteNode(n *node, key string, t int64) *node {
	if n == nil {
		return nil
	}
	switch {
	case t == n.time && key == n.key:
		if n.left == nil {
			return n.right
		}
		if n.right == nil {
			return n.left
		}
		if n.left.prio > n.right.prio {
			n = rotateRight(n)
			n.right = deleteNode(n.right, key, t)
		} else {
			n = rotateLeft(n)
			n.left = deleteNode(n.left, key, t)
		}
	case less(t, key, n.time, n.key):
		n.left = deleteNode(n.left, key, t)
	default:
		n.right = deleteNode(n.right, key, t)
	}
	fix(n)
	return n
}

// last returns the slowest node.
func last(n *node) *node {
	if n == nil {
		return nil
	}
	for n.right != nil {
		n = n.right
	}
	return n
}

// countFaster returns how many nodes hold a time strictly lower than t.
func countFaster(n *node, t int64) int {
	count := 0
	for n != nil {
		if n.time < t {
			count += 1 + nsize(n.left)
			n = n.right
		} else {
			n = n.left
		}
	}
	return count
}

func collectTopN(n *node, limit int, byKey map[string]model.BestRecord, out *[]model.BestRecord) {
	if n == nil || len(*out) >= limit {
		return
	}
	collectTopN(n.left, limit, byKey, out)
	if len(*out) < limit {
		if rec, ok := byKey[n.key]; ok {
			*out = append(*out, rec)
		}
	}
	if len(*out) < limit {
		collectTopN(n.right, limit, byKey, out)
	}
}

// TreapStore is an in-memory Store.
type TreapStore struct {
	mu       sync.RWMutex
	root     *node
	byKey    map[string]model.BestRecord
	name     string
	capacity int
	logger   logger.Logger
}

var _ Store = (*TreapStore)(nil)

// NewTreapStore constructs a treap store.
func NewTreapStore(opts ...Option) *TreapStore {
	o := buildOptions(opts)
	return &TreapStore{
		byKey:    make(map[string]model.BestRecord),
		name:     o.name,
		capacity: o.capacity,
		logger:   o.logger,
	}
}

// Consider implements Store with O(log n) expected time.
func (s *TreapStore) Consider(ctx context.Context, key string, rec model.BestRecord) (bool, error) {
	if rec.Time <= 0 {
		return false, ErrInvalidTime
	}
	rec.Key = key
	rec.Rank = 0
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}

	s.mu.Lock()
	old, exists := s.byKey[key]
	if exists && rec.Time >= old.Time {
		s.mu.Unlock()
		return false, nil
	}
	if !exists && s.capacity > 0 && len(s.byKey) >= s.capacity {
		worst := last(s.root)
		if !less(rec.Time, key, worst.time, worst.key) {
			s.mu.Unlock()
			return false, nil
		}
		s.root = deleteNode(s.root, worst.key, worst.time)
		delete(s.byKey, worst.key)
		s.logger.Debug(ctx, "record evicted", logger.String("board", s.name), logger.String("key", worst.key))
	}
	if exists {
		s.root = deleteNode(s.root, key, old.Time)
	}
	s.byKey[key] = rec
	s.root = insert(s.root, key, rec.Time, rand.Uint64()) //nolint:gosec // treap priorities need no crypto
	size := len(s.byKey)
	s.mu.Unlock()

	metrics.UpdateLeaderboardSize(s.name, size)
	return true, nil
}

// Get returns the ranked record for key.
func (s *TreapStore) Get(_ context.Context, key string) (model.BestRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byKey[key]
	if !ok {
		return model.BestRecord{}, ErrNotFound
	}
	rec.Rank = countFaster(s.root, rec.Time) + 1
	return rec, nil
}

// TopN returns the n fastest records.
func (s *TreapStore) TopN(_ context.Context, n int) ([]model.BestRecord, error) {
	if n < 1 {
		return nil, ErrInvalidLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.BestRecord, 0, min(n, len(s.byKey)))
	collectTopN(s.root, n, s.byKey, &out)
	assignRanksWithTies(out)
	return out, nil
}

// Count returns the number of keys held.
func (s *TreapStore) Count(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byKey), nil
}

// Close implements Store.
func (s *TreapStore) Close() error { return nil }
