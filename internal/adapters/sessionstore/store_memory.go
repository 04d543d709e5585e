// Package sessionstore persists race-session documents.
package sessionstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/okian/pitwall/internal/domain/aggregator"
	"github.com/okian/pitwall/internal/domain/model"
)

// InMemoryStore keeps session documents in process memory with the same
// version-on-write semantics as the Postgres store.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]model.RaceSession
}

var _ aggregator.SessionStore = (*InMemoryStore)(nil)

// NewInMemory creates an empty store.
func NewInMemory() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]model.RaceSession)}
}

// Get returns a copy of the stored document.
func (s *InMemoryStore) Get(_ context.Context, sessionID string) (model.RaceSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.sessions[sessionID]
	if !ok {
		return model.RaceSession{}, aggregator.ErrNotFound
	}
	return doc.Clone(), nil
}

// Create inserts doc at version 1.
func (s *InMemoryStore) Create(_ context.Context, doc model.RaceSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[doc.SessionID]; ok {
		return aggregator.ErrDuplicate
	}
	doc = doc.Clone()
	doc.Version = 1
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	s.sessions[doc.SessionID] = doc
	return nil
}

// Update replaces doc when the stored version matches expectedVersion.
func (s *InMemoryStore) Update(_ context.Context, doc model.RaceSession, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[doc.SessionID]
	if !ok {
		return aggregator.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return aggregator.ErrVersionConflict
	}
	doc = doc.Clone()
	doc.Version = expectedVersion + 1
	doc.CreatedAt = cur.CreatedAt
	s.sessions[doc.SessionID] = doc
	return nil
}

// List returns the most recent sessions first, at most limit.
func (s *InMemoryStore) List(_ context.Context, limit int) ([]model.RaceSession, error) {
	s.mu.RLock()
	out := make([]model.RaceSession, 0, len(s.sessions))
	for _, doc := range s.sessions {
		out = append(out, doc.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].SessionDate.Equal(out[j].SessionDate) {
			return out[i].SessionDate.After(out[j].SessionDate)
		}
		return out[i].SessionID < out[j].SessionID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
