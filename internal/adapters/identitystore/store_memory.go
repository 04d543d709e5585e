// Package identitystore persists driver identities and their name history.
package identitystore

import (
	"context"
	"sort"
	"sync"

	"github.com/okian/pitwall/internal/domain/identity"
	"github.com/okian/pitwall/internal/domain/model"
	"github.com/okian/pitwall/internal/domain/scoring"
)

// InMemoryStore keeps identities in process memory. SearchVariants ranks
// every stored variant with a NameScorer in place of trigram similarity.
type InMemoryStore struct {
	mu         sync.RWMutex
	identities map[string]model.DriverIdentity
	// sessions maps identity id, then session id, to the names seen there.
	sessions map[string]map[string]map[string]struct{}
	scorer   scoring.Scorer
}

var _ identity.Store = (*InMemoryStore)(nil)

// NewInMemory creates an empty store.
func NewInMemory() *InMemoryStore {
	return &InMemoryStore{
		identities: make(map[string]model.DriverIdentity),
		sessions:   make(map[string]map[string]map[string]struct{}),
		scorer:     scoring.NewNameScorer(),
	}
}

func (s *InMemoryStore) Get(_ context.Context, id string) (model.DriverIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.identities[id]
	if !ok {
		return model.DriverIdentity{}, identity.ErrNotFound
	}
	return d.Clone(), nil
}

func (s *InMemoryStore) find(match func(model.DriverIdentity) bool) (model.DriverIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		out   model.DriverIdentity
		found bool
	)
	for _, d := range s.identities {
		if !match(d) {
			continue
		}
		// Oldest wins so lookups are deterministic.
		if !found || d.CreatedAt.Before(out.CreatedAt) || (d.CreatedAt.Equal(out.CreatedAt) && d.ID < out.ID) {
			out, found = d, true
		}
	}
	if !found {
		return model.DriverIdentity{}, identity.ErrNotFound
	}
	return out.Clone(), nil
}

func (s *InMemoryStore) FindByExternalID(_ context.Context, externalID string) (model.DriverIdentity, error) {
	if externalID == "" {
		return model.DriverIdentity{}, identity.ErrNotFound
	}
	return s.find(func(d model.DriverIdentity) bool { return d.ExternalID == externalID })
}

func (s *InMemoryStore) FindByAccountID(_ context.Context, accountID string) (model.DriverIdentity, error) {
	if accountID == "" {
		return model.DriverIdentity{}, identity.ErrNotFound
	}
	return s.find(func(d model.DriverIdentity) bool { return d.AccountID == accountID })
}

func (s *InMemoryStore) FindByNameVariant(_ context.Context, name string) ([]model.DriverIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.DriverIdentity
	for _, d := range s.identities {
		if d.Variant(name) != nil {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) SearchVariants(_ context.Context, normalized string, limit int) ([]identity.Candidate, error) {
	type scored struct {
		c     identity.Candidate
		score float64
	}

	s.mu.RLock()
	var all []scored
	for _, d := range s.identities {
		for _, v := range d.NameHistory {
			all = append(all, scored{
				c:     identity.Candidate{IdentityID: d.ID, Name: v.Name},
				score: s.scorer.Score(normalized, v.Name),
			})
		}
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		if all[i].c.IdentityID != all[j].c.IdentityID {
			return all[i].c.IdentityID < all[j].c.IdentityID
		}
		return all[i].c.Name < all[j].c.Name
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	out := make([]identity.Candidate, len(all))
	for i, sc := range all {
		out[i] = sc.c
	}
	return out, nil
}

func (s *InMemoryStore) Create(_ context.Context, d model.DriverIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identities[d.ID]; ok {
		return identity.ErrDuplicate
	}
	s.identities[d.ID] = d.Clone()
	return nil
}

// Save replaces the identity, keeping any stored variant the new copy lacks
// and the stored counters. A manual binding survives non-manual copies.
func (s *InMemoryStore) Save(_ context.Context, d model.DriverIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.identities[d.ID]
	if !ok {
		return identity.ErrNotFound
	}
	next := d.Clone()
	if cur.LinkingStatus == model.LinkManual && next.LinkingStatus != model.LinkManual {
		next.AccountID = cur.AccountID
		next.ExternalID = cur.ExternalID
		next.LinkingStatus = cur.LinkingStatus
		next.Confidence = cur.Confidence
	} else {
		next.Confidence = max(cur.Confidence, next.Confidence)
	}
	next.ManuallyVerified = cur.ManuallyVerified || next.ManuallyVerified
	if cur.UpdatedAt.After(next.UpdatedAt) {
		next.UpdatedAt = cur.UpdatedAt
	}

	for i := range next.NameHistory {
		if old := cur.Variant(next.NameHistory[i].Name); old != nil {
			next.NameHistory[i] = mergeVariant(*old, next.NameHistory[i])
		}
	}
	for _, v := range cur.NameHistory {
		if next.Variant(v.Name) == nil {
			next.NameHistory = append(next.NameHistory, v)
		}
	}
	next.TotalLaps = cur.TotalLaps
	next.TotalSessions = cur.TotalSessions
	next.CreatedAt = cur.CreatedAt
	s.identities[d.ID] = next
	return nil
}

// mergeVariant folds an incoming copy of a variant into the stored one.
func mergeVariant(cur, in model.NameVariant) model.NameVariant {
	out := cur
	if in.LastSeen.After(out.LastSeen) {
		out.LastSeen = in.LastSeen
	}
	switch {
	case in.Source == model.SourceManual:
		out.Source, out.Confidence = in.Source, in.Confidence
	case cur.Source == model.SourceManual:
		// keep the binding
	case in.Confidence > cur.Confidence:
		out.Source, out.Confidence = in.Source, in.Confidence
	}
	return out
}

func (s *InMemoryStore) AddLaps(_ context.Context, id string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.identities[id]
	if !ok {
		return identity.ErrNotFound
	}
	d.TotalLaps += n
	s.identities[id] = d
	return nil
}

func (s *InMemoryStore) MarkSession(_ context.Context, id, name, sessionID string) (bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.identities[id]
	if !ok {
		return false, false, identity.ErrNotFound
	}
	bySession, ok := s.sessions[id]
	if !ok {
		bySession = make(map[string]map[string]struct{})
		s.sessions[id] = bySession
	}
	names, ok := bySession[sessionID]
	if !ok {
		names = make(map[string]struct{})
		bySession[sessionID] = names
	}
	if _, seen := names[name]; seen {
		return false, false, nil
	}
	identityFirst := len(names) == 0
	names[name] = struct{}{}

	d = d.Clone()
	if identityFirst {
		d.TotalSessions++
	}
	if v := d.Variant(name); v != nil {
		v.SessionCount++
		v.LastSessionID = sessionID
	}
	s.identities[id] = d
	return identityFirst, true, nil
}
