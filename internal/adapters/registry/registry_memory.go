// Package registry reads registered driver accounts owned by the booking system.
package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/okian/pitwall/internal/domain/identity"
	"github.com/okian/pitwall/internal/domain/model"
)

// InMemory is a fixed account list, used for tests and when no booking
// database is configured.
type InMemory struct {
	mu       sync.RWMutex
	accounts map[string]model.Account
}

var _ identity.Registry = (*InMemory)(nil)

// NewInMemory creates a registry holding accounts.
func NewInMemory(accounts ...model.Account) *InMemory {
	r := &InMemory{accounts: make(map[string]model.Account, len(accounts))}
	for _, a := range accounts {
		r.accounts[a.ID] = a
	}
	return r
}

// Put adds or replaces an account.
func (r *InMemory) Put(a model.Account) {
	r.mu.Lock()
	r.accounts[a.ID] = a
	r.mu.Unlock()
}

func (r *InMemory) Get(_ context.Context, accountID string) (model.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[accountID]
	if !ok {
		return model.Account{}, identity.ErrAccountNotFound
	}
	return a, nil
}

func (r *InMemory) FindByExternalID(_ context.Context, externalID string) (model.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.accounts {
		if externalID != "" && a.ExternalID == externalID {
			return a, nil
		}
	}
	return model.Account{}, identity.ErrAccountNotFound
}

func (r *InMemory) FindByNameParts(_ context.Context, parts identity.NameParts) ([]model.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.Account
	for _, a := range r.accounts {
		if identity.Matches(a, parts) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
