package aggregator

import (
	"context"

	"github.com/okian/pitwall/internal/domain/model"
)

// SessionStore persists RaceSession documents under optimistic concurrency.
type SessionStore interface {
	// Get returns the stored document or ErrNotFound.
	Get(ctx context.Context, sessionID string) (model.RaceSession, error)

	// Create inserts a new document at version 1, or returns ErrDuplicate
	// when the id is taken.
	Create(ctx context.Context, s model.RaceSession) error

	// Update replaces the document if its stored version still equals
	// expectedVersion, bumping it; otherwise it returns ErrVersionConflict.
	Update(ctx context.Context, s model.RaceSession, expectedVersion int64) error
}
