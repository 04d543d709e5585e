package identity

import (
	"context"

	"github.com/okian/pitwall/internal/domain/model"
)

// Registry is the read-only view of registered drivers owned by the booking
// system. Lookups that find nothing return ErrAccountNotFound or an empty slice.
type Registry interface {
	Get(ctx context.Context, accountID string) (model.Account, error)
	FindByExternalID(ctx context.Context, externalID string) (model.Account, error)
	// FindByNameParts returns every account for which Matches(account, parts) holds.
	FindByNameParts(ctx context.Context, parts NameParts) ([]model.Account, error)
}

// Candidate is a stored name variant returned by a similarity search.
type Candidate struct {
	IdentityID string
	Name       string
}

// Store persists DriverIdentity records. Name history is append-only: Save
// inserts new variants and updates existing ones but never removes any.
//
// Save never weakens a stored identity. When the stored row is manually bound
// and the incoming copy is not, the binding fields and confidence are kept;
// otherwise confidence only rises. A manual variant keeps its source and
// confidence against non-manual copies. Lap and session counters are owned by
// AddLaps and MarkSession and are ignored by Save.
type Store interface {
	Get(ctx context.Context, id string) (model.DriverIdentity, error)
	FindByExternalID(ctx context.Context, externalID string) (model.DriverIdentity, error)
	FindByAccountID(ctx context.Context, accountID string) (model.DriverIdentity, error)
	// FindByNameVariant returns identities holding exactly this variant.
	FindByNameVariant(ctx context.Context, name string) ([]model.DriverIdentity, error)
	// SearchVariants returns likely matches for a normalized name, best first.
	SearchVariants(ctx context.Context, normalized string, limit int) ([]Candidate, error)
	Create(ctx context.Context, d model.DriverIdentity) error
	Save(ctx context.Context, d model.DriverIdentity) error
	AddLaps(ctx context.Context, id string, n int) error
	// MarkSession records that the identity was seen as name in sessionID and
	// bumps the session counters the first time each pair appears. It reports
	// whether the identity and the name were new to that session.
	MarkSession(ctx context.Context, id, name, sessionID string) (identityFirst, nameFirst bool, err error)
}
