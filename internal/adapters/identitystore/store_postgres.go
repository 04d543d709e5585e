package identitystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/okian/pitwall/internal/adapters/postgres"
	"github.com/okian/pitwall/internal/domain/identity"
	"github.com/okian/pitwall/internal/domain/model"
	"github.com/okian/pitwall/internal/domain/scoring"
)

// PostgresStore keeps identities in driver_identities and their name history
// in identity_name_variants. Similarity search uses pg_trgm on the
// normalized variant.
type PostgresStore struct {
	db *sql.DB
}

var _ identity.Store = (*PostgresStore)(nil)

// NewPostgres constructs a PostgreSQL-backed identity store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const identityColumns = `id, COALESCE(external_id, ''), COALESCE(account_id, ''), primary_name,
	total_sessions, total_laps, linking_status, confidence, manually_verified, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (model.DriverIdentity, error) {
	var (
		d      model.DriverIdentity
		status string
	)
	err := row.Scan(&d.ID, &d.ExternalID, &d.AccountID, &d.PrimaryName,
		&d.TotalSessions, &d.TotalLaps, &status, &d.Confidence, &d.ManuallyVerified, &d.CreatedAt, &d.UpdatedAt)
	d.LinkingStatus = model.LinkingStatus(status)
	return d, err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (model.DriverIdentity, error) {
	d, err := scanIdentity(s.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM driver_identities WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.DriverIdentity{}, identity.ErrNotFound
	}
	if err != nil {
		return model.DriverIdentity{}, fmt.Errorf("get identity: %w", err)
	}
	if d.NameHistory, err = s.variants(ctx, id); err != nil {
		return model.DriverIdentity{}, err
	}
	return d, nil
}

func (s *PostgresStore) variants(ctx context.Context, identityID string) ([]model.NameVariant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, first_seen, last_seen, session_count, last_session_id, confidence, source
		FROM identity_name_variants
		WHERE identity_id = $1
		ORDER BY first_seen ASC, id ASC
	`, identityID)
	if err != nil {
		return nil, fmt.Errorf("list name variants: %w", err)
	}
	defer rows.Close()

	var out []model.NameVariant
	for rows.Next() {
		var (
			v   model.NameVariant
			src string
		)
		if err := rows.Scan(&v.ID, &v.Name, &v.FirstSeen, &v.LastSeen, &v.SessionCount, &v.LastSessionID, &v.Confidence, &src); err != nil {
			return nil, fmt.Errorf("scan name variant: %w", err)
		}
		v.Source = model.MatchSource(src)
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate name variants: %w", err)
	}
	return out, nil
}

// findOne resolves a single-id query and loads the identity.
func (s *PostgresStore) findOne(ctx context.Context, query string, arg string) (model.DriverIdentity, error) {
	if arg == "" {
		return model.DriverIdentity{}, identity.ErrNotFound
	}
	var id string
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DriverIdentity{}, identity.ErrNotFound
	}
	if err != nil {
		return model.DriverIdentity{}, fmt.Errorf("find identity: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *PostgresStore) FindByExternalID(ctx context.Context, externalID string) (model.DriverIdentity, error) {
	return s.findOne(ctx,
		`SELECT id FROM driver_identities WHERE external_id = $1`, externalID)
}

func (s *PostgresStore) FindByAccountID(ctx context.Context, accountID string) (model.DriverIdentity, error) {
	return s.findOne(ctx,
		`SELECT id FROM driver_identities WHERE account_id = $1 ORDER BY created_at ASC, id ASC LIMIT 1`, accountID)
}

func (s *PostgresStore) FindByNameVariant(ctx context.Context, name string) ([]model.DriverIdentity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT identity_id FROM identity_name_variants WHERE name = $1 ORDER BY identity_id`, name)
	if err != nil {
		return nil, fmt.Errorf("find by name variant: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan identity id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identity ids: %w", err)
	}

	out := make([]model.DriverIdentity, 0, len(ids))
	for _, id := range ids {
		d, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *PostgresStore) SearchVariants(ctx context.Context, normalized string, limit int) ([]identity.Candidate, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT identity_id, name
		FROM identity_name_variants
		WHERE normalized % $1 OR normalized = $1
		ORDER BY similarity(normalized, $1) DESC, identity_id ASC, name ASC
		LIMIT $2
	`, normalized, limit)
	if err != nil {
		return nil, fmt.Errorf("search name variants: %w", err)
	}
	defer rows.Close()

	var out []identity.Candidate
	for rows.Next() {
		var c identity.Candidate
		if err := rows.Scan(&c.IdentityID, &c.Name); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Create(ctx context.Context, d model.DriverIdentity) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO driver_identities (id, external_id, account_id, primary_name, total_sessions, total_laps,
				linking_status, confidence, manually_verified, created_at, updated_at)
			VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11)
		`, d.ID, d.ExternalID, d.AccountID, d.PrimaryName, d.TotalSessions, d.TotalLaps,
			string(d.LinkingStatus), d.Confidence, d.ManuallyVerified, d.CreatedAt, d.UpdatedAt)
		if postgres.IsUniqueViolation(err) {
			return identity.ErrDuplicate
		}
		if err != nil {
			return fmt.Errorf("create identity: %w", err)
		}
		return upsertVariants(ctx, tx, d)
	})
}

// Save updates the identity row and upserts its variants. Lap and session
// counters are owned by AddLaps and MarkSession and left alone; variants are
// never deleted. A stored manual binding wins over any non-manual copy.
func (s *PostgresStore) Save(ctx context.Context, d model.DriverIdentity) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE driver_identities
			SET external_id = CASE WHEN linking_status = 'manual' AND $5 <> 'manual'
					THEN external_id ELSE NULLIF($2, '') END,
				account_id = CASE WHEN linking_status = 'manual' AND $5 <> 'manual'
					THEN account_id ELSE NULLIF($3, '') END,
				confidence = CASE WHEN linking_status = 'manual' AND $5 <> 'manual'
					THEN confidence ELSE GREATEST(confidence, $6) END,
				linking_status = CASE WHEN linking_status = 'manual' AND $5 <> 'manual'
					THEN linking_status ELSE $5 END,
				primary_name = $4,
				manually_verified = manually_verified OR $7,
				updated_at = GREATEST(updated_at, $8)
			WHERE id = $1
		`, d.ID, d.ExternalID, d.AccountID, d.PrimaryName,
			string(d.LinkingStatus), d.Confidence, d.ManuallyVerified, d.UpdatedAt)
		if postgres.IsUniqueViolation(err) {
			return identity.ErrDuplicate
		}
		if err != nil {
			return fmt.Errorf("save identity: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return identity.ErrNotFound
		}
		return upsertVariants(ctx, tx, d)
	})
}

func upsertVariants(ctx context.Context, tx *sql.Tx, d model.DriverIdentity) error {
	for _, v := range d.NameHistory {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO identity_name_variants (id, identity_id, name, normalized, first_seen, last_seen,
				session_count, last_session_id, confidence, source)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (identity_id, name) DO UPDATE SET
				last_seen = GREATEST(identity_name_variants.last_seen, EXCLUDED.last_seen),
				confidence = CASE
					WHEN EXCLUDED.source = 'manual' THEN EXCLUDED.confidence
					WHEN identity_name_variants.source = 'manual' THEN identity_name_variants.confidence
					ELSE GREATEST(identity_name_variants.confidence, EXCLUDED.confidence) END,
				source = CASE
					WHEN EXCLUDED.source = 'manual' THEN EXCLUDED.source
					WHEN identity_name_variants.source = 'manual' THEN identity_name_variants.source
					WHEN EXCLUDED.confidence > identity_name_variants.confidence THEN EXCLUDED.source
					ELSE identity_name_variants.source END
		`, v.ID, d.ID, v.Name, scoring.Normalize(v.Name), v.FirstSeen, v.LastSeen,
			v.SessionCount, v.LastSessionID, v.Confidence, string(v.Source))
		if err != nil {
			return fmt.Errorf("upsert name variant %q: %w", v.Name, err)
		}
	}
	return nil
}

func (s *PostgresStore) AddLaps(ctx context.Context, id string, n int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE driver_identities SET total_laps = total_laps + $2 WHERE id = $1`, id, n)
	if err != nil {
		return fmt.Errorf("add laps: %w", err)
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return identity.ErrNotFound
	}
	return nil
}

// MarkSession locks the identity row so concurrent sightings of different
// names in one session count the identity once.
func (s *PostgresStore) MarkSession(ctx context.Context, id, name, sessionID string) (bool, bool, error) {
	var identityFirst, nameFirst bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var locked string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM driver_identities WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
		if errors.Is(err, sql.ErrNoRows) {
			return identity.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock identity: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO identity_sessions (identity_id, session_id, name)
			VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING
		`, id, sessionID, name)
		if err != nil {
			return fmt.Errorf("record identity session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("record identity session: %w", err)
		}
		if n == 0 {
			return nil
		}
		nameFirst = true

		var names int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM identity_sessions WHERE identity_id = $1 AND session_id = $2`,
			id, sessionID).Scan(&names); err != nil {
			return fmt.Errorf("count identity session names: %w", err)
		}
		identityFirst = names == 1
		if identityFirst {
			if _, err := tx.ExecContext(ctx,
				`UPDATE driver_identities SET total_sessions = total_sessions + 1 WHERE id = $1`, id); err != nil {
				return fmt.Errorf("bump total sessions: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE identity_name_variants
			SET session_count = session_count + 1, last_session_id = $3
			WHERE identity_id = $1 AND name = $2
		`, id, name, sessionID); err != nil {
			return fmt.Errorf("bump variant sessions: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, false, err
	}
	return identityFirst, nameFirst, nil
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
