package sessionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/okian/pitwall/internal/adapters/postgres"
	"github.com/okian/pitwall/internal/domain/aggregator"
	"github.com/okian/pitwall/internal/domain/model"
)

// PostgresStore keeps each session as a JSONB document next to a version
// column used for compare-and-swap updates. It is pure I/O.
type PostgresStore struct {
	db *sql.DB
}

var _ aggregator.SessionStore = (*PostgresStore)(nil)

// NewPostgres constructs a PostgreSQL-backed session store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, sessionID string) (model.RaceSession, error) {
	var (
		raw     []byte
		version int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT document, version FROM race_sessions WHERE session_id = $1`, sessionID,
	).Scan(&raw, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RaceSession{}, aggregator.ErrNotFound
	}
	if err != nil {
		return model.RaceSession{}, fmt.Errorf("get session: %w", err)
	}
	return decode(raw, version)
}

func (s *PostgresStore) Create(ctx context.Context, doc model.RaceSession) error {
	doc.Version = 1
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO race_sessions (session_id, session_name, session_date, session_type, document, version, processed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 1, $6, $7, $8)
	`, doc.SessionID, doc.SessionName, doc.SessionDate, string(doc.SessionType), raw, doc.Processed, doc.CreatedAt, doc.UpdatedAt)
	if postgres.IsUniqueViolation(err) {
		return aggregator.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, doc model.RaceSession, expectedVersion int64) error {
	doc.Version = expectedVersion + 1
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE race_sessions
		SET document = $2, version = version + 1, processed = $3, updated_at = $4
		WHERE session_id = $1 AND version = $5
	`, doc.SessionID, raw, doc.Processed, doc.UpdatedAt, expectedVersion)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session rows: %w", err)
	}
	if n == 1 {
		return nil
	}

	// Distinguish a lost race from a missing row.
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM race_sessions WHERE session_id = $1)`, doc.SessionID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("update session exists: %w", err)
	}
	if !exists {
		return aggregator.ErrNotFound
	}
	return aggregator.ErrVersionConflict
}

// List returns the most recent sessions first, at most limit.
func (s *PostgresStore) List(ctx context.Context, limit int) ([]model.RaceSession, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT document, version FROM race_sessions
		ORDER BY session_date DESC, session_id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []model.RaceSession
	for rows.Next() {
		var (
			raw     []byte
			version int64
		)
		if err := rows.Scan(&raw, &version); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		doc, err := decode(raw, version)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// decode trusts the version column over the copy inside the document.
func decode(raw []byte, version int64) (model.RaceSession, error) {
	var doc model.RaceSession
	if err := json.Unmarshal(raw, &doc); err != nil {
		return model.RaceSession{}, fmt.Errorf("decode session: %w", err)
	}
	doc.Version = version
	return doc, nil
}
