package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/okian/pitwall/internal/domain/identity"
	"github.com/okian/pitwall/internal/domain/model"
)

// Postgres reads the registered_drivers table. It never writes.
type Postgres struct {
	db *sql.DB
}

var _ identity.Registry = (*Postgres)(nil)

// NewPostgres constructs a read-only registry over db.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

const accountColumns = `account_id, first_name, last_name, alias, COALESCE(external_id, '')`

func scanAccount(row interface{ Scan(...any) error }) (model.Account, error) {
	var a model.Account
	err := row.Scan(&a.ID, &a.FirstName, &a.LastName, &a.Alias, &a.ExternalID)
	return a, err
}

func (r *Postgres) one(ctx context.Context, query, arg string) (model.Account, error) {
	a, err := scanAccount(r.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Account{}, identity.ErrAccountNotFound
	}
	if err != nil {
		return model.Account{}, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

func (r *Postgres) Get(ctx context.Context, accountID string) (model.Account, error) {
	return r.one(ctx, `SELECT `+accountColumns+` FROM registered_drivers WHERE account_id = $1`, accountID)
}

func (r *Postgres) FindByExternalID(ctx context.Context, externalID string) (model.Account, error) {
	if externalID == "" {
		return model.Account{}, identity.ErrAccountNotFound
	}
	return r.one(ctx, `SELECT `+accountColumns+` FROM registered_drivers WHERE external_id = $1`, externalID)
}

// FindByNameParts narrows by case-insensitive first and last name in SQL and
// applies the full matching rule, accent folding and alias included, in Go.
func (r *Postgres) FindByNameParts(ctx context.Context, parts identity.NameParts) ([]model.Account, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM registered_drivers
		WHERE LOWER(first_name) = LOWER($1) AND LOWER(last_name) = LOWER($2)
		ORDER BY account_id
	`, parts.First, parts.Last)
	if err != nil {
		return nil, fmt.Errorf("find accounts by name: %w", err)
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		if identity.Matches(a, parts) {
			out = append(out, a)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return out, nil
}
