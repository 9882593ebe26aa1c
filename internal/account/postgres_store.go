package account

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed account store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create inserts a new account.
func (p *PostgresStore) Create(ctx context.Context, a *Account) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (id, chain_address, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
	`, a.ID, nullStr(a.ChainAddress), a.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// Get returns an account by ID.
func (p *PostgresStore) Get(ctx context.Context, id string) (*Account, error) {
	return p.scanOne(p.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(chain_address, ''), created_at, updated_at
		FROM accounts WHERE id = $1
	`, id))
}

// GetByChainAddress returns the account owning a chain address.
func (p *PostgresStore) GetByChainAddress(ctx context.Context, addr string) (*Account, error) {
	return p.scanOne(p.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(chain_address, ''), created_at, updated_at
		FROM accounts WHERE LOWER(chain_address) = LOWER($1)
	`, addr))
}

// EnsureForChainAddress inserts an account for addr, or returns the
// existing one. The unique expression index on LOWER(chain_address)
// makes the upsert atomic, so two concurrent calls for the same
// address always land on a single row.
func (p *PostgresStore) EnsureForChainAddress(ctx context.Context, addr string) (*Account, bool, error) {
	newID := NewID()
	var a Account
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO accounts (id, chain_address)
		VALUES ($1, $2)
		ON CONFLICT (LOWER(chain_address)) WHERE chain_address IS NOT NULL
		DO UPDATE SET updated_at = NOW()
		RETURNING id, chain_address, created_at, updated_at
	`, newID, addr).Scan(&a.ID, &a.ChainAddress, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, false, err
	}
	return &a, a.ID == newID, nil
}

func (p *PostgresStore) scanOne(row *sql.Row) (*Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.ChainAddress, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
