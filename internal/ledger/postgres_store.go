package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/mbd888/canopy/internal/idgen"
	"github.com/mbd888/canopy/internal/metrics"
)

func newMovementID() string {
	return idgen.WithPrefix("mov_")
}

// isCheckViolation reports whether err is a PostgreSQL CHECK
// constraint violation (SQLSTATE 23514).
func isCheckViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23514"
	}
	return false
}

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// GetBalance returns the current balance for an account.
func (p *PostgresStore) GetBalance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := p.db.QueryRowContext(ctx, `
		SELECT balance_minor FROM accounts WHERE id = $1
	`, accountID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// Apply records a standalone movement in its own serializable transaction.
func (p *PostgresStore) Apply(ctx context.Context, params ApplyParams) (*Movement, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	m, err := Apply(ctx, tx, params)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	metrics.MovementsTotal.WithLabelValues(string(params.Direction)).Inc()
	return m, nil
}

// History returns movements for an account, newest first.
func (p *PostgresStore) History(ctx context.Context, accountID string, limit, offset int) ([]*Movement, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account_id, direction, amount_minor, balance_after_minor,
		       COALESCE(reference_type, ''), COALESCE(reference_id, ''),
		       COALESCE(description, ''), metadata, created_at
		FROM movements
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMovements(rows)
}

// ListByReference returns movements caused by one business operation.
func (p *PostgresStore) ListByReference(ctx context.Context, refType, refID string) ([]*Movement, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account_id, direction, amount_minor, balance_after_minor,
		       COALESCE(reference_type, ''), COALESCE(reference_id, ''),
		       COALESCE(description, ''), metadata, created_at
		FROM movements
		WHERE reference_type = $1 AND reference_id = $2
		ORDER BY created_at ASC
	`, refType, refID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMovements(rows)
}

func scanMovements(rows *sql.Rows) ([]*Movement, error) {
	var out []*Movement
	for rows.Next() {
		var m Movement
		var dir string
		var meta []byte
		if err := rows.Scan(&m.ID, &m.AccountID, &dir, &m.AmountMinor, &m.BalanceAfterMinor,
			&m.ReferenceType, &m.ReferenceID, &m.Description, &meta, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan movement: %w", err)
		}
		m.Direction = Direction(dir)
		if len(meta) > 0 && string(meta) != "{}" {
			if err := json.Unmarshal(meta, &m.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal movement metadata: %w", err)
			}
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
