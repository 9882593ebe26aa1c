// Package ledger records balance movements against internal accounts.
//
// Every balance change goes through Apply, which adjusts the account
// balance and records an immutable movement row in the same transaction.
// The adjustment is applied first and validated after: if the resulting
// balance is negative, Apply returns ErrInsufficientBalance and the
// caller must roll back the enclosing transaction.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAccountNotFound     = errors.New("account not found")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidDirection    = errors.New("invalid direction")
)

// Direction is the sign of a movement.
type Direction string

const (
	DirectionCredit Direction = "CREDIT"
	DirectionDebit  Direction = "DEBIT"
)

// Reference types link movements back to the business operation
// that caused them.
const (
	RefPurchase = "purchase"
	RefTopup    = "topup"
	RefRefund   = "refund"
	RefPayout   = "payout"
	RefAdjust   = "adjustment"
)

// Movement is one immutable ledger entry. Amounts are positive
// integers in minor currency units; Direction carries the sign.
type Movement struct {
	ID                string            `json:"id"`
	AccountID         string            `json:"accountId"`
	Direction         Direction         `json:"direction"`
	AmountMinor       int64             `json:"amountMinor"`
	BalanceAfterMinor int64             `json:"balanceAfterMinor"`
	ReferenceType     string            `json:"referenceType,omitempty"`
	ReferenceID       string            `json:"referenceId,omitempty"`
	Description       string            `json:"description,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
}

// ApplyParams describes a movement to apply.
type ApplyParams struct {
	AccountID     string
	Direction     Direction
	AmountMinor   int64
	ReferenceType string
	ReferenceID   string
	Description   string
	Metadata      map[string]string
}

func (p ApplyParams) validate() error {
	if p.AmountMinor <= 0 {
		return ErrInvalidAmount
	}
	if p.Direction != DirectionCredit && p.Direction != DirectionDebit {
		return ErrInvalidDirection
	}
	return nil
}

// DBTX is the subset of database/sql used by Apply. It is satisfied
// by both *sql.DB and *sql.Tx so callers can fold a movement into a
// larger transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store reads and writes ledger state with its own transaction scope.
type Store interface {
	GetBalance(ctx context.Context, accountID string) (int64, error)
	Apply(ctx context.Context, params ApplyParams) (*Movement, error)
	History(ctx context.Context, accountID string, limit, offset int) ([]*Movement, error)
	ListByReference(ctx context.Context, refType, refID string) ([]*Movement, error)
}

// Apply adjusts an account balance and records the movement using the
// given transaction handle. On ErrInsufficientBalance the balance row
// has already been decremented inside db; the caller MUST roll back.
func Apply(ctx context.Context, db DBTX, p ApplyParams) (*Movement, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	delta := p.AmountMinor
	if p.Direction == DirectionDebit {
		delta = -delta
	}

	var balanceAfter int64
	err := db.QueryRowContext(ctx, `
		UPDATE accounts
		SET balance_minor = balance_minor + $2, updated_at = NOW()
		WHERE id = $1
		RETURNING balance_minor
	`, p.AccountID, delta).Scan(&balanceAfter)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		// The CHECK constraint on balance_minor rejects overdrafts
		// before the row is even written.
		if isCheckViolation(err) {
			return nil, ErrInsufficientBalance
		}
		return nil, err
	}

	if balanceAfter < 0 {
		return nil, ErrInsufficientBalance
	}

	m := &Movement{
		ID:                newMovementID(),
		AccountID:         p.AccountID,
		Direction:         p.Direction,
		AmountMinor:       p.AmountMinor,
		BalanceAfterMinor: balanceAfter,
		ReferenceType:     p.ReferenceType,
		ReferenceID:       p.ReferenceID,
		Description:       p.Description,
		Metadata:          p.Metadata,
		CreatedAt:         time.Now().UTC(),
	}

	meta, err := marshalMetadata(p.Metadata)
	if err != nil {
		return nil, err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO movements
			(id, account_id, direction, amount_minor, balance_after_minor,
			 reference_type, reference_id, description, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, m.ID, m.AccountID, string(m.Direction), m.AmountMinor, m.BalanceAfterMinor,
		nullStr(m.ReferenceType), nullStr(m.ReferenceID), nullStr(m.Description),
		meta, m.CreatedAt)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func marshalMetadata(md map[string]string) ([]byte, error) {
	if len(md) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(md)
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
