package topup

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/mbd888/canopy/internal/ledger"
)

// PostgresStore implements Store with PostgreSQL. Crediting operations
// run in Serializable transactions so the status flip and the ledger
// movement commit or abort together.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed top-up store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const topupColumns = `
	id, account_id, type, amount_minor, status,
	COALESCE(gateway_order_id, ''), COALESCE(gateway_payment_id, ''),
	COALESCE(crypto_tx_hash, ''), COALESCE(expected_crypto_amount::text, ''),
	COALESCE(expected_crypto_symbol, ''), COALESCE(deposit_address, ''),
	expires_at, COALESCE(error_message, ''), created_at, updated_at`

func (p *PostgresStore) begin(ctx context.Context) (*sql.Tx, error) {
	return p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
}

// Create inserts a top-up.
func (p *PostgresStore) Create(ctx context.Context, t *Topup) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO topups
			(id, account_id, type, amount_minor, status,
			 expected_crypto_amount, expected_crypto_symbol, deposit_address,
			 expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`, t.ID, t.AccountID, string(t.Type), t.AmountMinor, string(t.Status),
		nullStr(t.ExpectedCryptoAmount), nullStr(t.ExpectedCryptoSymbol),
		nullStr(t.DepositAddress), t.ExpiresAt, t.CreatedAt)
	return err
}

// AttachOrder writes the gateway order ID onto a pending top-up.
func (p *PostgresStore) AttachOrder(ctx context.Context, id, gatewayOrderID string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE topups
		SET gateway_order_id = $2, updated_at = NOW()
		WHERE id = $1 AND gateway_order_id IS NULL
	`, id, gatewayOrderID)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns a top-up by ID.
func (p *PostgresStore) Get(ctx context.Context, id string) (*Topup, error) {
	return scanTopup(p.db.QueryRowContext(ctx,
		`SELECT `+topupColumns+` FROM topups WHERE id = $1`, id))
}

// GetByGatewayOrderID returns the top-up owning a gateway order.
func (p *PostgresStore) GetByGatewayOrderID(ctx context.Context, orderID string) (*Topup, error) {
	return scanTopup(p.db.QueryRowContext(ctx,
		`SELECT `+topupColumns+` FROM topups WHERE gateway_order_id = $1`, orderID))
}

// ListByAccount returns an account's top-ups, newest first.
func (p *PostgresStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]*Topup, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+topupColumns+` FROM topups
		 WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Topup
	for rows.Next() {
		t, err := scanTopupRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// MarkCaptured flips PENDING to SUCCEEDED and credits the account in
// the same transaction. The status guard makes webhook replays a no-op.
func (p *PostgresStore) MarkCaptured(ctx context.Context, orderID, paymentID string) (*Topup, bool, error) {
	tx, err := p.begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	var id, accountID string
	var amount int64
	err = tx.QueryRowContext(ctx, `
		UPDATE topups
		SET status = $2, gateway_payment_id = $3, updated_at = NOW()
		WHERE gateway_order_id = $1 AND status = $4
		RETURNING id, account_id, amount_minor
	`, orderID, string(StatusSucceeded), paymentID, string(StatusPending)).
		Scan(&id, &accountID, &amount)
	if err == sql.ErrNoRows {
		// Not pending: either unknown or a replay. Distinguish with a
		// plain read.
		t, gerr := p.GetByGatewayOrderID(ctx, orderID)
		if gerr != nil {
			return nil, false, gerr
		}
		return t, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if _, err := ledger.Apply(ctx, tx, ledger.ApplyParams{
		AccountID:     accountID,
		Direction:     ledger.DirectionCredit,
		AmountMinor:   amount,
		ReferenceType: ledger.RefTopup,
		ReferenceID:   id,
		Description:   "gateway topup",
	}); err != nil {
		return nil, false, err
	}

	t, err := scanTopup(tx.QueryRowContext(ctx,
		`SELECT `+topupColumns+` FROM topups WHERE id = $1`, id))
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return t, true, nil
}

// ConfirmCrypto flips PENDING to SUCCEEDED, records the deposit tx
// hash, and credits the account in the same transaction. The unique
// index on crypto_tx_hash rejects a hash claimed by another top-up.
func (p *PostgresStore) ConfirmCrypto(ctx context.Context, id, txHash string) (*Topup, error) {
	tx, err := p.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var accountID string
	var amount int64
	err = tx.QueryRowContext(ctx, `
		UPDATE topups
		SET status = $2, crypto_tx_hash = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
		RETURNING account_id, amount_minor
	`, id, string(StatusSucceeded), txHash, string(StatusPending)).
		Scan(&accountID, &amount)
	if err == sql.ErrNoRows {
		return nil, ErrAlreadyFinal
	}
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return nil, ErrDuplicateTxHash
		}
		return nil, err
	}

	if _, err := ledger.Apply(ctx, tx, ledger.ApplyParams{
		AccountID:     accountID,
		Direction:     ledger.DirectionCredit,
		AmountMinor:   amount,
		ReferenceType: ledger.RefTopup,
		ReferenceID:   id,
		Description:   "crypto deposit",
	}); err != nil {
		return nil, err
	}

	t, err := scanTopup(tx.QueryRowContext(ctx,
		`SELECT `+topupColumns+` FROM topups WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return t, nil
}

// MarkFailed flips a non-terminal top-up to FAILED.
func (p *PostgresStore) MarkFailed(ctx context.Context, id, reason string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE topups
		SET status = $2, error_message = $3, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($4, $5)
	`, id, string(StatusFailed), reason, string(StatusSucceeded), string(StatusFailed))
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrAlreadyFinal
	}
	return nil
}

func scanTopup(row *sql.Row) (*Topup, error) {
	t, err := scanTopupRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTopupRow(row rowScanner) (*Topup, error) {
	var t Topup
	var typ, status string
	var expires sql.NullTime
	err := row.Scan(&t.ID, &t.AccountID, &typ, &t.AmountMinor, &status,
		&t.GatewayOrderID, &t.GatewayPaymentID, &t.CryptoTxHash,
		&t.ExpectedCryptoAmount, &t.ExpectedCryptoSymbol, &t.DepositAddress,
		&expires, &t.ErrorMessage, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Type = Type(typ)
	t.Status = Status(status)
	if expires.Valid {
		e := expires.Time.UTC()
		t.ExpiresAt = &e
	}
	return &t, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
