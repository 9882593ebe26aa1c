package purchase

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/mbd888/canopy/internal/ledger"
)

// PostgresStore implements Store with PostgreSQL. Composite operations
// run in Serializable transactions so the status transition and its
// ledger movement commit or abort together.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed purchase store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const purchaseColumns = `
	id, buyer_account_id, buyer_chain_address, listing_id, asset_units,
	unit_price_minor, total_minor, seller_chain_address,
	COALESCE(seller_account_id, ''), channel, status,
	COALESCE(gateway_order_id, ''), COALESCE(gateway_payment_id, ''),
	COALESCE(buy_tx_hash, ''), COALESCE(transfer_tx_hash, ''),
	COALESCE(failure_reason, ''), events, created_at, updated_at`

func (p *PostgresStore) begin(ctx context.Context) (*sql.Tx, error) {
	return p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
}

// CreatePendingPayment inserts a gateway-channel purchase.
func (p *PostgresStore) CreatePendingPayment(ctx context.Context, pur *Purchase) error {
	events, err := eventsJSON(pur.Events)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO purchases
			(id, buyer_account_id, buyer_chain_address, listing_id, asset_units,
			 unit_price_minor, total_minor, seller_chain_address, seller_account_id,
			 channel, status, events, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
	`, pur.ID, pur.BuyerAccountID, pur.BuyerChainAddress, pur.ListingID, pur.AssetUnits,
		pur.UnitPriceMinor, pur.TotalMinor, pur.SellerChainAddress, nullStr(pur.SellerAccountID),
		string(pur.Channel), string(pur.Status), events, pur.CreatedAt)
	return err
}

// AttachOrder writes the gateway order ID onto a pending purchase.
func (p *PostgresStore) AttachOrder(ctx context.Context, id, gatewayOrderID string, ev Event) error {
	evJSON, err := json.Marshal([]Event{ev})
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE purchases
		SET gateway_order_id = $2, events = events || $3::jsonb, updated_at = NOW()
		WHERE id = $1 AND gateway_order_id IS NULL
	`, id, gatewayOrderID, evJSON)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicateOrder
		}
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateWalletFunded inserts a FULFILLING purchase and debits the
// buyer in one transaction. Insufficient balance aborts both.
func (p *PostgresStore) CreateWalletFunded(ctx context.Context, pur *Purchase) error {
	tx, err := p.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	events, err := eventsJSON(pur.Events)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO purchases
			(id, buyer_account_id, buyer_chain_address, listing_id, asset_units,
			 unit_price_minor, total_minor, seller_chain_address, seller_account_id,
			 channel, status, events, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
	`, pur.ID, pur.BuyerAccountID, pur.BuyerChainAddress, pur.ListingID, pur.AssetUnits,
		pur.UnitPriceMinor, pur.TotalMinor, pur.SellerChainAddress, nullStr(pur.SellerAccountID),
		string(pur.Channel), string(pur.Status), events, pur.CreatedAt)
	if err != nil {
		return err
	}

	if _, err := ledger.Apply(ctx, tx, ledger.ApplyParams{
		AccountID:     pur.BuyerAccountID,
		Direction:     ledger.DirectionDebit,
		AmountMinor:   pur.TotalMinor,
		ReferenceType: ledger.RefPurchase,
		ReferenceID:   pur.ID,
		Description:   "wallet-funded purchase",
	}); err != nil {
		return err
	}

	return tx.Commit()
}

// Get returns a purchase by ID.
func (p *PostgresStore) Get(ctx context.Context, id string) (*Purchase, error) {
	return scanPurchase(p.db.QueryRowContext(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE id = $1`, id))
}

// GetByGatewayOrderID returns the purchase owning a gateway order.
func (p *PostgresStore) GetByGatewayOrderID(ctx context.Context, orderID string) (*Purchase, error) {
	return scanPurchase(p.db.QueryRowContext(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE gateway_order_id = $1`, orderID))
}

// ListByBuyer returns a buyer's purchases, newest first.
func (p *PostgresStore) ListByBuyer(ctx context.Context, accountID string, limit int) ([]*Purchase, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+purchaseColumns+` FROM purchases
		 WHERE buyer_account_id = $1 ORDER BY created_at DESC LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Purchase
	for rows.Next() {
		pur, err := scanPurchaseRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pur)
	}
	return out, rows.Err()
}

// MarkPaid flips PENDING_PAYMENT to PAID. The status guard in the
// UPDATE makes webhook replays a no-op.
func (p *PostgresStore) MarkPaid(ctx context.Context, orderID, paymentID string, ev Event) (*Purchase, bool, error) {
	evJSON, err := json.Marshal([]Event{ev})
	if err != nil {
		return nil, false, err
	}

	tx, err := p.begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE purchases
		SET status = $2, gateway_payment_id = $3, events = events || $4::jsonb, updated_at = NOW()
		WHERE gateway_order_id = $1 AND status = $5
	`, orderID, string(StatusPaid), paymentID, evJSON, string(StatusPendingPayment))
	if err != nil {
		return nil, false, err
	}
	transitioned, _ := res.RowsAffected()

	pur, err := scanPurchase(tx.QueryRowContext(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE gateway_order_id = $1`, orderID))
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return pur, transitioned == 1, nil
}

// FailPendingPayment flips PENDING_PAYMENT to FAILED. The status
// guard in the UPDATE keeps an out-of-order failure event from
// clobbering a purchase whose payment was already captured.
func (p *PostgresStore) FailPendingPayment(ctx context.Context, orderID, reason string, ev Event) (*Purchase, bool, error) {
	evJSON, err := json.Marshal([]Event{ev})
	if err != nil {
		return nil, false, err
	}

	tx, err := p.begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE purchases
		SET status = $2, failure_reason = $3, events = events || $4::jsonb, updated_at = NOW()
		WHERE gateway_order_id = $1 AND status = $5
	`, orderID, string(StatusFailed), reason, evJSON, string(StatusPendingPayment))
	if err != nil {
		return nil, false, err
	}
	transitioned, _ := res.RowsAffected()

	pur, err := scanPurchase(tx.QueryRowContext(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE gateway_order_id = $1`, orderID))
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return pur, transitioned == 1, nil
}

// BeginFulfillment flips PAID to FULFILLING.
func (p *PostgresStore) BeginFulfillment(ctx context.Context, id string, ev Event) error {
	evJSON, err := json.Marshal([]Event{ev})
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE purchases
		SET status = $2, events = events || $3::jsonb, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, string(StatusFulfilling), evJSON, string(StatusPaid))
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrWrongState
	}
	return nil
}

// CompleteFulfillment flips FULFILLING to FULFILLED and credits the
// seller in the same transaction.
func (p *PostgresStore) CompleteFulfillment(ctx context.Context, id, buyTxHash, transferTxHash string, ev Event) error {
	evJSON, err := json.Marshal([]Event{ev})
	if err != nil {
		return err
	}

	tx, err := p.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var sellerID sql.NullString
	var total int64
	err = tx.QueryRowContext(ctx, `
		UPDATE purchases
		SET status = $2, buy_tx_hash = $3, transfer_tx_hash = $4,
		    events = events || $5::jsonb, updated_at = NOW()
		WHERE id = $1 AND status = $6
		RETURNING seller_account_id, total_minor
	`, id, string(StatusFulfilled), buyTxHash, transferTxHash, evJSON, string(StatusFulfilling)).
		Scan(&sellerID, &total)
	if err == sql.ErrNoRows {
		return ErrWrongState
	}
	if err != nil {
		return err
	}
	if !sellerID.Valid || sellerID.String == "" {
		return fmt.Errorf("purchase %s has no seller account", id)
	}

	if _, err := ledger.Apply(ctx, tx, ledger.ApplyParams{
		AccountID:     sellerID.String,
		Direction:     ledger.DirectionCredit,
		AmountMinor:   total,
		ReferenceType: ledger.RefPurchase,
		ReferenceID:   id,
		Description:   "purchase proceeds",
	}); err != nil {
		return err
	}

	return tx.Commit()
}

// MarkFailed flips a non-terminal purchase to FAILED, optionally
// refunding the buyer's debit in the same transaction.
func (p *PostgresStore) MarkFailed(ctx context.Context, id, reason, buyTxHash string, refundBuyer bool, ev Event) error {
	evJSON, err := json.Marshal([]Event{ev})
	if err != nil {
		return err
	}

	tx, err := p.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var buyerID string
	var total int64
	err = tx.QueryRowContext(ctx, `
		UPDATE purchases
		SET status = $2, failure_reason = $3,
		    buy_tx_hash = COALESCE(NULLIF($4, ''), buy_tx_hash),
		    events = events || $5::jsonb, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($6, $7)
		RETURNING buyer_account_id, total_minor
	`, id, string(StatusFailed), reason, buyTxHash, evJSON,
		string(StatusFulfilled), string(StatusFailed)).
		Scan(&buyerID, &total)
	if err == sql.ErrNoRows {
		return ErrAlreadyFinal
	}
	if err != nil {
		return err
	}

	if refundBuyer {
		if _, err := ledger.Apply(ctx, tx, ledger.ApplyParams{
			AccountID:     buyerID,
			Direction:     ledger.DirectionCredit,
			AmountMinor:   total,
			ReferenceType: ledger.RefRefund,
			ReferenceID:   id,
			Description:   "purchase refund",
		}); err != nil {
			return err
		}
	}

	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPurchase(row *sql.Row) (*Purchase, error) {
	pur, err := scanPurchaseRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return pur, err
}

func scanPurchaseRow(row rowScanner) (*Purchase, error) {
	var pur Purchase
	var channel, status string
	var events []byte
	err := row.Scan(&pur.ID, &pur.BuyerAccountID, &pur.BuyerChainAddress, &pur.ListingID,
		&pur.AssetUnits, &pur.UnitPriceMinor, &pur.TotalMinor, &pur.SellerChainAddress,
		&pur.SellerAccountID, &channel, &status, &pur.GatewayOrderID, &pur.GatewayPaymentID,
		&pur.BuyTxHash, &pur.TransferTxHash, &pur.FailureReason, &events,
		&pur.CreatedAt, &pur.UpdatedAt)
	if err != nil {
		return nil, err
	}
	pur.Channel = Channel(channel)
	pur.Status = Status(status)
	if len(events) > 0 {
		if err := json.Unmarshal(events, &pur.Events); err != nil {
			return nil, fmt.Errorf("unmarshal purchase events: %w", err)
		}
	}
	return &pur, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
