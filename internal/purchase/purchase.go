// Package purchase orchestrates the settlement of asset purchases.
//
// A purchase moves through a small state machine:
//
//	PENDING_PAYMENT → PAID → FULFILLING → FULFILLED
//
// with FAILED reachable from every non-terminal state. Wallet-funded
// purchases pay synchronously from the internal balance and enter
// directly at FULFILLING. Terminal states are never left.
//
// Database transitions are transactional; the on-chain leg is not and
// cannot be rolled back, so its outcome is one of fulfilled, clean
// failure, ambiguous (left FULFILLING for re-drive), or partial
// failure, and every transition appends to an immutable event log for
// reconciliation.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/canopy/internal/idgen"
)

var (
	ErrNotFound       = errors.New("purchase not found")
	ErrAlreadyFinal   = errors.New("purchase already in a terminal state")
	ErrWrongState     = errors.New("purchase not in a fulfillable state")
	ErrDuplicateOrder = errors.New("gateway order already attached to a purchase")
)

// ValidationError rejects a purchase request before any state is
// written.
type ValidationError struct {
	Code    string // stable machine-readable code
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("purchase: %s: %s", e.Code, e.Message)
}

// GatewayError reports a failed interaction with the payment gateway.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("purchase: gateway %s failed: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Status of a purchase.
type Status string

const (
	StatusPendingPayment Status = "PENDING_PAYMENT"
	StatusPaid           Status = "PAID"
	StatusFulfilling     Status = "FULFILLING"
	StatusFulfilled      Status = "FULFILLED"
	StatusFailed         Status = "FAILED"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusFulfilled || s == StatusFailed
}

// Channel is how the purchase is funded.
type Channel string

const (
	ChannelGateway Channel = "GATEWAY"
	ChannelWallet  Channel = "WALLET"
)

// Purchase is one buy transaction for asset units against a listing.
// Never deleted; events are append-only.
type Purchase struct {
	ID                 string    `json:"id"`
	BuyerAccountID     string    `json:"buyerAccountId"`
	BuyerChainAddress  string    `json:"buyerChainAddress"`
	ListingID          uint64    `json:"listingId"`
	AssetUnits         int64     `json:"assetUnits"`
	UnitPriceMinor     int64     `json:"unitPriceMinor"`
	TotalMinor         int64     `json:"totalMinor"`
	SellerChainAddress string    `json:"sellerChainAddress"`
	SellerAccountID    string    `json:"sellerAccountId"`
	Channel            Channel   `json:"channel"`
	Status             Status    `json:"status"`
	GatewayOrderID     string    `json:"gatewayOrderId,omitempty"`
	GatewayPaymentID   string    `json:"gatewayPaymentId,omitempty"`
	BuyTxHash          string    `json:"buyTxHash,omitempty"`
	TransferTxHash     string    `json:"transferTxHash,omitempty"`
	FailureReason      string    `json:"failureReason,omitempty"`
	Events             []Event   `json:"events"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// NewID generates a purchase ID.
func NewID() string {
	return idgen.WithPrefix("pur_")
}

// Store persists purchases. Mutating operations are composite: each
// bundles the status transition with its associated ledger movement
// in one database transaction, so both commit or neither does.
type Store interface {
	// CreatePendingPayment inserts a gateway-channel purchase at
	// PENDING_PAYMENT. No money moves yet.
	CreatePendingPayment(ctx context.Context, p *Purchase) error

	// AttachOrder writes the gateway order ID onto a pending purchase
	// before the create call returns, so a webhook can never race a
	// purchase without an order id.
	AttachOrder(ctx context.Context, id, gatewayOrderID string, ev Event) error

	// CreateWalletFunded inserts a wallet-channel purchase at
	// FULFILLING and debits the buyer for TotalMinor in the same
	// transaction. Insufficient balance aborts the whole insert.
	CreateWalletFunded(ctx context.Context, p *Purchase) error

	Get(ctx context.Context, id string) (*Purchase, error)
	GetByGatewayOrderID(ctx context.Context, orderID string) (*Purchase, error)
	ListByBuyer(ctx context.Context, accountID string, limit int) ([]*Purchase, error)

	// MarkPaid flips PENDING_PAYMENT to PAID. Replays against a
	// purchase at PAID or beyond return (purchase, false, nil).
	MarkPaid(ctx context.Context, orderID, paymentID string, ev Event) (*Purchase, bool, error)

	// FailPendingPayment flips the purchase owning orderID to FAILED
	// only while it is still PENDING_PAYMENT. A purchase that already
	// advanced past payment is returned unchanged with false, so a
	// stale failure event can never clobber a captured payment.
	FailPendingPayment(ctx context.Context, orderID, reason string, ev Event) (*Purchase, bool, error)

	// BeginFulfillment flips PAID to FULFILLING.
	BeginFulfillment(ctx context.Context, id string, ev Event) error

	// CompleteFulfillment flips FULFILLING to FULFILLED, records both
	// tx hashes, and credits the seller in the same transaction.
	CompleteFulfillment(ctx context.Context, id, buyTxHash, transferTxHash string, ev Event) error

	// MarkFailed flips any non-terminal status to FAILED. When
	// refundBuyer is set the buyer's debit is credited back in the
	// same transaction. buyTxHash, if non-empty, records a partial
	// fulfillment.
	MarkFailed(ctx context.Context, id, reason, buyTxHash string, refundBuyer bool, ev Event) error
}
