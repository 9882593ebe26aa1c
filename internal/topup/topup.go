// Package topup funds internal wallet balances.
//
// Two funding types: GATEWAY top-ups follow the card gateway's
// order-then-webhook flow, and CRYPTO top-ups issue a deposit intent
// against the hot wallet that an operator confirms once the deposit
// lands. Either way the balance credit and the SUCCEEDED flip commit
// in the same transaction.
package topup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/canopy/internal/idgen"
)

var (
	ErrNotFound        = errors.New("topup not found")
	ErrAlreadyFinal    = errors.New("topup already in a terminal state")
	ErrExpired         = errors.New("topup intent expired")
	ErrDuplicateTxHash = errors.New("deposit transaction already claimed")
)

// ValidationError rejects a top-up request before any state is written.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("topup: %s: %s", e.Code, e.Message)
}

// Type is the funding source.
type Type string

const (
	TypeGateway Type = "GATEWAY"
	TypeCrypto  Type = "CRYPTO"
)

// Status of a top-up.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSucceeded  Status = "SUCCEEDED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Topup is one wallet funding attempt.
type Topup struct {
	ID          string `json:"id"`
	AccountID   string `json:"accountId"`
	Type        Type   `json:"type"`
	AmountMinor int64  `json:"amountMinor"`
	Status      Status `json:"status"`

	// Gateway funding.
	GatewayOrderID   string `json:"gatewayOrderId,omitempty"`
	GatewayPaymentID string `json:"gatewayPaymentId,omitempty"`

	// Crypto funding.
	CryptoTxHash         string     `json:"cryptoTxHash,omitempty"`
	ExpectedCryptoAmount string     `json:"expectedCryptoAmount,omitempty"`
	ExpectedCryptoSymbol string     `json:"expectedCryptoSymbol,omitempty"`
	DepositAddress       string     `json:"depositAddress,omitempty"`
	ExpiresAt            *time.Time `json:"expiresAt,omitempty"`

	ErrorMessage string    `json:"errorMessage,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// NewID generates a top-up ID.
func NewID() string {
	return idgen.WithPrefix("top_")
}

// Store persists top-ups. Crediting operations bundle the status flip
// and the ledger movement in one transaction.
type Store interface {
	Create(ctx context.Context, t *Topup) error

	// AttachOrder writes the gateway order ID onto a pending top-up.
	AttachOrder(ctx context.Context, id, gatewayOrderID string) error

	Get(ctx context.Context, id string) (*Topup, error)
	GetByGatewayOrderID(ctx context.Context, orderID string) (*Topup, error)
	ListByAccount(ctx context.Context, accountID string, limit int) ([]*Topup, error)

	// MarkCaptured flips a PENDING gateway top-up to SUCCEEDED and
	// credits the account in the same transaction. Replays against an
	// already-settled top-up return (topup, false, nil).
	MarkCaptured(ctx context.Context, orderID, paymentID string) (*Topup, bool, error)

	// ConfirmCrypto flips a PENDING crypto intent to SUCCEEDED, records
	// the deposit tx hash, and credits the account in the same
	// transaction. A hash already claimed by another top-up returns
	// ErrDuplicateTxHash.
	ConfirmCrypto(ctx context.Context, id, txHash string) (*Topup, error)

	// MarkFailed flips a non-terminal top-up to FAILED.
	MarkFailed(ctx context.Context, id, reason string) error
}
