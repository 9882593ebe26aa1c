// Package chain executes on-chain settlement through a custodial hot
// wallet.
//
// Fulfillment is a two-step sequence against two contracts: a buy call
// on the marketplace, then an asset token transfer to the buyer. Both
// steps are irreversible once mined, so the outcome is one of:
// fulfilled, failed cleanly (nothing mined), ambiguous (broadcast but
// unconfirmed, may still mine), or partial (buy mined but transfer did
// not). Ambiguous outcomes must stay open for re-drive; partial
// outcomes carry the buy transaction hash for reconciliation and must
// never be retried blindly.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrTransactionFailed = errors.New("chain: transaction reverted")
	ErrTimeout           = errors.New("chain: operation timed out")
	ErrRPCConnection     = errors.New("chain: RPC connection failed")
	ErrListingNotFound   = errors.New("chain: listing not found")
)

// ChainError wraps a failed on-chain operation with context.
type ChainError struct {
	Op     string // Operation that failed
	TxHash string // Transaction hash if available
	Err    error  // Underlying error
}

func (e *ChainError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *ChainError) Unwrap() error { return e.Err }

// PartialError reports a fulfillment where the marketplace buy was
// mined but the asset transfer to the buyer was not. Units have been
// consumed on the listing while the buyer holds nothing, so recovery
// needs an operator, not a retry.
type PartialError struct {
	BuyTxHash string
	Err       error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("chain: partial fulfillment (buy tx: %s): %v", e.BuyTxHash, e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }

// AmbiguousError reports an operation whose transaction was broadcast
// but whose fate is unknown: confirmation timed out, or the caller's
// context ended while the transaction could still mine. Callers must
// not settle or refund on its account; the operation has to stay open
// until the outcome is observable.
type AmbiguousError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("chain: %s outcome unknown (tx: %s): %v", e.Op, e.TxHash, e.Err)
}

func (e *AmbiguousError) Unwrap() error { return e.Err }

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Minimal ABIs for the two settlement contracts.
const marketplaceABI = `[
	{"inputs":[{"name":"listingId","type":"uint256"},{"name":"units","type":"uint256"}],"name":"buy","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"listingId","type":"uint256"}],"name":"listings","outputs":[{"name":"seller","type":"address"},{"name":"remaining","type":"uint256"},{"name":"unitPrice","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

const assetTokenABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

const (
	// DefaultGasLimit for contract calls when estimation fails
	DefaultGasLimit = uint64(200000)

	// DefaultConfirmationTimeout for waiting on transactions
	DefaultConfirmationTimeout = 60 * time.Second

	// ConfirmationPollInterval between receipt checks
	ConfirmationPollInterval = 2 * time.Second
)

// Listing is the on-chain state of one marketplace listing.
type Listing struct {
	ID             uint64
	Seller         string
	RemainingUnits int64
	UnitPriceMinor int64
}

// Fulfillment is the record of a completed two-step settlement.
type Fulfillment struct {
	BuyTxHash      string
	TransferTxHash string
	BuyBlock       uint64
	TransferBlock  uint64
	GasUsed        uint64
}

// TxResult contains details of one confirmed transaction.
type TxResult struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
	Nonce       uint64
}
