package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/canopy/internal/logging"
	"github.com/mbd888/canopy/internal/metrics"
)

// Executor runs two-step fulfillments through a single execution lane.
// The custodial wallet has one nonce sequence, so concurrent
// fulfillments must not interleave their transactions.
type Executor struct {
	signer  *Signer
	lane    chan struct{}
	timeout time.Duration
}

// NewExecutor wraps a signer with the serialized execution lane.
func NewExecutor(signer *Signer) *Executor {
	lane := make(chan struct{}, 1)
	lane <- struct{}{} // Start unlocked.
	return &Executor{
		signer:  signer,
		lane:    lane,
		timeout: DefaultConfirmationTimeout,
	}
}

// acquireLane blocks until the execution lane is free or ctx is done.
func (e *Executor) acquireLane(ctx context.Context) (func(), error) {
	metrics.SignerLaneWaiters.Inc()
	defer metrics.SignerLaneWaiters.Dec()

	select {
	case <-e.lane:
		return func() { e.lane <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Fulfill executes the two-step settlement for a purchase: buy units
// off the listing, then transfer the asset tokens to the buyer.
//
// Outcomes:
//   - nil error: both transactions confirmed
//   - *ChainError: nothing irreversible happened, safe to retry
//   - *AmbiguousError: the buy was broadcast but its fate is unknown;
//     the caller must leave the purchase open for re-drive
//   - *PartialError: the buy was mined but the transfer was not;
//     carries the buy tx hash for operator reconciliation
func (e *Executor) Fulfill(ctx context.Context, listingID uint64, units int64, buyer string) (*Fulfillment, error) {
	release, err := e.acquireLane(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	log := logging.L(ctx)

	// Step 1: consume units on the marketplace listing.
	buyData, err := e.signer.marketplaceABI.Pack("buy",
		new(big.Int).SetUint64(listingID), big.NewInt(units))
	if err != nil {
		return nil, &ChainError{Op: "buy_pack", Err: err}
	}

	buyStart := time.Now()
	buySubmit, err := e.signer.submit(ctx, "buy", e.signer.marketplace, buyData)
	if err != nil {
		metrics.ChainOperationsTotal.WithLabelValues("buy", "error").Inc()
		return nil, err
	}

	buyRes, err := e.signer.WaitForConfirmation(ctx, "buy", buySubmit.TxHash, e.timeout)
	if err != nil {
		metrics.ChainOperationsTotal.WithLabelValues("buy", "error").Inc()
		// A reverted buy comes back as a ChainError and consumed
		// nothing; a confirmation timeout comes back as an
		// AmbiguousError carrying the tx hash, since the buy may
		// still mine.
		return nil, err
	}
	metrics.ChainOperationsTotal.WithLabelValues("buy", "ok").Inc()
	metrics.ChainConfirmationDuration.WithLabelValues("buy").Observe(time.Since(buyStart).Seconds())

	log.Info("marketplace buy confirmed",
		"listing", listingID, "units", units, "tx", buyRes.TxHash, "block", buyRes.BlockNumber)

	// Step 2: transfer the purchased asset tokens to the buyer. Any
	// failure from here on is a partial fulfillment.
	transferData, err := e.signer.assetTokenABI.Pack("transfer",
		common.HexToAddress(buyer), big.NewInt(units))
	if err != nil {
		metrics.ChainOperationsTotal.WithLabelValues("transfer", "error").Inc()
		return nil, &PartialError{BuyTxHash: buyRes.TxHash, Err: err}
	}

	transferStart := time.Now()
	transferSubmit, err := e.signer.submit(ctx, "transfer", e.signer.assetToken, transferData)
	if err != nil {
		metrics.ChainOperationsTotal.WithLabelValues("transfer", "error").Inc()
		return nil, &PartialError{BuyTxHash: buyRes.TxHash, Err: err}
	}

	transferRes, err := e.signer.WaitForConfirmation(ctx, "transfer", transferSubmit.TxHash, e.timeout)
	if err != nil {
		metrics.ChainOperationsTotal.WithLabelValues("transfer", "error").Inc()
		return nil, &PartialError{BuyTxHash: buyRes.TxHash, Err: err}
	}
	metrics.ChainOperationsTotal.WithLabelValues("transfer", "ok").Inc()
	metrics.ChainConfirmationDuration.WithLabelValues("transfer").Observe(time.Since(transferStart).Seconds())

	log.Info("asset transfer confirmed",
		"buyer", buyer, "units", units, "tx", transferRes.TxHash, "block", transferRes.BlockNumber)

	return &Fulfillment{
		BuyTxHash:      buyRes.TxHash,
		TransferTxHash: transferRes.TxHash,
		BuyBlock:       buyRes.BlockNumber,
		TransferBlock:  transferRes.BlockNumber,
		GasUsed:        buyRes.GasUsed + transferRes.GasUsed,
	}, nil
}
