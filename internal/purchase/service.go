package purchase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/mbd888/canopy/internal/account"
	"github.com/mbd888/canopy/internal/chain"
	"github.com/mbd888/canopy/internal/gateway"
	"github.com/mbd888/canopy/internal/logging"
	"github.com/mbd888/canopy/internal/metrics"
	"github.com/mbd888/canopy/internal/traces"
	"github.com/mbd888/canopy/internal/validation"
)

// ListingFetcher reads live listing state from the chain. It is
// consulted immediately before money moves; listing data is never
// cached across the payment wait.
type ListingFetcher interface {
	FetchListing(ctx context.Context, listingID uint64) (*chain.Listing, error)
}

// Executor runs the two-step on-chain settlement.
type Executor interface {
	Fulfill(ctx context.Context, listingID uint64, units int64, buyer string) (*chain.Fulfillment, error)
}

// Resolver maps a seller's chain address to an internal account.
type Resolver interface {
	Resolve(ctx context.Context, addr string) (*account.Account, error)
}

// Emitter broadcasts purchase lifecycle events to live subscribers.
type Emitter interface {
	EmitPurchase(p *Purchase, eventType string)
}

// Service is the purchase orchestrator. It is the only component that
// decides purchase status transitions.
type Service struct {
	store    Store
	listings ListingFetcher
	orders   gateway.OrderCreator
	executor Executor
	resolver Resolver
	emitter  Emitter // optional
	currency string
	logger   *slog.Logger

	// fulfillTimeout bounds a detached gateway-channel fulfillment.
	fulfillTimeout time.Duration
}

// NewService wires the orchestrator.
func NewService(store Store, listings ListingFetcher, orders gateway.OrderCreator,
	executor Executor, resolver Resolver, currency string, logger *slog.Logger) *Service {
	return &Service{
		store:          store,
		listings:       listings,
		orders:         orders,
		executor:       executor,
		resolver:       resolver,
		currency:       currency,
		logger:         logger,
		fulfillTimeout: 5 * time.Minute,
	}
}

// SetEmitter attaches a live event broadcaster.
func (s *Service) SetEmitter(e Emitter) {
	s.emitter = e
}

func (s *Service) emit(p *Purchase, eventType string) {
	if s.emitter != nil {
		s.emitter.EmitPurchase(p, eventType)
	}
}

// CreateParams describes a purchase request.
type CreateParams struct {
	BuyerAccountID    string
	BuyerChainAddress string
	ListingID         uint64
	AssetUnits        int64
	Channel           Channel
}

// CreateResult is the outcome of Create. Order is set only for the
// gateway channel, where the buyer still has to pay.
type CreateResult struct {
	Purchase *Purchase
	Order    *gateway.Order
}

// Create starts a purchase on either channel.
//
// Gateway channel: the purchase is persisted at PENDING_PAYMENT and a
// gateway order is attached before returning, so a webhook can always
// correlate. Wallet channel: the buyer is debited and fulfillment
// runs synchronously; the caller gets the final state.
func (s *Service) Create(ctx context.Context, params CreateParams) (*CreateResult, error) {
	ctx, span := traces.StartSpan(ctx, "purchase.create",
		traces.AccountID(params.BuyerAccountID), traces.ListingID(params.ListingID))
	defer span.End()

	p, err := s.buildPurchase(ctx, params)
	if err != nil {
		return nil, err
	}

	switch params.Channel {
	case ChannelGateway:
		return s.createGateway(ctx, p)
	case ChannelWallet:
		return s.createWallet(ctx, p)
	default:
		return nil, &ValidationError{Code: "invalid_channel", Message: "channel must be GATEWAY or WALLET"}
	}
}

// buildPurchase validates the request against live listing state and
// assembles the unsaved record.
func (s *Service) buildPurchase(ctx context.Context, params CreateParams) (*Purchase, error) {
	if params.AssetUnits <= 0 {
		return nil, &ValidationError{Code: "invalid_units", Message: "assetUnits must be a positive integer"}
	}
	buyerAddr := validation.NormalizeAddress(params.BuyerChainAddress)
	if !validation.IsValidChainAddress(buyerAddr) {
		return nil, &ValidationError{Code: "invalid_address", Message: "buyerChainAddress is not a valid chain address"}
	}

	listing, err := s.listings.FetchListing(ctx, params.ListingID)
	if err != nil {
		if errors.Is(err, chain.ErrListingNotFound) {
			return nil, &ValidationError{Code: "unknown_listing", Message: "listing does not exist"}
		}
		return nil, fmt.Errorf("fetch listing %d: %w", params.ListingID, err)
	}
	if listing.RemainingUnits < params.AssetUnits {
		return nil, &ValidationError{Code: "insufficient_units",
			Message: fmt.Sprintf("listing has %d units remaining, requested %d", listing.RemainingUnits, params.AssetUnits)}
	}
	if listing.UnitPriceMinor > 0 && params.AssetUnits > math.MaxInt64/listing.UnitPriceMinor {
		return nil, &ValidationError{Code: "amount_too_large",
			Message: "purchase total exceeds the maximum representable amount"}
	}

	seller, err := s.resolver.Resolve(ctx, listing.Seller)
	if err != nil {
		return nil, fmt.Errorf("resolve seller %s: %w", listing.Seller, err)
	}

	now := time.Now().UTC()
	return &Purchase{
		ID:                 NewID(),
		BuyerAccountID:     params.BuyerAccountID,
		BuyerChainAddress:  buyerAddr,
		ListingID:          params.ListingID,
		AssetUnits:         params.AssetUnits,
		UnitPriceMinor:     listing.UnitPriceMinor,
		TotalMinor:         listing.UnitPriceMinor * params.AssetUnits,
		SellerChainAddress: validation.NormalizeAddress(listing.Seller),
		SellerAccountID:    seller.ID,
		Channel:            params.Channel,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

func (s *Service) createGateway(ctx context.Context, p *Purchase) (*CreateResult, error) {
	log := logging.L(ctx)

	p.Status = StatusPendingPayment
	if err := s.store.CreatePendingPayment(ctx, p); err != nil {
		return nil, fmt.Errorf("persist purchase: %w", err)
	}

	order, err := s.orders.CreateOrder(ctx, p.TotalMinor, s.currency, map[string]string{
		"referenceType": "purchase",
		"referenceId":   p.ID,
	})
	if err != nil {
		// No order means the buyer can never pay this purchase.
		// Close it out rather than leaving an orphan a webhook
		// could never match.
		reason := "gateway order creation failed"
		if ferr := s.store.MarkFailed(ctx, p.ID, reason, "", false,
			NewEvent(EventFailed, FailedDetail{Reason: reason})); ferr != nil {
			log.Error("failed to mark orderless purchase failed", "purchase", p.ID, "error", ferr)
		}
		metrics.PurchasesTotal.WithLabelValues(string(p.Channel), string(StatusFailed)).Inc()
		return nil, &GatewayError{Op: "create_order", Err: err}
	}

	ev := NewEvent(EventOrderCreated, OrderCreatedDetail{GatewayOrderID: order.ID, AmountMinor: p.TotalMinor})
	if err := s.store.AttachOrder(ctx, p.ID, order.ID, ev); err != nil {
		return nil, fmt.Errorf("attach gateway order: %w", err)
	}
	p.GatewayOrderID = order.ID
	p.Events = append(p.Events, ev)

	metrics.PurchasesTotal.WithLabelValues(string(p.Channel), string(StatusPendingPayment)).Inc()
	log.Info("purchase created awaiting payment",
		"purchase", p.ID, "listing", p.ListingID, "units", p.AssetUnits,
		"total", p.TotalMinor, "order", order.ID)
	s.emit(p, "created")

	return &CreateResult{Purchase: p, Order: order}, nil
}

func (s *Service) createWallet(ctx context.Context, p *Purchase) (*CreateResult, error) {
	log := logging.L(ctx)

	p.Status = StatusFulfilling
	p.Events = append(p.Events, NewEvent(EventFulfillmentStarted,
		FulfillmentStartedDetail{ListingID: p.ListingID, Units: p.AssetUnits}))

	// Insert and debit together. Insufficient balance leaves no
	// purchase behind.
	if err := s.store.CreateWalletFunded(ctx, p); err != nil {
		return nil, err
	}
	metrics.PurchasesTotal.WithLabelValues(string(p.Channel), string(StatusFulfilling)).Inc()
	log.Info("wallet purchase funded",
		"purchase", p.ID, "listing", p.ListingID, "units", p.AssetUnits, "total", p.TotalMinor)
	s.emit(p, "created")

	// Payment is settled; deliver synchronously.
	if err := s.fulfill(ctx, p); err != nil {
		return &CreateResult{Purchase: p}, err
	}
	return &CreateResult{Purchase: p}, nil
}

// HandlePaymentCaptured consumes a verified gateway capture event.
// Returns false when no purchase owns the order, so webhook dispatch
// can offer it elsewhere.
func (s *Service) HandlePaymentCaptured(ctx context.Context, orderID, paymentID string) (bool, error) {
	log := logging.L(ctx)

	p, transitioned, err := s.store.MarkPaid(ctx, orderID, paymentID,
		NewEvent(EventPaymentCaptured, PaymentCapturedDetail{GatewayPaymentID: paymentID}))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return true, err
	}
	if !transitioned {
		// Webhook replay against an already-advanced purchase.
		log.Info("duplicate capture webhook ignored", "purchase", p.ID, "status", p.Status)
		return true, nil
	}

	metrics.PurchasesTotal.WithLabelValues(string(p.Channel), string(StatusPaid)).Inc()
	log.Info("purchase paid", "purchase", p.ID, "order", orderID, "payment", paymentID)
	s.emit(p, "paid")

	// Fulfillment outlives the webhook request. Chain calls cannot be
	// cancelled once issued, so the detached context carries its own
	// timeout instead of the request's.
	go func() {
		fctx, cancel := context.WithTimeout(context.Background(), s.fulfillTimeout)
		defer cancel()
		fctx = logging.WithLogger(fctx, s.logger)

		if err := s.Fulfill(fctx, p.ID); err != nil {
			s.logger.Error("async fulfillment failed", "purchase", p.ID, "error", err)
		}
	}()

	return true, nil
}

// HandlePaymentFailed consumes a gateway failure event for a pending
// purchase. The transition is guarded in the store: a failure event
// delivered after the capture must not clobber a paid purchase.
func (s *Service) HandlePaymentFailed(ctx context.Context, orderID, reason string) (bool, error) {
	p, transitioned, err := s.store.FailPendingPayment(ctx, orderID, reason,
		NewEvent(EventFailed, FailedDetail{Reason: reason}))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return true, err
	}
	if !transitioned {
		logging.L(ctx).Info("failure webhook ignored, payment already advanced",
			"purchase", p.ID, "status", p.Status)
		return true, nil
	}

	metrics.PurchasesTotal.WithLabelValues(string(p.Channel), string(StatusFailed)).Inc()
	logging.L(ctx).Info("purchase failed at gateway", "purchase", p.ID, "reason", reason)
	s.emit(p, "failed")
	return true, nil
}

// Fulfill drives a purchase at PAID or FULFILLING through on-chain
// settlement. Also the operator re-drive entry point for purchases
// stuck at FULFILLING after a crash or timeout.
func (s *Service) Fulfill(ctx context.Context, purchaseID string) error {
	ctx, span := traces.StartSpan(ctx, "purchase.fulfill", traces.PurchaseID(purchaseID))
	defer span.End()

	p, err := s.store.Get(ctx, purchaseID)
	if err != nil {
		return err
	}

	switch p.Status {
	case StatusPaid:
		if err := s.store.BeginFulfillment(ctx, p.ID, NewEvent(EventFulfillmentStarted,
			FulfillmentStartedDetail{ListingID: p.ListingID, Units: p.AssetUnits})); err != nil {
			return err
		}
		p.Status = StatusFulfilling
	case StatusFulfilling:
		// Wallet-channel creation or an operator re-drive.
	case StatusFulfilled, StatusFailed:
		return ErrAlreadyFinal
	default:
		return fmt.Errorf("%w: status %s", ErrWrongState, p.Status)
	}

	return s.fulfill(ctx, p)
}

// fulfill runs the settlement for a purchase already at FULFILLING.
// Errors are recorded on the purchase and returned, never swallowed.
func (s *Service) fulfill(ctx context.Context, p *Purchase) error {
	log := logging.L(ctx)

	// The listing may have sold down between payment and now.
	listing, err := s.listings.FetchListing(ctx, p.ListingID)
	if err != nil {
		if !errors.Is(err, chain.ErrListingNotFound) {
			// Transient RPC failure; nothing is known about the
			// listing. The purchase stays FULFILLING for re-drive.
			log.Warn("listing re-check failed, purchase left open", "purchase", p.ID, "error", err)
			return fmt.Errorf("re-check listing %d for %s: %w", p.ListingID, p.ID, err)
		}
		// Nothing went on chain; a wallet buyer gets their debit back.
		reason := "listing no longer exists"
		if ferr := s.failPurchase(ctx, p, reason, "", p.Channel == ChannelWallet); ferr != nil {
			return ferr
		}
		return &ValidationError{Code: "listing_unavailable", Message: reason}
	}
	if listing.RemainingUnits < p.AssetUnits {
		reason := "listing no longer has enough remaining units"
		if ferr := s.failPurchase(ctx, p, reason, "", p.Channel == ChannelWallet); ferr != nil {
			return ferr
		}
		return &ValidationError{Code: "listing_unavailable", Message: reason}
	}

	result, err := s.executor.Fulfill(ctx, p.ListingID, p.AssetUnits, p.BuyerChainAddress)
	if err != nil {
		var partial *chain.PartialError
		if errors.As(err, &partial) {
			// The buy consumed listing units; never refund, record
			// the mined hash for operator reconciliation.
			reason := fmt.Sprintf("partial fulfillment: %v", partial.Err)
			if ferr := s.failPurchase(ctx, p, reason, partial.BuyTxHash, false); ferr != nil {
				return ferr
			}
			log.Error("partial fulfillment requires reconciliation",
				"purchase", p.ID, "buyTx", partial.BuyTxHash, "error", partial.Err)
			return err
		}

		var ambiguous *chain.AmbiguousError
		if errors.As(err, &ambiguous) || errors.Is(err, chain.ErrTimeout) {
			// The buy was broadcast and may still mine. Failing and
			// refunding here would let the ledger and the chain
			// diverge, so the purchase stays FULFILLING with the
			// buyer's debit intact until an operator re-drives it.
			txHash := ""
			if ambiguous != nil {
				txHash = ambiguous.TxHash
			}
			log.Error("fulfillment outcome unknown, purchase left open",
				"purchase", p.ID, "tx", txHash, "error", err)
			return err
		}

		// Clean chain failure: nothing left escrow.
		reason := fmt.Sprintf("chain fulfillment failed: %v", err)
		if ferr := s.failPurchase(ctx, p, reason, "", p.Channel == ChannelWallet); ferr != nil {
			return ferr
		}
		log.Warn("fulfillment failed cleanly", "purchase", p.ID, "error", err)
		return err
	}

	ev := NewEvent(EventFulfilled, FulfilledDetail{
		BuyTxHash: result.BuyTxHash, TransferTxHash: result.TransferTxHash,
	})
	if err := s.store.CompleteFulfillment(ctx, p.ID, result.BuyTxHash, result.TransferTxHash, ev); err != nil {
		// The chain leg is done; only the bookkeeping failed. The
		// purchase stays FULFILLING for re-drive.
		return fmt.Errorf("record fulfillment of %s: %w", p.ID, err)
	}
	p.Status = StatusFulfilled
	p.BuyTxHash = result.BuyTxHash
	p.TransferTxHash = result.TransferTxHash

	metrics.PurchasesTotal.WithLabelValues(string(p.Channel), string(StatusFulfilled)).Inc()
	log.Info("purchase fulfilled",
		"purchase", p.ID, "buyTx", result.BuyTxHash, "transferTx", result.TransferTxHash)
	s.emit(p, "fulfilled")
	return nil
}

func (s *Service) failPurchase(ctx context.Context, p *Purchase, reason, buyTxHash string, refund bool) error {
	ev := NewEvent(EventFailed, FailedDetail{Reason: reason, BuyTxHash: buyTxHash})
	if err := s.store.MarkFailed(ctx, p.ID, reason, buyTxHash, refund, ev); err != nil {
		return fmt.Errorf("mark purchase %s failed: %w", p.ID, err)
	}
	p.Status = StatusFailed
	p.FailureReason = reason
	p.BuyTxHash = buyTxHash
	metrics.PurchasesTotal.WithLabelValues(string(p.Channel), string(StatusFailed)).Inc()
	s.emit(p, "failed")
	return nil
}

// Get returns a purchase by ID.
func (s *Service) Get(ctx context.Context, id string) (*Purchase, error) {
	return s.store.Get(ctx, id)
}

// ListByBuyer returns a buyer's purchases, newest first.
func (s *Service) ListByBuyer(ctx context.Context, accountID string, limit int) ([]*Purchase, error) {
	return s.store.ListByBuyer(ctx, accountID, limit)
}
