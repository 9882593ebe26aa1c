package topup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/canopy/internal/gateway"
	"github.com/mbd888/canopy/internal/logging"
	"github.com/mbd888/canopy/internal/metrics"
	"github.com/mbd888/canopy/internal/traces"
	"github.com/mbd888/canopy/internal/validation"
)

// Emitter broadcasts top-up lifecycle events to live subscribers.
type Emitter interface {
	EmitTopup(t *Topup, eventType string)
}

// Service drives wallet top-ups.
type Service struct {
	store   Store
	orders  gateway.OrderCreator
	emitter Emitter // optional
	logger  *slog.Logger

	currency       string
	minAmountMinor int64
	depositAddress string // hot wallet, shown on crypto intents
	intentTTL      time.Duration
}

// NewService wires the top-up service.
func NewService(store Store, orders gateway.OrderCreator, currency string,
	minAmountMinor int64, depositAddress string, intentTTL time.Duration, logger *slog.Logger) *Service {
	return &Service{
		store:          store,
		orders:         orders,
		logger:         logger,
		currency:       currency,
		minAmountMinor: minAmountMinor,
		depositAddress: depositAddress,
		intentTTL:      intentTTL,
	}
}

// SetEmitter attaches a live event broadcaster.
func (s *Service) SetEmitter(e Emitter) {
	s.emitter = e
}

func (s *Service) emit(t *Topup, eventType string) {
	if s.emitter != nil {
		s.emitter.EmitTopup(t, eventType)
	}
}

// CreateGateway starts a card-funded top-up. The returned order is
// completed client-side; the credit lands when the capture webhook
// arrives.
func (s *Service) CreateGateway(ctx context.Context, accountID string, amountMinor int64) (*Topup, *gateway.Order, error) {
	ctx, span := traces.StartSpan(ctx, "topup.create_gateway",
		traces.AccountID(accountID), traces.AmountMinor(amountMinor))
	defer span.End()
	log := logging.L(ctx)

	if amountMinor < s.minAmountMinor {
		return nil, nil, &ValidationError{Code: "amount_too_small",
			Message: fmt.Sprintf("minimum top-up is %d minor units", s.minAmountMinor)}
	}

	now := time.Now().UTC()
	t := &Topup{
		ID:          NewID(),
		AccountID:   accountID,
		Type:        TypeGateway,
		AmountMinor: amountMinor,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, t); err != nil {
		return nil, nil, fmt.Errorf("persist topup: %w", err)
	}

	order, err := s.orders.CreateOrder(ctx, amountMinor, s.currency, map[string]string{
		"referenceType": "topup",
		"referenceId":   t.ID,
	})
	if err != nil {
		reason := "gateway order creation failed"
		if ferr := s.store.MarkFailed(ctx, t.ID, reason); ferr != nil {
			log.Error("failed to mark orderless topup failed", "topup", t.ID, "error", ferr)
		}
		metrics.TopupsTotal.WithLabelValues(string(TypeGateway), string(StatusFailed)).Inc()
		return nil, nil, fmt.Errorf("create gateway order: %w", err)
	}

	if err := s.store.AttachOrder(ctx, t.ID, order.ID); err != nil {
		return nil, nil, fmt.Errorf("attach gateway order: %w", err)
	}
	t.GatewayOrderID = order.ID

	metrics.TopupsTotal.WithLabelValues(string(TypeGateway), string(StatusPending)).Inc()
	log.Info("topup created awaiting payment",
		"topup", t.ID, "account", accountID, "amount", amountMinor, "order", order.ID)
	return t, order, nil
}

// CreateCryptoIntent issues a deposit intent: send the quoted crypto
// amount to the hot wallet before the intent expires. The credit is
// applied when an operator confirms the deposit.
func (s *Service) CreateCryptoIntent(ctx context.Context, accountID string, amountMinor int64, cryptoAmount, cryptoSymbol string) (*Topup, error) {
	ctx, span := traces.StartSpan(ctx, "topup.create_crypto_intent",
		traces.AccountID(accountID), traces.AmountMinor(amountMinor))
	defer span.End()

	if amountMinor < s.minAmountMinor {
		return nil, &ValidationError{Code: "amount_too_small",
			Message: fmt.Sprintf("minimum top-up is %d minor units", s.minAmountMinor)}
	}
	if cryptoSymbol == "" {
		return nil, &ValidationError{Code: "invalid_symbol", Message: "cryptoSymbol is required"}
	}

	now := time.Now().UTC()
	expires := now.Add(s.intentTTL)
	t := &Topup{
		ID:                   NewID(),
		AccountID:            accountID,
		Type:                 TypeCrypto,
		AmountMinor:          amountMinor,
		Status:               StatusPending,
		ExpectedCryptoAmount: cryptoAmount,
		ExpectedCryptoSymbol: cryptoSymbol,
		DepositAddress:       s.depositAddress,
		ExpiresAt:            &expires,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("persist topup: %w", err)
	}

	metrics.TopupsTotal.WithLabelValues(string(TypeCrypto), string(StatusPending)).Inc()
	logging.L(ctx).Info("crypto deposit intent created",
		"topup", t.ID, "account", accountID, "amount", amountMinor,
		"symbol", cryptoSymbol, "expires", expires)
	return t, nil
}

// HandlePaymentCaptured consumes a verified gateway capture event.
// Returns false when no top-up owns the order.
func (s *Service) HandlePaymentCaptured(ctx context.Context, orderID, paymentID string) (bool, error) {
	log := logging.L(ctx)

	t, transitioned, err := s.store.MarkCaptured(ctx, orderID, paymentID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return true, err
	}
	if !transitioned {
		log.Info("duplicate capture webhook ignored", "topup", t.ID, "status", t.Status)
		return true, nil
	}

	metrics.TopupsTotal.WithLabelValues(string(t.Type), string(StatusSucceeded)).Inc()
	log.Info("topup credited", "topup", t.ID, "account", t.AccountID, "amount", t.AmountMinor)
	s.emit(t, "succeeded")
	return true, nil
}

// HandlePaymentFailed consumes a gateway failure event for a pending
// top-up.
func (s *Service) HandlePaymentFailed(ctx context.Context, orderID, reason string) (bool, error) {
	t, err := s.store.GetByGatewayOrderID(ctx, orderID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return true, err
	}
	if t.Status.Terminal() {
		return true, nil
	}

	if err := s.store.MarkFailed(ctx, t.ID, reason); err != nil {
		return true, err
	}
	metrics.TopupsTotal.WithLabelValues(string(t.Type), string(StatusFailed)).Inc()
	logging.L(ctx).Info("topup failed at gateway", "topup", t.ID, "reason", reason)
	if failed, gerr := s.store.Get(ctx, t.ID); gerr == nil {
		s.emit(failed, "failed")
	}
	return true, nil
}

// ConfirmCryptoDeposit settles a crypto intent after an operator has
// verified the deposit on chain. Expired intents are closed out and
// rejected.
func (s *Service) ConfirmCryptoDeposit(ctx context.Context, id, txHash string) (*Topup, error) {
	ctx, span := traces.StartSpan(ctx, "topup.confirm_crypto", traces.TopupID(id))
	defer span.End()
	log := logging.L(ctx)

	if !validation.IsValidHex(txHash) {
		return nil, &ValidationError{Code: "invalid_tx_hash", Message: "txHash is not a valid transaction hash"}
	}

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Type != TypeCrypto {
		return nil, &ValidationError{Code: "wrong_type", Message: "topup is not a crypto intent"}
	}
	if t.Status.Terminal() {
		return nil, ErrAlreadyFinal
	}
	if t.ExpiresAt != nil && time.Now().UTC().After(*t.ExpiresAt) {
		if ferr := s.store.MarkFailed(ctx, t.ID, "deposit intent expired"); ferr != nil {
			log.Error("failed to expire topup", "topup", t.ID, "error", ferr)
		}
		metrics.TopupsTotal.WithLabelValues(string(TypeCrypto), string(StatusFailed)).Inc()
		return nil, ErrExpired
	}

	t, err = s.store.ConfirmCrypto(ctx, id, txHash)
	if err != nil {
		return nil, err
	}

	metrics.TopupsTotal.WithLabelValues(string(TypeCrypto), string(StatusSucceeded)).Inc()
	log.Info("crypto deposit confirmed",
		"topup", t.ID, "account", t.AccountID, "amount", t.AmountMinor, "tx", txHash)
	s.emit(t, "succeeded")
	return t, nil
}

// Get returns a top-up by ID.
func (s *Service) Get(ctx context.Context, id string) (*Topup, error) {
	return s.store.Get(ctx, id)
}

// ListByAccount returns an account's top-ups, newest first.
func (s *Service) ListByAccount(ctx context.Context, accountID string, limit int) ([]*Topup, error) {
	return s.store.ListByAccount(ctx, accountID, limit)
}
