package purchase

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/mbd888/canopy/internal/ledger"
)

// MemoryStore implements Store in memory, backed by an in-memory
// ledger for the money legs. Used in development mode and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*Purchase
	byOrder map[string]string // gateway order ID -> purchase ID
	book    ledger.Store
}

// NewMemoryStore creates an in-memory purchase store writing balance
// movements through book.
func NewMemoryStore(book ledger.Store) *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*Purchase),
		byOrder: make(map[string]string),
		book:    book,
	}
}

func clone(p *Purchase) *Purchase {
	cp := *p
	cp.Events = append([]Event(nil), p.Events...)
	return &cp
}

// CreatePendingPayment inserts a gateway-channel purchase.
func (s *MemoryStore) CreatePendingPayment(ctx context.Context, p *Purchase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[p.ID] = clone(p)
	return nil
}

// AttachOrder writes the gateway order ID onto a pending purchase.
func (s *MemoryStore) AttachOrder(ctx context.Context, id, gatewayOrderID string, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if _, taken := s.byOrder[gatewayOrderID]; taken {
		return ErrDuplicateOrder
	}
	p.GatewayOrderID = gatewayOrderID
	p.Events = append(p.Events, ev)
	p.UpdatedAt = time.Now().UTC()
	s.byOrder[gatewayOrderID] = id
	return nil
}

// CreateWalletFunded debits the buyer and inserts the purchase. The
// debit runs first so an insufficient balance leaves no record.
func (s *MemoryStore) CreateWalletFunded(ctx context.Context, p *Purchase) error {
	_, err := s.book.Apply(ctx, ledger.ApplyParams{
		AccountID:     p.BuyerAccountID,
		Direction:     ledger.DirectionDebit,
		AmountMinor:   p.TotalMinor,
		ReferenceType: ledger.RefPurchase,
		ReferenceID:   p.ID,
		Description:   "wallet-funded purchase",
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[p.ID] = clone(p)
	return nil
}

// Get returns a purchase by ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(p), nil
}

// GetByGatewayOrderID returns the purchase owning a gateway order.
func (s *MemoryStore) GetByGatewayOrderID(ctx context.Context, orderID string) (*Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byOrder[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s.byID[id]), nil
}

// ListByBuyer returns a buyer's purchases, newest first.
func (s *MemoryStore) ListByBuyer(ctx context.Context, accountID string, limit int) ([]*Purchase, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Purchase
	for _, p := range s.byID {
		if p.BuyerAccountID == accountID {
			out = append(out, clone(p))
		}
	}
	// Newest first by creation time.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].CreatedAt.After(out[i].CreatedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkPaid flips PENDING_PAYMENT to PAID, idempotently.
func (s *MemoryStore) MarkPaid(ctx context.Context, orderID, paymentID string, ev Event) (*Purchase, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byOrder[orderID]
	if !ok {
		return nil, false, ErrNotFound
	}
	p := s.byID[id]

	switch p.Status {
	case StatusPaid, StatusFulfilling, StatusFulfilled:
		return clone(p), false, nil
	case StatusFailed:
		return clone(p), false, nil
	}

	p.Status = StatusPaid
	p.GatewayPaymentID = paymentID
	p.Events = append(p.Events, ev)
	p.UpdatedAt = time.Now().UTC()
	return clone(p), true, nil
}

// FailPendingPayment flips PENDING_PAYMENT to FAILED. Any other
// status is a no-op: the payment already advanced.
func (s *MemoryStore) FailPendingPayment(ctx context.Context, orderID, reason string, ev Event) (*Purchase, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byOrder[orderID]
	if !ok {
		return nil, false, ErrNotFound
	}
	p := s.byID[id]

	if p.Status != StatusPendingPayment {
		return clone(p), false, nil
	}

	p.Status = StatusFailed
	p.FailureReason = reason
	p.Events = append(p.Events, ev)
	p.UpdatedAt = time.Now().UTC()
	return clone(p), true, nil
}

// BeginFulfillment flips PAID to FULFILLING.
func (s *MemoryStore) BeginFulfillment(ctx context.Context, id string, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status != StatusPaid {
		return ErrWrongState
	}
	p.Status = StatusFulfilling
	p.Events = append(p.Events, ev)
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// CompleteFulfillment flips FULFILLING to FULFILLED and credits the
// seller.
func (s *MemoryStore) CompleteFulfillment(ctx context.Context, id, buyTxHash, transferTxHash string, ev Event) error {
	s.mu.Lock()
	p, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if p.Status != StatusFulfilling {
		s.mu.Unlock()
		return ErrWrongState
	}
	sellerID := p.SellerAccountID
	total := p.TotalMinor
	s.mu.Unlock()

	if _, err := s.book.Apply(ctx, ledger.ApplyParams{
		AccountID:     sellerID,
		Direction:     ledger.DirectionCredit,
		AmountMinor:   total,
		ReferenceType: ledger.RefPurchase,
		ReferenceID:   id,
		Description:   "purchase proceeds",
	}); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p.Status = StatusFulfilled
	p.BuyTxHash = buyTxHash
	p.TransferTxHash = transferTxHash
	p.Events = append(p.Events, ev)
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkFailed flips a non-terminal purchase to FAILED, optionally
// refunding the buyer's debit.
func (s *MemoryStore) MarkFailed(ctx context.Context, id, reason, buyTxHash string, refundBuyer bool, ev Event) error {
	s.mu.Lock()
	p, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if p.Status.Terminal() {
		s.mu.Unlock()
		return ErrAlreadyFinal
	}
	buyerID := p.BuyerAccountID
	total := p.TotalMinor
	s.mu.Unlock()

	if refundBuyer {
		if _, err := s.book.Apply(ctx, ledger.ApplyParams{
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

	s.mu.Lock()
	defer s.mu.Unlock()
	p.Status = StatusFailed
	p.FailureReason = reason
	if buyTxHash != "" {
		p.BuyTxHash = buyTxHash
	}
	p.Events = append(p.Events, ev)
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// eventsJSON is a helper for stores serializing the event log.
func eventsJSON(events []Event) ([]byte, error) {
	if events == nil {
		events = []Event{}
	}
	return json.Marshal(events)
}
