package topup

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/canopy/internal/ledger"
)

// MemoryStore implements Store in memory, backed by an in-memory
// ledger for the credits. Used in development mode and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	byID     map[string]*Topup
	byOrder  map[string]string // gateway order ID -> topup ID
	byTxHash map[string]string // crypto tx hash -> topup ID
	book     ledger.Store
}

// NewMemoryStore creates an in-memory top-up store writing credits
// through book.
func NewMemoryStore(book ledger.Store) *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]*Topup),
		byOrder:  make(map[string]string),
		byTxHash: make(map[string]string),
		book:     book,
	}
}

func cloneTopup(t *Topup) *Topup {
	cp := *t
	if t.ExpiresAt != nil {
		e := *t.ExpiresAt
		cp.ExpiresAt = &e
	}
	return &cp
}

// Create inserts a top-up.
func (s *MemoryStore) Create(ctx context.Context, t *Topup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[t.ID] = cloneTopup(t)
	return nil
}

// AttachOrder writes the gateway order ID onto a pending top-up.
func (s *MemoryStore) AttachOrder(ctx context.Context, id, gatewayOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	t.GatewayOrderID = gatewayOrderID
	t.UpdatedAt = time.Now().UTC()
	s.byOrder[gatewayOrderID] = id
	return nil
}

// Get returns a top-up by ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Topup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTopup(t), nil
}

// GetByGatewayOrderID returns the top-up owning a gateway order.
func (s *MemoryStore) GetByGatewayOrderID(ctx context.Context, orderID string) (*Topup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byOrder[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTopup(s.byID[id]), nil
}

// ListByAccount returns an account's top-ups, newest first.
func (s *MemoryStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]*Topup, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Topup
	for _, t := range s.byID {
		if t.AccountID == accountID {
			out = append(out, cloneTopup(t))
		}
	}
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

// MarkCaptured flips PENDING to SUCCEEDED and credits the account.
func (s *MemoryStore) MarkCaptured(ctx context.Context, orderID, paymentID string) (*Topup, bool, error) {
	s.mu.Lock()
	id, ok := s.byOrder[orderID]
	if !ok {
		s.mu.Unlock()
		return nil, false, ErrNotFound
	}
	t := s.byID[id]
	if t.Status != StatusPending {
		cp := cloneTopup(t)
		s.mu.Unlock()
		return cp, false, nil
	}
	accountID := t.AccountID
	amount := t.AmountMinor
	s.mu.Unlock()

	if _, err := s.book.Apply(ctx, ledger.ApplyParams{
		AccountID:     accountID,
		Direction:     ledger.DirectionCredit,
		AmountMinor:   amount,
		ReferenceType: ledger.RefTopup,
		ReferenceID:   id,
		Description:   "gateway topup",
	}); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t.Status = StatusSucceeded
	t.GatewayPaymentID = paymentID
	t.UpdatedAt = time.Now().UTC()
	return cloneTopup(t), true, nil
}

// ConfirmCrypto flips PENDING to SUCCEEDED, records the deposit tx
// hash, and credits the account.
func (s *MemoryStore) ConfirmCrypto(ctx context.Context, id, txHash string) (*Topup, error) {
	key := strings.ToLower(txHash)

	s.mu.Lock()
	t, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if t.Status != StatusPending {
		s.mu.Unlock()
		return nil, ErrAlreadyFinal
	}
	if owner, taken := s.byTxHash[key]; taken && owner != id {
		s.mu.Unlock()
		return nil, ErrDuplicateTxHash
	}
	s.byTxHash[key] = id
	accountID := t.AccountID
	amount := t.AmountMinor
	s.mu.Unlock()

	if _, err := s.book.Apply(ctx, ledger.ApplyParams{
		AccountID:     accountID,
		Direction:     ledger.DirectionCredit,
		AmountMinor:   amount,
		ReferenceType: ledger.RefTopup,
		ReferenceID:   id,
		Description:   "crypto deposit",
	}); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t.Status = StatusSucceeded
	t.CryptoTxHash = txHash
	t.UpdatedAt = time.Now().UTC()
	return cloneTopup(t), nil
}

// MarkFailed flips a non-terminal top-up to FAILED.
func (s *MemoryStore) MarkFailed(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if t.Status.Terminal() {
		return ErrAlreadyFinal
	}
	t.Status = StatusFailed
	t.ErrorMessage = reason
	t.UpdatedAt = time.Now().UTC()
	return nil
}
