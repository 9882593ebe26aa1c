package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store in memory. Used in development mode
// (no DATABASE_URL) and in tests. Balances live here in memory mode;
// the account store holds only identity.
type MemoryStore struct {
	mu        sync.RWMutex
	balances  map[string]int64
	movements map[string][]*Movement // keyed by account ID, oldest first
}

// NewMemoryStore creates an in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:  make(map[string]int64),
		movements: make(map[string][]*Movement),
	}
}

// EnsureAccount registers an account with a zero balance if absent.
func (s *MemoryStore) EnsureAccount(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.balances[accountID]; !ok {
		s.balances[accountID] = 0
	}
}

// GetBalance returns the current balance for an account.
func (s *MemoryStore) GetBalance(ctx context.Context, accountID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bal, ok := s.balances[accountID]
	if !ok {
		return 0, ErrAccountNotFound
	}
	return bal, nil
}

// Apply adjusts a balance and records the movement. The adjustment is
// applied then validated; a negative result is discarded and returns
// ErrInsufficientBalance, leaving the balance unchanged.
func (s *MemoryStore) Apply(ctx context.Context, p ApplyParams) (*Movement, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bal, ok := s.balances[p.AccountID]
	if !ok {
		return nil, ErrAccountNotFound
	}

	delta := p.AmountMinor
	if p.Direction == DirectionDebit {
		delta = -delta
	}

	after := bal + delta
	if after < 0 {
		return nil, ErrInsufficientBalance
	}
	s.balances[p.AccountID] = after

	m := &Movement{
		ID:                newMovementID(),
		AccountID:         p.AccountID,
		Direction:         p.Direction,
		AmountMinor:       p.AmountMinor,
		BalanceAfterMinor: after,
		ReferenceType:     p.ReferenceType,
		ReferenceID:       p.ReferenceID,
		Description:       p.Description,
		Metadata:          p.Metadata,
		CreatedAt:         time.Now().UTC(),
	}
	s.movements[p.AccountID] = append(s.movements[p.AccountID], m)
	return m, nil
}

// History returns movements for an account, newest first.
func (s *MemoryStore) History(ctx context.Context, accountID string, limit, offset int) ([]*Movement, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.movements[accountID]
	var out []*Movement
	for i := len(all) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

// ListByReference returns movements caused by one business operation.
func (s *MemoryStore) ListByReference(ctx context.Context, refType, refID string) ([]*Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Movement
	for _, ms := range s.movements {
		for _, m := range ms {
			if m.ReferenceType == refType && m.ReferenceID == refID {
				out = append(out, m)
			}
		}
	}
	return out, nil
}
