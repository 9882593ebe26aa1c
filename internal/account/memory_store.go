package account

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore implements Store in memory. onCreate, if set, is called
// for every new account so the in-memory ledger can open a balance.
type MemoryStore struct {
	mu       sync.RWMutex
	byID     map[string]*Account
	byAddr   map[string]string // lowercased address -> account ID
	onCreate func(accountID string)
}

// NewMemoryStore creates an in-memory account store.
func NewMemoryStore(onCreate func(accountID string)) *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]*Account),
		byAddr:   make(map[string]string),
		onCreate: onCreate,
	}
}

// Create inserts a new account.
func (s *MemoryStore) Create(ctx context.Context, a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[a.ID]; ok {
		return ErrDuplicate
	}
	if a.ChainAddress != "" {
		key := strings.ToLower(a.ChainAddress)
		if _, ok := s.byAddr[key]; ok {
			return ErrDuplicate
		}
		s.byAddr[key] = a.ID
	}

	cp := *a
	s.byID[a.ID] = &cp
	if s.onCreate != nil {
		s.onCreate(a.ID)
	}
	return nil
}

// Get returns an account by ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// GetByChainAddress returns the account owning a chain address.
func (s *MemoryStore) GetByChainAddress(ctx context.Context, addr string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byAddr[strings.ToLower(addr)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.byID[id]
	return &cp, nil
}

// EnsureForChainAddress returns the account owning addr, creating it
// if absent. A single mutex makes the check-and-create atomic.
func (s *MemoryStore) EnsureForChainAddress(ctx context.Context, addr string) (*Account, bool, error) {
	key := strings.ToLower(addr)

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byAddr[key]; ok {
		cp := *s.byID[id]
		return &cp, false, nil
	}

	now := time.Now().UTC()
	a := &Account{
		ID:           NewID(),
		ChainAddress: addr,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.byID[a.ID] = a
	s.byAddr[key] = a.ID
	if s.onCreate != nil {
		s.onCreate(a.ID)
	}
	cp := *a
	return &cp, true, nil
}
