// Package account manages internal accounts and their link to
// on-chain addresses.
//
// Accounts are created two ways: explicitly through the API, or
// implicitly when a counterparty's chain address first appears in a
// settlement. Implicit resolution must be race-safe: two concurrent
// settlements naming the same address get the same account.
package account

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/canopy/internal/idgen"
	"github.com/mbd888/canopy/internal/validation"
)

var (
	ErrNotFound       = errors.New("account not found")
	ErrInvalidAddress = errors.New("invalid chain address")
	ErrDuplicate      = errors.New("account already exists")
)

// Account is an internal settlement account. Balance is tracked by
// the ledger, not here.
type Account struct {
	ID           string    `json:"id"`
	ChainAddress string    `json:"chainAddress,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Store persists accounts.
type Store interface {
	Create(ctx context.Context, a *Account) error
	Get(ctx context.Context, id string) (*Account, error)
	GetByChainAddress(ctx context.Context, addr string) (*Account, error)
	// EnsureForChainAddress returns the account owning addr, creating
	// it atomically if absent. The bool reports whether a new account
	// was created.
	EnsureForChainAddress(ctx context.Context, addr string) (*Account, bool, error)
}

// NewID generates an account ID.
func NewID() string {
	return idgen.WithPrefix("acc_")
}

// Resolver maps chain addresses to accounts, creating them on first
// sight.
type Resolver struct {
	store Store
}

// NewResolver creates a resolver backed by store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the account for a chain address, creating one if
// none exists. The address is normalized before lookup so differently
// cased inputs resolve to the same account.
func (r *Resolver) Resolve(ctx context.Context, addr string) (*Account, error) {
	addr = validation.NormalizeAddress(addr)
	if !validation.IsValidChainAddress(addr) {
		return nil, ErrInvalidAddress
	}
	a, _, err := r.store.EnsureForChainAddress(ctx, addr)
	return a, err
}
