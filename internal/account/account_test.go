package account

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)

	now := time.Now().UTC()
	a := &Account{ID: NewID(), ChainAddress: "0xaaaa000000000000000000000000000000000001", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.Create(ctx, a))

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ChainAddress, got.ChainAddress)

	byAddr, err := s.GetByChainAddress(ctx, "0xAAAA000000000000000000000000000000000001")
	require.NoError(t, err)
	assert.Equal(t, a.ID, byAddr.ID)
}

func TestMemoryStore_DuplicateAddress(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)

	addr := "0xaaaa000000000000000000000000000000000002"
	now := time.Now().UTC()
	require.NoError(t, s.Create(ctx, &Account{ID: NewID(), ChainAddress: addr, CreatedAt: now, UpdatedAt: now}))

	err := s.Create(ctx, &Account{ID: NewID(), ChainAddress: addr, CreatedAt: now, UpdatedAt: now})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestEnsureForChainAddress_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)

	a1, created, err := s.EnsureForChainAddress(ctx, "0xbbbb000000000000000000000000000000000001")
	require.NoError(t, err)
	assert.True(t, created)

	a2, created, err := s.EnsureForChainAddress(ctx, "0xbbbb000000000000000000000000000000000001")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, a1.ID, a2.ID)
}

func TestEnsureForChainAddress_ConcurrentSingleAccount(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	addr := "0xcccc000000000000000000000000000000000001"

	const n = 20
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, _, err := s.EnsureForChainAddress(ctx, addr)
			if err != nil {
				t.Error(err)
				return
			}
			ids[i] = a.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id, "all resolutions must land on one account")
	}
}

func TestResolver_NormalizesAndValidates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	r := NewResolver(s)

	a1, err := r.Resolve(ctx, "0xDDDD000000000000000000000000000000000001")
	require.NoError(t, err)

	// Different casing resolves to the same account.
	a2, err := r.Resolve(ctx, "0xdddd000000000000000000000000000000000001")
	require.NoError(t, err)
	assert.Equal(t, a1.ID, a2.ID)

	_, err = r.Resolve(ctx, "not-an-address")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestMemoryStore_OnCreateCallback(t *testing.T) {
	ctx := context.Background()
	var opened []string
	s := NewMemoryStore(func(id string) { opened = append(opened, id) })

	a, _, err := s.EnsureForChainAddress(ctx, "0xeeee000000000000000000000000000000000001")
	require.NoError(t, err)
	require.Len(t, opened, 1)
	assert.Equal(t, a.ID, opened[0])
}
