package purchase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/canopy/internal/account"
	"github.com/mbd888/canopy/internal/chain"
	"github.com/mbd888/canopy/internal/gateway"
	"github.com/mbd888/canopy/internal/ledger"
)

const (
	buyerAddr  = "0xaaaa000000000000000000000000000000000001"
	sellerAddr = "0xbbbb000000000000000000000000000000000001"
)

// fakeListings serves mutable listing state.
type fakeListings struct {
	mu       sync.Mutex
	listings map[uint64]*chain.Listing
	err      error // forced fetch failure, nil = serve state
}

func newFakeListings() *fakeListings {
	return &fakeListings{listings: make(map[uint64]*chain.Listing)}
}

func (f *fakeListings) set(id uint64, remaining, unitPrice int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listings[id] = &chain.Listing{ID: id, Seller: sellerAddr, RemainingUnits: remaining, UnitPriceMinor: unitPrice}
}

func (f *fakeListings) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeListings) FetchListing(ctx context.Context, id uint64) (*chain.Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	l, ok := f.listings[id]
	if !ok {
		return nil, chain.ErrListingNotFound
	}
	cp := *l
	return &cp, nil
}

// fakeExecutor consumes listing units atomically, like the real
// marketplace contract would.
type fakeExecutor struct {
	listings *fakeListings
	mu       sync.Mutex
	calls    int
	err      error // forced outcome, nil = succeed
}

func (f *fakeExecutor) Fulfill(ctx context.Context, listingID uint64, units int64, buyer string) (*chain.Fulfillment, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	forced := f.err
	f.mu.Unlock()

	if forced != nil {
		return nil, forced
	}

	return f.consume(listingID, units, n)
}

func (f *fakeExecutor) consume(listingID uint64, units int64, n int) (*chain.Fulfillment, error) {
	f.listings.mu.Lock()
	defer f.listings.mu.Unlock()
	l := f.listings.listings[listingID]
	if l == nil || l.RemainingUnits < units {
		return nil, &chain.ChainError{Op: "buy", Err: chain.ErrTransactionFailed}
	}
	l.RemainingUnits -= units

	return &chain.Fulfillment{
		BuyTxHash:      fmt.Sprintf("0xbuy%d", n),
		TransferTxHash: fmt.Sprintf("0xtransfer%d", n),
	}, nil
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type testEnv struct {
	svc      *Service
	store    *MemoryStore
	book     *ledger.MemoryStore
	listings *fakeListings
	executor *fakeExecutor
	accounts *account.MemoryStore
	gw       *gateway.Fake
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	book := ledger.NewMemoryStore()
	accounts := account.NewMemoryStore(func(id string) { book.EnsureAccount(id) })
	listings := newFakeListings()
	executor := &fakeExecutor{listings: listings}
	store := NewMemoryStore(book)
	gw := gateway.NewFake("s3cret")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc := NewService(store, listings, gw, executor, account.NewResolver(accounts), "inr", logger)
	svc.fulfillTimeout = 5 * time.Second

	return &testEnv{svc: svc, store: store, book: book, listings: listings,
		executor: executor, accounts: accounts, gw: gw}
}

// newBuyer opens a funded buyer account.
func (e *testEnv) newBuyer(t *testing.T, balance int64) string {
	t.Helper()
	a, _, err := e.accounts.EnsureForChainAddress(context.Background(), buyerAddr)
	require.NoError(t, err)
	if balance > 0 {
		_, err = e.book.Apply(context.Background(), ledger.ApplyParams{
			AccountID: a.ID, Direction: ledger.DirectionCredit, AmountMinor: balance, Description: "seed",
		})
		require.NoError(t, err)
	}
	return a.ID
}

func TestCreate_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	buyer := env.newBuyer(t, 0)
	env.listings.set(1, 10, 500)

	var ve *ValidationError

	_, err := env.svc.Create(ctx, CreateParams{BuyerAccountID: buyer, BuyerChainAddress: buyerAddr,
		ListingID: 1, AssetUnits: 0, Channel: ChannelGateway})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "invalid_units", ve.Code)

	_, err = env.svc.Create(ctx, CreateParams{BuyerAccountID: buyer, BuyerChainAddress: "nope",
		ListingID: 1, AssetUnits: 1, Channel: ChannelGateway})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "invalid_address", ve.Code)

	_, err = env.svc.Create(ctx, CreateParams{BuyerAccountID: buyer, BuyerChainAddress: buyerAddr,
		ListingID: 99, AssetUnits: 1, Channel: ChannelGateway})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "unknown_listing", ve.Code)

	_, err = env.svc.Create(ctx, CreateParams{BuyerAccountID: buyer, BuyerChainAddress: buyerAddr,
		ListingID: 1, AssetUnits: 11, Channel: ChannelGateway})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "insufficient_units", ve.Code)

	// unitPrice * units would overflow int64.
	env.listings.set(2, math.MaxInt64, math.MaxInt64/2)
	_, err = env.svc.Create(ctx, CreateParams{BuyerAccountID: buyer, BuyerChainAddress: buyerAddr,
		ListingID: 2, AssetUnits: 3, Channel: ChannelGateway})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "amount_too_large", ve.Code)
}

func TestCreate_GatewayChannel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	buyer := env.newBuyer(t, 0)
	env.listings.set(1, 10, 500)

	res, err := env.svc.Create(ctx, CreateParams{BuyerAccountID: buyer, BuyerChainAddress: buyerAddr,
		ListingID: 1, AssetUnits: 4, Channel: ChannelGateway})
	require.NoError(t, err)

	p := res.Purchase
	assert.Equal(t, StatusPendingPayment, p.Status)
	assert.Equal(t, int64(2000), p.TotalMinor)
	require.NotNil(t, res.Order)
	assert.Equal(t, res.Order.ID, p.GatewayOrderID)

	// Seller was auto-provisioned from the listing address.
	seller, err := env.accounts.GetByChainAddress(ctx, sellerAddr)
	require.NoError(t, err)
	assert.Equal(t, seller.ID, p.SellerAccountID)

	// Order id is attached before Create returns.
	stored, err := env.store.GetByGatewayOrderID(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, stored.ID)
}

func TestGatewayFlow_CaptureThenFulfill(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	buyer := env.newBuyer(t, 0)
	env.listings.set(1, 10, 500)

	res, err := env.svc.Create(ctx, CreateParams{BuyerAccountID: buyer, BuyerChainAddress: buyerAddr,
		ListingID: 1, AssetUnits: 4, Channel: ChannelGateway})
	require.NoError(t, err)

	handled, err := env.svc.HandlePaymentCaptured(ctx, res.Order.ID, "pay_1")
	require.NoError(t, err)
	assert.True(t, handled)

	// Fulfillment is async after capture.
	require.Eventually(t, func() bool {
		p, err := env.store.Get(ctx, res.Purchase.ID)
		return err == nil && p.Status == StatusFulfilled
	}, 2*time.Second, 10*time.Millisecond)

	p, err := env.store.Get(ctx, res.Purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, "pay_1", p.GatewayPaymentID)
	assert.NotEmpty(t, p.BuyTxHash)
	assert.NotEmpty(t, p.TransferTxHash)

	// Seller got the proceeds.
	bal, err := env.book.GetBalance(ctx, p.SellerAccountID)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), bal)
}

func TestHandlePaymentCaptured_UnknownOrder(t *testing.T) {
	env := newTestEnv(t)

	handled, err := env.svc.HandlePaymentCaptured(context.Background(), "pi_unknown", "pay_x")
	require.NoError(t, err)
	assert.False(t, handled, "unknown order must be left for other handlers")
}

func TestHandlePaymentCaptured_ReplayIsNoop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	buyer := env.newBuyer(t, 0)
	env.listings.set(1, 10, 500)

	res, err := env.svc.Create(ctx, CreateParams{BuyerAccountID: buyer, BuyerChainAddress: buyerAddr,
		ListingID: 1, AssetUnits: 4, Channel: ChannelGateway})
	require.NoError(t, err)

	_, err = env.svc.HandlePaymentCaptured(ctx, res.Order.ID, "pay_1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		p, _ := env.store.Get(ctx, res.Purchase.ID)
		return p.Status == StatusFulfilled
	}, 2*time.Second, 10*time.Millisecond)

	sellerID := res.Purchase.SellerAccountID
	balBefore, _ := env.book.GetBalance(ctx, sellerID)
	executorCalls := env.executor.callCount()

	// Replay the same webhook.
	handled, err := env.svc.HandlePaymentCaptured(ctx, res.Order.ID, "pay_1")
	require.NoError(t, err)
	assert.True(t, handled)

	time.Sleep(50 * time.Millisecond)
	balAfter, _ := env.book.GetBalance(ctx, sellerID)
	assert.Equal(t, balBefore, balAfter, "replay must not credit the seller twice")
	assert.Equal(t, executorCalls, env.executor.callCount(), "replay must not touch the chain")
}

func TestHandlePaymentFailed_PendingPurchase(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	buyer := env.newBuyer(t, 0)
	env.listings.set(1, 10, 500)

	res, err := env.svc.Create(ctx, CreateParams{BuyerAccountID: buyer, BuyerChainAddress: buyerAddr,
		ListingID: 1, AssetUnits: 4, Channel: ChannelGateway})
	require.NoError(t, err)

	handled, err := env.svc.HandlePaymentFailed(ctx, res.Order.ID, "card declined")
	require.NoError(t, err)
	assert.True(t, handled)

	p, _ := env.store.Get(ctx, res.Purchase.ID)
	assert.Equal(t, StatusFailed, p.Status)
	assert.Equal(t, "card declined", p.FailureReason)
}

func TestHandlePaymentFailed_AfterCaptureIsNoop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	buyer := env.newBuyer(t, 0)
	env.listings.set(1, 10, 500)

	res, err := env.svc.Create(ctx, CreateParams{BuyerAccountID: buyer, BuyerChainAddress: buyerAddr,
		ListingID: 1, AssetUnits: 4, Channel: ChannelGateway})
	require.NoError(t, err)

	_, err = env.svc.HandlePaymentCaptured(ctx, res.Order.ID, "pay_1")
	require.NoError(t, err)

	// A failure event delivered out of order must not clobber the
	// captured payment.
	handled, err := env.svc.HandlePaymentFailed(ctx, res.Order.ID, "card declined")
	require.NoError(t, err)
	assert.True(t, handled)

	require.Eventually(t, func() bool {
		p, _ := env.store.Get(ctx, res.Purchase.ID)
		return p.Status == StatusFulfilled
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandlePaymentFailed_UnknownOrder(t *testing.T) {
	env := newTestEnv(t)

	handled, err := env.svc.HandlePaymentFailed(context.Background(), "pi_unknown", "card declined")
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestCreate_WalletChannel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	buyer := env.newBuyer(t, 100000)
	env.listings.set(1, 10, 500)

	res, err := env.svc.Create(ctx, CreateParams{BuyerAccountID: buyer, BuyerChainAddress: buyerAddr,
		ListingID: 1, AssetUnits: 4, Channel: ChannelWallet})
	require.NoError(t, err)

	p := res.Purchase
	assert.Equal(t, StatusFulfilled, p.Status)
	assert.Nil(t, res.Order)

	buyerBal, _ := env.book.GetBalance(ctx, buyer)
	assert.Equal(t, int64(98000), buyerBal)

	sellerBal, _ := env.book.GetBalance(ctx, p.SellerAccountID)
	assert.Equal(t, int64(2000), sellerBal)
}

func TestCreate_WalletInsufficientBalanceLeavesNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	buyer := env.newBuyer(t, 1000)
	env.listings.set(1, 10, 500)

	_, err := env.svc.Create(ctx, CreateParams{BuyerAccountID: buyer, BuyerChainAddress: buyerAddr,
		ListingID: 1, AssetUnits: 4, Channel: ChannelWallet})
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	// No purchase persisted, balance untouched.
	purchases, err := env.store.ListByBuyer(ctx, buyer, 10)
	require.NoError(t, err)
	assert.Empty(t, purchases)

	bal, _ := env.book.GetBalance(ctx, buyer)
	assert.Equal(t, int64(1000), bal)
}

func TestFulfill_PartialFailureRecordsBuyTx(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	buyer := env.newBuyer(t, 500000)
	env.listings.set(1, 10, 50000)
	env.executor.err = &chain.PartialError{BuyTxHash: "0xA", Err: errors.New("transfer rejected")}

	_, err := env.svc.Create(ctx, CreateParams{BuyerAccountID: buyer, BuyerChainAddress: buyerAddr,
		ListingID: 1, AssetUnits: 10, Channel: ChannelWallet})

	var pe *chain.PartialError
	require.ErrorAs(t, err, &pe)

	purchases, _ := env.store.ListByBuyer(ctx, buyer, 10)
	require.Len(t, purchases, 1)
	p := purchases[0]

	assert.Equal(t, StatusFailed, p.Status)
	assert.Equal(t, "0xA", p.BuyTxHash)
	assert.Contains(t, p.FailureReason, "partial")

	// The buy consumed units; the debit must NOT be refunded.
	bal, _ := env.book.GetBalance(ctx, buyer)
	assert.Equal(t, int64(0), bal)

	// The failed event preserves the mined hash.
	var found bool
	for _, ev := range p.Events {
		if ev.Type == EventFailed {
			assert.Contains(t, string(ev.Detail), "0xA")
			found = true
		}
	}
	assert.True(t, found, "expected a failed event with the buy tx hash")
}

func TestFulfill_CleanChainFailureRefundsWalletBuyer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	buyer := env.newBuyer(t, 100000)
	env.listings.set(1, 10, 500)
	env.executor.err = &chain.ChainError{Op: "buy", Err: chain.ErrTransactionFailed}

	_, err := env.svc.Create(ctx, CreateParams{BuyerAccountID: buyer, BuyerChainAddress: buyerAddr,
		ListingID: 1, AssetUnits: 4, Channel: ChannelWallet})
	require.Error(t, err)

	purchases, _ := env.store.ListByBuyer(ctx, buyer, 10)
	require.Len(t, purchases, 1)
	assert.Equal(t, StatusFailed, purchases[0].Status)
	assert.Empty(t, purchases[0].BuyTxHash)

	// Nothing left escrow, so the buyer is made whole.
	bal, _ := env.book.GetBalance(ctx, buyer)
	assert.Equal(t, int64(100000), bal)
}

func TestFulfill_AmbiguousTimeoutLeavesPurchaseOpen(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	buyer := env.newBuyer(t, 100000)
	env.listings.set(1, 10, 500)
	env.executor.err = fmt.Errorf("%w: waiting for tx 0xdeadbeef", chain.ErrTimeout)

	_, err := env.svc.Create(ctx, CreateParams{BuyerAccountID: buyer, BuyerChainAddress: buyerAddr,
		ListingID: 1, AssetUnits: 4, Channel: ChannelWallet})
	require.ErrorIs(t, err, chain.ErrTimeout)

	// The buy may still mine: the purchase must stay open and the
	// buyer's debit must stand, or the ledger and the chain diverge.
	purchases, _ := env.store.ListByBuyer(ctx, buyer, 10)
	require.Len(t, purchases, 1)
	p := purchases[0]
	assert.Equal(t, StatusFulfilling, p.Status)

	bal, _ := env.book.GetBalance(ctx, buyer)
	assert.Equal(t, int64(98000), bal, "an unknown outcome must not be refunded")

	// Operator re-drive once the chain is reachable again.
	env.executor.err = nil
	require.NoError(t, env.svc.Fulfill(ctx, p.ID))

	p, _ = env.store.Get(ctx, p.ID)
	assert.Equal(t, StatusFulfilled, p.Status)
	sellerBal, _ := env.book.GetBalance(ctx, p.SellerAccountID)
	assert.Equal(t, int64(2000), sellerBal)
}

func TestFulfill_AmbiguousErrorCarriesTxHash(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	buyer := env.newBuyer(t, 100000)
	env.listings.set(1, 10, 500)
	env.executor.err = &chain.AmbiguousError{Op: "buy", TxHash: "0xfeed", Err: chain.ErrTimeout}

	_, err := env.svc.Create(ctx, CreateParams{BuyerAccountID: buyer, BuyerChainAddress: buyerAddr,
		ListingID: 1, AssetUnits: 4, Channel: ChannelWallet})

	var ae *chain.AmbiguousError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "0xfeed", ae.TxHash)

	purchases, _ := env.store.ListByBuyer(ctx, buyer, 10)
	require.Len(t, purchases, 1)
	assert.Equal(t, StatusFulfilling, purchases[0].Status)

	bal, _ := env.book.GetBalance(ctx, buyer)
	assert.Equal(t, int64(98000), bal)
}

func TestFulfill_ListingRecheckRPCErrorLeavesPurchaseOpen(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	buyer := env.newBuyer(t, 0)
	env.listings.set(1, 10, 500)

	res, err := env.svc.Create(ctx, CreateParams{BuyerAccountID: buyer, BuyerChainAddress: buyerAddr,
		ListingID: 1, AssetUnits: 4, Channel: ChannelGateway})
	require.NoError(t, err)

	// The RPC node goes away between payment and fulfillment.
	env.listings.setErr(errors.New("connection refused"))

	_, err = env.svc.HandlePaymentCaptured(ctx, res.Order.ID, "pay_1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		p, _ := env.store.Get(ctx, res.Purchase.ID)
		return p.Status == StatusFulfilling
	}, 2*time.Second, 10*time.Millisecond)

	// A transient error must not fail the purchase.
	time.Sleep(50 * time.Millisecond)
	p, _ := env.store.Get(ctx, res.Purchase.ID)
	assert.Equal(t, StatusFulfilling, p.Status)
	assert.Equal(t, 0, env.executor.callCount())

	// Re-drive succeeds once the node is back.
	env.listings.setErr(nil)
	require.NoError(t, env.svc.Fulfill(ctx, p.ID))

	p, _ = env.store.Get(ctx, p.ID)
	assert.Equal(t, StatusFulfilled, p.Status)
}

func TestFulfill_ListingSoldOutBeforeFulfillment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	buyer := env.newBuyer(t, 0)
	env.listings.set(1, 5, 500)

	res, err := env.svc.Create(ctx, CreateParams{BuyerAccountID: buyer, BuyerChainAddress: buyerAddr,
		ListingID: 1, AssetUnits: 5, Channel: ChannelGateway})
	require.NoError(t, err)

	// Listing sells out elsewhere before the webhook lands.
	env.listings.set(1, 0, 500)

	_, err = env.svc.HandlePaymentCaptured(ctx, res.Order.ID, "pay_1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		p, _ := env.store.Get(ctx, res.Purchase.ID)
		return p.Status == StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	p, _ := env.store.Get(ctx, res.Purchase.ID)
	assert.Contains(t, p.FailureReason, "remaining units")
	assert.Equal(t, 0, env.executor.callCount(), "no chain calls for an unavailable listing")

	// Seller never saw money.
	bal, _ := env.book.GetBalance(ctx, p.SellerAccountID)
	assert.Equal(t, int64(0), bal)
}

func TestNoDoubleSell(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.listings.set(1, 5, 100)

	// Two funded buyers race for the last 5 units.
	a1, _, err := env.accounts.EnsureForChainAddress(ctx, buyerAddr)
	require.NoError(t, err)
	a2, _, err := env.accounts.EnsureForChainAddress(ctx, "0xaaaa000000000000000000000000000000000002")
	require.NoError(t, err)
	for _, id := range []string{a1.ID, a2.ID} {
		_, err := env.book.Apply(ctx, ledger.ApplyParams{
			AccountID: id, Direction: ledger.DirectionCredit, AmountMinor: 10000, Description: "seed",
		})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, acct := range []string{a1.ID, a2.ID} {
		wg.Add(1)
		go func(i int, acct string) {
			defer wg.Done()
			_, errs[i] = env.svc.Create(ctx, CreateParams{
				BuyerAccountID: acct, BuyerChainAddress: buyerAddr,
				ListingID: 1, AssetUnits: 5, Channel: ChannelWallet,
			})
		}(i, acct)
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			failures++
		}
	}
	assert.Equal(t, 1, failures, "exactly one of two racing purchases must fail")
}

func TestFulfill_TerminalStatesRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	buyer := env.newBuyer(t, 100000)
	env.listings.set(1, 10, 500)

	res, err := env.svc.Create(ctx, CreateParams{BuyerAccountID: buyer, BuyerChainAddress: buyerAddr,
		ListingID: 1, AssetUnits: 4, Channel: ChannelWallet})
	require.NoError(t, err)
	require.Equal(t, StatusFulfilled, res.Purchase.Status)

	err = env.svc.Fulfill(ctx, res.Purchase.ID)
	assert.ErrorIs(t, err, ErrAlreadyFinal)
}
