//go:build integration

package ledger

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/canopy/internal/testutil"
)

func seedAccount(t *testing.T, db *sql.DB, id string, balance int64) {
	t.Helper()
	_, err := db.ExecContext(context.Background(), `
		INSERT INTO accounts (id, balance_minor) VALUES ($1, $2)
	`, id, balance)
	require.NoError(t, err)
}

func TestPostgres_ApplyCreditDebit(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	seedAccount(t, db, "acc_pg1", 100000)

	m, err := store.Apply(ctx, ApplyParams{
		AccountID: "acc_pg1", Direction: DirectionDebit, AmountMinor: 30000,
		ReferenceType: RefPurchase, ReferenceID: "pur_pg",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(70000), m.BalanceAfterMinor)

	bal, err := store.GetBalance(ctx, "acc_pg1")
	require.NoError(t, err)
	assert.Equal(t, int64(70000), bal)
}

func TestPostgres_OverdraftRollsBack(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	seedAccount(t, db, "acc_pg2", 70000)

	_, err := store.Apply(ctx, ApplyParams{
		AccountID: "acc_pg2", Direction: DirectionDebit, AmountMinor: 80000,
	})
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	// Balance row and movement log must be untouched.
	bal, err := store.GetBalance(ctx, "acc_pg2")
	require.NoError(t, err)
	assert.Equal(t, int64(70000), bal)

	ms, err := store.History(ctx, "acc_pg2", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, ms)
}

func TestPostgres_HistoryAndReference(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	seedAccount(t, db, "acc_pg3", 0)

	for _, amt := range []int64{100, 200} {
		_, err := store.Apply(ctx, ApplyParams{
			AccountID: "acc_pg3", Direction: DirectionCredit, AmountMinor: amt,
			ReferenceType: RefTopup, ReferenceID: "top_pg",
		})
		require.NoError(t, err)
	}

	ms, err := store.History(ctx, "acc_pg3", 10, 0)
	require.NoError(t, err)
	require.Len(t, ms, 2)

	byRef, err := store.ListByReference(ctx, RefTopup, "top_pg")
	require.NoError(t, err)
	assert.Len(t, byRef, 2)
}
