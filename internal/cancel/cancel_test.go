package cancel

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"stockexchange/internal/matching"
	"stockexchange/internal/model"
	"stockexchange/internal/orderbook"
	"stockexchange/internal/query"
	"stockexchange/internal/store"
)

// testDSN returns the integration test DSN, skipping the test if it is not
// set, the same gating pattern internal/matching's integration tests use.
func testDSN(t *testing.T) string {
	dsn := os.Getenv("EXCHANGE_TEST_DSN")
	if dsn == "" {
		t.Skip("EXCHANGE_TEST_DSN environment variable not set, skipping integration test")
	}
	return dsn
}

func cleanupTestData(t *testing.T, dsn string) {
	db, err := sql.Open("mysql", dsn)
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{"executions", "orders", "positions", "symbols", "accounts"} {
		_, err := db.Exec("DELETE FROM " + table)
		require.NoError(t, err)
	}
}

func newTestService(t *testing.T) (*Service, *matching.Engine, *store.Store) {
	dsn := testDSN(t)
	cleanupTestData(t, dsn)

	st, err := store.Open(context.Background(), dsn, 5, 5)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	books := orderbook.NewRegistry()
	log := zap.NewNop()
	eng := matching.New(st, books, nil, log)
	queries := query.New(st)
	svc := New(st, books, eng, queries, nil, log)
	return svc, eng, st
}

func seedAccount(t *testing.T, st *store.Store, id, balance string) {
	err := st.WithTx(context.Background(), func(tx *store.Tx) error {
		return tx.CreateAccount(context.Background(), id, decimal.RequireFromString(balance))
	})
	require.NoError(t, err)
}

// TestCancel_RefundsBuyReservation reproduces scenario S4: a buy reserves
// funds at its limit price, and cancelling it returns exactly that
// reservation while reporting a canceled part instead of an open one.
func TestCancel_RefundsBuyReservation(t *testing.T) {
	svc, eng, st := newTestService(t)
	ctx := context.Background()

	seedAccount(t, st, "1", "200000")
	order, _, err := eng.PlaceOrder(ctx, "1", "GOOG", decimal.NewFromInt(100), decimal.NewFromInt(123))
	require.NoError(t, err)

	report, err := svc.Cancel(ctx, order.ID, "1")
	require.NoError(t, err)
	require.Len(t, report.Parts, 1)
	require.Equal(t, "canceled", report.Parts[0].Kind)
	require.True(t, report.Parts[0].Shares.Equal(decimal.NewFromInt(100)))

	err = st.WithTx(ctx, func(tx *store.Tx) error {
		a, err := tx.GetAccount(ctx, "1")
		if err != nil {
			return err
		}
		if !a.Balance.Equal(decimal.NewFromInt(200000)) {
			t.Fatalf("balance after cancel = %s, want 200000", a.Balance)
		}
		return nil
	})
	require.NoError(t, err)

	require.Nil(t, eng.Books().For("GOOG").PeekBest(model.SideOf(decimal.NewFromInt(1))))
}

// TestCancel_PermissionDenied reproduces scenario S5's refusal condition
// applied to cancellation: account B cannot cancel an order owned by A.
func TestCancel_PermissionDenied(t *testing.T) {
	svc, eng, st := newTestService(t)
	ctx := context.Background()

	seedAccount(t, st, "1", "200000")
	seedAccount(t, st, "2", "200000")
	order, _, err := eng.PlaceOrder(ctx, "1", "GOOG", decimal.NewFromInt(100), decimal.NewFromInt(123))
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, order.ID, "2")
	require.ErrorIs(t, err, store.ErrPermissionDenied)
}

// TestCancel_TerminalOrderIsIdempotent reproduces invariant 8: cancelling an
// already-canceled order fails and leaves balances untouched.
func TestCancel_TerminalOrderIsIdempotent(t *testing.T) {
	svc, eng, st := newTestService(t)
	ctx := context.Background()

	seedAccount(t, st, "1", "200000")
	order, _, err := eng.PlaceOrder(ctx, "1", "GOOG", decimal.NewFromInt(100), decimal.NewFromInt(123))
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, order.ID, "1")
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, order.ID, "1")
	require.ErrorIs(t, err, store.ErrAlreadyCanceled)

	err = st.WithTx(ctx, func(tx *store.Tx) error {
		a, err := tx.GetAccount(ctx, "1")
		if err != nil {
			return err
		}
		if !a.Balance.Equal(decimal.NewFromInt(200000)) {
			t.Fatalf("balance after double cancel = %s, want 200000 (unchanged)", a.Balance)
		}
		return nil
	})
	require.NoError(t, err)
}
