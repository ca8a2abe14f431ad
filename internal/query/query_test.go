package query

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"stockexchange/internal/matching"
	"stockexchange/internal/orderbook"
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

func newTestStore(t *testing.T) *store.Store {
	dsn := testDSN(t)
	cleanupTestData(t, dsn)

	st, err := store.Open(context.Background(), dsn, 5, 5)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func seedAccount(t *testing.T, st *store.Store, id, balance string) {
	err := st.WithTx(context.Background(), func(tx *store.Tx) error {
		return tx.CreateAccount(context.Background(), id, decimal.RequireFromString(balance))
	})
	require.NoError(t, err)
}

// TestStatus_CompositeOpenExecutedCanceled covers a partially filled order
// that is then canceled: Status must report the executed shares from the
// fill and the remaining shares as canceled, with no open part left over.
func TestStatus_CompositeOpenExecutedCanceled(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	books := orderbook.NewRegistry()
	eng := matching.New(st, books, nil, zap.NewNop())
	svc := New(st)

	seedAccount(t, st, "1", "200000")
	seedAccount(t, st, "2", "200000")

	// Resting sell for 60 shares at 50, crossed by a buy for 100 at 50:
	// 60 execute immediately, 40 remain open on the buy.
	err := st.WithTx(ctx, func(tx *store.Tx) error {
		return tx.CreateSymbol(ctx, "IBM", "1", decimal.NewFromInt(60))
	})
	require.NoError(t, err)
	_, _, err = eng.PlaceOrder(ctx, "1", "IBM", decimal.NewFromInt(-60), decimal.NewFromInt(50))
	require.NoError(t, err)
	buy, execs, err := eng.PlaceOrder(ctx, "2", "IBM", decimal.NewFromInt(100), decimal.NewFromInt(50))
	require.NoError(t, err)
	require.Len(t, execs, 1)

	// Cancel the remaining 40 shares directly against the store, mirroring
	// what internal/cancel does, without depending on that package.
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		return tx.SetCanceled(ctx, buy.ID, time.Now().UTC())
	})
	require.NoError(t, err)

	report, err := svc.Status(ctx, buy.ID, "2")
	require.NoError(t, err)

	var sawExecuted, sawCanceled, sawOpen bool
	for _, p := range report.Parts {
		switch p.Kind {
		case "executed":
			sawExecuted = true
			require.True(t, p.Shares.Equal(decimal.NewFromInt(60)))
		case "canceled":
			sawCanceled = true
			require.True(t, p.Shares.Equal(decimal.NewFromInt(40)))
		case "open":
			sawOpen = true
		}
	}
	require.True(t, sawExecuted, "want an executed part")
	require.True(t, sawCanceled, "want a canceled part")
	require.False(t, sawOpen, "canceled order must not report an open part")
}

// TestStatus_PermissionDenied reproduces scenario S5: an account may not
// query an order it does not own.
func TestStatus_PermissionDenied(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	books := orderbook.NewRegistry()
	eng := matching.New(st, books, nil, zap.NewNop())
	svc := New(st)

	seedAccount(t, st, "1", "200000")
	seedAccount(t, st, "2", "200000")

	order, _, err := eng.PlaceOrder(ctx, "1", "AMZN", decimal.NewFromInt(10), decimal.NewFromInt(100))
	require.NoError(t, err)

	_, err = svc.Status(ctx, order.ID, "2")
	require.ErrorIs(t, err, store.ErrPermissionDenied)
}
