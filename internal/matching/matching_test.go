package matching

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"stockexchange/internal/model"
	"stockexchange/internal/orderbook"
	"stockexchange/internal/store"
)

// testDSN returns the integration test DSN, skipping the test if it is not
// set, the same gating pattern the teacher engine's integration tests use.
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

func newTestEngine(t *testing.T) *Engine {
	dsn := testDSN(t)
	cleanupTestData(t, dsn)

	st, err := store.Open(context.Background(), dsn, 5, 5)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return New(st, orderbook.NewRegistry(), nil, zap.NewNop())
}

func seedAccount(t *testing.T, e *Engine, id string, balance string) {
	ctx := context.Background()
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.CreateAccount(ctx, id, decimal.RequireFromString(balance))
	})
	require.NoError(t, err)
}

func seedPosition(t *testing.T, e *Engine, accountID, symbol, amount string) {
	ctx := context.Background()
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.CreateSymbol(ctx, symbol, accountID, decimal.RequireFromString(amount))
	})
	require.NoError(t, err)
}

// TestPlaceOrder_NoCrossWhenPricesIncompatible reproduces scenario S1: six
// resting orders across two accounts where no buy/sell pair crosses.
func TestPlaceOrder_NoCrossWhenPricesIncompatible(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	seedAccount(t, e, "1", "1000000")
	seedAccount(t, e, "2", "1000000")
	seedPosition(t, e, "2", "AMZN", "100000")

	_, execs, err := e.PlaceOrder(ctx, "1", "AMZN", decimal.NewFromInt(300), decimal.NewFromInt(125))
	require.NoError(t, err)
	require.Empty(t, execs)

	_, execs, err = e.PlaceOrder(ctx, "1", "AMZN", decimal.NewFromInt(200), decimal.NewFromInt(127))
	require.NoError(t, err)
	require.Empty(t, execs)

	_, execs, err = e.PlaceOrder(ctx, "1", "AMZN", decimal.NewFromInt(400), decimal.NewFromInt(125))
	require.NoError(t, err)
	require.Empty(t, execs)

	_, execs, err = e.PlaceOrder(ctx, "2", "AMZN", decimal.NewFromInt(-100), decimal.NewFromInt(130))
	require.NoError(t, err)
	require.Empty(t, execs)

	_, execs, err = e.PlaceOrder(ctx, "2", "AMZN", decimal.NewFromInt(-500), decimal.NewFromInt(128))
	require.NoError(t, err)
	require.Empty(t, execs, "127-limit buy should not cross a 128-limit sell")

	_, execs, err = e.PlaceOrder(ctx, "2", "AMZN", decimal.NewFromInt(-200), decimal.NewFromInt(140))
	require.NoError(t, err)
	require.Empty(t, execs)

	// The two 125 buys share one price level, so the bid side has 2 levels.
	require.Equal(t, 2, len(e.books.For("AMZN").Depth(model.SideBuy, 10)))
	require.Equal(t, 3, len(e.books.For("AMZN").Depth(model.SideSell, 10)))
}

// TestPlaceOrder_CrossesAtRestingPrice reproduces scenario S2: a new sell
// crosses the best resting buy, executing at the resting buy's price, then
// the next-best resting buy, both at their own resting prices.
func TestPlaceOrder_CrossesAtRestingPrice(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	seedAccount(t, e, "1", "1000000")
	seedAccount(t, e, "2", "1000000")
	seedPosition(t, e, "2", "AMZN", "100000")

	k, _, err := e.PlaceOrder(ctx, "1", "AMZN", decimal.NewFromInt(300), decimal.NewFromInt(125))
	require.NoError(t, err)
	kPlus1, _, err := e.PlaceOrder(ctx, "1", "AMZN", decimal.NewFromInt(200), decimal.NewFromInt(127))
	require.NoError(t, err)

	_, execs, err := e.PlaceOrder(ctx, "2", "AMZN", decimal.NewFromInt(-400), decimal.NewFromInt(124))
	require.NoError(t, err)
	require.Len(t, execs, 2)

	require.True(t, execs[0].Price.Equal(decimal.NewFromInt(127)))
	require.True(t, execs[0].Shares.Equal(decimal.NewFromInt(200)))
	require.True(t, execs[1].Price.Equal(decimal.NewFromInt(125)))
	require.True(t, execs[1].Shares.Equal(decimal.NewFromInt(200)))

	var k1, k2 *model.Order
	err = e.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		k1, err = tx.GetOrder(ctx, k.ID)
		if err != nil {
			return err
		}
		k2, err = tx.GetOrder(ctx, kPlus1.ID)
		return err
	})
	require.NoError(t, err)

	require.True(t, k2.OpenAmount.IsZero(), "k+1 should be fully filled")
	require.True(t, k1.OpenAmount.Equal(decimal.NewFromInt(100)), "k should have 100 open")

	var seller *model.Account
	err = e.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		seller, err = tx.GetAccount(ctx, "2")
		return err
	})
	require.NoError(t, err)
	require.True(t, seller.Balance.Equal(decimal.NewFromInt(1000000+200*127+200*125)))
}

// TestPlaceOrder_InsufficientFunds reproduces scenario S3.
func TestPlaceOrder_InsufficientFunds(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	seedAccount(t, e, "3", "50")

	_, _, err := e.PlaceOrder(ctx, "3", "SPY", decimal.NewFromInt(10), decimal.NewFromInt(100))
	require.ErrorIs(t, err, store.ErrInsufficientFunds)

	var acc *model.Account
	err = e.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		acc, err = tx.GetAccount(ctx, "3")
		return err
	})
	require.NoError(t, err)
	require.True(t, acc.Balance.Equal(decimal.NewFromInt(50)), "balance must be unchanged on a rejected order")
}
