// Package matching implements price-time priority order matching: the
// reservation of funds/shares, persistence of the resulting order and
// executions, and maintenance of the in-memory order book cache. It is the
// Go-native replacement for the teacher engine's Engine type, generalized
// from a single HTTP-request flow to the exchange's XML request model.
package matching

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"stockexchange/internal/metrics"
	"stockexchange/internal/model"
	"stockexchange/internal/orderbook"
	"stockexchange/internal/store"
)

// Engine owns the per-symbol matching locks, the order book cache, and the
// store. Every mutation of a symbol's book or resting orders happens while
// holding that symbol's lock, so PlaceOrder and Cancel never race each
// other for the same symbol.
type Engine struct {
	store   *store.Store
	books   *orderbook.Registry
	metrics *metrics.Collector
	log     *zap.Logger

	mu    sync.RWMutex
	locks map[string]*sync.Mutex
}

// New constructs an Engine over an already-open store.
func New(st *store.Store, books *orderbook.Registry, m *metrics.Collector, log *zap.Logger) *Engine {
	return &Engine{
		store:   st,
		books:   books,
		metrics: m,
		log:     log,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Books returns the engine's order book registry, for read-only query use.
func (e *Engine) Books() *orderbook.Registry {
	return e.books
}

// WithSymbolLock runs fn while holding symbol's matching lock, the same
// lock PlaceOrder uses. CancelService uses this so a cancel can never race
// a match for the same symbol.
func (e *Engine) WithSymbolLock(symbol string, fn func() error) error {
	lock := e.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()
	return fn()
}

func (e *Engine) symbolLock(symbol string) *sync.Mutex {
	e.mu.RLock()
	l, ok := e.locks[symbol]
	e.mu.RUnlock()
	if ok {
		return l
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if l, ok = e.locks[symbol]; ok {
		return l
	}
	l = &sync.Mutex{}
	e.locks[symbol] = l
	return l
}

// LoadBooks rebuilds every symbol's in-memory book from the store's open
// orders, in price-time priority order, so the cache is warm before the
// protocol handler starts accepting requests.
func (e *Engine) LoadBooks(ctx context.Context) error {
	var orders []*model.Order
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		orders, err = tx.ListOpenOrders(ctx)
		return err
	})
	if err != nil {
		return err
	}

	for _, o := range orders {
		e.books.For(o.Symbol).Insert(o)
	}
	e.log.Info("order books loaded", zap.Int("open_orders", len(orders)))
	return nil
}

// PlaceOrder reserves funds or shares for a new order, persists it, matches
// it against the resting book, and rests any remainder. originalAmount is
// signed: positive for a buy, negative for a sell.
func (e *Engine) PlaceOrder(ctx context.Context, accountID, symbol string, originalAmount, limitPrice decimal.Decimal) (*model.Order, []*model.Execution, error) {
	start := time.Now()
	lock := e.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()

	var (
		order *model.Order
		execs []*model.Execution
	)
	book := e.books.For(symbol)

	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		side := model.SideOf(originalAmount)
		shares := originalAmount.Abs()

		acc, err := tx.GetAccountForUpdate(ctx, accountID)
		if err != nil {
			return err
		}

		if side == model.SideBuy {
			cost := shares.Mul(limitPrice)
			if acc.Balance.LessThan(cost) {
				return store.ErrInsufficientFunds
			}
			if err := tx.UpdateBalance(ctx, accountID, acc.Balance.Sub(cost)); err != nil {
				return err
			}
		} else {
			pos, err := tx.GetPositionForUpdate(ctx, accountID, symbol)
			if err != nil {
				return err
			}
			if pos.Amount.LessThan(shares) {
				return store.ErrInsufficientShares
			}
			if err := tx.SetPositionAmount(ctx, accountID, symbol, pos.Amount.Sub(shares)); err != nil {
				return err
			}
		}

		o := &model.Order{
			AccountID:      accountID,
			Symbol:         symbol,
			Side:           side,
			OriginalAmount: originalAmount,
			LimitPrice:     limitPrice,
			OpenAmount:     originalAmount,
			CreatedAt:      time.Now().UTC(),
		}
		id, err := tx.InsertOrder(ctx, o)
		if err != nil {
			return err
		}
		o.ID = id

		fills, filled, err := e.match(ctx, tx, book, o)
		if err != nil {
			// match may have already removed fully filled resting orders
			// from the in-memory book before hitting this error; since the
			// transaction is about to roll back, put them back so the book
			// never runs ahead of the committed store state.
			undoFills(book, filled)
			return err
		}

		order = o
		execs = fills
		return nil
	})
	if err != nil {
		if e.metrics != nil {
			e.metrics.OrdersRejected.WithLabelValues(rejectReason(err)).Inc()
		}
		return nil, nil, err
	}

	// The resting orders match fully filled were already removed from the
	// book during the call (see match's doc comment); only the new order's
	// own remainder waits until the transaction has actually committed
	// before it joins the book, so a failed placement never rests an order
	// that was never persisted.
	if !order.OpenAmount.IsZero() {
		book.Insert(order)
	}

	if e.metrics != nil {
		e.metrics.OrdersPlaced.WithLabelValues(symbol, string(order.Side)).Inc()
		e.metrics.ExecutionsTotal.WithLabelValues(symbol).Add(float64(len(execs)))
		e.metrics.MatchDuration.WithLabelValues(symbol).Observe(time.Since(start).Seconds())
		e.metrics.PublishBook(symbol, book)
	}
	return order, execs, nil
}

func rejectReason(err error) string {
	switch err {
	case store.ErrInsufficientFunds:
		return "insufficient_funds"
	case store.ErrInsufficientShares:
		return "insufficient_shares"
	case store.ErrAccountNotFound:
		return "account_not_found"
	default:
		return "other"
	}
}
