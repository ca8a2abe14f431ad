package matching

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"stockexchange/internal/model"
	"stockexchange/internal/orderbook"
	"stockexchange/internal/store"
)

// match repeatedly crosses incoming against the best resting order on the
// opposite side until incoming is exhausted, the book is empty, or the
// best resting price is no longer compatible. Because this runs while
// holding the symbol's lock, every resting order in the book strictly
// predates incoming, so the resting order's limit price is always the
// execution price.
//
// match removes fully filled resting orders from book as it goes (it must:
// the next iteration's PeekBest has to see the level as cleared to find the
// next-best resting order). It always returns every resting order removed
// so far, even when it returns early on error, so a caller whose enclosing
// transaction then rolls back can pass the full list to undoFills and
// restore the book to its pre-call state: it never diverges from the
// committed store state, even on an internal error mid-loop.
func (e *Engine) match(ctx context.Context, tx *store.Tx, book *orderbook.Book, incoming *model.Order) ([]*model.Execution, []*model.Order, error) {
	var execs []*model.Execution
	var removed []*model.Order
	opposite := incoming.Side.Other()

	for !incoming.OpenAmount.IsZero() {
		resting := book.PeekBest(opposite)
		if resting == nil {
			break
		}
		if !compatible(incoming, resting) {
			break
		}

		tradePrice := resting.LimitPrice
		tradeShares := decimal.Min(incoming.AbsOpen(), resting.AbsOpen())
		now := time.Now().UTC()
		restingBeforeFill := *resting
		// fail puts the resting order, still in the book, back to its
		// pre-fill state before returning err.
		fail := func(err error) ([]*model.Execution, []*model.Order, error) {
			*resting = restingBeforeFill
			return execs, removed, err
		}

		applyFill(incoming, tradeShares)
		applyFill(resting, tradeShares)

		if err := tx.UpdateOpenAmount(ctx, incoming.ID, incoming.OpenAmount); err != nil {
			return fail(err)
		}
		if err := tx.UpdateOpenAmount(ctx, resting.ID, resting.OpenAmount); err != nil {
			return fail(err)
		}

		if err := tx.AppendExecution(ctx, incoming.ID, tradeShares, tradePrice, now); err != nil {
			return fail(err)
		}
		if err := tx.AppendExecution(ctx, resting.ID, tradeShares, tradePrice, now); err != nil {
			return fail(err)
		}
		execs = append(execs, &model.Execution{
			OrderID:    incoming.ID,
			Shares:     tradeShares,
			Price:      tradePrice,
			ExecutedAt: now,
		})

		if err := e.settle(ctx, tx, incoming, resting, tradeShares, tradePrice); err != nil {
			return fail(err)
		}

		if resting.OpenAmount.IsZero() {
			removed = append(removed, &restingBeforeFill)
			book.Remove(resting.ID)
		}

		if e.metrics != nil {
			e.metrics.ExecutedShares.WithLabelValues(incoming.Symbol).Add(tradeShares.InexactFloat64())
		}
	}

	return execs, removed, nil
}

// undoFills reinserts resting orders match removed from book, restoring the
// pre-match book state. Called only when the enclosing transaction rolled
// back, so none of match's store writes took effect either.
func undoFills(book *orderbook.Book, removed []*model.Order) {
	for _, o := range removed {
		book.Insert(o)
	}
}

// compatible reports whether incoming may trade against resting: a buy may
// trade at any resting ask priced at or below its limit, a sell at any
// resting bid priced at or above its limit.
func compatible(incoming, resting *model.Order) bool {
	if incoming.Side == model.SideBuy {
		return incoming.LimitPrice.GreaterThanOrEqual(resting.LimitPrice)
	}
	return incoming.LimitPrice.LessThanOrEqual(resting.LimitPrice)
}

// applyFill reduces an order's open amount by shares, moving it toward
// zero regardless of which side the order is on, since open_amount always
// carries the sign of the order's original side.
func applyFill(o *model.Order, shares decimal.Decimal) {
	if o.Side == model.SideBuy {
		o.OpenAmount = o.OpenAmount.Sub(shares)
	} else {
		o.OpenAmount = o.OpenAmount.Add(shares)
	}
}

// settle moves cash to the seller and shares to the buyer for one trade.
// The buyer is never refunded the difference between their limit price and
// the (possibly better) execution price: they were already debited at
// their limit price when their order was placed, so only the seller's
// proceeds depend on tradePrice.
func (e *Engine) settle(ctx context.Context, tx *store.Tx, incoming, resting *model.Order, tradeShares, tradePrice decimal.Decimal) error {
	buyOrder, sellOrder := incoming, resting
	if incoming.Side == model.SideSell {
		buyOrder, sellOrder = resting, incoming
	}

	sellerAcc, err := tx.GetAccountForUpdate(ctx, sellOrder.AccountID)
	if err != nil {
		return err
	}
	proceeds := tradeShares.Mul(tradePrice)
	if err := tx.UpdateBalance(ctx, sellOrder.AccountID, sellerAcc.Balance.Add(proceeds)); err != nil {
		return err
	}

	return tx.CreditPosition(ctx, buyOrder.AccountID, buyOrder.Symbol, tradeShares)
}
