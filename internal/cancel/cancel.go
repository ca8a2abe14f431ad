// Package cancel implements order cancellation: returning a canceled
// order's unfilled reservation to its owner and pulling it out of the
// in-memory book, under the same per-symbol lock the matching engine uses.
package cancel

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"stockexchange/internal/metrics"
	"stockexchange/internal/model"
	"stockexchange/internal/orderbook"
	"stockexchange/internal/query"
	"stockexchange/internal/store"
)

// locker is the subset of *matching.Engine this package depends on, kept
// narrow so cancel does not import matching's full API surface.
type locker interface {
	WithSymbolLock(symbol string, fn func() error) error
}

// Service cancels orders on behalf of their owning account.
type Service struct {
	store   *store.Store
	books   *orderbook.Registry
	locks   locker
	queries *query.Service
	metrics *metrics.Collector
	log     *zap.Logger
}

// New constructs a cancel Service sharing the matching engine's store,
// book registry, and symbol locks.
func New(st *store.Store, books *orderbook.Registry, locks locker, queries *query.Service, m *metrics.Collector, log *zap.Logger) *Service {
	return &Service{store: st, books: books, locks: locks, queries: queries, metrics: m, log: log}
}

// Cancel cancels orderID on behalf of accountID, refunding the unfilled
// reservation (cash for a buy, shares for a sell) and removing any
// remainder from the book. It fails if the order belongs to a different
// account, is already canceled, or has no remaining open quantity. On
// success it returns the same composite status QueryService would report.
func (s *Service) Cancel(ctx context.Context, orderID int64, accountID string) (*model.StatusReport, error) {
	var symbol string
	if err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		symbol = o.Symbol
		return nil
	}); err != nil {
		return nil, err
	}

	var result *model.Order
	err := s.locks.WithSymbolLock(symbol, func() error {
		return s.store.WithTx(ctx, func(tx *store.Tx) error {
			o, err := tx.GetOrderForUpdate(ctx, orderID)
			if err != nil {
				return err
			}
			if o.AccountID != accountID {
				return store.ErrPermissionDenied
			}
			if o.CanceledAt != nil {
				return store.ErrAlreadyCanceled
			}
			if o.OpenAmount.IsZero() {
				return store.ErrNothingToCancel
			}

			remaining := o.AbsOpen()
			now := time.Now().UTC()
			if err := tx.SetCanceled(ctx, orderID, now); err != nil {
				return err
			}

			if o.Side == model.SideBuy {
				acc, err := tx.GetAccountForUpdate(ctx, accountID)
				if err != nil {
					return err
				}
				refund := remaining.Mul(o.LimitPrice)
				if err := tx.UpdateBalance(ctx, accountID, acc.Balance.Add(refund)); err != nil {
					return err
				}
			} else {
				if err := tx.CreditPosition(ctx, accountID, o.Symbol, remaining); err != nil {
					return err
				}
			}

			o.OpenAmount = decimal.Zero
			o.CanceledAt = &now
			result = o
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	// The book only loses the order once the refund/return is actually
	// committed, so a rolled-back cancel never removes an order the store
	// still considers live.
	book := s.books.For(result.Symbol)
	book.Remove(result.ID)

	if s.metrics != nil {
		s.metrics.OrdersCanceled.WithLabelValues(result.Symbol).Inc()
		s.metrics.PublishBook(result.Symbol, book)
	}
	return s.queries.Status(ctx, orderID, accountID)
}
