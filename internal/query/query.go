// Package query answers read-only requests about an order's history:
// every execution it has received, plus a canceled-shares line if it was
// canceled with quantity still unfilled. Canceled shares are always
// computed on demand from original_amount minus the sum of executed
// shares, never stored, so they can never drift from the executions table.
package query

import (
	"context"

	"github.com/shopspring/decimal"

	"stockexchange/internal/model"
	"stockexchange/internal/store"
)

// Service answers order-status queries directly from the store.
type Service struct {
	store *store.Store
}

// New constructs a query Service over st.
func New(st *store.Store) *Service {
	return &Service{store: st}
}

// Status returns the full execution/cancellation history for orderID,
// owned by accountID. It fails with store.ErrPermissionDenied if the order
// belongs to a different account.
func (s *Service) Status(ctx context.Context, orderID int64, accountID string) (*model.StatusReport, error) {
	var report *model.StatusReport

	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.AccountID != accountID {
			return store.ErrPermissionDenied
		}

		execs, err := tx.ListExecutions(ctx, orderID)
		if err != nil {
			return err
		}

		r := &model.StatusReport{OrderID: orderID}

		if !o.OpenAmount.IsZero() && o.CanceledAt == nil {
			r.Parts = append(r.Parts, model.StatusPart{
				Kind:   "open",
				Shares: o.AbsOpen(),
			})
		}

		executed := decimal.Zero
		for _, e := range execs {
			r.Parts = append(r.Parts, model.StatusPart{
				Kind:   "executed",
				Shares: e.Shares,
				Price:  e.Price,
				Time:   e.ExecutedAt,
			})
			executed = executed.Add(e.Shares)
		}

		if o.CanceledAt != nil {
			canceled := o.AbsOriginal().Sub(executed)
			if canceled.IsPositive() {
				r.Parts = append(r.Parts, model.StatusPart{
					Kind:   "canceled",
					Shares: canceled,
					Time:   *o.CanceledAt,
				})
			}
		}

		report = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}
