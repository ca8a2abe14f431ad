// Package model holds the entity types shared across the store, order book,
// matching engine, and protocol layers.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side identifies which side of the book an order rests on. It is derived
// from (and stored redundantly alongside) the sign of an order's amount, so
// that Store queries can filter on it directly instead of a sign comparison.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Other returns the side opposite to s.
func (s Side) Other() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// SideOf derives the order side from a signed amount. amount must be nonzero.
func SideOf(amount decimal.Decimal) Side {
	if amount.IsPositive() {
		return SideBuy
	}
	return SideSell
}

// Account is a funded participant identified by a numeric string id.
type Account struct {
	ID      string
	Balance decimal.Decimal
}

// Symbol is a traded instrument, created implicitly on first reference.
type Symbol struct {
	Name string
}

// Position is an account's inventory of a symbol. Amount is never negative.
type Position struct {
	AccountID string
	Symbol    string
	Amount    decimal.Decimal
}

// Order is a standing request to buy or sell at no worse than a limit price.
//
// OriginalAmount and OpenAmount are stored signed: positive for buy orders,
// negative for sell orders. Side is kept alongside them purely so Store
// queries can filter by side without examining the sign of a DECIMAL column.
type Order struct {
	ID             int64
	AccountID      string
	Symbol         string
	Side           Side
	OriginalAmount decimal.Decimal
	LimitPrice     decimal.Decimal
	CreatedAt      time.Time
	OpenAmount     decimal.Decimal
	CanceledAt     *time.Time
}

// IsOpen reports whether the order currently rests in the book.
func (o *Order) IsOpen() bool {
	return !o.OpenAmount.IsZero() && o.CanceledAt == nil
}

// AbsOpen returns the unsigned open quantity.
func (o *Order) AbsOpen() decimal.Decimal {
	return o.OpenAmount.Abs()
}

// AbsOriginal returns the unsigned original quantity.
func (o *Order) AbsOriginal() decimal.Decimal {
	return o.OriginalAmount.Abs()
}

// Execution is an immutable record of a fill between two crossing orders at
// a single price.
type Execution struct {
	ID         int64
	OrderID    int64
	Shares     decimal.Decimal
	Price      decimal.Decimal
	ExecutedAt time.Time
}

// OrderStatus is the lifecycle status of an order, as derived by StatusOf;
// it is not persisted directly.
type OrderStatus string

const (
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
)

// StatusOf derives the lifecycle status of an order from its current state.
func StatusOf(o *Order) OrderStatus {
	if o.CanceledAt != nil {
		return OrderStatusCanceled
	}
	if o.OpenAmount.IsZero() {
		return OrderStatusFilled
	}
	if o.OpenAmount.Abs().LessThan(o.OriginalAmount.Abs()) {
		return OrderStatusPartiallyFilled
	}
	return OrderStatusOpen
}

// StatusPart is one child element of a composite order status report, per
// the "open" / "executed" / "canceled" shapes of the query and cancel
// replies.
type StatusPart struct {
	Kind   string // "open", "executed", or "canceled"
	Shares decimal.Decimal
	Price  decimal.Decimal // only meaningful for "executed"
	Time   time.Time       // only meaningful for "executed" and "canceled"
}

// StatusReport is the composite status of an order: at most one open part,
// any number of executed parts, and at most one canceled part.
type StatusReport struct {
	OrderID int64
	Parts   []StatusPart
}
