package orderbook

import (
	"container/list"

	"github.com/shopspring/decimal"

	"stockexchange/internal/model"
)

// priceLevel is a FIFO queue of resting orders at a single price, backed by
// a doubly linked list so that removing a filled order from the middle of
// the queue is O(1) given its list.Element (the same trick NASDAQ-style
// HashMap+List books use for O(1) cancel).
type priceLevel struct {
	price  decimal.Decimal
	orders *list.List // of *bookEntry
}

// bookEntry tracks an order together with the list.Element it occupies in
// its price level, so Remove never has to scan the queue.
type bookEntry struct {
	order *model.Order
	elem  *list.Element
}

func newPriceLevel(price decimal.Decimal) *priceLevel {
	return &priceLevel{price: price, orders: list.New()}
}

func (l *priceLevel) push(o *model.Order) *bookEntry {
	be := &bookEntry{order: o}
	be.elem = l.orders.PushBack(be)
	return be
}

func (l *priceLevel) remove(be *bookEntry) {
	l.orders.Remove(be.elem)
}

func (l *priceLevel) front() *model.Order {
	if e := l.orders.Front(); e != nil {
		return e.Value.(*bookEntry).order
	}
	return nil
}

func (l *priceLevel) isEmpty() bool {
	return l.orders.Len() == 0
}

// totalQuantity sums the absolute open quantity resting at this level.
func (l *priceLevel) totalQuantity() decimal.Decimal {
	total := decimal.Zero
	for e := l.orders.Front(); e != nil; e = e.Next() {
		total = total.Add(e.Value.(*bookEntry).order.AbsOpen())
	}
	return total
}
