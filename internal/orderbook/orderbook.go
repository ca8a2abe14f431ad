// Package orderbook is the in-memory, per-symbol priority index of open
// orders. It is a pure cache: the authoritative state lives in the store,
// and a Book is rebuilt at startup by replaying open orders in creation
// order.
package orderbook

import (
	"sync"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"stockexchange/internal/model"
)

const btreeDegree = 32

// priceLevelItem adapts a priceLevel for storage in a google/btree.BTree,
// the same price-ordered-index technique the pack's perp-dex order book
// keeper uses for its bid/ask trees.
type priceLevelItem struct {
	level *priceLevel
	desc  bool // true for the bid side: higher price sorts first
}

func (a *priceLevelItem) Less(than btree.Item) bool {
	b := than.(*priceLevelItem)
	if a.desc {
		return a.level.price.GreaterThan(b.level.price)
	}
	return a.level.price.LessThan(b.level.price)
}

// side is one of the two price-ordered trees (bids or asks) for a symbol.
type side struct {
	tree *btree.BTree
	desc bool
}

func newSide(desc bool) *side {
	return &side{tree: btree.New(btreeDegree), desc: desc}
}

func (s *side) probe(price decimal.Decimal) *priceLevelItem {
	return &priceLevelItem{level: &priceLevel{price: price}, desc: s.desc}
}

func (s *side) get(price decimal.Decimal) *priceLevel {
	item := s.tree.Get(s.probe(price))
	if item == nil {
		return nil
	}
	return item.(*priceLevelItem).level
}

func (s *side) getOrCreate(price decimal.Decimal) *priceLevel {
	if l := s.get(price); l != nil {
		return l
	}
	l := newPriceLevel(price)
	s.tree.ReplaceOrInsert(&priceLevelItem{level: l, desc: s.desc})
	return l
}

func (s *side) removeLevel(price decimal.Decimal) {
	s.tree.Delete(s.probe(price))
}

// best returns the price level with priority (highest price for bids,
// lowest for asks), or nil if the side is empty.
func (s *side) best() *priceLevel {
	item := s.tree.Min()
	if item == nil {
		return nil
	}
	return item.(*priceLevelItem).level
}

// depth returns up to n price levels in priority order.
func (s *side) depth(n int) []*priceLevel {
	var levels []*priceLevel
	s.tree.Ascend(func(item btree.Item) bool {
		levels = append(levels, item.(*priceLevelItem).level)
		return len(levels) < n
	})
	return levels
}

// Book is the per-symbol order book: two price-ordered trees of FIFO
// price levels, plus an index from order id to its book location for O(1)
// removal.
type Book struct {
	mu      sync.RWMutex
	symbol  string
	bids    *side // descending: best = highest price
	asks    *side // ascending: best = lowest price
	entries map[int64]*entryLocation
}

type entryLocation struct {
	entry *bookEntry
	side  model.Side
	price decimal.Decimal
}

// NewBook constructs an empty order book for symbol.
func NewBook(symbol string) *Book {
	return &Book{
		symbol:  symbol,
		bids:    newSide(true),
		asks:    newSide(false),
		entries: make(map[int64]*entryLocation),
	}
}

func (b *Book) sideFor(s model.Side) *side {
	if s == model.SideBuy {
		return b.bids
	}
	return b.asks
}

// Insert adds an open order to the book. The caller is responsible for
// inserting orders in ascending created_at/id order across a symbol so
// that FIFO ordering within a price level reflects time priority.
func (b *Book) Insert(o *model.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tree := b.sideFor(o.Side)
	level := tree.getOrCreate(o.LimitPrice)
	entry := level.push(o)
	b.entries[o.ID] = &entryLocation{entry: entry, side: o.Side, price: o.LimitPrice}
}

// Remove deletes an order from the book by id. It is a no-op if the order
// is not present (e.g. it was never resting, or was already removed).
func (b *Book) Remove(orderID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(orderID)
}

func (b *Book) removeLocked(orderID int64) {
	loc, ok := b.entries[orderID]
	if !ok {
		return
	}
	delete(b.entries, orderID)

	tree := b.sideFor(loc.side)
	level := tree.get(loc.price)
	if level == nil {
		return
	}
	level.remove(loc.entry)
	if level.isEmpty() {
		tree.removeLevel(loc.price)
	}
}

// PeekBest returns the highest-priority open order on the given side
// without removing it, or nil if the side is empty.
func (b *Book) PeekBest(s model.Side) *model.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()

	level := b.sideFor(s).best()
	if level == nil {
		return nil
	}
	return level.front()
}

// ReduceOrRemove finishes a fill that the caller has already applied to a
// resting order's OpenAmount: if the open amount is zero the order is
// removed from the book, otherwise it stays where it is in its FIFO queue
// (a partially filled resting order keeps its original time priority).
func (b *Book) ReduceOrRemove(o *model.Order) {
	if o.OpenAmount.IsZero() {
		b.Remove(o.ID)
	}
}

// Level is an aggregated, read-only view of one price level.
type Level struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Depth returns up to n aggregated price levels on the given side, in
// priority order.
func (b *Book) Depth(s model.Side, n int) []Level {
	b.mu.RLock()
	defer b.mu.RUnlock()

	levels := b.sideFor(s).depth(n)
	out := make([]Level, len(levels))
	for i, l := range levels {
		out[i] = Level{Price: l.price, Quantity: l.totalQuantity()}
	}
	return out
}

// Registry owns one Book per symbol, created on first reference, mirroring
// the teacher engine's getOrderBook/getSymbolMutex lazy-map pattern.
type Registry struct {
	mu    sync.RWMutex
	books map[string]*Book
}

// NewRegistry constructs an empty book registry.
func NewRegistry() *Registry {
	return &Registry{books: make(map[string]*Book)}
}

// For returns the Book for symbol, creating it if necessary.
func (r *Registry) For(symbol string) *Book {
	r.mu.RLock()
	b, ok := r.books[symbol]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.books[symbol]; ok {
		return b
	}
	b = NewBook(symbol)
	r.books[symbol] = b
	return b
}
