// Package book keeps a live order book per (exchange, symbol), built from
// stream deltas or REST snapshots, and derives the depth figures the router
// and arbitrage engine consume.
package book

import (
	"sync"
	"time"

	"github.com/google/btree"

	"tradeflow/internal/model"
)

const btreeDegree = 8

// Book holds sorted bid and ask levels. Bids iterate best (highest price)
// first, asks best (lowest price) first.
type Book struct {
	Exchange string
	Symbol   string

	mu      sync.RWMutex
	bids    *btree.BTreeG[model.BookLevel]
	asks    *btree.BTreeG[model.BookLevel]
	updated time.Time
}

func New(exchange, symbol string) *Book {
	return &Book{
		Exchange: exchange,
		Symbol:   symbol,
		bids:     btree.NewG(btreeDegree, func(a, b model.BookLevel) bool { return a.Price > b.Price }),
		asks:     btree.NewG(btreeDegree, func(a, b model.BookLevel) bool { return a.Price < b.Price }),
	}
}

// Replace swaps in a full snapshot of both sides.
func (b *Book) Replace(bids, asks []model.BookLevel, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bids.Clear(false)
	b.asks.Clear(false)
	for _, l := range bids {
		if l.Quantity > 0 {
			b.bids.ReplaceOrInsert(l)
		}
	}
	for _, l := range asks {
		if l.Quantity > 0 {
			b.asks.ReplaceOrInsert(l)
		}
	}
	b.updated = at
}

// Update applies one delta level. A zero quantity removes the level.
func (b *Book) Update(side model.OrderSide, price, quantity float64, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tree := b.asks
	if side == model.SideBuy {
		tree = b.bids
	}
	if quantity <= 0 {
		tree.Delete(model.BookLevel{Price: price})
	} else {
		tree.ReplaceOrInsert(model.BookLevel{Price: price, Quantity: quantity})
	}
	b.updated = at
}

// Snapshot copies out the top depth levels of both sides.
func (b *Book) Snapshot(depth int) model.OrderBookSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if depth <= 0 {
		depth = 20
	}
	snap := model.OrderBookSnapshot{
		Exchange:  b.Exchange,
		Symbol:    b.Symbol,
		Bids:      make([]model.BookLevel, 0, depth),
		Asks:      make([]model.BookLevel, 0, depth),
		Timestamp: b.updated,
	}
	b.bids.Ascend(func(l model.BookLevel) bool {
		snap.Bids = append(snap.Bids, l)
		return len(snap.Bids) < depth
	})
	b.asks.Ascend(func(l model.BookLevel) bool {
		snap.Asks = append(snap.Asks, l)
		return len(snap.Asks) < depth
	})
	return snap
}

// DepthWithin sums the quantity on one side whose price is no worse than
// limit away from the best level, expressed as a fraction (0.01 = 1%).
// A non-positive limit sums the entire side.
func (b *Book) DepthWithin(side model.OrderSide, limit float64) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	tree := b.asks
	if side == model.SideBuy {
		tree = b.bids
	}
	var best float64
	var total float64
	tree.Ascend(func(l model.BookLevel) bool {
		if best == 0 {
			best = l.Price
		}
		if limit > 0 && best > 0 {
			drift := (l.Price - best) / best
			if side == model.SideBuy {
				drift = -drift
			}
			if drift > limit {
				return false
			}
		}
		total += l.Quantity
		return true
	})
	return total
}

// BestBid returns the highest bid level, or false when the side is empty.
func (b *Book) BestBid() (model.BookLevel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out model.BookLevel
	found := false
	b.bids.Ascend(func(l model.BookLevel) bool {
		out, found = l, true
		return false
	})
	return out, found
}

// BestAsk returns the lowest ask level, or false when the side is empty.
func (b *Book) BestAsk() (model.BookLevel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out model.BookLevel
	found := false
	b.asks.Ascend(func(l model.BookLevel) bool {
		out, found = l, true
		return false
	})
	return out, found
}

// Levels reports how many levels each side currently holds.
func (b *Book) Levels() (bids, asks int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bids.Len(), b.asks.Len()
}
