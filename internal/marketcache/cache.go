// Package marketcache holds a connector's local view of market data. The
// connector's ingestion path is the only writer; the framework and router
// read concurrently through the accessors.
package marketcache

import (
	"sync"
	"time"

	"tradeflow/internal/model"
)

// Cache stores the latest ticker and order-book snapshot per canonical
// symbol. Each update replaces the stored value wholesale.
type Cache struct {
	ttl       time.Duration
	staleness time.Duration

	mu      sync.RWMutex
	tickers map[string]model.MarketSnapshot
	books   map[string]model.OrderBookSnapshot
}

// New builds a cache. ttl bounds how long a snapshot may serve reads before
// a REST refresh is required; staleness bounds the realtime quality tag.
func New(ttl, staleness time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 3 * time.Second
	}
	if staleness <= 0 {
		staleness = 10 * time.Second
	}
	return &Cache{
		ttl:       ttl,
		staleness: staleness,
		tickers:   make(map[string]model.MarketSnapshot),
		books:     make(map[string]model.OrderBookSnapshot),
	}
}

// SetTicker stores the snapshot, overwriting any previous one.
func (c *Cache) SetTicker(s model.MarketSnapshot) {
	c.mu.Lock()
	c.tickers[s.Symbol] = s
	c.mu.Unlock()
}

// Ticker returns the stored snapshot with its quality tag applied. The
// second return is false when the symbol has never been seen.
func (c *Cache) Ticker(symbol string) (model.MarketSnapshot, bool) {
	c.mu.RLock()
	s, ok := c.tickers[symbol]
	c.mu.RUnlock()
	if !ok {
		return model.MarketSnapshot{}, false
	}
	if time.Since(s.Timestamp) <= c.staleness {
		s.Quality = model.QualityRealtime
	} else {
		s.Quality = model.QualityStale
	}
	return s, true
}

// TickerFresh reports whether the stored snapshot is young enough to serve
// without a REST refresh.
func (c *Cache) TickerFresh(symbol string) bool {
	c.mu.RLock()
	s, ok := c.tickers[symbol]
	c.mu.RUnlock()
	return ok && time.Since(s.Timestamp) <= c.ttl
}

// SetBook stores the order book snapshot, overwriting any previous one.
func (c *Cache) SetBook(b model.OrderBookSnapshot) {
	c.mu.Lock()
	c.books[b.Symbol] = b
	c.mu.Unlock()
}

// Book returns the stored order book snapshot for the symbol.
func (c *Cache) Book(symbol string) (model.OrderBookSnapshot, bool) {
	c.mu.RLock()
	b, ok := c.books[symbol]
	c.mu.RUnlock()
	return b, ok
}

// BookFresh reports whether the stored book is within the serve TTL.
func (c *Cache) BookFresh(symbol string) bool {
	c.mu.RLock()
	b, ok := c.books[symbol]
	c.mu.RUnlock()
	return ok && time.Since(b.Timestamp) <= c.ttl
}

// Symbols lists every symbol with a cached ticker.
func (c *Cache) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.tickers))
	for s := range c.tickers {
		out = append(out, s)
	}
	return out
}

// Clear drops all cached data. Called on disconnect and cleanup.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.tickers = make(map[string]model.MarketSnapshot)
	c.books = make(map[string]model.OrderBookSnapshot)
	c.mu.Unlock()
}
