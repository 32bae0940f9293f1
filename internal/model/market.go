package model

import "time"

// Quality tags a snapshot as fresh enough to act on or already stale.
type Quality string

const (
	QualityRealtime Quality = "realtime"
	QualityStale    Quality = "stale"
)

// MarketSnapshot is the normalized ticker view for one symbol on one
// exchange. Each update replaces the previous snapshot wholesale; fields
// are never merged across updates.
type MarketSnapshot struct {
	Exchange  string
	Symbol    string
	LastPrice float64
	Bid       float64
	BidSize   float64
	Ask       float64
	AskSize   float64
	Volume24h float64
	High24h   float64
	Low24h    float64
	Change24h float64
	Timestamp time.Time
	Quality   Quality
}

// MidPrice returns the bid/ask midpoint, or the last price when one side
// of the quote is missing.
func (s *MarketSnapshot) MidPrice() float64 {
	if s.Bid > 0 && s.Ask > 0 {
		return (s.Bid + s.Ask) / 2
	}
	return s.LastPrice
}

// BookLevel is one price level of an order book.
type BookLevel struct {
	Price    float64
	Quantity float64
}

// OrderBookSnapshot is the normalized depth view for one symbol on one
// exchange, limited to the requested depth. Bids are ordered best (highest)
// first, asks best (lowest) first.
type OrderBookSnapshot struct {
	Exchange  string
	Symbol    string
	Bids      []BookLevel
	Asks      []BookLevel
	Timestamp time.Time
}

// MidPrice returns the midpoint of the best bid and ask, or zero when
// either side is empty.
func (b *OrderBookSnapshot) MidPrice() float64 {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return 0
	}
	return (b.Bids[0].Price + b.Asks[0].Price) / 2
}

// Spread returns best ask minus best bid, or zero when either side is empty.
func (b *OrderBookSnapshot) Spread() float64 {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return 0
	}
	return b.Asks[0].Price - b.Bids[0].Price
}

// BidDepth sums the quantity across all bid levels.
func (b *OrderBookSnapshot) BidDepth() float64 {
	var total float64
	for _, l := range b.Bids {
		total += l.Quantity
	}
	return total
}

// AskDepth sums the quantity across all ask levels.
func (b *OrderBookSnapshot) AskDepth() float64 {
	var total float64
	for _, l := range b.Asks {
		total += l.Quantity
	}
	return total
}
