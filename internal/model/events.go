package model

import "time"

type EventType string

const (
	EventConnected       EventType = "connected"
	EventDisconnected    EventType = "disconnected"
	EventError           EventType = "error"
	EventTickerUpdate    EventType = "ticker_update"
	EventOrderbookUpdate EventType = "orderbook_update"
	EventTradesUpdate    EventType = "trades_update"
)

// Event is a lifecycle or data notification emitted by a connector. Exactly
// one of the payload pointers is set for data events; lifecycle events carry
// only Exchange and, for EventError, Err.
type Event struct {
	Type      EventType
	Exchange  string
	Symbol    string
	Ticker    *MarketSnapshot
	OrderBook *OrderBookSnapshot
	Err       error
	Timestamp time.Time
}
