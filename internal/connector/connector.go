// Package connector defines the uniform contract every exchange adapter
// implements, and the Core type that composes the reusable building blocks
// (rate limiter, reconnection manager, market cache, event bus) around a
// per-exchange Driver.
package connector

import (
	"context"
	"net/http"
	"time"

	"tradeflow/internal/model"
)

// ConnectionState is the lifecycle state of one connector.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDegraded     ConnectionState = "degraded"
	StateError        ConnectionState = "error"
)

// validTransitions encodes the strict ordering of state changes. A
// connector can never jump from disconnected straight to connected, and a
// manual disconnect is only reachable from a settled state; tearing down a
// half-finished connect goes through error first.
var validTransitions = map[ConnectionState][]ConnectionState{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateError},
	StateConnected:    {StateError, StateDegraded, StateDisconnected},
	StateDegraded:     {StateConnecting, StateDisconnected},
	StateError:        {StateConnecting, StateDisconnected},
}

// CanTransition reports whether moving from one state to the other is legal.
func CanTransition(from, to ConnectionState) bool {
	if from == to {
		return true
	}
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Connector is the uniform contract over one exchange's REST and streaming
// endpoints. All symbols are canonical (BTC-USD); translation to the
// exchange's native format happens inside the implementation.
type Connector interface {
	ID() string
	Profile() model.ExchangeProfile
	State() ConnectionState

	Connect(ctx context.Context) error
	Disconnect() error
	TestConnection(ctx context.Context) error
	PerformHealthCheck(ctx context.Context) error

	PlaceOrder(ctx context.Context, req model.OrderRequest) (*model.OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) (bool, error)
	GetOrder(ctx context.Context, symbol, orderID string) (*model.OrderResult, error)
	GetBalances(ctx context.Context) ([]model.Balance, error)
	GetTradingFees(ctx context.Context, symbol string) (*model.TradingFees, error)
	GetMarketData(ctx context.Context, symbol string) (*model.MarketSnapshot, error)
	GetOrderBook(ctx context.Context, symbol string, depth int) (*model.OrderBookSnapshot, error)

	SubscribeToMarketData(ctx context.Context, symbols []string) error
	UnsubscribeFromMarketData(ctx context.Context, symbols []string) error
	Subscriptions() []string
}

// Driver implements the REST half of one exchange's API. Drivers receive
// canonical symbols and own the native translation.
type Driver interface {
	Name() string
	ServerTime(ctx context.Context) (time.Time, error)
	FetchTicker(ctx context.Context, symbol string) (*model.MarketSnapshot, error)
	FetchOrderBook(ctx context.Context, symbol string, depth int) (*model.OrderBookSnapshot, error)
	CreateOrder(ctx context.Context, req model.OrderRequest) (*model.OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) (bool, error)
	FetchOrder(ctx context.Context, symbol, orderID string) (*model.OrderResult, error)
	FetchBalances(ctx context.Context) ([]model.Balance, error)
	FetchTradingFees(ctx context.Context, symbol string) (*model.TradingFees, error)
	DefaultFees(symbol string) model.TradingFees
}

// StreamUpdate is one parsed push message from an exchange stream. Messages
// that carry no market data (acks, pongs) return a nil update.
type StreamUpdate struct {
	Ticker *model.MarketSnapshot
	// Book replaces the tracked book for the symbol wholesale.
	Book *model.OrderBookSnapshot
	// Delta applies incremental level changes; a zero quantity removes
	// the level.
	Delta *BookDelta
}

// BookDelta carries incremental order book changes from a stream.
type BookDelta struct {
	Symbol    string
	Bids      []model.BookLevel
	Asks      []model.BookLevel
	Timestamp time.Time
}

// StreamDriver implements the streaming half of one exchange's API.
type StreamDriver interface {
	// StreamURL resolves the websocket endpoint; exchanges with a token
	// handshake (kucoin) do it here.
	StreamURL(ctx context.Context) (string, error)
	SubscribePayload(symbols []string) (interface{}, error)
	UnsubscribePayload(symbols []string) (interface{}, error)
	HandleMessage(raw []byte) (*StreamUpdate, error)
	// KeepAlive returns the ping payload and interval, or a zero interval
	// when the protocol needs no application-level ping.
	KeepAlive() (interface{}, time.Duration)
}

// Signer authenticates private REST requests. Credential handling and the
// exchange-specific signature algorithms live outside this layer.
type Signer interface {
	Sign(req *http.Request, body []byte) error
}
