package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
	OrderTypeStop   OrderType = "stop"
)

type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
)

type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
)

// OrderRequest is a normalized order in canonical symbol format. Connectors
// translate it to the exchange's native representation at the boundary.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Type          OrderType
	TimeInForce   TimeInForce
	Quantity      decimal.Decimal
	Price         decimal.Decimal
}

// OrderResult is the normalized outcome of placing or querying an order.
type OrderResult struct {
	Exchange          string
	OrderID           string
	ClientOrderID     string
	Symbol            string
	Side              OrderSide
	Status            OrderStatus
	FilledQuantity    decimal.Decimal
	RemainingQuantity decimal.Decimal
	AveragePrice      decimal.Decimal
	Fees              decimal.Decimal
	FeeAsset          string
	Timestamp         time.Time
}

// Balance reports one asset's funds on a single exchange. Connectors only
// return entries where Total is nonzero.
type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
	Total  decimal.Decimal
}

// TradingFees holds the maker/taker rates for a symbol.
type TradingFees struct {
	Symbol   string
	MakerFee decimal.Decimal
	TakerFee decimal.Decimal
}
