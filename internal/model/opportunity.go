package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ArbitrageOpportunity is a detected cross-exchange price discrepancy.
// Immutable once created; it is discarded when it expires or when a fresher
// computation for the same (symbol, buy, sell) pair supersedes it.
type ArbitrageOpportunity struct {
	ID              string
	Symbol          string
	BuyExchange     string
	SellExchange    string
	BuyPrice        float64
	SellPrice       float64
	Spread          float64
	SpreadPercent   float64
	MaxVolume       float64
	EstimatedProfit float64
	RiskScore       float64
	Confidence      float64
	CreatedAt       time.Time
	ExpiresAt       time.Time
}

// Expired reports whether the opportunity is past its expiry at now.
func (o *ArbitrageOpportunity) Expired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}

// PairKey identifies the (symbol, buy, sell) slot this opportunity occupies
// for supersession.
func (o *ArbitrageOpportunity) PairKey() string {
	return o.Symbol + "|" + o.BuyExchange + "|" + o.SellExchange
}

type RoutingRecommendation string

const (
	RouteSingle RoutingRecommendation = "single"
	RouteSplit  RoutingRecommendation = "split"
	RouteWait   RoutingRecommendation = "wait"
)

// RoutingSplit is one leg of a routing decision.
type RoutingSplit struct {
	Exchange string
	Quantity decimal.Decimal
}

// RoutingDecision is the router's plan for executing one order. When the
// recommendation is not RouteWait, the split quantities sum exactly to the
// requested quantity.
type RoutingDecision struct {
	OrderID        string
	Symbol         string
	Recommendation RoutingRecommendation
	Splits         []RoutingSplit
	Reasoning      []string
	CreatedAt      time.Time
}
