package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// RiskLevel buckets the portfolio's concentration risk.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// AssetPosition is the cross-exchange total for one asset, valued in the
// portfolio's quote asset.
type AssetPosition struct {
	Asset    string
	Quantity decimal.Decimal
	Value    decimal.Decimal
}

// Portfolio is the unified cross-exchange view of funds. Values are
// denominated in QuoteAsset; assets with no usable price contribute their
// quantity but a zero value.
type Portfolio struct {
	QuoteAsset  string
	TotalValue  decimal.Decimal
	Positions   map[string]AssetPosition
	ByExchange  map[string]decimal.Decimal
	DailyPnL    decimal.Decimal
	Risk        RiskLevel
	GeneratedAt time.Time
}
