package model

import "time"

// ExchangeProfile is the static configuration for one exchange. It is
// immutable after registration; the framework and connectors only read it.
type ExchangeProfile struct {
	ExchangeID          string             `yaml:"exchange_id"`
	Name                string             `yaml:"name"`
	APIURL              string             `yaml:"api_url"`
	WebsocketURL        string             `yaml:"websocket_url"`
	SandboxAPIURL       string             `yaml:"sandbox_api_url"`
	Capabilities        Capabilities       `yaml:"capabilities"`
	RateLimits          RateLimitProfile   `yaml:"rate_limits"`
	Priority            int                `yaml:"priority"`
	HealthCheckInterval time.Duration      `yaml:"health_check_interval"`
	ReconnectAttempts   int                `yaml:"reconnect_attempts"`
	ReconnectDelay      time.Duration      `yaml:"reconnect_delay"`
	DefaultTradingPair  string             `yaml:"default_trading_pair"`
	SupportedAssets     []string           `yaml:"supported_assets"`
	MinimumBalance      map[string]float64 `yaml:"minimum_balance"`
	MaxPositionSize     map[string]float64 `yaml:"max_position_size"`
	MaxDailyVolume      map[string]float64 `yaml:"max_daily_volume"`
	EnableRiskChecks    bool               `yaml:"enable_risk_checks"`
}

type Capabilities struct {
	SpotTrading         bool    `yaml:"spot_trading"`
	MarginTrading       bool    `yaml:"margin_trading"`
	FuturesTrading      bool    `yaml:"futures_trading"`
	OptionsTrading      bool    `yaml:"options_trading"`
	MarketOrders        bool    `yaml:"market_orders"`
	LimitOrders         bool    `yaml:"limit_orders"`
	StopOrders          bool    `yaml:"stop_orders"`
	IcebergOrders       bool    `yaml:"iceberg_orders"`
	PostOnlyOrders      bool    `yaml:"post_only_orders"`
	WebsocketStreams    bool    `yaml:"websocket_streams"`
	SandboxMode         bool    `yaml:"sandbox_mode"`
	MaxOrderSize        float64 `yaml:"max_order_size"`
	MinOrderSize        float64 `yaml:"min_order_size"`
	MaxOrdersPerSecond  int     `yaml:"max_orders_per_second"`
	MaxConcurrentOrders int     `yaml:"max_concurrent_orders"`
}

type RateLimitProfile struct {
	RestRequests         WindowLimit  `yaml:"rest_requests"`
	OrderPlacement       WindowLimit  `yaml:"order_placement"`
	MarketData           WindowLimit  `yaml:"market_data"`
	WebsocketConnections SocketLimits `yaml:"websocket_connections"`
}

// WindowLimit caps the weighted number of requests inside a rolling window.
type WindowLimit struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

type SocketLimits struct {
	MaxConnections   int           `yaml:"max_connections"`
	MaxSubscriptions int           `yaml:"max_subscriptions"`
	ReconnectDelay   time.Duration `yaml:"reconnect_delay"`
}

// SupportsAsset reports whether the exchange lists the asset.
func (p *ExchangeProfile) SupportsAsset(asset string) bool {
	for _, a := range p.SupportedAssets {
		if a == asset {
			return true
		}
	}
	return false
}
