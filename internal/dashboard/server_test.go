package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradeflow/internal/arbitrage"
	"tradeflow/internal/framework"
	"tradeflow/internal/model"
	"tradeflow/internal/router"
	"tradeflow/internal/store"
	"tradeflow/logger"
)

type fakeFleet struct{}

func (fakeFleet) GetFrameworkMetrics() framework.Metrics {
	return framework.Metrics{TotalExchanges: 3, ActiveExchanges: 2, EventsDropped: 1}
}

func (fakeFleet) GetRegisteredExchanges() []string { return []string{"binance", "bybit", "okx"} }

func (fakeFleet) GetActiveExchanges() []string { return []string{"binance", "bybit"} }

func (fakeFleet) GetRateLimitUsage() map[string]map[string]int {
	return map[string]map[string]int{
		"binance": {"general": 4, "orders": 2, "market_data": 9},
	}
}

func (fakeFleet) GetCrossExchangePortfolio(ctx context.Context) (*model.Portfolio, error) {
	return &model.Portfolio{
		QuoteAsset: "USDT",
		TotalValue: decimal.NewFromInt(1000),
		Positions: map[string]model.AssetPosition{
			"BTC": {Asset: "BTC", Quantity: decimal.NewFromFloat(0.5), Value: decimal.NewFromInt(1000)},
		},
		ByExchange: map[string]decimal.Decimal{"binance": decimal.NewFromInt(1000)},
		Risk:       model.RiskHigh,
	}, nil
}

type fakeEngine struct{}

func (fakeEngine) GetOpportunities() []model.ArbitrageOpportunity {
	return []model.ArbitrageOpportunity{{
		ID:              "opp-1",
		Symbol:          "BTC-USDT",
		BuyExchange:     "binance",
		SellExchange:    "bybit",
		SpreadPercent:   0.4,
		MaxVolume:       1.5,
		EstimatedProfit: 375,
		Confidence:      0.8,
		ExpiresAt:       time.Now().Add(10 * time.Second),
	}}
}

func (fakeEngine) GetPerformanceMetrics() arbitrage.PerformanceMetrics {
	return arbitrage.PerformanceMetrics{Detected: 5, Executed: 2, Cycles: 10}
}

type fakeRouter struct{}

func (fakeRouter) GetPerformanceMetrics() router.PerformanceMetrics {
	return router.PerformanceMetrics{Recommendations: 4, SingleRoutes: 3, SplitRoutes: 1}
}

func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	trades := store.NewMemoryStore()
	trades.CreateTrade(context.Background(), store.Trade{Symbol: "BTC-USDT", Exchange: "binance"})

	s := NewServer(Config{Enabled: true, Address: ":0"}, fakeFleet{}, fakeEngine{}, fakeRouter{}, trades, logger.GetLogger())
	if s == nil {
		t.Fatal("enabled server should not be nil")
	}
	srv := httptest.NewServer(s.buildRouter("tradeflow", "test"))
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, out interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
}

func TestDisabledServerIsNil(t *testing.T) {
	s := NewServer(Config{Enabled: false}, fakeFleet{}, fakeEngine{}, fakeRouter{}, store.NewMemoryStore(), logger.GetLogger())
	if s != nil {
		t.Fatal("disabled dashboard should yield a nil server")
	}
	if err := s.Run(context.Background(), "tradeflow", "test"); err != nil {
		t.Fatalf("nil server Run should be a no-op: %v", err)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv := testServer(t)

	var body struct {
		Service       string   `json:"service"`
		Registered    []string `json:"registered"`
		Active        []string `json:"active"`
		EventsDropped int64    `json:"events_dropped"`
	}
	getJSON(t, srv.URL+"/api/status", &body)

	if body.Service != "tradeflow" {
		t.Errorf("service = %q", body.Service)
	}
	if len(body.Registered) != 3 || len(body.Active) != 2 {
		t.Errorf("registered=%v active=%v", body.Registered, body.Active)
	}
	if body.EventsDropped != 1 {
		t.Errorf("events_dropped = %d", body.EventsDropped)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := testServer(t)

	var body struct {
		Framework struct {
			ActiveExchanges int `json:"active_exchanges"`
		} `json:"framework"`
		Arbitrage struct {
			Detected int64 `json:"detected"`
			Executed int64 `json:"executed"`
		} `json:"arbitrage"`
		Routing struct {
			SingleRoutes int64 `json:"single_routes"`
		} `json:"routing"`
		RateLimits map[string]map[string]int `json:"rate_limits"`
	}
	getJSON(t, srv.URL+"/api/metrics", &body)

	if body.Framework.ActiveExchanges != 2 {
		t.Errorf("active_exchanges = %d", body.Framework.ActiveExchanges)
	}
	if body.Arbitrage.Detected != 5 || body.Arbitrage.Executed != 2 {
		t.Errorf("arbitrage metrics = %+v", body.Arbitrage)
	}
	if body.Routing.SingleRoutes != 3 {
		t.Errorf("single_routes = %d", body.Routing.SingleRoutes)
	}
	if body.RateLimits["binance"]["market_data"] != 9 {
		t.Errorf("rate_limits = %v", body.RateLimits)
	}
}

func TestOpportunitiesEndpoint(t *testing.T) {
	srv := testServer(t)

	var body struct {
		Opportunities []struct {
			Symbol       string  `json:"symbol"`
			BuyExchange  string  `json:"buy_exchange"`
			SellExchange string  `json:"sell_exchange"`
			Confidence   float64 `json:"confidence"`
		} `json:"opportunities"`
	}
	getJSON(t, srv.URL+"/api/opportunities", &body)

	if len(body.Opportunities) != 1 {
		t.Fatalf("opportunities = %d, want 1", len(body.Opportunities))
	}
	o := body.Opportunities[0]
	if o.Symbol != "BTC-USDT" || o.BuyExchange != "binance" || o.SellExchange != "bybit" {
		t.Errorf("unexpected opportunity: %+v", o)
	}
}

func TestPortfolioEndpoint(t *testing.T) {
	srv := testServer(t)

	var body struct {
		QuoteAsset string `json:"quote_asset"`
		TotalValue string `json:"total_value"`
		Risk       string `json:"risk"`
	}
	getJSON(t, srv.URL+"/api/portfolio", &body)

	if body.QuoteAsset != "USDT" || body.TotalValue != "1000" {
		t.Errorf("portfolio = %+v", body)
	}
	if body.Risk != "high" {
		t.Errorf("risk = %q", body.Risk)
	}
}

func TestTradesEndpoint(t *testing.T) {
	srv := testServer(t)

	var body struct {
		TotalTrades int `json:"total_trades"`
		OpenTrades  int `json:"open_trades"`
	}
	getJSON(t, srv.URL+"/api/trades", &body)

	if body.TotalTrades != 1 || body.OpenTrades != 1 {
		t.Errorf("trades summary = %+v", body)
	}
}

func TestNormalizeAddress(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", "0.0.0.0:8080"},
		{":9090", "0.0.0.0:9090"},
		{"localhost", "localhost:8080"},
		{"127.0.0.1:3000", "127.0.0.1:3000"},
		{"*:8081", "0.0.0.0:8081"},
	}
	for _, tc := range cases {
		if got := normalizeAddress(tc.in); got != tc.want {
			t.Errorf("normalizeAddress(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
