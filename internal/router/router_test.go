package router

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradeflow/internal/connector"
	"tradeflow/internal/model"
	"tradeflow/internal/store"
)

type fakeConn struct {
	id        string
	priority  int
	placeErr  error
	placed    atomic.Int64
	canceled  atomic.Int64
	lastOrder model.OrderRequest
}

func (c *fakeConn) ID() string                              { return c.id }
func (c *fakeConn) Profile() model.ExchangeProfile          { return model.ExchangeProfile{ExchangeID: c.id, Priority: c.priority} }
func (c *fakeConn) State() connector.ConnectionState        { return connector.StateConnected }
func (c *fakeConn) Connect(context.Context) error           { return nil }
func (c *fakeConn) Disconnect() error                       { return nil }
func (c *fakeConn) TestConnection(context.Context) error    { return nil }
func (c *fakeConn) PerformHealthCheck(context.Context) error { return nil }

func (c *fakeConn) PlaceOrder(ctx context.Context, req model.OrderRequest) (*model.OrderResult, error) {
	c.placed.Add(1)
	c.lastOrder = req
	if c.placeErr != nil {
		return nil, c.placeErr
	}
	return &model.OrderResult{
		Exchange: c.id,
		OrderID:  "ord-" + c.id,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Status:   model.OrderStatusFilled,
	}, nil
}

func (c *fakeConn) CancelOrder(ctx context.Context, symbol, orderID string) (bool, error) {
	c.canceled.Add(1)
	return true, nil
}

func (c *fakeConn) GetOrder(context.Context, string, string) (*model.OrderResult, error) {
	return nil, model.ErrOrderNotFound
}
func (c *fakeConn) GetBalances(context.Context) ([]model.Balance, error) { return nil, nil }
func (c *fakeConn) GetTradingFees(ctx context.Context, symbol string) (*model.TradingFees, error) {
	return &model.TradingFees{Symbol: symbol, TakerFee: decimal.NewFromFloat(0.001)}, nil
}
func (c *fakeConn) GetMarketData(context.Context, string) (*model.MarketSnapshot, error) {
	return nil, errors.New("not implemented")
}
func (c *fakeConn) GetOrderBook(context.Context, string, int) (*model.OrderBookSnapshot, error) {
	return nil, errors.New("not implemented")
}
func (c *fakeConn) SubscribeToMarketData(context.Context, []string) error    { return nil }
func (c *fakeConn) UnsubscribeFromMarketData(context.Context, []string) error { return nil }
func (c *fakeConn) Subscriptions() []string                                  { return nil }

type fakeFleet struct {
	books     map[string]model.OrderBookSnapshot
	conns     map[string]*fakeConn
	bookCalls atomic.Int64
}

func (f *fakeFleet) GetAggregatedOrderBooks(ctx context.Context, symbol string, depth int) map[string]model.OrderBookSnapshot {
	f.bookCalls.Add(1)
	return f.books
}

func (f *fakeFleet) Connector(id string) connector.Connector {
	c, ok := f.conns[id]
	if !ok {
		return nil
	}
	return c
}

func book(exchange string, bid, ask float64, askDepth []model.BookLevel, bidDepth []model.BookLevel) model.OrderBookSnapshot {
	bids := append([]model.BookLevel{{Price: bid, Quantity: 1}}, bidDepth...)
	if bidDepth != nil {
		bids = bidDepth
	}
	asks := askDepth
	if asks == nil {
		asks = []model.BookLevel{{Price: ask, Quantity: 1}}
	}
	return model.OrderBookSnapshot{Exchange: exchange, Symbol: "BTC-USD", Bids: bids, Asks: asks}
}

// twoExchangeFleet: A has a tight spread and 0.4 ask depth, B a wider
// spread and 0.7 ask depth.
func twoExchangeFleet() *fakeFleet {
	return &fakeFleet{
		books: map[string]model.OrderBookSnapshot{
			"A": book("A", 69999, 0, []model.BookLevel{{Price: 70001, Quantity: 0.4}}, nil),
			"B": book("B", 69990, 0, []model.BookLevel{{Price: 70010, Quantity: 0.7}}, nil),
		},
		conns: map[string]*fakeConn{
			"A": {id: "A"},
			"B": {id: "B"},
		},
	}
}

func buyOrder(qty float64) model.OrderRequest {
	return model.OrderRequest{
		Symbol:   "BTC-USD",
		Side:     model.SideBuy,
		Type:     model.OrderTypeMarket,
		Quantity: decimal.NewFromFloat(qty),
	}
}

func TestSplitScenarioExactCoverage(t *testing.T) {
	fleet := twoExchangeFleet()
	r := New(Config{Fleet: fleet, MaxSplits: 2})

	decision, err := r.GetRoutingRecommendations(context.Background(), buyOrder(1.0))
	if err != nil {
		t.Fatalf("recommend: %v", err)
	}
	if decision.Recommendation != model.RouteSplit {
		t.Fatalf("recommendation = %s, want split", decision.Recommendation)
	}
	if len(decision.Splits) != 2 {
		t.Fatalf("splits = %+v", decision.Splits)
	}
	if decision.Splits[0].Exchange != "A" || !decision.Splits[0].Quantity.Equal(decimal.NewFromFloat(0.4)) {
		t.Errorf("first leg = %+v, want A:0.4", decision.Splits[0])
	}
	if decision.Splits[1].Exchange != "B" || !decision.Splits[1].Quantity.Equal(decimal.NewFromFloat(0.6)) {
		t.Errorf("second leg = %+v, want B:0.6 (not full 0.7 depth)", decision.Splits[1])
	}

	total := decimal.Zero
	for _, s := range decision.Splits {
		total = total.Add(s.Quantity)
	}
	if !total.Equal(decimal.NewFromFloat(1.0)) {
		t.Fatalf("split sum = %s, want exactly 1.0", total)
	}
}

func TestSingleWhenOneExchangeCovers(t *testing.T) {
	fleet := twoExchangeFleet()
	r := New(Config{Fleet: fleet, MaxSplits: 2})

	decision, err := r.GetRoutingRecommendations(context.Background(), buyOrder(0.3))
	if err != nil {
		t.Fatalf("recommend: %v", err)
	}
	if decision.Recommendation != model.RouteSingle {
		t.Fatalf("recommendation = %s, want single", decision.Recommendation)
	}
	if decision.Splits[0].Exchange != "A" {
		t.Errorf("single leg on %s, want best-quality A", decision.Splits[0].Exchange)
	}
}

func TestWaitOnZeroDepth(t *testing.T) {
	fleet := &fakeFleet{
		books: map[string]model.OrderBookSnapshot{},
		conns: map[string]*fakeConn{},
	}
	r := New(Config{Fleet: fleet, MaxSplits: 2})

	decision, err := r.GetRoutingRecommendations(context.Background(), buyOrder(1.0))
	if err != nil {
		t.Fatalf("recommend: %v", err)
	}
	if decision.Recommendation != model.RouteWait {
		t.Fatalf("recommendation = %s, want wait", decision.Recommendation)
	}
	if len(decision.Splits) != 0 {
		t.Fatalf("wait carried splits: %+v", decision.Splits)
	}
}

func TestWaitWhenCoverageExceedsMaxSplits(t *testing.T) {
	fleet := twoExchangeFleet()
	r := New(Config{Fleet: fleet, MaxSplits: 1})

	decision, err := r.GetRoutingRecommendations(context.Background(), buyOrder(1.0))
	if err != nil {
		t.Fatalf("recommend: %v", err)
	}
	if decision.Recommendation != model.RouteWait {
		t.Fatalf("recommendation = %s, want wait when one split cannot cover", decision.Recommendation)
	}
}

func TestValidationFailsBeforeFleetAccess(t *testing.T) {
	fleet := twoExchangeFleet()
	r := New(Config{Fleet: fleet})

	bad := buyOrder(0)
	_, err := r.RouteOrder(context.Background(), bad)
	var ve *model.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if fleet.bookCalls.Load() != 0 {
		t.Fatal("invalid order reached the fleet")
	}
}

func TestRouteOrderDispatchesAllLegs(t *testing.T) {
	fleet := twoExchangeFleet()
	st := store.NewMemoryStore()
	r := New(Config{Fleet: fleet, MaxSplits: 2, Store: st})

	res, err := r.RouteOrder(context.Background(), buyOrder(1.0))
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(res.Legs) != 2 {
		t.Fatalf("legs = %+v", res.Legs)
	}
	if fleet.conns["A"].placed.Load() != 1 || fleet.conns["B"].placed.Load() != 1 {
		t.Fatal("not all legs dispatched")
	}
	if !fleet.conns["B"].lastOrder.Quantity.Equal(decimal.NewFromFloat(0.6)) {
		t.Errorf("B leg quantity = %s", fleet.conns["B"].lastOrder.Quantity)
	}

	trades, _ := st.TradesBySymbol(context.Background(), "BTC-USD")
	if len(trades) != 2 {
		t.Fatalf("recorded trades = %d, want 2", len(trades))
	}
}

func TestPartialFailureReportPolicy(t *testing.T) {
	fleet := twoExchangeFleet()
	fleet.conns["B"].placeErr = errors.New("exchange down")
	r := New(Config{Fleet: fleet, MaxSplits: 2, PartialFillPolicy: PolicyReport})

	res, err := r.RouteOrder(context.Background(), buyOrder(1.0))
	var pe *model.PartialExecutionError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want PartialExecutionError", err)
	}
	if len(pe.Legs) != 2 {
		t.Fatalf("legs = %+v", pe.Legs)
	}
	if fleet.conns["A"].canceled.Load() != 0 {
		t.Fatal("report policy must not cancel filled legs")
	}
	if res == nil || res.Decision == nil {
		t.Fatal("result should still carry the decision")
	}
}

func TestPartialFailureCancelPolicy(t *testing.T) {
	fleet := twoExchangeFleet()
	fleet.conns["B"].placeErr = errors.New("exchange down")
	r := New(Config{Fleet: fleet, MaxSplits: 2, PartialFillPolicy: PolicyCancel})

	_, err := r.RouteOrder(context.Background(), buyOrder(1.0))
	var pe *model.PartialExecutionError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want PartialExecutionError", err)
	}
	if fleet.conns["A"].canceled.Load() != 1 {
		t.Fatal("cancel policy should compensate the successful leg")
	}
}

func TestExecuteOpportunityPlacesBothLegs(t *testing.T) {
	fleet := twoExchangeFleet()
	r := New(Config{Fleet: fleet})

	opp := model.ArbitrageOpportunity{
		ID: "opp1", Symbol: "BTC-USD",
		BuyExchange: "A", SellExchange: "B",
		BuyPrice: 69850, SellPrice: 70100, MaxVolume: 0.5,
	}
	if err := r.ExecuteOpportunity(context.Background(), opp); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if fleet.conns["A"].placed.Load() != 1 || fleet.conns["B"].placed.Load() != 1 {
		t.Fatal("both legs should dispatch")
	}
	if fleet.conns["A"].lastOrder.Side != model.SideBuy {
		t.Errorf("A side = %s", fleet.conns["A"].lastOrder.Side)
	}
	if fleet.conns["B"].lastOrder.Side != model.SideSell {
		t.Errorf("B side = %s", fleet.conns["B"].lastOrder.Side)
	}
}

// failingStore rejects every persistence call.
type failingStore struct{}

func (failingStore) CreateTrade(context.Context, store.Trade) (string, error) {
	return "", errors.New("store closed")
}
func (failingStore) UpdateTradeExit(context.Context, string, decimal.Decimal, time.Time) error {
	return errors.New("store closed")
}
func (failingStore) TradesBySymbol(context.Context, string) ([]store.Trade, error) {
	return nil, errors.New("store closed")
}
func (failingStore) PerformanceSummary(context.Context) (store.Summary, error) {
	return store.Summary{}, errors.New("store closed")
}

func TestExecuteOpportunityTradeRecordFailureIsNonFatal(t *testing.T) {
	fleet := twoExchangeFleet()
	r := New(Config{Fleet: fleet, Store: failingStore{}})

	opp := model.ArbitrageOpportunity{
		ID: "opp2", Symbol: "BTC-USD",
		BuyExchange: "A", SellExchange: "B",
		BuyPrice: 69850, SellPrice: 70100, MaxVolume: 0.25,
	}
	if err := r.ExecuteOpportunity(context.Background(), opp); err != nil {
		t.Fatalf("record failure must not fail the execution: %v", err)
	}
	if fleet.conns["A"].placed.Load() != 1 || fleet.conns["B"].placed.Load() != 1 {
		t.Fatal("both legs should dispatch despite the store failure")
	}
}

func TestRoutingMetrics(t *testing.T) {
	fleet := twoExchangeFleet()
	r := New(Config{Fleet: fleet, MaxSplits: 2})

	r.GetRoutingRecommendations(context.Background(), buyOrder(0.3)) // single
	r.GetRoutingRecommendations(context.Background(), buyOrder(1.0)) // split
	r.GetRoutingRecommendations(context.Background(), buyOrder(5.0)) // wait

	m := r.GetPerformanceMetrics()
	if m.Recommendations != 3 || m.SingleRoutes != 1 || m.SplitRoutes != 1 || m.Waits != 1 {
		t.Fatalf("metrics = %+v", m)
	}
}
