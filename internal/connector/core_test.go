package connector

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"tradeflow/internal/events"
	"tradeflow/internal/model"
)

type fakeDriver struct {
	mu           sync.Mutex
	tickerCalls  int
	orderCalls   int
	serverTime   func() (time.Time, error)
	tickerErr    error
	feesErr      error
	createOrder  func(req model.OrderRequest) (*model.OrderResult, error)
}

func (d *fakeDriver) Name() string { return "fake" }

func (d *fakeDriver) ServerTime(ctx context.Context) (time.Time, error) {
	if d.serverTime != nil {
		return d.serverTime()
	}
	return time.Now(), nil
}

func (d *fakeDriver) FetchTicker(ctx context.Context, symbol string) (*model.MarketSnapshot, error) {
	d.mu.Lock()
	d.tickerCalls++
	d.mu.Unlock()
	if d.tickerErr != nil {
		return nil, d.tickerErr
	}
	return &model.MarketSnapshot{Exchange: "fake", Symbol: symbol, LastPrice: 100, Timestamp: time.Now()}, nil
}

func (d *fakeDriver) FetchOrderBook(ctx context.Context, symbol string, depth int) (*model.OrderBookSnapshot, error) {
	return &model.OrderBookSnapshot{
		Exchange:  "fake",
		Symbol:    symbol,
		Bids:      []model.BookLevel{{Price: 99, Quantity: 1}},
		Asks:      []model.BookLevel{{Price: 101, Quantity: 1}},
		Timestamp: time.Now(),
	}, nil
}

func (d *fakeDriver) CreateOrder(ctx context.Context, req model.OrderRequest) (*model.OrderResult, error) {
	d.mu.Lock()
	d.orderCalls++
	d.mu.Unlock()
	if d.createOrder != nil {
		return d.createOrder(req)
	}
	return &model.OrderResult{Exchange: "fake", OrderID: "1", Symbol: req.Symbol, Status: model.OrderStatusFilled}, nil
}

func (d *fakeDriver) CancelOrder(ctx context.Context, symbol, orderID string) (bool, error) {
	return true, nil
}

func (d *fakeDriver) FetchOrder(ctx context.Context, symbol, orderID string) (*model.OrderResult, error) {
	return nil, model.ErrOrderNotFound
}

func (d *fakeDriver) FetchBalances(ctx context.Context) ([]model.Balance, error) {
	return []model.Balance{
		{Asset: "BTC", Free: decimal.NewFromFloat(1), Total: decimal.NewFromFloat(1)},
		{Asset: "DUST", Free: decimal.Zero, Total: decimal.Zero},
	}, nil
}

func (d *fakeDriver) FetchTradingFees(ctx context.Context, symbol string) (*model.TradingFees, error) {
	if d.feesErr != nil {
		return nil, d.feesErr
	}
	return &model.TradingFees{Symbol: symbol, MakerFee: decimal.NewFromFloat(0.001), TakerFee: decimal.NewFromFloat(0.002)}, nil
}

func (d *fakeDriver) DefaultFees(symbol string) model.TradingFees {
	return model.TradingFees{Symbol: symbol, MakerFee: decimal.NewFromFloat(0.002), TakerFee: decimal.NewFromFloat(0.004)}
}

func (d *fakeDriver) orders() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.orderCalls
}

func (d *fakeDriver) tickers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tickerCalls
}

func testProfile(id string) model.ExchangeProfile {
	return model.ExchangeProfile{
		ExchangeID:   id,
		Name:         id,
		APIURL:       "https://example.com",
		WebsocketURL: "wss://example.com/ws",
		Capabilities: model.Capabilities{SpotTrading: true, LimitOrders: true, MarketOrders: true},
		RateLimits: model.RateLimitProfile{
			RestRequests:   model.WindowLimit{Limit: 100, Window: time.Second},
			OrderPlacement: model.WindowLimit{Limit: 50, Window: time.Second},
			MarketData:     model.WindowLimit{Limit: 100, Window: time.Second},
		},
		ReconnectDelay: 20 * time.Millisecond,
	}
}

func newTestCore(t *testing.T, d Driver, s StreamDriver, profile model.ExchangeProfile) *Core {
	t.Helper()
	return NewCore(Config{
		Profile:         profile,
		Driver:          d,
		Stream:          s,
		Bus:             events.NewBus(),
		CacheTTL:        100 * time.Millisecond,
		StalenessWindow: time.Second,
	})
}

func TestStateMachineForbidsDirectConnect(t *testing.T) {
	if CanTransition(StateDisconnected, StateConnected) {
		t.Fatal("disconnected must not jump straight to connected")
	}
	legal := []struct{ from, to ConnectionState }{
		{StateDisconnected, StateConnecting},
		{StateConnecting, StateConnected},
		{StateConnected, StateError},
		{StateConnected, StateDegraded},
		{StateError, StateConnecting},
		{StateDegraded, StateConnecting},
		{StateConnected, StateDisconnected},
	}
	for _, tt := range legal {
		if !CanTransition(tt.from, tt.to) {
			t.Errorf("transition %s -> %s should be legal", tt.from, tt.to)
		}
	}
	if CanTransition(StateConnecting, StateDisconnected) {
		t.Error("manual disconnect from connecting should be illegal")
	}
}

func TestConnectDisconnectLifecycle(t *testing.T) {
	d := &fakeDriver{}
	profile := testProfile("fake")
	c := newTestCore(t, d, nil, profile)

	if c.State() != StateDisconnected {
		t.Fatalf("initial state = %s", c.State())
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if c.State() != StateConnected {
		t.Fatalf("state after connect = %s", c.State())
	}
	// Idempotent.
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if c.State() != StateDisconnected {
		t.Fatalf("state after disconnect = %s", c.State())
	}
	// Disconnect always succeeds.
	if err := c.Disconnect(); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}
}

func TestConnectFailsOnClockSkew(t *testing.T) {
	d := &fakeDriver{serverTime: func() (time.Time, error) {
		return time.Now().Add(-5 * time.Minute), nil
	}}
	c := newTestCore(t, d, nil, testProfile("fake"))

	err := c.Connect(context.Background())
	if err == nil {
		t.Fatal("expected clock skew error")
	}
	var ce *model.ConnectionError
	if !errors.As(err, &ce) || !ce.Fatal {
		t.Fatalf("expected fatal connection error, got %v", err)
	}
	if c.State() != StateError {
		t.Fatalf("state after failed connect = %s", c.State())
	}
}

func TestHealthCheckRestoresErroredConnector(t *testing.T) {
	d := &fakeDriver{}
	c := newTestCore(t, d, nil, testProfile("fake"))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	c.markError(errors.New("boom"))
	if c.State() != StateError {
		t.Fatalf("state = %s, want error", c.State())
	}
	if err := c.PerformHealthCheck(context.Background()); err != nil {
		t.Fatalf("health check: %v", err)
	}
	if c.State() != StateConnected {
		t.Fatalf("state after health check = %s, want connected", c.State())
	}
}

func TestPlaceOrderValidatesBeforeNetwork(t *testing.T) {
	d := &fakeDriver{}
	c := newTestCore(t, d, nil, testProfile("fake"))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	bad := []model.OrderRequest{
		{Symbol: "BTCUSD", Side: model.SideBuy, Type: model.OrderTypeMarket, Quantity: decimal.NewFromInt(1)},
		{Symbol: "BTC-USD", Side: model.SideBuy, Type: model.OrderTypeMarket, Quantity: decimal.Zero},
		{Symbol: "BTC-USD", Side: model.SideBuy, Type: model.OrderTypeLimit, Quantity: decimal.NewFromInt(1)},
	}
	for i, req := range bad {
		_, err := c.PlaceOrder(context.Background(), req)
		var ve *model.ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("case %d: expected validation error, got %v", i, err)
		}
	}
	if d.orders() != 0 {
		t.Fatalf("driver saw %d order calls for invalid orders", d.orders())
	}

	good := model.OrderRequest{Symbol: "BTC-USD", Side: model.SideBuy, Type: model.OrderTypeMarket, Quantity: decimal.NewFromFloat(0.5)}
	if _, err := c.PlaceOrder(context.Background(), good); err != nil {
		t.Fatalf("valid order failed: %v", err)
	}
	if d.orders() != 1 {
		t.Fatalf("driver order calls = %d, want 1", d.orders())
	}
}

func TestMarketDataServedFromCacheWithinTTL(t *testing.T) {
	d := &fakeDriver{}
	c := newTestCore(t, d, nil, testProfile("fake"))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if _, err := c.GetMarketData(context.Background(), "BTC-USD"); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if _, err := c.GetMarketData(context.Background(), "BTC-USD"); err != nil {
		t.Fatalf("cached fetch: %v", err)
	}
	if d.tickers() != 1 {
		t.Fatalf("driver ticker calls = %d, want 1 (second served from cache)", d.tickers())
	}

	time.Sleep(150 * time.Millisecond)
	if _, err := c.GetMarketData(context.Background(), "BTC-USD"); err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if d.tickers() != 2 {
		t.Fatalf("driver ticker calls = %d, want 2 after TTL expiry", d.tickers())
	}
}

func TestTradingFeesFallBackToDefaults(t *testing.T) {
	d := &fakeDriver{feesErr: errors.New("endpoint down")}
	c := newTestCore(t, d, nil, testProfile("fake"))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	fees, err := c.GetTradingFees(context.Background(), "BTC-USD")
	if err != nil {
		t.Fatalf("fees with fallback: %v", err)
	}
	if !fees.TakerFee.Equal(decimal.NewFromFloat(0.004)) {
		t.Fatalf("taker fee = %s, want default 0.004", fees.TakerFee)
	}
}

func TestBalancesFilterZeroTotals(t *testing.T) {
	d := &fakeDriver{}
	c := newTestCore(t, d, nil, testProfile("fake"))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	balances, err := c.GetBalances(context.Background())
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if len(balances) != 1 || balances[0].Asset != "BTC" {
		t.Fatalf("balances = %+v, want only BTC", balances)
	}
}

func TestRateLimitUsageTracksConsumedWeight(t *testing.T) {
	d := &fakeDriver{}
	c := newTestCore(t, d, nil, testProfile("fake"))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := c.GetMarketData(context.Background(), "BTC-USD"); err != nil {
		t.Fatalf("market data: %v", err)
	}

	usage := c.RateLimitUsage()
	if usage["market_data"] < 1 {
		t.Errorf("market_data usage = %d, want at least 1", usage["market_data"])
	}
	if usage["general"] < 1 {
		t.Errorf("general usage = %d, want at least the connect probe", usage["general"])
	}
	if usage["orders"] != 0 {
		t.Errorf("orders usage = %d, want 0", usage["orders"])
	}
}

// fakeStream speaks a trivial subscribe protocol over a real websocket.
type fakeStream struct {
	url string
}

func (s *fakeStream) StreamURL(ctx context.Context) (string, error) { return s.url, nil }

func (s *fakeStream) SubscribePayload(syms []string) (interface{}, error) {
	return map[string]interface{}{"op": "subscribe", "symbols": syms}, nil
}

func (s *fakeStream) UnsubscribePayload(syms []string) (interface{}, error) {
	return map[string]interface{}{"op": "unsubscribe", "symbols": syms}, nil
}

func (s *fakeStream) HandleMessage(raw []byte) (*StreamUpdate, error) {
	var msg struct {
		Symbol string  `json:"symbol"`
		Price  float64 `json:"price"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Symbol == "" {
		return nil, nil
	}
	return &StreamUpdate{Ticker: &model.MarketSnapshot{
		Exchange: "fake", Symbol: msg.Symbol, LastPrice: msg.Price, Timestamp: time.Now(),
	}}, nil
}

func (s *fakeStream) KeepAlive() (interface{}, time.Duration) { return nil, 0 }

// subRecorder collects subscribe payloads per websocket session and can
// kill the first session to force a reconnect.
type subRecorder struct {
	mu       sync.Mutex
	sessions [][]string
	upgrader websocket.Upgrader
	killed   bool
}

func (r *subRecorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	session := len(r.appendSession())
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			Op      string   `json:"op"`
			Symbols []string `json:"symbols"`
		}
		if json.Unmarshal(raw, &msg) == nil && msg.Op == "subscribe" {
			r.recordSubs(session-1, msg.Symbols)
			r.mu.Lock()
			first := !r.killed
			r.killed = true
			r.mu.Unlock()
			if first {
				// Kill the first session right after its subscribe to
				// force the client through a reconnect.
				return
			}
		}
	}
}

func (r *subRecorder) appendSession() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, nil)
	return r.sessions
}

func (r *subRecorder) recordSubs(session int, syms []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[session] = append(r.sessions[session], syms...)
}

func (r *subRecorder) sessionSubs(session int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if session >= len(r.sessions) {
		return nil
	}
	out := append([]string(nil), r.sessions[session]...)
	sort.Strings(out)
	return out
}

func (r *subRecorder) sessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func TestReconnectReplaysSubscriptionSet(t *testing.T) {
	rec := &subRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	d := &fakeDriver{}
	profile := testProfile("fake")
	profile.Capabilities.WebsocketStreams = true
	c := newTestCore(t, d, &fakeStream{url: wsURL}, profile)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()

	want := []string{"BTC-USD", "ETH-USD", "SOL-USD"}
	if err := c.SubscribeToMarketData(context.Background(), want); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Wait for the forced drop and the reconnect to play out.
	deadline := time.Now().Add(5 * time.Second)
	for rec.sessionCount() < 2 || len(rec.sessionSubs(1)) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no resubscription observed; sessions=%d", rec.sessionCount())
		}
		time.Sleep(10 * time.Millisecond)
	}

	got := rec.sessionSubs(1)
	sorted := append([]string(nil), want...)
	sort.Strings(sorted)
	if len(got) != len(sorted) {
		t.Fatalf("resubscribed set = %v, want %v", got, sorted)
	}
	for i := range got {
		if got[i] != sorted[i] {
			t.Fatalf("resubscribed set = %v, want %v", got, sorted)
		}
	}

	if tracked := c.Subscriptions(); len(tracked) != 3 {
		t.Fatalf("tracked subscriptions = %v", tracked)
	}
}

// gatedStream holds the session goroutine before the dial until released,
// keeping the socket absent while the session counts as running.
type gatedStream struct {
	fakeStream
	release chan struct{}
}

func (s *gatedStream) StreamURL(ctx context.Context) (string, error) {
	select {
	case <-s.release:
		return s.fakeStream.StreamURL(ctx)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestSubscribeWhileSessionDialingDefersToReplay(t *testing.T) {
	rec := &subRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	s := &gatedStream{fakeStream: fakeStream{url: wsURL}, release: make(chan struct{})}
	d := &fakeDriver{}
	profile := testProfile("fake")
	profile.Capabilities.WebsocketStreams = true
	c := newTestCore(t, d, s, profile)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()

	// The session goroutine is up but has no socket yet; subscribing must
	// succeed because the in-flight session replays the tracked set.
	if err := c.SubscribeToMarketData(context.Background(), []string{"BTC-USD"}); err != nil {
		t.Fatalf("subscribe during dial: %v", err)
	}
	if tracked := c.Subscriptions(); len(tracked) != 1 || tracked[0] != "BTC-USD" {
		t.Fatalf("tracked = %v", tracked)
	}

	close(s.release)
	deadline := time.Now().Add(5 * time.Second)
	for rec.sessionCount() == 0 || len(rec.sessionSubs(0)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("in-flight session never subscribed the tracked set")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := rec.sessionSubs(0); len(got) != 1 || got[0] != "BTC-USD" {
		t.Fatalf("session subscribed %v, want [BTC-USD]", got)
	}
}

func TestDisconnectStopsStream(t *testing.T) {
	rec := &subRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	d := &fakeDriver{}
	profile := testProfile("fake")
	profile.Capabilities.WebsocketStreams = true
	c := newTestCore(t, d, &fakeStream{url: wsURL}, profile)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.SubscribeToMarketData(context.Background(), []string{"BTC-USD"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	sessions := rec.sessionCount()
	time.Sleep(100 * time.Millisecond)
	if rec.sessionCount() > sessions {
		t.Fatal("stream kept reconnecting after Disconnect")
	}
}
