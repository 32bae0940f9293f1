package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"tradeflow/internal/connector"
	"tradeflow/internal/model"
)

func newTestDriver(t *testing.T, handler http.HandlerFunc) *Driver {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewDriver(srv.URL, nil)
}

func TestFetchTickerNormalizesSymbol(t *testing.T) {
	d := newTestDriver(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/market/tickers" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("symbol"); got != "BTCUSDT" {
			t.Errorf("native symbol = %s, want BTCUSDT", got)
		}
		w.Write([]byte(`{"retCode":0,"result":{"list":[{
			"symbol":"BTCUSDT","lastPrice":"69900.5","bid1Price":"69900","bid1Size":"1.2",
			"ask1Price":"69901","ask1Size":"0.8","volume24h":"1234.5",
			"highPrice24h":"70500","lowPrice24h":"69000","price24hPcnt":"0.0123"}]}}`))
	})

	snap, err := d.FetchTicker(context.Background(), "BTC-USDT")
	if err != nil {
		t.Fatalf("fetch ticker: %v", err)
	}
	if snap.Symbol != "BTC-USDT" {
		t.Errorf("canonical symbol = %s", snap.Symbol)
	}
	if snap.LastPrice != 69900.5 || snap.Bid != 69900 || snap.Ask != 69901 {
		t.Errorf("prices = %+v", snap)
	}
	if snap.Change24h < 1.229 || snap.Change24h > 1.231 {
		t.Errorf("change = %v, want percent", snap.Change24h)
	}
}

func TestFetchOrderBookOrdering(t *testing.T) {
	d := newTestDriver(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":0,"result":{
			"s":"BTCUSDT",
			"b":[["69900","1.0"],["69890","2.0"]],
			"a":[["69910","0.5"],["69920","1.5"]],
			"ts":1700000000000}}`))
	})

	book, err := d.FetchOrderBook(context.Background(), "BTC-USDT", 2)
	if err != nil {
		t.Fatalf("fetch order book: %v", err)
	}
	if book.Bids[0].Price != 69900 || book.Asks[0].Price != 69910 {
		t.Errorf("best levels wrong: %+v", book)
	}
	if book.Spread() != 10 {
		t.Errorf("spread = %v", book.Spread())
	}
}

func TestAPIErrorClassification(t *testing.T) {
	cases := []struct {
		code      int
		retryable bool
	}{
		{10006, true},
		{10003, false},
	}
	for _, tc := range cases {
		resp := envelope{RetCode: tc.code, RetMsg: "x"}
		err := resp.err("op")
		if got := model.IsRetryable(err); got != tc.retryable {
			t.Errorf("code %d retryable = %v, want %v", tc.code, got, tc.retryable)
		}
	}
}

func TestFetchOrderNotFound(t *testing.T) {
	d := newTestDriver(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":0,"result":{"list":[]}}`))
	})
	d.rest.Signer = noopSigner{}
	_, err := d.FetchOrder(context.Background(), "BTC-USDT", "123")
	if !errors.Is(err, model.ErrOrderNotFound) {
		t.Fatalf("err = %v, want ErrOrderNotFound", err)
	}
}

type noopSigner struct{}

func (noopSigner) Sign(req *http.Request, body []byte) error { return nil }

func TestSubscribePayloadTopics(t *testing.T) {
	s := NewStream("")
	payload, err := s.SubscribePayload([]string{"BTC-USDT"})
	if err != nil {
		t.Fatal(err)
	}
	args := payload.(map[string]interface{})["args"].([]string)
	want := map[string]bool{"tickers.BTCUSDT": true, "orderbook.50.BTCUSDT": true}
	if len(args) != 2 || !want[args[0]] || !want[args[1]] {
		t.Fatalf("args = %v", args)
	}
}

func TestHandleMessageTicker(t *testing.T) {
	s := NewStream("")
	raw := []byte(`{"topic":"tickers.BTCUSDT","type":"snapshot","ts":1700000000000,
		"data":{"symbol":"BTCUSDT","lastPrice":"69900","bid1Price":"69899","ask1Price":"69901"}}`)
	u, err := s.HandleMessage(raw)
	if err != nil {
		t.Fatal(err)
	}
	if u == nil || u.Ticker == nil {
		t.Fatal("expected ticker update")
	}
	if u.Ticker.Symbol != "BTC-USDT" || u.Ticker.LastPrice != 69900 {
		t.Errorf("ticker = %+v", u.Ticker)
	}
}

func TestHandleMessageBookSnapshotAndDelta(t *testing.T) {
	s := NewStream("")

	snap, err := s.HandleMessage([]byte(`{"topic":"orderbook.50.BTCUSDT","type":"snapshot",
		"ts":1700000000000,"data":{"s":"BTCUSDT","b":[["69900","1"]],"a":[["69910","2"]]}}`))
	if err != nil || snap == nil || snap.Book == nil {
		t.Fatalf("snapshot update = %+v, err %v", snap, err)
	}
	if snap.Book.Symbol != "BTC-USDT" || len(snap.Book.Bids) != 1 {
		t.Errorf("book = %+v", snap.Book)
	}

	delta, err := s.HandleMessage([]byte(`{"topic":"orderbook.50.BTCUSDT","type":"delta",
		"ts":1700000001000,"data":{"s":"BTCUSDT","b":[["69900","0"]],"a":[]}}`))
	if err != nil || delta == nil || delta.Delta == nil {
		t.Fatalf("delta update = %+v, err %v", delta, err)
	}
	if delta.Delta.Bids[0].Quantity != 0 {
		t.Errorf("delta should carry the zero-quantity removal: %+v", delta.Delta)
	}
}

func TestHandleMessageIgnoresAcks(t *testing.T) {
	s := NewStream("")
	ack, _ := json.Marshal(map[string]interface{}{"op": "pong", "success": true})
	u, err := s.HandleMessage(ack)
	if err != nil || u != nil {
		t.Fatalf("ack should produce nil update, got %+v err %v", u, err)
	}
	var _ connector.StreamDriver = s
}
