package binance

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"tradeflow/internal/connector"
	"tradeflow/internal/model"
	"tradeflow/internal/symbols"
)

const defaultStreamURL = "wss://stream.binance.com:9443/ws"

// Stream implements connector.StreamDriver over Binance's raw websocket.
// Each symbol subscribes the 24h ticker stream and the diff depth stream;
// depth diffs feed the core's tracked books as deltas.
type Stream struct {
	url    string
	nextID atomic.Int64
}

func NewStream(url string) *Stream {
	if url == "" {
		url = defaultStreamURL
	}
	return &Stream{url: url}
}

func (s *Stream) StreamURL(ctx context.Context) (string, error) { return s.url, nil }

func streamNames(syms []string) []string {
	out := make([]string, 0, len(syms)*2)
	for _, c := range syms {
		native := strings.ToLower(symbols.ToNative(exchangeID, c))
		out = append(out, native+"@ticker", native+"@depth@100ms")
	}
	return out
}

func (s *Stream) SubscribePayload(syms []string) (interface{}, error) {
	return map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": streamNames(syms),
		"id":     s.nextID.Add(1),
	}, nil
}

func (s *Stream) UnsubscribePayload(syms []string) (interface{}, error) {
	return map[string]interface{}{
		"method": "UNSUBSCRIBE",
		"params": streamNames(syms),
		"id":     s.nextID.Add(1),
	}, nil
}

// KeepAlive returns a zero interval: the server pings and gorilla's default
// ping handler answers with pongs.
func (s *Stream) KeepAlive() (interface{}, time.Duration) { return nil, 0 }

func (s *Stream) HandleMessage(raw []byte) (*connector.StreamUpdate, error) {
	var probe struct {
		Event  string `json:"e"`
		Symbol string `json:"s"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, err
	}

	switch probe.Event {
	case "24hrTicker":
		var t struct {
			Symbol        string `json:"s"`
			Last          string `json:"c"`
			Bid           string `json:"b"`
			BidQty        string `json:"B"`
			Ask           string `json:"a"`
			AskQty        string `json:"A"`
			High          string `json:"h"`
			Low           string `json:"l"`
			Volume        string `json:"v"`
			ChangePercent string `json:"P"`
			EventTime     int64  `json:"E"`
		}
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, err
		}
		return &connector.StreamUpdate{Ticker: &model.MarketSnapshot{
			Exchange:  exchangeID,
			Symbol:    symbols.ToCanonical(exchangeID, t.Symbol),
			LastPrice: parseF(t.Last),
			Bid:       parseF(t.Bid),
			BidSize:   parseF(t.BidQty),
			Ask:       parseF(t.Ask),
			AskSize:   parseF(t.AskQty),
			Volume24h: parseF(t.Volume),
			High24h:   parseF(t.High),
			Low24h:    parseF(t.Low),
			Change24h: parseF(t.ChangePercent),
			Timestamp: time.UnixMilli(t.EventTime),
		}}, nil

	case "depthUpdate":
		var d struct {
			Symbol    string      `json:"s"`
			Bids      [][2]string `json:"b"`
			Asks      [][2]string `json:"a"`
			EventTime int64       `json:"E"`
		}
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		return &connector.StreamUpdate{Delta: &connector.BookDelta{
			Symbol:    symbols.ToCanonical(exchangeID, d.Symbol),
			Bids:      parseLevels(d.Bids),
			Asks:      parseLevels(d.Asks),
			Timestamp: time.UnixMilli(d.EventTime),
		}}, nil
	}
	// Subscription acks carry an id and no event type.
	return nil, nil
}

func parseLevels(raw [][2]string) []model.BookLevel {
	out := make([]model.BookLevel, 0, len(raw))
	for _, l := range raw {
		out = append(out, model.BookLevel{Price: parseF(l[0]), Quantity: parseF(l[1])})
	}
	return out
}
