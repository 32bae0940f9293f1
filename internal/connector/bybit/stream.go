package bybit

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"tradeflow/internal/connector"
	"tradeflow/internal/model"
	"tradeflow/internal/symbols"
)

const defaultStreamURL = "wss://stream.bybit.com/v5/public/spot"

// Stream implements connector.StreamDriver for Bybit's public spot stream.
// Each subscribed symbol gets a ticker topic and a 50-level book topic.
type Stream struct {
	url string
}

func NewStream(url string) *Stream {
	if url == "" {
		url = defaultStreamURL
	}
	return &Stream{url: url}
}

func (s *Stream) StreamURL(ctx context.Context) (string, error) { return s.url, nil }

func topics(syms []string) []string {
	out := make([]string, 0, len(syms)*2)
	for _, c := range syms {
		native := symbols.ToNative(exchangeID, c)
		out = append(out, "tickers."+native, "orderbook.50."+native)
	}
	return out
}

func (s *Stream) SubscribePayload(syms []string) (interface{}, error) {
	return map[string]interface{}{"op": "subscribe", "args": topics(syms)}, nil
}

func (s *Stream) UnsubscribePayload(syms []string) (interface{}, error) {
	return map[string]interface{}{"op": "unsubscribe", "args": topics(syms)}, nil
}

// KeepAlive sends the v5 application-level ping; the server drops idle
// connections after a minute.
func (s *Stream) KeepAlive() (interface{}, time.Duration) {
	return map[string]string{"op": "ping"}, 20 * time.Second
}

type wsMessage struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	Ts    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

func (s *Stream) HandleMessage(raw []byte) (*connector.StreamUpdate, error) {
	var msg wsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	// Acks and pongs have no topic.
	if msg.Topic == "" {
		return nil, nil
	}
	ts := time.UnixMilli(msg.Ts)

	switch {
	case strings.HasPrefix(msg.Topic, "tickers."):
		var t tickerEntry
		if err := json.Unmarshal(msg.Data, &t); err != nil {
			return nil, err
		}
		return &connector.StreamUpdate{Ticker: t.snapshot(ts)}, nil

	case strings.HasPrefix(msg.Topic, "orderbook."):
		var book struct {
			Symbol string      `json:"s"`
			Bids   [][2]string `json:"b"`
			Asks   [][2]string `json:"a"`
		}
		if err := json.Unmarshal(msg.Data, &book); err != nil {
			return nil, err
		}
		canonical := symbols.ToCanonical(exchangeID, book.Symbol)
		if msg.Type == "snapshot" {
			return &connector.StreamUpdate{Book: &model.OrderBookSnapshot{
				Exchange:  exchangeID,
				Symbol:    canonical,
				Bids:      parseLevels(book.Bids),
				Asks:      parseLevels(book.Asks),
				Timestamp: ts,
			}}, nil
		}
		return &connector.StreamUpdate{Delta: &connector.BookDelta{
			Symbol:    canonical,
			Bids:      parseLevels(book.Bids),
			Asks:      parseLevels(book.Asks),
			Timestamp: ts,
		}}, nil
	}
	return nil, nil
}
