package okx

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"tradeflow/internal/connector"
	"tradeflow/internal/model"
	"tradeflow/internal/symbols"
)

const defaultStreamURL = "wss://ws.okx.com:8443/ws/v5/public"

// Stream implements connector.StreamDriver for OKX's public channel. Each
// symbol subscribes the tickers channel and books5, which pushes a full
// five-level snapshot on every change.
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

type channelArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

func args(syms []string) []channelArg {
	out := make([]channelArg, 0, len(syms)*2)
	for _, c := range syms {
		native := symbols.ToNative(exchangeID, c)
		out = append(out,
			channelArg{Channel: "tickers", InstID: native},
			channelArg{Channel: "books5", InstID: native},
		)
	}
	return out
}

func (s *Stream) SubscribePayload(syms []string) (interface{}, error) {
	return map[string]interface{}{"op": "subscribe", "args": args(syms)}, nil
}

func (s *Stream) UnsubscribePayload(syms []string) (interface{}, error) {
	return map[string]interface{}{"op": "unsubscribe", "args": args(syms)}, nil
}

// KeepAlive uses OKX's plain-text ping; the server closes connections idle
// for more than 30 seconds.
func (s *Stream) KeepAlive() (interface{}, time.Duration) {
	return "ping", 20 * time.Second
}

func (s *Stream) HandleMessage(raw []byte) (*connector.StreamUpdate, error) {
	if string(raw) == "pong" {
		return nil, nil
	}
	var msg struct {
		Event string          `json:"event"`
		Arg   channelArg      `json:"arg"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	if msg.Event != "" || len(msg.Data) == 0 {
		return nil, nil
	}

	switch msg.Arg.Channel {
	case "tickers":
		var data []tickerEntry
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return nil, err
		}
		if len(data) == 0 {
			return nil, nil
		}
		return &connector.StreamUpdate{Ticker: data[0].snapshot()}, nil

	case "books5":
		var data []struct {
			Bids [][]string `json:"bids"`
			Asks [][]string `json:"asks"`
			Ts   string     `json:"ts"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return nil, err
		}
		if len(data) == 0 {
			return nil, nil
		}
		ts := time.Now()
		if ms, err := strconv.ParseInt(data[0].Ts, 10, 64); err == nil {
			ts = time.UnixMilli(ms)
		}
		return &connector.StreamUpdate{Book: &model.OrderBookSnapshot{
			Exchange:  exchangeID,
			Symbol:    symbols.ToCanonical(exchangeID, msg.Arg.InstID),
			Bids:      parseLevels(data[0].Bids),
			Asks:      parseLevels(data[0].Asks),
			Timestamp: ts,
		}}, nil
	}
	return nil, nil
}
