package kucoin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"tradeflow/internal/connector"
	"tradeflow/internal/model"
	"tradeflow/internal/symbols"
)

// Stream implements connector.StreamDriver for KuCoin. Unlike the other
// exchanges, the websocket endpoint is not static: every session starts
// with a bullet-public handshake that returns a short-lived token and the
// server to dial.
type Stream struct {
	rest *connector.RESTClient
}

func NewStream(rest *connector.RESTClient) *Stream {
	return &Stream{rest: rest}
}

// StreamURL performs the token handshake and builds the session URL.
func (s *Stream) StreamURL(ctx context.Context) (string, error) {
	var resp struct {
		envelope
		Data struct {
			Token           string `json:"token"`
			InstanceServers []struct {
				Endpoint     string `json:"endpoint"`
				PingInterval int64  `json:"pingInterval"`
			} `json:"instanceServers"`
		} `json:"data"`
	}
	if err := s.rest.Get(ctx, "/api/v1/bullet-public", nil, &resp); err != nil {
		return "", err
	}
	if err := resp.err("websocket handshake"); err != nil {
		return "", err
	}
	if len(resp.Data.InstanceServers) == 0 {
		return "", fmt.Errorf("kucoin: handshake returned no instance servers")
	}
	return fmt.Sprintf("%s?token=%s&connectId=%s",
		resp.Data.InstanceServers[0].Endpoint, resp.Data.Token, uuid.NewString()), nil
}

func topicList(syms []string) string {
	native := make([]string, len(syms))
	for i, c := range syms {
		native[i] = symbols.ToNative(exchangeID, c)
	}
	return strings.Join(native, ",")
}

func (s *Stream) SubscribePayload(syms []string) (interface{}, error) {
	return []interface{}{
		map[string]interface{}{
			"id":       uuid.NewString(),
			"type":     "subscribe",
			"topic":    "/market/ticker:" + topicList(syms),
			"response": true,
		},
		map[string]interface{}{
			"id":       uuid.NewString(),
			"type":     "subscribe",
			"topic":    "/spotMarket/level2Depth50:" + topicList(syms),
			"response": true,
		},
	}, nil
}

func (s *Stream) UnsubscribePayload(syms []string) (interface{}, error) {
	return []interface{}{
		map[string]interface{}{
			"id":    uuid.NewString(),
			"type":  "unsubscribe",
			"topic": "/market/ticker:" + topicList(syms),
		},
		map[string]interface{}{
			"id":    uuid.NewString(),
			"type":  "unsubscribe",
			"topic": "/spotMarket/level2Depth50:" + topicList(syms),
		},
	}, nil
}

func (s *Stream) KeepAlive() (interface{}, time.Duration) {
	return map[string]interface{}{"id": uuid.NewString(), "type": "ping"}, 18 * time.Second
}

func (s *Stream) HandleMessage(raw []byte) (*connector.StreamUpdate, error) {
	var msg struct {
		Type    string          `json:"type"`
		Topic   string          `json:"topic"`
		Subject string          `json:"subject"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	if msg.Type != "message" {
		return nil, nil
	}

	switch {
	case strings.HasPrefix(msg.Topic, "/market/ticker:"):
		var data struct {
			Price       string `json:"price"`
			Size        string `json:"size"`
			BestBid     string `json:"bestBid"`
			BestBidSize string `json:"bestBidSize"`
			BestAsk     string `json:"bestAsk"`
			BestAskSize string `json:"bestAskSize"`
			Time        int64  `json:"time"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return nil, err
		}
		native := strings.TrimPrefix(msg.Topic, "/market/ticker:")
		return &connector.StreamUpdate{Ticker: &model.MarketSnapshot{
			Exchange:  exchangeID,
			Symbol:    symbols.ToCanonical(exchangeID, native),
			LastPrice: parseF(data.Price),
			Bid:       parseF(data.BestBid),
			BidSize:   parseF(data.BestBidSize),
			Ask:       parseF(data.BestAsk),
			AskSize:   parseF(data.BestAskSize),
			Timestamp: time.UnixMilli(data.Time),
		}}, nil

	case strings.HasPrefix(msg.Topic, "/spotMarket/level2Depth50:"):
		var data struct {
			Bids      [][2]string `json:"bids"`
			Asks      [][2]string `json:"asks"`
			Timestamp int64       `json:"timestamp"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return nil, err
		}
		native := strings.TrimPrefix(msg.Topic, "/spotMarket/level2Depth50:")
		return &connector.StreamUpdate{Book: &model.OrderBookSnapshot{
			Exchange:  exchangeID,
			Symbol:    symbols.ToCanonical(exchangeID, native),
			Bids:      parseLevels(data.Bids),
			Asks:      parseLevels(data.Asks),
			Timestamp: time.UnixMilli(data.Timestamp),
		}}, nil
	}
	return nil, nil
}
