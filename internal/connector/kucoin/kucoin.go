// Package kucoin adapts KuCoin's v1 spot API to the connector contract.
package kucoin

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"tradeflow/internal/connector"
	"tradeflow/internal/model"
	"tradeflow/internal/symbols"
)

const (
	exchangeID = "kucoin"
	defaultAPI = "https://api.kucoin.com"
)

type Driver struct {
	rest *connector.RESTClient
}

func NewDriver(baseURL string, signer connector.Signer) *Driver {
	if baseURL == "" {
		baseURL = defaultAPI
	}
	return &Driver{rest: connector.NewRESTClient(exchangeID, baseURL, signer)}
}

// New assembles a full KuCoin connector around the shared core. The stream
// driver shares the REST client for the websocket token handshake.
func New(cfg connector.Config, signer connector.Signer) *connector.Core {
	d := NewDriver(cfg.Profile.APIURL, signer)
	cfg.Driver = d
	cfg.Stream = NewStream(d.rest)
	return connector.NewCore(cfg)
}

func (d *Driver) Name() string { return exchangeID }

type envelope struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

func (e envelope) err(op string) error {
	if e.Code == "200000" || e.Code == "" {
		return nil
	}
	apiErr := fmt.Errorf("kucoin code %s: %s", e.Code, e.Msg)
	switch e.Code {
	case "429000": // too many requests
		return connector.NewRetryableError(exchangeID, op, apiErr)
	case "400003", "400004", "400005", "400006", "400007": // key/signature failures
		return connector.NewFatalError(exchangeID, op, apiErr)
	default:
		return apiErr
	}
}

func (d *Driver) ServerTime(ctx context.Context) (time.Time, error) {
	var resp struct {
		envelope
		Data int64 `json:"data"`
	}
	if err := d.rest.Get(ctx, "/api/v1/timestamp", nil, &resp); err != nil {
		return time.Time{}, err
	}
	if err := resp.err("server time"); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(resp.Data), nil
}

// FetchTicker uses the 24h stats endpoint, which carries the last trade,
// the best quote and the day's aggregates in one call.
func (d *Driver) FetchTicker(ctx context.Context, symbol string) (*model.MarketSnapshot, error) {
	q := url.Values{}
	q.Set("symbol", symbols.ToNative(exchangeID, symbol))
	var resp struct {
		envelope
		Data struct {
			Symbol     string `json:"symbol"`
			Last       string `json:"last"`
			Buy        string `json:"buy"`
			Sell       string `json:"sell"`
			High       string `json:"high"`
			Low        string `json:"low"`
			Vol        string `json:"vol"`
			ChangeRate string `json:"changeRate"`
			Time       int64  `json:"time"`
		} `json:"data"`
	}
	if err := d.rest.Get(ctx, "/api/v1/market/stats", q, &resp); err != nil {
		return nil, err
	}
	if err := resp.err("fetch ticker"); err != nil {
		return nil, err
	}
	if resp.Data.Symbol == "" {
		return nil, fmt.Errorf("kucoin: no ticker for %s", symbol)
	}
	return &model.MarketSnapshot{
		Exchange:  exchangeID,
		Symbol:    symbols.ToCanonical(exchangeID, resp.Data.Symbol),
		LastPrice: parseF(resp.Data.Last),
		Bid:       parseF(resp.Data.Buy),
		Ask:       parseF(resp.Data.Sell),
		Volume24h: parseF(resp.Data.Vol),
		High24h:   parseF(resp.Data.High),
		Low24h:    parseF(resp.Data.Low),
		Change24h: parseF(resp.Data.ChangeRate) * 100,
		Timestamp: time.UnixMilli(resp.Data.Time),
	}, nil
}

func (d *Driver) FetchOrderBook(ctx context.Context, symbol string, depth int) (*model.OrderBookSnapshot, error) {
	q := url.Values{}
	q.Set("symbol", symbols.ToNative(exchangeID, symbol))
	var resp struct {
		envelope
		Data struct {
			Time int64       `json:"time"`
			Bids [][2]string `json:"bids"`
			Asks [][2]string `json:"asks"`
		} `json:"data"`
	}
	if err := d.rest.Get(ctx, "/api/v1/market/orderbook/level2_100", q, &resp); err != nil {
		return nil, err
	}
	if err := resp.err("fetch order book"); err != nil {
		return nil, err
	}
	bids := parseLevels(resp.Data.Bids)
	asks := parseLevels(resp.Data.Asks)
	if depth > 0 {
		if len(bids) > depth {
			bids = bids[:depth]
		}
		if len(asks) > depth {
			asks = asks[:depth]
		}
	}
	return &model.OrderBookSnapshot{
		Exchange:  exchangeID,
		Symbol:    symbol,
		Bids:      bids,
		Asks:      asks,
		Timestamp: time.UnixMilli(resp.Data.Time),
	}, nil
}

func (d *Driver) CreateOrder(ctx context.Context, req model.OrderRequest) (*model.OrderResult, error) {
	body := map[string]interface{}{
		"clientOid": req.ClientOrderID,
		"side":      string(req.Side),
		"symbol":    symbols.ToNative(exchangeID, req.Symbol),
		"type":      string(req.Type),
		"size":      req.Quantity.String(),
	}
	if req.Type == model.OrderTypeLimit {
		body["price"] = req.Price.String()
		if req.TimeInForce != "" {
			body["timeInForce"] = string(req.TimeInForce)
		}
	}
	var resp struct {
		envelope
		Data struct {
			OrderID string `json:"orderId"`
		} `json:"data"`
	}
	if err := d.rest.PostSigned(ctx, "/api/v1/orders", body, &resp); err != nil {
		return nil, err
	}
	if resp.Code == "200004" || resp.Code == "300000" { // balance insufficient / trade restriction
		return nil, &model.OrderRejectedError{Exchange: exchangeID, Code: resp.Code, Message: resp.Msg}
	}
	if err := resp.err("create order"); err != nil {
		return nil, err
	}
	return &model.OrderResult{
		Exchange:          exchangeID,
		OrderID:           resp.Data.OrderID,
		ClientOrderID:     req.ClientOrderID,
		Symbol:            req.Symbol,
		Side:              req.Side,
		Status:            model.OrderStatusNew,
		RemainingQuantity: req.Quantity,
		Timestamp:         time.Now(),
	}, nil
}

func (d *Driver) CancelOrder(ctx context.Context, symbol, orderID string) (bool, error) {
	var resp struct {
		envelope
		Data struct {
			CancelledOrderIDs []string `json:"cancelledOrderIds"`
		} `json:"data"`
	}
	if err := d.rest.DeleteSigned(ctx, "/api/v1/orders/"+orderID, nil, &resp); err != nil {
		return false, err
	}
	if resp.Code == "400100" { // order not found or already done
		return false, nil
	}
	if err := resp.err("cancel order"); err != nil {
		return false, err
	}
	return len(resp.Data.CancelledOrderIDs) > 0, nil
}

func (d *Driver) FetchOrder(ctx context.Context, symbol, orderID string) (*model.OrderResult, error) {
	var resp struct {
		envelope
		Data struct {
			ID          string `json:"id"`
			ClientOid   string `json:"clientOid"`
			Symbol      string `json:"symbol"`
			Side        string `json:"side"`
			Size        string `json:"size"`
			DealSize    string `json:"dealSize"`
			DealFunds   string `json:"dealFunds"`
			Fee         string `json:"fee"`
			FeeCurrency string `json:"feeCurrency"`
			IsActive    bool   `json:"isActive"`
			CancelExist bool   `json:"cancelExist"`
			CreatedAt   int64  `json:"createdAt"`
		} `json:"data"`
	}
	if err := d.rest.GetSigned(ctx, "/api/v1/orders/"+orderID, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Code == "400100" {
		return nil, model.ErrOrderNotFound
	}
	if err := resp.err("fetch order"); err != nil {
		return nil, err
	}
	if resp.Data.ID == "" {
		return nil, model.ErrOrderNotFound
	}
	o := resp.Data
	side := model.SideBuy
	if o.Side == "sell" {
		side = model.SideSell
	}
	size := parseD(o.Size)
	filled := parseD(o.DealSize)
	var avg decimal.Decimal
	if filled.IsPositive() {
		avg = parseD(o.DealFunds).Div(filled)
	}
	return &model.OrderResult{
		Exchange:          exchangeID,
		OrderID:           o.ID,
		ClientOrderID:     o.ClientOid,
		Symbol:            symbols.ToCanonical(exchangeID, o.Symbol),
		Side:              side,
		Status:            kucoinStatus(o.IsActive, o.CancelExist, size, filled),
		FilledQuantity:    filled,
		RemainingQuantity: size.Sub(filled),
		AveragePrice:      avg,
		Fees:              parseD(o.Fee),
		FeeAsset:          o.FeeCurrency,
		Timestamp:         time.UnixMilli(o.CreatedAt),
	}, nil
}

// kucoinStatus derives the normalized status; KuCoin reports flags rather
// than a state enum.
func kucoinStatus(active, cancelExist bool, size, filled decimal.Decimal) model.OrderStatus {
	switch {
	case cancelExist:
		return model.OrderStatusCanceled
	case !active && filled.GreaterThanOrEqual(size):
		return model.OrderStatusFilled
	case filled.IsPositive():
		return model.OrderStatusPartiallyFilled
	default:
		return model.OrderStatusNew
	}
}

func (d *Driver) FetchBalances(ctx context.Context) ([]model.Balance, error) {
	q := url.Values{}
	q.Set("type", "trade")
	var resp struct {
		envelope
		Data []struct {
			Currency  string `json:"currency"`
			Balance   string `json:"balance"`
			Available string `json:"available"`
			Holds     string `json:"holds"`
		} `json:"data"`
	}
	if err := d.rest.GetSigned(ctx, "/api/v1/accounts", q, &resp); err != nil {
		return nil, err
	}
	if err := resp.err("fetch balances"); err != nil {
		return nil, err
	}
	out := make([]model.Balance, 0, len(resp.Data))
	for _, b := range resp.Data {
		out = append(out, model.Balance{
			Asset:  b.Currency,
			Free:   parseD(b.Available),
			Locked: parseD(b.Holds),
			Total:  parseD(b.Balance),
		})
	}
	return out, nil
}

func (d *Driver) FetchTradingFees(ctx context.Context, symbol string) (*model.TradingFees, error) {
	q := url.Values{}
	q.Set("symbols", symbols.ToNative(exchangeID, symbol))
	var resp struct {
		envelope
		Data []struct {
			Symbol       string `json:"symbol"`
			TakerFeeRate string `json:"takerFeeRate"`
			MakerFeeRate string `json:"makerFeeRate"`
		} `json:"data"`
	}
	if err := d.rest.GetSigned(ctx, "/api/v1/trade-fees", q, &resp); err != nil {
		return nil, err
	}
	if err := resp.err("fetch trading fees"); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("kucoin: no fee data for %s", symbol)
	}
	return &model.TradingFees{
		Symbol:   symbol,
		MakerFee: parseD(resp.Data[0].MakerFeeRate),
		TakerFee: parseD(resp.Data[0].TakerFeeRate),
	}, nil
}

func (d *Driver) DefaultFees(symbol string) model.TradingFees {
	return model.TradingFees{
		Symbol:   symbol,
		MakerFee: decimal.NewFromFloat(0.001),
		TakerFee: decimal.NewFromFloat(0.001),
	}
}

func parseF(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseD(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseLevels(raw [][2]string) []model.BookLevel {
	out := make([]model.BookLevel, 0, len(raw))
	for _, l := range raw {
		out = append(out, model.BookLevel{Price: parseF(l[0]), Quantity: parseF(l[1])})
	}
	return out
}
