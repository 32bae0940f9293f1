// Package okx adapts OKX's v5 API to the connector contract. OKX
// instrument ids already match the canonical BASE-QUOTE form, so symbol
// translation is nearly a passthrough.
package okx

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
	exchangeID = "okx"
	defaultAPI = "https://www.okx.com"
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

// New assembles a full OKX connector around the shared core.
func New(cfg connector.Config, signer connector.Signer) *connector.Core {
	cfg.Driver = NewDriver(cfg.Profile.APIURL, signer)
	cfg.Stream = NewStream(cfg.Profile.WebsocketURL)
	return connector.NewCore(cfg)
}

func (d *Driver) Name() string { return exchangeID }

type envelope struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

func (e envelope) err(op string) error {
	if e.Code == "0" || e.Code == "" {
		return nil
	}
	apiErr := fmt.Errorf("okx code %s: %s", e.Code, e.Msg)
	switch e.Code {
	case "50011", "50013": // rate limited / service busy
		return connector.NewRetryableError(exchangeID, op, apiErr)
	case "50102", "50103", "50111", "50113": // timestamp / auth failures
		return connector.NewFatalError(exchangeID, op, apiErr)
	default:
		return apiErr
	}
}

func (d *Driver) ServerTime(ctx context.Context) (time.Time, error) {
	var resp struct {
		envelope
		Data []struct {
			Ts string `json:"ts"`
		} `json:"data"`
	}
	if err := d.rest.Get(ctx, "/api/v5/public/time", nil, &resp); err != nil {
		return time.Time{}, err
	}
	if err := resp.err("server time"); err != nil {
		return time.Time{}, err
	}
	if len(resp.Data) == 0 {
		return time.Time{}, fmt.Errorf("okx: empty time response")
	}
	ms, err := strconv.ParseInt(resp.Data[0].Ts, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse server time: %w", err)
	}
	return time.UnixMilli(ms), nil
}

type tickerEntry struct {
	InstID  string `json:"instId"`
	Last    string `json:"last"`
	BidPx   string `json:"bidPx"`
	BidSz   string `json:"bidSz"`
	AskPx   string `json:"askPx"`
	AskSz   string `json:"askSz"`
	Vol24h  string `json:"vol24h"`
	High24h string `json:"high24h"`
	Low24h  string `json:"low24h"`
	Open24h string `json:"open24h"`
	Ts      string `json:"ts"`
}

func (t tickerEntry) snapshot() *model.MarketSnapshot {
	last := parseF(t.Last)
	open := parseF(t.Open24h)
	var change float64
	if open > 0 {
		change = (last - open) / open * 100
	}
	ts := time.Now()
	if ms, err := strconv.ParseInt(t.Ts, 10, 64); err == nil {
		ts = time.UnixMilli(ms)
	}
	return &model.MarketSnapshot{
		Exchange:  exchangeID,
		Symbol:    symbols.ToCanonical(exchangeID, t.InstID),
		LastPrice: last,
		Bid:       parseF(t.BidPx),
		BidSize:   parseF(t.BidSz),
		Ask:       parseF(t.AskPx),
		AskSize:   parseF(t.AskSz),
		Volume24h: parseF(t.Vol24h),
		High24h:   parseF(t.High24h),
		Low24h:    parseF(t.Low24h),
		Change24h: change,
		Timestamp: ts,
	}
}

func (d *Driver) FetchTicker(ctx context.Context, symbol string) (*model.MarketSnapshot, error) {
	q := url.Values{}
	q.Set("instId", symbols.ToNative(exchangeID, symbol))
	var resp struct {
		envelope
		Data []tickerEntry `json:"data"`
	}
	if err := d.rest.Get(ctx, "/api/v5/market/ticker", q, &resp); err != nil {
		return nil, err
	}
	if err := resp.err("fetch ticker"); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("okx: no ticker for %s", symbol)
	}
	return resp.Data[0].snapshot(), nil
}

func (d *Driver) FetchOrderBook(ctx context.Context, symbol string, depth int) (*model.OrderBookSnapshot, error) {
	if depth <= 0 || depth > 400 {
		depth = 50
	}
	q := url.Values{}
	q.Set("instId", symbols.ToNative(exchangeID, symbol))
	q.Set("sz", strconv.Itoa(depth))
	var resp struct {
		envelope
		Data []struct {
			Bids [][]string `json:"bids"`
			Asks [][]string `json:"asks"`
			Ts   string     `json:"ts"`
		} `json:"data"`
	}
	if err := d.rest.Get(ctx, "/api/v5/market/books", q, &resp); err != nil {
		return nil, err
	}
	if err := resp.err("fetch order book"); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("okx: no book for %s", symbol)
	}
	ts := time.Now()
	if ms, err := strconv.ParseInt(resp.Data[0].Ts, 10, 64); err == nil {
		ts = time.UnixMilli(ms)
	}
	return &model.OrderBookSnapshot{
		Exchange:  exchangeID,
		Symbol:    symbol,
		Bids:      parseLevels(resp.Data[0].Bids),
		Asks:      parseLevels(resp.Data[0].Asks),
		Timestamp: ts,
	}, nil
}

func mapState(s string) model.OrderStatus {
	switch s {
	case "live":
		return model.OrderStatusNew
	case "partially_filled":
		return model.OrderStatusPartiallyFilled
	case "filled":
		return model.OrderStatusFilled
	case "canceled", "mmp_canceled":
		return model.OrderStatusCanceled
	default:
		return model.OrderStatusRejected
	}
}

func (d *Driver) CreateOrder(ctx context.Context, req model.OrderRequest) (*model.OrderResult, error) {
	body := map[string]interface{}{
		"instId":  symbols.ToNative(exchangeID, req.Symbol),
		"tdMode":  "cash",
		"side":    string(req.Side),
		"ordType": string(req.Type),
		"sz":      req.Quantity.String(),
	}
	if req.Type == model.OrderTypeLimit {
		body["px"] = req.Price.String()
	}
	if req.ClientOrderID != "" {
		body["clOrdId"] = req.ClientOrderID
	}
	var resp struct {
		envelope
		Data []struct {
			OrdID   string `json:"ordId"`
			ClOrdID string `json:"clOrdId"`
			SCode   string `json:"sCode"`
			SMsg    string `json:"sMsg"`
		} `json:"data"`
	}
	if err := d.rest.PostSigned(ctx, "/api/v5/trade/order", body, &resp); err != nil {
		return nil, err
	}
	if err := resp.err("create order"); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("okx: empty order response")
	}
	if resp.Data[0].SCode != "0" && resp.Data[0].SCode != "" {
		return nil, &model.OrderRejectedError{
			Exchange: exchangeID,
			Code:     resp.Data[0].SCode,
			Message:  resp.Data[0].SMsg,
		}
	}
	return &model.OrderResult{
		Exchange:          exchangeID,
		OrderID:           resp.Data[0].OrdID,
		ClientOrderID:     resp.Data[0].ClOrdID,
		Symbol:            req.Symbol,
		Side:              req.Side,
		Status:            model.OrderStatusNew,
		RemainingQuantity: req.Quantity,
		Timestamp:         time.Now(),
	}, nil
}

func (d *Driver) CancelOrder(ctx context.Context, symbol, orderID string) (bool, error) {
	body := map[string]interface{}{
		"instId": symbols.ToNative(exchangeID, symbol),
		"ordId":  orderID,
	}
	var resp struct {
		envelope
		Data []struct {
			SCode string `json:"sCode"`
		} `json:"data"`
	}
	if err := d.rest.PostSigned(ctx, "/api/v5/trade/cancel-order", body, &resp); err != nil {
		return false, err
	}
	if len(resp.Data) > 0 && resp.Data[0].SCode == "51400" { // order already gone
		return false, nil
	}
	if err := resp.err("cancel order"); err != nil {
		return false, err
	}
	return true, nil
}

func (d *Driver) FetchOrder(ctx context.Context, symbol, orderID string) (*model.OrderResult, error) {
	q := url.Values{}
	q.Set("instId", symbols.ToNative(exchangeID, symbol))
	q.Set("ordId", orderID)
	var resp struct {
		envelope
		Data []struct {
			OrdID     string `json:"ordId"`
			ClOrdID   string `json:"clOrdId"`
			InstID    string `json:"instId"`
			Side      string `json:"side"`
			State     string `json:"state"`
			Sz        string `json:"sz"`
			AccFillSz string `json:"accFillSz"`
			AvgPx     string `json:"avgPx"`
			Fee       string `json:"fee"`
			FeeCcy    string `json:"feeCcy"`
			UTime     string `json:"uTime"`
		} `json:"data"`
	}
	if err := d.rest.GetSigned(ctx, "/api/v5/trade/order", q, &resp); err != nil {
		return nil, err
	}
	if resp.Code == "51603" { // order does not exist
		return nil, model.ErrOrderNotFound
	}
	if err := resp.err("fetch order"); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, model.ErrOrderNotFound
	}
	o := resp.Data[0]
	side := model.SideBuy
	if o.Side == "sell" {
		side = model.SideSell
	}
	filled := parseD(o.AccFillSz)
	ts := time.Now()
	if ms, err := strconv.ParseInt(o.UTime, 10, 64); err == nil {
		ts = time.UnixMilli(ms)
	}
	return &model.OrderResult{
		Exchange:          exchangeID,
		OrderID:           o.OrdID,
		ClientOrderID:     o.ClOrdID,
		Symbol:            symbols.ToCanonical(exchangeID, o.InstID),
		Side:              side,
		Status:            mapState(o.State),
		FilledQuantity:    filled,
		RemainingQuantity: parseD(o.Sz).Sub(filled),
		AveragePrice:      parseD(o.AvgPx),
		Fees:              parseD(o.Fee).Abs(),
		FeeAsset:          o.FeeCcy,
		Timestamp:         ts,
	}, nil
}

func (d *Driver) FetchBalances(ctx context.Context) ([]model.Balance, error) {
	var resp struct {
		envelope
		Data []struct {
			Details []struct {
				Ccy       string `json:"ccy"`
				AvailBal  string `json:"availBal"`
				FrozenBal string `json:"frozenBal"`
			} `json:"details"`
		} `json:"data"`
	}
	if err := d.rest.GetSigned(ctx, "/api/v5/account/balance", nil, &resp); err != nil {
		return nil, err
	}
	if err := resp.err("fetch balances"); err != nil {
		return nil, err
	}
	var out []model.Balance
	for _, acct := range resp.Data {
		for _, b := range acct.Details {
			free := parseD(b.AvailBal)
			locked := parseD(b.FrozenBal)
			out = append(out, model.Balance{
				Asset:  b.Ccy,
				Free:   free,
				Locked: locked,
				Total:  free.Add(locked),
			})
		}
	}
	return out, nil
}

// FetchTradingFees reads the account fee tier. OKX reports fee rates as
// negative numbers (rebates positive), so rates are normalized to their
// absolute value.
func (d *Driver) FetchTradingFees(ctx context.Context, symbol string) (*model.TradingFees, error) {
	q := url.Values{}
	q.Set("instType", "SPOT")
	q.Set("instId", symbols.ToNative(exchangeID, symbol))
	var resp struct {
		envelope
		Data []struct {
			Maker string `json:"maker"`
			Taker string `json:"taker"`
		} `json:"data"`
	}
	if err := d.rest.GetSigned(ctx, "/api/v5/account/trade-fee", q, &resp); err != nil {
		return nil, err
	}
	if err := resp.err("fetch trading fees"); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("okx: no fee data for %s", symbol)
	}
	return &model.TradingFees{
		Symbol:   symbol,
		MakerFee: parseD(resp.Data[0].Maker).Abs(),
		TakerFee: parseD(resp.Data[0].Taker).Abs(),
	}, nil
}

func (d *Driver) DefaultFees(symbol string) model.TradingFees {
	return model.TradingFees{
		Symbol:   symbol,
		MakerFee: decimal.NewFromFloat(0.0008),
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

// parseLevels handles OKX's four-element book rows; only price and size are
// meaningful here.
func parseLevels(raw [][]string) []model.BookLevel {
	out := make([]model.BookLevel, 0, len(raw))
	for _, l := range raw {
		if len(l) < 2 {
			continue
		}
		out = append(out, model.BookLevel{Price: parseF(l[0]), Quantity: parseF(l[1])})
	}
	return out
}
