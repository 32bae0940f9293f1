// Package bybit adapts Bybit's v5 unified API to the connector contract.
package bybit

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
	exchangeID  = "bybit"
	defaultAPI  = "https://api.bybit.com"
	categorySpot = "spot"
)

// Driver implements connector.Driver against Bybit v5 REST.
type Driver struct {
	rest *connector.RESTClient
}

// NewDriver builds the REST driver. The signer may be nil for market data
// only usage; private endpoints then fail fast.
func NewDriver(baseURL string, signer connector.Signer) *Driver {
	if baseURL == "" {
		baseURL = defaultAPI
	}
	return &Driver{rest: connector.NewRESTClient(exchangeID, baseURL, signer)}
}

// New assembles a full Bybit connector around the shared core.
func New(cfg connector.Config, signer connector.Signer) *connector.Core {
	cfg.Driver = NewDriver(cfg.Profile.APIURL, signer)
	cfg.Stream = NewStream(cfg.Profile.WebsocketURL)
	return connector.NewCore(cfg)
}

func (d *Driver) Name() string { return exchangeID }

// envelope is the v5 response wrapper shared by every endpoint.
type envelope struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
}

func (e envelope) err(op string) error {
	if e.RetCode == 0 {
		return nil
	}
	apiErr := fmt.Errorf("bybit code %d: %s", e.RetCode, e.RetMsg)
	switch e.RetCode {
	case 10006, 10018: // rate limited / ip rate limited
		return connector.NewRetryableError(exchangeID, op, apiErr)
	case 10003, 10004, 10005: // invalid key / signature / permission
		return connector.NewFatalError(exchangeID, op, apiErr)
	default:
		return apiErr
	}
}

func (d *Driver) ServerTime(ctx context.Context) (time.Time, error) {
	var resp struct {
		envelope
		Result struct {
			TimeNano string `json:"timeNano"`
		} `json:"result"`
	}
	if err := d.rest.Get(ctx, "/v5/market/time", nil, &resp); err != nil {
		return time.Time{}, err
	}
	if err := resp.err("server time"); err != nil {
		return time.Time{}, err
	}
	nanos, err := strconv.ParseInt(resp.Result.TimeNano, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse server time: %w", err)
	}
	return time.Unix(0, nanos), nil
}

type tickerEntry struct {
	Symbol       string `json:"symbol"`
	LastPrice    string `json:"lastPrice"`
	Bid1Price    string `json:"bid1Price"`
	Bid1Size     string `json:"bid1Size"`
	Ask1Price    string `json:"ask1Price"`
	Ask1Size     string `json:"ask1Size"`
	Volume24h    string `json:"volume24h"`
	HighPrice24h string `json:"highPrice24h"`
	LowPrice24h  string `json:"lowPrice24h"`
	Price24hPcnt string `json:"price24hPcnt"`
}

func (t tickerEntry) snapshot(ts time.Time) *model.MarketSnapshot {
	return &model.MarketSnapshot{
		Exchange:  exchangeID,
		Symbol:    symbols.ToCanonical(exchangeID, t.Symbol),
		LastPrice: parseF(t.LastPrice),
		Bid:       parseF(t.Bid1Price),
		BidSize:   parseF(t.Bid1Size),
		Ask:       parseF(t.Ask1Price),
		AskSize:   parseF(t.Ask1Size),
		Volume24h: parseF(t.Volume24h),
		High24h:   parseF(t.HighPrice24h),
		Low24h:    parseF(t.LowPrice24h),
		Change24h: parseF(t.Price24hPcnt) * 100,
		Timestamp: ts,
	}
}

func (d *Driver) FetchTicker(ctx context.Context, symbol string) (*model.MarketSnapshot, error) {
	q := url.Values{}
	q.Set("category", categorySpot)
	q.Set("symbol", symbols.ToNative(exchangeID, symbol))
	var resp struct {
		envelope
		Result struct {
			List []tickerEntry `json:"list"`
		} `json:"result"`
	}
	if err := d.rest.Get(ctx, "/v5/market/tickers", q, &resp); err != nil {
		return nil, err
	}
	if err := resp.err("fetch ticker"); err != nil {
		return nil, err
	}
	if len(resp.Result.List) == 0 {
		return nil, fmt.Errorf("bybit: no ticker for %s", symbol)
	}
	return resp.Result.List[0].snapshot(time.Now()), nil
}

func (d *Driver) FetchOrderBook(ctx context.Context, symbol string, depth int) (*model.OrderBookSnapshot, error) {
	if depth <= 0 || depth > 200 {
		depth = 50
	}
	q := url.Values{}
	q.Set("category", categorySpot)
	q.Set("symbol", symbols.ToNative(exchangeID, symbol))
	q.Set("limit", strconv.Itoa(depth))
	var resp struct {
		envelope
		Result struct {
			Bids [][2]string `json:"b"`
			Asks [][2]string `json:"a"`
			Ts   int64       `json:"ts"`
		} `json:"result"`
	}
	if err := d.rest.Get(ctx, "/v5/market/orderbook", q, &resp); err != nil {
		return nil, err
	}
	if err := resp.err("fetch order book"); err != nil {
		return nil, err
	}
	return &model.OrderBookSnapshot{
		Exchange:  exchangeID,
		Symbol:    symbol,
		Bids:      parseLevels(resp.Result.Bids),
		Asks:      parseLevels(resp.Result.Asks),
		Timestamp: time.UnixMilli(resp.Result.Ts),
	}, nil
}

type orderEntry struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderStatus string `json:"orderStatus"`
	Qty         string `json:"qty"`
	CumExecQty  string `json:"cumExecQty"`
	LeavesQty   string `json:"leavesQty"`
	AvgPrice    string `json:"avgPrice"`
	CumExecFee  string `json:"cumExecFee"`
	UpdatedTime string `json:"updatedTime"`
}

func (o orderEntry) result() *model.OrderResult {
	side := model.SideBuy
	if o.Side == "Sell" {
		side = model.SideSell
	}
	ts := time.Now()
	if ms, err := strconv.ParseInt(o.UpdatedTime, 10, 64); err == nil {
		ts = time.UnixMilli(ms)
	}
	return &model.OrderResult{
		Exchange:          exchangeID,
		OrderID:           o.OrderID,
		ClientOrderID:     o.OrderLinkID,
		Symbol:            symbols.ToCanonical(exchangeID, o.Symbol),
		Side:              side,
		Status:            mapStatus(o.OrderStatus),
		FilledQuantity:    parseD(o.CumExecQty),
		RemainingQuantity: parseD(o.LeavesQty),
		AveragePrice:      parseD(o.AvgPrice),
		Fees:              parseD(o.CumExecFee),
		Timestamp:         ts,
	}
}

func mapStatus(s string) model.OrderStatus {
	switch s {
	case "New", "Untriggered":
		return model.OrderStatusNew
	case "PartiallyFilled":
		return model.OrderStatusPartiallyFilled
	case "Filled":
		return model.OrderStatusFilled
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		return model.OrderStatusCanceled
	default:
		return model.OrderStatusRejected
	}
}

func (d *Driver) CreateOrder(ctx context.Context, req model.OrderRequest) (*model.OrderResult, error) {
	body := map[string]interface{}{
		"category":  categorySpot,
		"symbol":    symbols.ToNative(exchangeID, req.Symbol),
		"side":      titleSide(req.Side),
		"orderType": titleType(req.Type),
		"qty":       req.Quantity.String(),
	}
	if req.Type == model.OrderTypeLimit {
		body["price"] = req.Price.String()
	}
	if req.TimeInForce != "" {
		body["timeInForce"] = string(req.TimeInForce)
	}
	if req.ClientOrderID != "" {
		body["orderLinkId"] = req.ClientOrderID
	}
	var resp struct {
		envelope
		Result struct {
			OrderID     string `json:"orderId"`
			OrderLinkID string `json:"orderLinkId"`
		} `json:"result"`
	}
	if err := d.rest.PostSigned(ctx, "/v5/order/create", body, &resp); err != nil {
		return nil, err
	}
	if err := resp.err("create order"); err != nil {
		if resp.RetCode == 170131 || resp.RetCode == 170213 { // insufficient balance / reject
			return nil, &model.OrderRejectedError{Exchange: exchangeID, Code: strconv.Itoa(resp.RetCode), Message: resp.RetMsg}
		}
		return nil, err
	}
	return &model.OrderResult{
		Exchange:          exchangeID,
		OrderID:           resp.Result.OrderID,
		ClientOrderID:     resp.Result.OrderLinkID,
		Symbol:            req.Symbol,
		Side:              req.Side,
		Status:            model.OrderStatusNew,
		RemainingQuantity: req.Quantity,
		Timestamp:         time.Now(),
	}, nil
}

func (d *Driver) CancelOrder(ctx context.Context, symbol, orderID string) (bool, error) {
	body := map[string]interface{}{
		"category": categorySpot,
		"symbol":   symbols.ToNative(exchangeID, symbol),
		"orderId":  orderID,
	}
	var resp struct{ envelope }
	if err := d.rest.PostSigned(ctx, "/v5/order/cancel", body, &resp); err != nil {
		return false, err
	}
	if resp.RetCode == 110001 { // order does not exist
		return false, nil
	}
	if err := resp.err("cancel order"); err != nil {
		return false, err
	}
	return true, nil
}

func (d *Driver) FetchOrder(ctx context.Context, symbol, orderID string) (*model.OrderResult, error) {
	q := url.Values{}
	q.Set("category", categorySpot)
	q.Set("symbol", symbols.ToNative(exchangeID, symbol))
	q.Set("orderId", orderID)
	var resp struct {
		envelope
		Result struct {
			List []orderEntry `json:"list"`
		} `json:"result"`
	}
	if err := d.rest.GetSigned(ctx, "/v5/order/realtime", q, &resp); err != nil {
		return nil, err
	}
	if err := resp.err("fetch order"); err != nil {
		return nil, err
	}
	if len(resp.Result.List) == 0 {
		return nil, model.ErrOrderNotFound
	}
	return resp.Result.List[0].result(), nil
}

func (d *Driver) FetchBalances(ctx context.Context) ([]model.Balance, error) {
	q := url.Values{}
	q.Set("accountType", "UNIFIED")
	var resp struct {
		envelope
		Result struct {
			List []struct {
				Coin []struct {
					Coin          string `json:"coin"`
					WalletBalance string `json:"walletBalance"`
					Locked        string `json:"locked"`
				} `json:"coin"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := d.rest.GetSigned(ctx, "/v5/account/wallet-balance", q, &resp); err != nil {
		return nil, err
	}
	if err := resp.err("fetch balances"); err != nil {
		return nil, err
	}
	var out []model.Balance
	for _, acct := range resp.Result.List {
		for _, c := range acct.Coin {
			total := parseD(c.WalletBalance)
			locked := parseD(c.Locked)
			out = append(out, model.Balance{
				Asset:  c.Coin,
				Free:   total.Sub(locked),
				Locked: locked,
				Total:  total,
			})
		}
	}
	return out, nil
}

func (d *Driver) FetchTradingFees(ctx context.Context, symbol string) (*model.TradingFees, error) {
	q := url.Values{}
	q.Set("category", categorySpot)
	q.Set("symbol", symbols.ToNative(exchangeID, symbol))
	var resp struct {
		envelope
		Result struct {
			List []struct {
				TakerFeeRate string `json:"takerFeeRate"`
				MakerFeeRate string `json:"makerFeeRate"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := d.rest.GetSigned(ctx, "/v5/account/fee-rate", q, &resp); err != nil {
		return nil, err
	}
	if err := resp.err("fetch trading fees"); err != nil {
		return nil, err
	}
	if len(resp.Result.List) == 0 {
		return nil, fmt.Errorf("bybit: no fee rate for %s", symbol)
	}
	return &model.TradingFees{
		Symbol:   symbol,
		MakerFee: parseD(resp.Result.List[0].MakerFeeRate),
		TakerFee: parseD(resp.Result.List[0].TakerFeeRate),
	}, nil
}

func (d *Driver) DefaultFees(symbol string) model.TradingFees {
	return model.TradingFees{
		Symbol:   symbol,
		MakerFee: decimal.NewFromFloat(0.001),
		TakerFee: decimal.NewFromFloat(0.001),
	}
}

func titleSide(s model.OrderSide) string {
	if s == model.SideSell {
		return "Sell"
	}
	return "Buy"
}

func titleType(t model.OrderType) string {
	if t == model.OrderTypeLimit {
		return "Limit"
	}
	return "Market"
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
