// Package binance adapts Binance spot to the connector contract. REST goes
// through the official SDK client; the market data stream is a raw
// websocket session managed by the shared connector core.
package binance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"

	"tradeflow/internal/connector"
	"tradeflow/internal/model"
	"tradeflow/internal/symbols"
)

const exchangeID = "binance"

type Driver struct {
	client *gobinance.Client
}

// NewDriver wraps an SDK client. Credentials may be empty for market data
// only usage.
func NewDriver(baseURL, apiKey, secretKey string) *Driver {
	client := gobinance.NewClient(apiKey, secretKey)
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	return &Driver{client: client}
}

// New assembles a full Binance connector around the shared core.
func New(cfg connector.Config, apiKey, secretKey string) *connector.Core {
	cfg.Driver = NewDriver(cfg.Profile.APIURL, apiKey, secretKey)
	cfg.Stream = NewStream(cfg.Profile.WebsocketURL)
	return connector.NewCore(cfg)
}

func (d *Driver) Name() string { return exchangeID }

// wrapErr maps SDK errors onto the error taxonomy using Binance's numeric
// error codes.
func wrapErr(op string, err error) error {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return connector.NewRetryableError(exchangeID, op, err)
	}
	switch apiErr.Code {
	case -1003, -1015: // too many requests / too many orders
		return connector.NewRetryableError(exchangeID, op, err)
	case -2014, -2015, -1022: // bad api key / rejected key / bad signature
		return connector.NewFatalError(exchangeID, op, err)
	case -2010: // new order rejected
		return &model.OrderRejectedError{
			Exchange: exchangeID,
			Code:     strconv.FormatInt(apiErr.Code, 10),
			Message:  apiErr.Message,
		}
	case -2013: // order does not exist
		return model.ErrOrderNotFound
	default:
		return fmt.Errorf("%s: %s: %w", exchangeID, op, err)
	}
}

func (d *Driver) ServerTime(ctx context.Context) (time.Time, error) {
	ms, err := d.client.NewServerTimeService().Do(ctx)
	if err != nil {
		return time.Time{}, wrapErr("server time", err)
	}
	return time.UnixMilli(ms), nil
}

func (d *Driver) FetchTicker(ctx context.Context, symbol string) (*model.MarketSnapshot, error) {
	native := symbols.ToNative(exchangeID, symbol)
	stats, err := d.client.NewListPriceChangeStatsService().Symbol(native).Do(ctx)
	if err != nil {
		return nil, wrapErr("fetch ticker", err)
	}
	if len(stats) == 0 {
		return nil, fmt.Errorf("binance: no ticker for %s", symbol)
	}
	s := stats[0]
	return &model.MarketSnapshot{
		Exchange:  exchangeID,
		Symbol:    symbols.ToCanonical(exchangeID, s.Symbol),
		LastPrice: parseF(s.LastPrice),
		Bid:       parseF(s.BidPrice),
		Ask:       parseF(s.AskPrice),
		Volume24h: parseF(s.Volume),
		High24h:   parseF(s.HighPrice),
		Low24h:    parseF(s.LowPrice),
		Change24h: parseF(s.PriceChangePercent),
		Timestamp: time.UnixMilli(s.CloseTime),
	}, nil
}

func (d *Driver) FetchOrderBook(ctx context.Context, symbol string, depth int) (*model.OrderBookSnapshot, error) {
	if depth <= 0 || depth > 1000 {
		depth = 100
	}
	native := symbols.ToNative(exchangeID, symbol)
	res, err := d.client.NewDepthService().Symbol(native).Limit(depth).Do(ctx)
	if err != nil {
		return nil, wrapErr("fetch order book", err)
	}
	bids := make([]model.BookLevel, 0, len(res.Bids))
	for _, b := range res.Bids {
		bids = append(bids, model.BookLevel{Price: parseF(b.Price), Quantity: parseF(b.Quantity)})
	}
	asks := make([]model.BookLevel, 0, len(res.Asks))
	for _, a := range res.Asks {
		asks = append(asks, model.BookLevel{Price: parseF(a.Price), Quantity: parseF(a.Quantity)})
	}
	return &model.OrderBookSnapshot{
		Exchange:  exchangeID,
		Symbol:    symbol,
		Bids:      bids,
		Asks:      asks,
		Timestamp: time.Now(),
	}, nil
}

func mapStatus(s gobinance.OrderStatusType) model.OrderStatus {
	switch s {
	case gobinance.OrderStatusTypeNew:
		return model.OrderStatusNew
	case gobinance.OrderStatusTypePartiallyFilled:
		return model.OrderStatusPartiallyFilled
	case gobinance.OrderStatusTypeFilled:
		return model.OrderStatusFilled
	case gobinance.OrderStatusTypeCanceled, gobinance.OrderStatusTypeExpired:
		return model.OrderStatusCanceled
	default:
		return model.OrderStatusRejected
	}
}

func (d *Driver) CreateOrder(ctx context.Context, req model.OrderRequest) (*model.OrderResult, error) {
	side := gobinance.SideTypeBuy
	if req.Side == model.SideSell {
		side = gobinance.SideTypeSell
	}
	svc := d.client.NewCreateOrderService().
		Symbol(symbols.ToNative(exchangeID, req.Symbol)).
		Side(side).
		Quantity(req.Quantity.String())
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	if req.Type == model.OrderTypeLimit {
		tif := gobinance.TimeInForceTypeGTC
		if req.TimeInForce != "" {
			tif = gobinance.TimeInForceType(req.TimeInForce)
		}
		svc = svc.Type(gobinance.OrderTypeLimit).TimeInForce(tif).Price(req.Price.String())
	} else {
		svc = svc.Type(gobinance.OrderTypeMarket)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return nil, wrapErr("create order", err)
	}
	filled := parseD(res.ExecutedQuantity)
	var avg decimal.Decimal
	if filled.IsPositive() {
		avg = parseD(res.CummulativeQuoteQuantity).Div(filled)
	}
	return &model.OrderResult{
		Exchange:          exchangeID,
		OrderID:           strconv.FormatInt(res.OrderID, 10),
		ClientOrderID:     res.ClientOrderID,
		Symbol:            req.Symbol,
		Side:              req.Side,
		Status:            mapStatus(res.Status),
		FilledQuantity:    filled,
		RemainingQuantity: parseD(res.OrigQuantity).Sub(filled),
		AveragePrice:      avg,
		Timestamp:         time.UnixMilli(res.TransactTime),
	}, nil
}

func (d *Driver) CancelOrder(ctx context.Context, symbol, orderID string) (bool, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return false, fmt.Errorf("binance: malformed order id %q", orderID)
	}
	_, err = d.client.NewCancelOrderService().
		Symbol(symbols.ToNative(exchangeID, symbol)).
		OrderID(id).
		Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == -2011 { // unknown order
			return false, nil
		}
		return false, wrapErr("cancel order", err)
	}
	return true, nil
}

func (d *Driver) FetchOrder(ctx context.Context, symbol, orderID string) (*model.OrderResult, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("binance: malformed order id %q", orderID)
	}
	o, err := d.client.NewGetOrderService().
		Symbol(symbols.ToNative(exchangeID, symbol)).
		OrderID(id).
		Do(ctx)
	if err != nil {
		return nil, wrapErr("fetch order", err)
	}
	side := model.SideBuy
	if o.Side == gobinance.SideTypeSell {
		side = model.SideSell
	}
	filled := parseD(o.ExecutedQuantity)
	var avg decimal.Decimal
	if filled.IsPositive() {
		avg = parseD(o.CummulativeQuoteQuantity).Div(filled)
	}
	return &model.OrderResult{
		Exchange:          exchangeID,
		OrderID:           strconv.FormatInt(o.OrderID, 10),
		ClientOrderID:     o.ClientOrderID,
		Symbol:            symbols.ToCanonical(exchangeID, o.Symbol),
		Side:              side,
		Status:            mapStatus(o.Status),
		FilledQuantity:    filled,
		RemainingQuantity: parseD(o.OrigQuantity).Sub(filled),
		AveragePrice:      avg,
		Timestamp:         time.UnixMilli(o.UpdateTime),
	}, nil
}

func (d *Driver) FetchBalances(ctx context.Context) ([]model.Balance, error) {
	acct, err := d.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, wrapErr("fetch balances", err)
	}
	out := make([]model.Balance, 0, len(acct.Balances))
	for _, b := range acct.Balances {
		free := parseD(b.Free)
		locked := parseD(b.Locked)
		out = append(out, model.Balance{
			Asset:  b.Asset,
			Free:   free,
			Locked: locked,
			Total:  free.Add(locked),
		})
	}
	return out, nil
}

// FetchTradingFees derives the rates from the account's commission tier,
// reported in basis points.
func (d *Driver) FetchTradingFees(ctx context.Context, symbol string) (*model.TradingFees, error) {
	acct, err := d.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, wrapErr("fetch trading fees", err)
	}
	bps := decimal.NewFromInt(10000)
	return &model.TradingFees{
		Symbol:   symbol,
		MakerFee: decimal.NewFromInt(acct.MakerCommission).Div(bps),
		TakerFee: decimal.NewFromInt(acct.TakerCommission).Div(bps),
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
	dec, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return dec
}
