package connector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tradeflow/internal/book"
	"tradeflow/internal/events"
	"tradeflow/internal/marketcache"
	"tradeflow/internal/model"
	"tradeflow/internal/ratelimit"
	"tradeflow/internal/reconnect"
	"tradeflow/internal/symbols"
	"tradeflow/logger"
)

const (
	weightRead  = 1
	weightBook  = 2
	weightOrder = 2

	defaultSkewTolerance  = time.Minute
	defaultRequestTimeout = 10 * time.Second
	defaultBookDepth      = 20

	// Limiter waits shorter than this are routine admission; anything
	// longer indicates real pressure on the window and is reported.
	rateLimitWaitFloor = 50 * time.Millisecond
)

// Config assembles a Core around a per-exchange driver.
type Config struct {
	Profile model.ExchangeProfile
	Driver  Driver
	Stream  StreamDriver
	Bus     *events.Bus
	Log     *logger.Log

	CacheTTL        time.Duration
	StalenessWindow time.Duration
	SkewTolerance   time.Duration
	RequestTimeout  time.Duration
	// ExponentialBackoff switches reconnection from a fixed delay to a
	// doubling one.
	ExponentialBackoff bool
	// Dialer is injectable for tests.
	Dialer *websocket.Dialer
}

// Core implements Connector by composing the rate limiter, reconnection
// manager, market cache and event bus around the injected Driver. The
// stream goroutine is the sole writer of the cache; everything else only
// reads it.
type Core struct {
	profile    model.ExchangeProfile
	driver     Driver
	stream     StreamDriver
	bus        *events.Bus
	log        *logger.Entry
	metrics    *logger.Log
	limiter    *ratelimit.Limiter
	cache      *marketcache.Cache
	dialer     *websocket.Dialer
	skewTol    time.Duration
	reqTimeout time.Duration
	expBackoff bool

	mu            sync.Mutex
	state         ConnectionState
	subs          map[string]struct{}
	books         map[string]*book.Book
	recon         *reconnect.Manager
	streamCancel  context.CancelFunc
	streamDone    chan struct{}
	streamRunning bool

	wsMu sync.Mutex
	conn *websocket.Conn
}

// NewCore builds a connector core. The bus and log are required; stream may
// be nil for exchanges accessed over REST only.
func NewCore(cfg Config) *Core {
	if cfg.SkewTolerance <= 0 {
		cfg.SkewTolerance = defaultSkewTolerance
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	log := cfg.Log
	if log == nil {
		log = logger.GetLogger()
	}
	return &Core{
		profile:    cfg.Profile,
		driver:     cfg.Driver,
		stream:     cfg.Stream,
		bus:        cfg.Bus,
		log:        log.WithComponent("connector_" + cfg.Profile.ExchangeID),
		metrics:    log,
		limiter:    ratelimit.New(cfg.Profile.RateLimits, cfg.Profile.Capabilities.MaxOrdersPerSecond),
		cache:      marketcache.New(cfg.CacheTTL, cfg.StalenessWindow),
		dialer:     cfg.Dialer,
		skewTol:    cfg.SkewTolerance,
		reqTimeout: cfg.RequestTimeout,
		expBackoff: cfg.ExponentialBackoff,
		state:      StateDisconnected,
		subs:       make(map[string]struct{}),
		books:      make(map[string]*book.Book),
	}
}

func (c *Core) ID() string                     { return c.profile.ExchangeID }
func (c *Core) Profile() model.ExchangeProfile { return c.profile }

func (c *Core) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// transitionLocked moves the state machine, dropping illegal moves with a
// warning instead of corrupting the ordering.
func (c *Core) transitionLocked(to ConnectionState) bool {
	if c.state == to {
		return true
	}
	if !CanTransition(c.state, to) {
		c.log.WithFields(logger.Fields{"from": string(c.state), "to": string(to)}).
			Warn("illegal connection state transition dropped")
		return false
	}
	c.log.WithFields(logger.Fields{"from": string(c.state), "to": string(to)}).
		Debug("connection state transition")
	c.state = to
	return true
}

// Connect validates the REST session and starts the streaming session.
// Idempotent: connecting or connected connectors return immediately.
func (c *Core) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.transitionLocked(StateConnecting)
	c.mu.Unlock()

	if err := c.TestConnection(ctx); err != nil {
		c.markError(err)
		return err
	}

	c.mu.Lock()
	c.transitionLocked(StateConnected)
	c.startStreamLocked()
	c.mu.Unlock()

	c.publish(model.Event{Type: model.EventConnected, Exchange: c.ID()})
	c.log.Info("connector established")
	return nil
}

// Disconnect tears down both sessions. It always succeeds, even when the
// connector was never connected, and returns only after the stream
// goroutine has fully stopped.
func (c *Core) Disconnect() error {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	cancel := c.streamCancel
	done := c.streamDone
	if c.recon != nil {
		c.recon.Stop()
	}
	c.streamCancel = nil
	c.streamDone = nil
	if c.state == StateConnecting {
		// Tearing down a half-finished connect settles through error.
		c.transitionLocked(StateError)
	}
	c.transitionLocked(StateDisconnected)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	c.cache.Clear()

	c.publish(model.Event{Type: model.EventDisconnected, Exchange: c.ID()})
	c.log.Info("connector disconnected")
	return nil
}

// TestConnection checks REST reachability and clock skew against the
// exchange's reported time.
func (c *Core) TestConnection(ctx context.Context) error {
	if err := c.waitLimit(ctx, ratelimit.General, weightRead); err != nil {
		return err
	}
	tctx, cancel := context.WithTimeout(ctx, c.reqTimeout)
	defer cancel()

	serverTime, err := c.driver.ServerTime(tctx)
	if err != nil {
		return model.NewConnectionError(c.ID(), "test connection", err)
	}
	skew := time.Since(serverTime)
	if skew < 0 {
		skew = -skew
	}
	if skew > c.skewTol {
		return model.NewFatalConnectionError(c.ID(), "test connection",
			fmt.Errorf("clock skew %v exceeds tolerance %v", skew, c.skewTol))
	}
	return nil
}

// PerformHealthCheck verifies REST reachability and restores the connector
// to connected when it was degraded or errored. It also restarts the
// streaming session if it dropped without a formal disconnect.
func (c *Core) PerformHealthCheck(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateDisconnected || c.state == StateConnecting {
		c.mu.Unlock()
		return model.ErrNotConnected
	}
	c.mu.Unlock()

	if err := c.waitLimit(ctx, ratelimit.General, weightRead); err != nil {
		return err
	}
	tctx, cancel := context.WithTimeout(ctx, c.reqTimeout)
	defer cancel()
	if _, err := c.driver.ServerTime(tctx); err != nil {
		c.markDegraded(model.NewConnectionError(c.ID(), "health check", err))
		return err
	}

	restored := false
	c.mu.Lock()
	if c.state == StateError || c.state == StateDegraded {
		c.transitionLocked(StateConnecting)
		c.transitionLocked(StateConnected)
		restored = true
	}
	if len(c.subs) > 0 && !c.streamRunning {
		c.startStreamLocked()
	}
	c.mu.Unlock()

	if restored {
		c.publish(model.Event{Type: model.EventConnected, Exchange: c.ID()})
		c.log.Info("health check restored connector")
	}
	return nil
}

// waitLimit blocks on the rate limiter and reports waits long enough to
// indicate pressure on the category's window.
func (c *Core) waitLimit(ctx context.Context, cat ratelimit.Category, weight int) error {
	start := time.Now()
	if err := c.limiter.Wait(ctx, cat, weight); err != nil {
		return err
	}
	if waited := time.Since(start); waited > rateLimitWaitFloor {
		c.metrics.LogMetric("connector", "rate_limit_wait_ms", float64(waited.Milliseconds()),
			logger.Fields{"exchange": c.ID(), "category": cat.String()})
	}
	return nil
}

// RateLimitUsage reports the weight currently consumed inside each rolling
// rate-limit window, keyed by category name.
func (c *Core) RateLimitUsage() map[string]int {
	return map[string]int{
		ratelimit.General.String():    c.limiter.Used(ratelimit.General),
		ratelimit.Orders.String():     c.limiter.Used(ratelimit.Orders),
		ratelimit.MarketData.String(): c.limiter.Used(ratelimit.MarketData),
	}
}

func (c *Core) usable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected && c.state != StateDegraded {
		return model.ErrNotConnected
	}
	return nil
}

// PlaceOrder validates, rate-limits and submits a normalized order.
func (c *Core) PlaceOrder(ctx context.Context, req model.OrderRequest) (*model.OrderResult, error) {
	if !symbols.Valid(req.Symbol) {
		return nil, &model.ValidationError{Field: "symbol", Reason: "is not canonical BASE-QUOTE format"}
	}
	if !req.Quantity.IsPositive() {
		return nil, &model.ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	if req.Type == model.OrderTypeLimit && !req.Price.IsPositive() {
		return nil, &model.ValidationError{Field: "price", Reason: "required for limit orders"}
	}
	if err := c.usable(); err != nil {
		return nil, err
	}
	if err := c.waitLimit(ctx, ratelimit.Orders, weightOrder); err != nil {
		return nil, err
	}
	tctx, cancel := context.WithTimeout(ctx, c.reqTimeout)
	defer cancel()

	res, err := c.driver.CreateOrder(tctx, req)
	if err != nil {
		c.noteRequestError("place order", err)
		return nil, err
	}
	return res, nil
}

// CancelOrder cancels by exchange order id; false means the exchange no
// longer knows the order.
func (c *Core) CancelOrder(ctx context.Context, symbol, orderID string) (bool, error) {
	if err := c.usable(); err != nil {
		return false, err
	}
	if err := c.waitLimit(ctx, ratelimit.Orders, weightRead); err != nil {
		return false, err
	}
	tctx, cancel := context.WithTimeout(ctx, c.reqTimeout)
	defer cancel()
	ok, err := c.driver.CancelOrder(tctx, symbol, orderID)
	if err != nil {
		c.noteRequestError("cancel order", err)
	}
	return ok, err
}

// GetOrder fetches the normalized order, or model.ErrOrderNotFound.
func (c *Core) GetOrder(ctx context.Context, symbol, orderID string) (*model.OrderResult, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	if err := c.waitLimit(ctx, ratelimit.General, weightRead); err != nil {
		return nil, err
	}
	tctx, cancel := context.WithTimeout(ctx, c.reqTimeout)
	defer cancel()
	res, err := c.driver.FetchOrder(tctx, symbol, orderID)
	if err != nil {
		c.noteRequestError("get order", err)
	}
	return res, err
}

// GetBalances returns the nonzero balances.
func (c *Core) GetBalances(ctx context.Context) ([]model.Balance, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	if err := c.waitLimit(ctx, ratelimit.General, weightRead); err != nil {
		return nil, err
	}
	tctx, cancel := context.WithTimeout(ctx, c.reqTimeout)
	defer cancel()
	all, err := c.driver.FetchBalances(tctx)
	if err != nil {
		c.noteRequestError("get balances", err)
		return nil, err
	}
	out := all[:0]
	for _, b := range all {
		if b.Total.IsPositive() {
			out = append(out, b)
		}
	}
	return out, nil
}

// GetTradingFees returns the exchange's fee schedule for the symbol,
// falling back to the driver's static defaults when the call fails.
func (c *Core) GetTradingFees(ctx context.Context, symbol string) (*model.TradingFees, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	if err := c.waitLimit(ctx, ratelimit.General, weightRead); err != nil {
		return nil, err
	}
	tctx, cancel := context.WithTimeout(ctx, c.reqTimeout)
	defer cancel()
	fees, err := c.driver.FetchTradingFees(tctx, symbol)
	if err != nil {
		c.log.WithError(err).WithField("symbol", symbol).Warn("fee lookup failed, using defaults")
		def := c.driver.DefaultFees(symbol)
		return &def, nil
	}
	return fees, nil
}

// GetMarketData serves the cached snapshot when it is fresh, otherwise
// fetches over REST and refreshes the cache.
func (c *Core) GetMarketData(ctx context.Context, symbol string) (*model.MarketSnapshot, error) {
	if !symbols.Valid(symbol) {
		return nil, &model.ValidationError{Field: "symbol", Reason: "is not canonical BASE-QUOTE format"}
	}
	if c.cache.TickerFresh(symbol) {
		s, _ := c.cache.Ticker(symbol)
		return &s, nil
	}
	if err := c.usable(); err != nil {
		return nil, err
	}
	if err := c.waitLimit(ctx, ratelimit.MarketData, weightRead); err != nil {
		return nil, err
	}
	tctx, cancel := context.WithTimeout(ctx, c.reqTimeout)
	defer cancel()
	snap, err := c.driver.FetchTicker(tctx, symbol)
	if err != nil {
		c.noteRequestError("get market data", err)
		return nil, err
	}
	c.cache.SetTicker(*snap)
	s, _ := c.cache.Ticker(symbol)
	return &s, nil
}

// GetOrderBook serves the cached book when fresh, otherwise fetches and
// refreshes.
func (c *Core) GetOrderBook(ctx context.Context, symbol string, depth int) (*model.OrderBookSnapshot, error) {
	if !symbols.Valid(symbol) {
		return nil, &model.ValidationError{Field: "symbol", Reason: "is not canonical BASE-QUOTE format"}
	}
	if depth <= 0 {
		depth = defaultBookDepth
	}
	if c.cache.BookFresh(symbol) {
		b, _ := c.cache.Book(symbol)
		return trimBook(&b, depth), nil
	}
	if err := c.usable(); err != nil {
		return nil, err
	}
	if err := c.waitLimit(ctx, ratelimit.MarketData, weightBook); err != nil {
		return nil, err
	}
	tctx, cancel := context.WithTimeout(ctx, c.reqTimeout)
	defer cancel()
	snap, err := c.driver.FetchOrderBook(tctx, symbol, depth)
	if err != nil {
		c.noteRequestError("get order book", err)
		return nil, err
	}
	c.cache.SetBook(*snap)
	return trimBook(snap, depth), nil
}

func trimBook(b *model.OrderBookSnapshot, depth int) *model.OrderBookSnapshot {
	out := *b
	if len(out.Bids) > depth {
		out.Bids = out.Bids[:depth]
	}
	if len(out.Asks) > depth {
		out.Asks = out.Asks[:depth]
	}
	return &out
}

// SubscribeToMarketData adds the symbols to the tracked subscription set
// and, when the stream is up, issues the subscription immediately. The
// tracked set is replayed after every reconnect.
func (c *Core) SubscribeToMarketData(ctx context.Context, syms []string) error {
	added := make([]string, 0, len(syms))
	c.mu.Lock()
	for _, s := range syms {
		if !symbols.Valid(s) {
			c.mu.Unlock()
			return &model.ValidationError{Field: "symbol", Reason: fmt.Sprintf("%q is not canonical BASE-QUOTE format", s)}
		}
		if _, ok := c.subs[s]; !ok {
			c.subs[s] = struct{}{}
			added = append(added, s)
		}
	}
	running := c.streamRunning
	if len(c.subs) > 0 && !running && (c.state == StateConnected || c.state == StateDegraded) {
		c.startStreamLocked()
		// The fresh session subscribes to the whole tracked set itself.
		added = nil
	}
	c.mu.Unlock()

	if len(added) == 0 || c.stream == nil {
		return nil
	}
	err := c.sendSubscribe(added)
	if errors.Is(err, model.ErrNotConnected) && running {
		// The session goroutine is still dialing; it subscribes the whole
		// tracked set itself once the socket is up.
		return nil
	}
	return err
}

// UnsubscribeFromMarketData removes symbols from the tracked set.
func (c *Core) UnsubscribeFromMarketData(ctx context.Context, syms []string) error {
	removed := make([]string, 0, len(syms))
	c.mu.Lock()
	for _, s := range syms {
		if _, ok := c.subs[s]; ok {
			delete(c.subs, s)
			removed = append(removed, s)
		}
	}
	c.mu.Unlock()

	if len(removed) == 0 || c.stream == nil {
		return nil
	}
	payload, err := c.stream.UnsubscribePayload(removed)
	if err != nil {
		return err
	}
	return c.writePayload(payload)
}

// Subscriptions returns the tracked set, sorted for stable comparison.
func (c *Core) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for s := range c.subs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (c *Core) publish(ev model.Event) {
	if c.bus == nil {
		return
	}
	ev.Timestamp = time.Now()
	c.bus.Publish(ev)
}

// noteRequestError downgrades the connector on fatal request failures so it
// drops out of aggregation until a health check restores it.
func (c *Core) noteRequestError(op string, err error) {
	if model.IsRetryable(err) {
		c.log.WithError(err).WithField("op", op).Warn("retryable request failure")
		return
	}
	var ce *model.ConnectionError
	if errors.As(err, &ce) && ce.Fatal {
		c.markError(err)
		return
	}
	c.log.WithError(err).WithField("op", op).Debug("request failed")
}

func (c *Core) markError(err error) {
	c.mu.Lock()
	if c.state == StateDegraded {
		c.transitionLocked(StateConnecting)
	}
	c.transitionLocked(StateError)
	c.mu.Unlock()
	c.publish(model.Event{Type: model.EventError, Exchange: c.ID(), Err: err})
	c.log.WithError(err).Error("connector errored")
}

func (c *Core) markDegraded(err error) {
	changed := false
	c.mu.Lock()
	if c.state == StateConnected {
		changed = c.transitionLocked(StateDegraded)
	}
	c.mu.Unlock()
	if changed {
		c.publish(model.Event{Type: model.EventError, Exchange: c.ID(), Err: err})
		c.log.WithError(err).Warn("connector degraded")
	}
}
