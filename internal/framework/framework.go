// Package framework holds the fleet of exchange connectors and aggregates
// their market and account state into cross-exchange views.
package framework

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"tradeflow/internal/connector"
	"tradeflow/internal/events"
	"tradeflow/internal/model"
	"tradeflow/logger"
)

const (
	defaultMaxExchanges   = 10
	defaultHealthInterval = 30 * time.Second
)

// Config assembles a Framework.
type Config struct {
	MaxExchanges int
	// QuoteAsset is the valuation currency for the portfolio view.
	QuoteAsset string
	Bus        *events.Bus
	Log        *logger.Log
	// RequestTimeout bounds each connector call during fan-out.
	RequestTimeout time.Duration
}

// Metrics is the O(1) framework summary.
type Metrics struct {
	TotalExchanges  int
	ActiveExchanges int
	EventsDropped   int64
	Timestamp       time.Time
}

// Framework is the connector registry and aggregator. Connector health is
// tracked through bus events so metric reads never touch the connectors.
type Framework struct {
	maxExchanges int
	quoteAsset   string
	bus          *events.Bus
	log          *logger.Entry
	reqTimeout   time.Duration

	mu          sync.RWMutex
	connectors  map[string]connector.Connector
	active      map[string]bool
	activeCount int
	healthStop  map[string]chan struct{}

	baselineMu    sync.Mutex
	baselineValue decimal.Decimal
	baselineDay   time.Time

	loopCancel []func()
	loopDone   sync.WaitGroup
	cleanupOne sync.Once
}

func New(cfg Config) *Framework {
	if cfg.MaxExchanges <= 0 {
		cfg.MaxExchanges = defaultMaxExchanges
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	log := cfg.Log
	if log == nil {
		log = logger.GetLogger()
	}
	f := &Framework{
		maxExchanges: cfg.MaxExchanges,
		quoteAsset:   cfg.QuoteAsset,
		bus:          cfg.Bus,
		log:          log.WithComponent("framework"),
		reqTimeout:   cfg.RequestTimeout,
		connectors:   make(map[string]connector.Connector),
		active:       make(map[string]bool),
		healthStop:   make(map[string]chan struct{}),
	}
	f.watchLifecycle()
	return f
}

// watchLifecycle keeps the active set in sync with connector events so
// GetFrameworkMetrics stays O(1) and never blocks on a connector.
func (f *Framework) watchLifecycle() {
	if f.bus == nil {
		return
	}
	for _, t := range []model.EventType{model.EventConnected, model.EventDisconnected, model.EventError} {
		ch, cancel := f.bus.Subscribe(t, 64)
		f.loopCancel = append(f.loopCancel, cancel)
		f.loopDone.Add(1)
		go func(ch <-chan model.Event, up bool) {
			defer f.loopDone.Done()
			for ev := range ch {
				f.setActive(ev.Exchange, up)
			}
		}(ch, t == model.EventConnected)
	}
}

func (f *Framework) setActive(id string, up bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, registered := f.connectors[id]; !registered {
		return
	}
	if f.active[id] == up {
		return
	}
	f.active[id] = up
	if up {
		f.activeCount++
	} else {
		f.activeCount--
	}
}

// RegisterExchange connects the connector and adds it to the fleet. A
// duplicate id or a full fleet is rejected before any side effect, and a
// failed connect leaves the registered count unchanged.
func (f *Framework) RegisterExchange(ctx context.Context, id string, conn connector.Connector) error {
	f.mu.Lock()
	if _, ok := f.connectors[id]; ok {
		f.mu.Unlock()
		return &model.CapacityError{ExchangeID: id, Reason: "already registered"}
	}
	if len(f.connectors) >= f.maxExchanges {
		f.mu.Unlock()
		return &model.CapacityError{ExchangeID: id, Reason: "fleet at maximum size"}
	}
	// Reserve the slot so concurrent registrations cannot oversubscribe
	// while this connector is still connecting.
	f.connectors[id] = conn
	f.mu.Unlock()

	if err := conn.Connect(ctx); err != nil {
		f.mu.Lock()
		delete(f.connectors, id)
		delete(f.active, id)
		f.mu.Unlock()
		return err
	}

	f.setActive(id, conn.State() == connector.StateConnected)
	f.watchHealth(id, conn)
	f.log.WithFields(logger.Fields{"exchange": id}).Info("exchange registered")
	return nil
}

// watchHealth runs periodic health checks for one connector so a fatal
// request failure does not exclude it from aggregation forever. Each pass
// re-syncs the active flag from the connector state, which also covers
// fleets running without an event bus.
func (f *Framework) watchHealth(id string, conn connector.Connector) {
	interval := conn.Profile().HealthCheckInterval
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	stop := make(chan struct{})
	f.mu.Lock()
	if _, registered := f.connectors[id]; !registered {
		f.mu.Unlock()
		return
	}
	f.healthStop[id] = stop
	f.mu.Unlock()

	f.loopDone.Add(1)
	go func() {
		defer f.loopDone.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), f.reqTimeout)
				err := conn.PerformHealthCheck(ctx)
				cancel()
				if err != nil {
					f.log.WithError(err).WithFields(logger.Fields{"exchange": id}).
						Debug("health check failed")
				}
				f.setActive(id, conn.State() == connector.StateConnected)
			}
		}
	}()
}

// UnregisterExchange disconnects and removes one connector. Unknown ids are
// a no-op.
func (f *Framework) UnregisterExchange(id string) error {
	f.mu.Lock()
	conn, ok := f.connectors[id]
	var stop chan struct{}
	if ok {
		delete(f.connectors, id)
		if f.active[id] {
			f.activeCount--
		}
		delete(f.active, id)
		stop = f.healthStop[id]
		delete(f.healthStop, id)
	}
	f.mu.Unlock()
	if !ok {
		return nil
	}
	if stop != nil {
		close(stop)
	}
	err := conn.Disconnect()
	f.log.WithFields(logger.Fields{"exchange": id}).Info("exchange unregistered")
	return err
}

// Cleanup disconnects every connector and stops the lifecycle watchers.
// Safe to call repeatedly; no background mutation happens after it returns.
func (f *Framework) Cleanup() {
	f.cleanupOne.Do(func() {
		f.mu.Lock()
		conns := make([]connector.Connector, 0, len(f.connectors))
		for id, c := range f.connectors {
			conns = append(conns, c)
			delete(f.connectors, id)
			delete(f.active, id)
		}
		for id, stop := range f.healthStop {
			close(stop)
			delete(f.healthStop, id)
		}
		f.activeCount = 0
		f.mu.Unlock()

		for _, c := range conns {
			if err := c.Disconnect(); err != nil {
				f.log.WithError(err).Warn("disconnect during cleanup failed")
			}
		}
		for _, cancel := range f.loopCancel {
			cancel()
		}
		f.loopDone.Wait()
		f.log.Info("framework cleaned up")
	})
}

// GetRegisteredExchanges returns all registered ids, sorted.
func (f *Framework) GetRegisteredExchanges() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.connectors))
	for id := range f.connectors {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// GetActiveExchanges returns the ids currently contributing to aggregation.
func (f *Framework) GetActiveExchanges() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, f.activeCount)
	for id, up := range f.active {
		if up {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// GetFrameworkMetrics is O(1) in the fleet size and safe to call while
// registrations are in flight.
func (f *Framework) GetFrameworkMetrics() Metrics {
	f.mu.RLock()
	total := len(f.connectors)
	active := f.activeCount
	f.mu.RUnlock()
	m := Metrics{TotalExchanges: total, ActiveExchanges: active, Timestamp: time.Now()}
	if f.bus != nil {
		m.EventsDropped = f.bus.Dropped()
	}
	return m
}

// GetRateLimitUsage reports each exchange's consumed request weight per
// rate-limit category. Connectors that do not meter usage are omitted.
func (f *Framework) GetRateLimitUsage() map[string]map[string]int {
	f.mu.RLock()
	conns := make(map[string]connector.Connector, len(f.connectors))
	for id, c := range f.connectors {
		conns[id] = c
	}
	f.mu.RUnlock()

	out := make(map[string]map[string]int, len(conns))
	for id, c := range conns {
		if m, ok := c.(interface{ RateLimitUsage() map[string]int }); ok {
			out[id] = m.RateLimitUsage()
		}
	}
	return out
}

func (f *Framework) activeConnectors() map[string]connector.Connector {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]connector.Connector, f.activeCount)
	for id, up := range f.active {
		if up {
			out[id] = f.connectors[id]
		}
	}
	return out
}

// GetAggregatedMarketData fans out to every active connector for the
// symbol. Failing connectors are skipped; no active data yields an empty
// map, never an error.
func (f *Framework) GetAggregatedMarketData(ctx context.Context, symbol string) map[string]model.MarketSnapshot {
	conns := f.activeConnectors()
	out := make(map[string]model.MarketSnapshot, len(conns))
	if len(conns) == 0 {
		return out
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for id, conn := range conns {
		id, conn := id, conn
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, f.reqTimeout)
			defer cancel()
			snap, err := conn.GetMarketData(cctx, symbol)
			if err != nil {
				f.log.WithError(err).WithFields(logger.Fields{"exchange": id, "symbol": symbol}).
					Debug("aggregation skipped connector")
				return nil
			}
			mu.Lock()
			out[id] = *snap
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return out
}

// GetAggregatedOrderBooks fans out like GetAggregatedMarketData but for
// depth; the router feeds on this.
func (f *Framework) GetAggregatedOrderBooks(ctx context.Context, symbol string, depth int) map[string]model.OrderBookSnapshot {
	conns := f.activeConnectors()
	out := make(map[string]model.OrderBookSnapshot, len(conns))
	if len(conns) == 0 {
		return out
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for id, conn := range conns {
		id, conn := id, conn
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, f.reqTimeout)
			defer cancel()
			book, err := conn.GetOrderBook(cctx, symbol, depth)
			if err != nil {
				return nil
			}
			mu.Lock()
			out[id] = *book
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return out
}

// Connector returns the registered connector for dispatch, or nil.
func (f *Framework) Connector(id string) connector.Connector {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connectors[id]
}

// GetCrossExchangePortfolio sums balances across active connectors into a
// single valuation in the quote asset. Assets without a usable price
// contribute quantity but zero value. Daily P&L is measured against the
// first valuation taken each day.
func (f *Framework) GetCrossExchangePortfolio(ctx context.Context) (*model.Portfolio, error) {
	conns := f.activeConnectors()

	type exchangeBalances struct {
		id       string
		balances []model.Balance
	}
	var mu sync.Mutex
	var collected []exchangeBalances

	g, gctx := errgroup.WithContext(ctx)
	for id, conn := range conns {
		id, conn := id, conn
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, f.reqTimeout)
			defer cancel()
			balances, err := conn.GetBalances(cctx)
			if err != nil {
				f.log.WithError(err).WithFields(logger.Fields{"exchange": id}).
					Debug("portfolio skipped connector")
				return nil
			}
			mu.Lock()
			collected = append(collected, exchangeBalances{id: id, balances: balances})
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	p := &model.Portfolio{
		QuoteAsset:  f.quoteAsset,
		Positions:   make(map[string]model.AssetPosition),
		ByExchange:  make(map[string]decimal.Decimal),
		GeneratedAt: time.Now(),
	}
	prices := make(map[string]decimal.Decimal)
	for _, eb := range collected {
		exchangeValue := decimal.Zero
		for _, b := range eb.balances {
			price, ok := prices[b.Asset]
			if !ok {
				price = f.assetPrice(ctx, b.Asset)
				prices[b.Asset] = price
			}
			value := b.Total.Mul(price)
			pos := p.Positions[b.Asset]
			pos.Asset = b.Asset
			pos.Quantity = pos.Quantity.Add(b.Total)
			pos.Value = pos.Value.Add(value)
			p.Positions[b.Asset] = pos
			exchangeValue = exchangeValue.Add(value)
		}
		p.ByExchange[eb.id] = exchangeValue
		p.TotalValue = p.TotalValue.Add(exchangeValue)
	}

	p.DailyPnL = f.dailyPnL(p.TotalValue)
	p.Risk = riskBucket(p)
	return p, nil
}

// assetPrice averages the aggregated mid prices for ASSET-QUOTE across
// exchanges. The quote asset itself is worth exactly one.
func (f *Framework) assetPrice(ctx context.Context, asset string) decimal.Decimal {
	if asset == f.quoteAsset {
		return decimal.NewFromInt(1)
	}
	snaps := f.GetAggregatedMarketData(ctx, asset+"-"+f.quoteAsset)
	if len(snaps) == 0 {
		return decimal.Zero
	}
	sum := 0.0
	for _, s := range snaps {
		sum += s.MidPrice()
	}
	return decimal.NewFromFloat(sum / float64(len(snaps)))
}

func (f *Framework) dailyPnL(current decimal.Decimal) decimal.Decimal {
	f.baselineMu.Lock()
	defer f.baselineMu.Unlock()
	today := time.Now().Truncate(24 * time.Hour)
	if !f.baselineDay.Equal(today) {
		f.baselineDay = today
		f.baselineValue = current
	}
	return current.Sub(f.baselineValue)
}

// riskBucket classifies concentration: a portfolio dominated by a single
// position carries more risk than a spread one.
func riskBucket(p *model.Portfolio) model.RiskLevel {
	if p.TotalValue.IsZero() {
		return model.RiskLow
	}
	var top decimal.Decimal
	for _, pos := range p.Positions {
		if pos.Value.GreaterThan(top) {
			top = pos.Value
		}
	}
	share := top.Div(p.TotalValue)
	switch {
	case share.GreaterThan(decimal.NewFromFloat(0.7)):
		return model.RiskHigh
	case share.GreaterThan(decimal.NewFromFloat(0.4)):
		return model.RiskMedium
	default:
		return model.RiskLow
	}
}
