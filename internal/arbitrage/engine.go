// Package arbitrage detects cross-exchange price discrepancies from the
// framework's aggregated market view and ranks them into opportunities.
package arbitrage

import (
	"context"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tradeflow/internal/model"
	"tradeflow/logger"
)

// MarketSource supplies aggregated per-symbol snapshots; the framework
// implements it.
type MarketSource interface {
	GetAggregatedMarketData(ctx context.Context, symbol string) map[string]model.MarketSnapshot
}

// Executor is the optional auto-execution hook invoked from the polling
// loop for opportunities above the confidence floor.
type Executor interface {
	ExecuteOpportunity(ctx context.Context, opp model.ArbitrageOpportunity) error
}

// Config assembles an Engine.
type Config struct {
	Source MarketSource
	Log    *logger.Log
	// Symbols scanned by the polling loop.
	Symbols []string
	// MinProfitPercent is the spread-percent floor for keeping a pair.
	MinProfitPercent float64
	PollInterval     time.Duration
	// OpportunityTTL is the expiry horizon stamped on each opportunity.
	OpportunityTTL time.Duration
	// Executor enables auto-execution; nil means detection only.
	Executor Executor
	// MinConfidence gates auto-execution.
	MinConfidence float64
}

// PerformanceMetrics summarizes the engine's activity.
type PerformanceMetrics struct {
	Detected  int64
	Executed  int64
	Cycles    int64
	LastCycle time.Time
}

// Engine scans ordered exchange pairs per symbol. The freshest computation
// for a (symbol, buy, sell) pair supersedes the previous one; expired
// entries are purged on every scan.
type Engine struct {
	source        MarketSource
	log           *logger.Entry
	metrics       *logger.Log
	symbols       []string
	minProfit     float64
	pollInterval  time.Duration
	ttl           time.Duration
	executor      Executor
	minConfidence float64

	mu      sync.Mutex
	current map[string]model.ArbitrageOpportunity
	stop    chan struct{}
	done    chan struct{}
	running bool

	detected  atomic.Int64
	executed  atomic.Int64
	cycles    atomic.Int64
	lastCycle atomic.Int64
}

func New(cfg Config) *Engine {
	if cfg.MinProfitPercent <= 0 {
		cfg.MinProfitPercent = 0.1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.OpportunityTTL <= 0 {
		cfg.OpportunityTTL = 10 * time.Second
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.5
	}
	log := cfg.Log
	if log == nil {
		log = logger.GetLogger()
	}
	return &Engine{
		source:        cfg.Source,
		log:           log.WithComponent("arbitrage"),
		metrics:       log,
		symbols:       cfg.Symbols,
		minProfit:     cfg.MinProfitPercent,
		pollInterval:  cfg.PollInterval,
		ttl:           cfg.OpportunityTTL,
		executor:      cfg.Executor,
		minConfidence: cfg.MinConfidence,
		current:       make(map[string]model.ArbitrageOpportunity),
	}
}

// DetectOpportunities scans every ordered pair of distinct exchanges per
// symbol and returns the surviving opportunities sorted by estimated profit,
// best first.
func (e *Engine) DetectOpportunities(ctx context.Context, symbols []string) []model.ArbitrageOpportunity {
	now := time.Now()
	var found []model.ArbitrageOpportunity

	for _, symbol := range symbols {
		agg := e.source.GetAggregatedMarketData(ctx, symbol)
		if len(agg) < 2 {
			continue
		}
		for buyEx, buy := range agg {
			if buy.Quality == model.QualityStale || buy.Ask <= 0 {
				continue
			}
			for sellEx, sell := range agg {
				if sellEx == buyEx || sell.Quality == model.QualityStale || sell.Bid <= 0 {
					continue
				}
				opp, ok := e.evaluate(symbol, buyEx, sellEx, buy, sell, now)
				if ok {
					found = append(found, opp)
				}
			}
		}
	}

	e.mu.Lock()
	for key, opp := range e.current {
		if opp.Expired(now) {
			delete(e.current, key)
		}
	}
	for _, opp := range found {
		e.current[opp.PairKey()] = opp
	}
	out := make([]model.ArbitrageOpportunity, 0, len(e.current))
	for _, opp := range e.current {
		out = append(out, opp)
	}
	e.mu.Unlock()

	e.detected.Add(int64(len(found)))
	sort.Slice(out, func(i, j int) bool {
		return out[i].EstimatedProfit > out[j].EstimatedProfit
	})
	return out
}

// GetOpportunities returns the current unexpired opportunities sorted by
// estimated profit, best first.
func (e *Engine) GetOpportunities() []model.ArbitrageOpportunity {
	now := time.Now()
	e.mu.Lock()
	out := make([]model.ArbitrageOpportunity, 0, len(e.current))
	for key, opp := range e.current {
		if opp.Expired(now) {
			delete(e.current, key)
			continue
		}
		out = append(out, opp)
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].EstimatedProfit > out[j].EstimatedProfit
	})
	return out
}

func (e *Engine) evaluate(symbol, buyEx, sellEx string, buy, sell model.MarketSnapshot, now time.Time) (model.ArbitrageOpportunity, bool) {
	spread := sell.Bid - buy.Ask
	if spread <= 0 {
		return model.ArbitrageOpportunity{}, false
	}
	spreadPercent := spread / buy.Ask * 100
	if spreadPercent < e.minProfit {
		return model.ArbitrageOpportunity{}, false
	}
	maxVolume := math.Min(buy.AskSize, sell.BidSize)
	if maxVolume <= 0 {
		return model.ArbitrageOpportunity{}, false
	}

	risk := riskScore(maxVolume, oldest(buy.Timestamp, sell.Timestamp, now), e.ttl)
	opp := model.ArbitrageOpportunity{
		ID:              uuid.NewString(),
		Symbol:          symbol,
		BuyExchange:     buyEx,
		SellExchange:    sellEx,
		BuyPrice:        buy.Ask,
		SellPrice:       sell.Bid,
		Spread:          spread,
		SpreadPercent:   spreadPercent,
		MaxVolume:       maxVolume,
		EstimatedProfit: spread * maxVolume,
		RiskScore:       risk,
		Confidence:      clamp01(1 - risk),
		CreatedAt:       now,
		ExpiresAt:       now.Add(e.ttl),
	}
	e.log.WithFields(logger.Fields{
		"symbol": symbol, "buy": buyEx, "sell": sellEx,
		"spread_percent": spreadPercent, "max_volume": maxVolume,
	}).Debug("opportunity detected")
	return opp, true
}

// riskScore combines liquidity thinness with quote age: thin books and old
// quotes both make execution at the observed prices less likely.
func riskScore(maxVolume float64, age, ttl time.Duration) float64 {
	thinness := 1 / (1 + maxVolume)
	staleness := float64(age) / float64(ttl)
	return clamp01(0.6*thinness + 0.4*clamp01(staleness))
}

func oldest(a, b, now time.Time) time.Duration {
	age := now.Sub(a)
	if other := now.Sub(b); other > age {
		age = other
	}
	if age < 0 {
		return 0
	}
	return age
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// Start launches the polling loop over the configured symbols. Calling
// Start on a running engine is a no-op.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	stop, done := e.stop, e.done
	e.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(e.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				e.runCycle(ctx)
			}
		}
	}()
	e.log.WithFields(logger.Fields{"symbols": len(e.symbols), "interval": e.pollInterval.String()}).
		Info("arbitrage engine started")
}

func (e *Engine) runCycle(ctx context.Context) {
	opps := e.DetectOpportunities(ctx, e.symbols)
	e.cycles.Add(1)
	e.lastCycle.Store(time.Now().UnixNano())
	if len(opps) > 0 {
		e.metrics.LogMetric("arbitrage", "opportunities_detected", float64(len(opps)), nil)
	}

	if e.executor == nil {
		return
	}
	for _, opp := range opps {
		if opp.Confidence < e.minConfidence {
			continue
		}
		if err := e.executor.ExecuteOpportunity(ctx, opp); err != nil {
			e.log.WithError(err).WithFields(logger.Fields{"opportunity": opp.ID}).
				Warn("auto-execution failed")
			continue
		}
		e.executed.Add(1)
		e.metrics.LogMetric("arbitrage", "opportunities_executed", 1,
			logger.Fields{"symbol": opp.Symbol})
	}
}

// Stop halts the polling loop and waits for the in-flight cycle to finish.
// Safe to call repeatedly.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stop)
	done := e.done
	e.mu.Unlock()
	<-done
	e.log.Info("arbitrage engine stopped")
}

func (e *Engine) GetPerformanceMetrics() PerformanceMetrics {
	return PerformanceMetrics{
		Detected:  e.detected.Load(),
		Executed:  e.executed.Load(),
		Cycles:    e.cycles.Load(),
		LastCycle: time.Unix(0, e.lastCycle.Load()),
	}
}
