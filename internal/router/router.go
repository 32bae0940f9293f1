// Package router decides how an order executes across the fleet: one
// exchange, a split across several, or wait for liquidity. It dispatches
// the chosen legs in parallel and applies the configured partial-failure
// policy.
package router

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"tradeflow/internal/connector"
	"tradeflow/internal/model"
	"tradeflow/internal/store"
	"tradeflow/internal/symbols"
	"tradeflow/logger"
)

// Fleet is the slice of the framework the router consumes.
type Fleet interface {
	GetAggregatedOrderBooks(ctx context.Context, symbol string, depth int) map[string]model.OrderBookSnapshot
	Connector(id string) connector.Connector
}

// PartialFillPolicy selects what happens when some legs of a split fail.
type PartialFillPolicy string

const (
	// PolicyCancel cancels the successful legs before reporting.
	PolicyCancel PartialFillPolicy = "cancel"
	// PolicyReport keeps the fills and reports the mixed outcome.
	PolicyReport PartialFillPolicy = "report"
)

// Config assembles a Router.
type Config struct {
	Fleet Fleet
	Store store.TradeStore
	Log   *logger.Log
	// MaxSplits caps how many exchanges one order may be spread over.
	MaxSplits int
	// MinQuality filters exchanges whose execution quality score is too low.
	MinQuality float64
	// DepthTolerance is the price band (fraction of best) counted as
	// available depth.
	DepthTolerance    float64
	BookDepth         int
	PartialFillPolicy PartialFillPolicy
	RequestTimeout    time.Duration
}

// PerformanceMetrics summarizes routing activity.
type PerformanceMetrics struct {
	Recommendations int64
	SingleRoutes    int64
	SplitRoutes     int64
	Waits           int64
	Failures        int64
}

// ExecutionResult carries the decision and, when dispatched, per-leg
// outcomes.
type ExecutionResult struct {
	Decision *model.RoutingDecision
	Legs     []model.LegOutcome
}

type Router struct {
	fleet      Fleet
	store      store.TradeStore
	log        *logger.Entry
	metrics    *logger.Log
	maxSplits  int
	minQuality float64
	depthTol   float64
	bookDepth  int
	policy     PartialFillPolicy
	reqTimeout time.Duration

	recommendations atomic.Int64
	singles         atomic.Int64
	splits          atomic.Int64
	waits           atomic.Int64
	failures        atomic.Int64
}

func New(cfg Config) *Router {
	if cfg.MaxSplits <= 0 {
		cfg.MaxSplits = 3
	}
	if cfg.MinQuality <= 0 {
		cfg.MinQuality = 0.5
	}
	if cfg.DepthTolerance <= 0 {
		cfg.DepthTolerance = 0.005
	}
	if cfg.BookDepth <= 0 {
		cfg.BookDepth = 50
	}
	if cfg.PartialFillPolicy == "" {
		cfg.PartialFillPolicy = PolicyReport
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	log := cfg.Log
	if log == nil {
		log = logger.GetLogger()
	}
	return &Router{
		fleet:      cfg.Fleet,
		store:      cfg.Store,
		log:        log.WithComponent("router"),
		metrics:    log,
		maxSplits:  cfg.MaxSplits,
		minQuality: cfg.MinQuality,
		depthTol:   cfg.DepthTolerance,
		bookDepth:  cfg.BookDepth,
		policy:     cfg.PartialFillPolicy,
		reqTimeout: cfg.RequestTimeout,
	}
}

// candidate is one exchange eligible to receive part of the order.
type candidate struct {
	exchange  string
	quality   float64
	available decimal.Decimal
	priority  int
}

func validate(req model.OrderRequest) error {
	if !symbols.Valid(req.Symbol) {
		return &model.ValidationError{Field: "symbol", Reason: "is not canonical BASE-QUOTE format"}
	}
	if !req.Quantity.IsPositive() {
		return &model.ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	if req.Type == model.OrderTypeLimit && !req.Price.IsPositive() {
		return &model.ValidationError{Field: "price", Reason: "required for limit orders"}
	}
	return nil
}

// executionQuality scores one exchange's book: the half-spread plus the
// taker fee, expressed in percent, subtracted from a perfect 1.0. Wide
// spreads and expensive fees push the score toward zero.
func executionQuality(book *model.OrderBookSnapshot, takerFee float64) float64 {
	mid := book.MidPrice()
	if mid <= 0 {
		return 0
	}
	halfSpread := book.Spread() / 2 / mid
	cost := (halfSpread + takerFee) * 100
	return math.Max(0, math.Min(1, 1-cost))
}

// availableDepth sums the quantity on the side the order would consume,
// within the tolerance band of the best price.
func availableDepth(book *model.OrderBookSnapshot, side model.OrderSide, tolerance float64) decimal.Decimal {
	levels := book.Asks
	if side == model.SideSell {
		levels = book.Bids
	}
	if len(levels) == 0 {
		return decimal.Zero
	}
	best := levels[0].Price
	var total float64
	for _, l := range levels {
		if side == model.SideBuy && l.Price > best*(1+tolerance) {
			break
		}
		if side == model.SideSell && l.Price < best*(1-tolerance) {
			break
		}
		total += l.Quantity
	}
	return decimal.NewFromFloat(total)
}

func (r *Router) takerFee(ctx context.Context, exchange, symbol string) float64 {
	conn := r.fleet.Connector(exchange)
	if conn == nil {
		return 0
	}
	fees, err := conn.GetTradingFees(ctx, symbol)
	if err != nil {
		return 0
	}
	f, _ := fees.TakerFee.Float64()
	return f
}

func (r *Router) candidates(ctx context.Context, req model.OrderRequest) []candidate {
	books := r.fleet.GetAggregatedOrderBooks(ctx, req.Symbol, r.bookDepth)
	out := make([]candidate, 0, len(books))
	for exchange, book := range books {
		book := book
		available := availableDepth(&book, req.Side, r.depthTol)
		if !available.IsPositive() {
			continue
		}
		quality := executionQuality(&book, r.takerFee(ctx, exchange, req.Symbol))
		if quality < r.minQuality {
			continue
		}
		priority := 0
		if conn := r.fleet.Connector(exchange); conn != nil {
			priority = conn.Profile().Priority
		}
		out = append(out, candidate{
			exchange:  exchange,
			quality:   quality,
			available: available,
			priority:  priority,
		})
	}
	// Best quality first; profile priority breaks ties, then id for
	// deterministic decisions.
	sort.Slice(out, func(i, j int) bool {
		if out[i].quality != out[j].quality {
			return out[i].quality > out[j].quality
		}
		if out[i].priority != out[j].priority {
			return out[i].priority > out[j].priority
		}
		return out[i].exchange < out[j].exchange
	})
	return out
}

// GetRoutingRecommendations plans execution without dispatching anything.
func (r *Router) GetRoutingRecommendations(ctx context.Context, req model.OrderRequest) (*model.RoutingDecision, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	r.recommendations.Add(1)

	orderID := req.ClientOrderID
	if orderID == "" {
		orderID = uuid.NewString()
	}
	decision := &model.RoutingDecision{
		OrderID:   orderID,
		Symbol:    req.Symbol,
		CreatedAt: time.Now(),
	}

	cands := r.candidates(ctx, req)
	if len(cands) == 0 {
		decision.Recommendation = model.RouteWait
		decision.Reasoning = append(decision.Reasoning,
			"no exchange offers depth at acceptable quality")
		r.waits.Add(1)
		r.noteDecision("wait")
		return decision, nil
	}

	if cands[0].available.GreaterThanOrEqual(req.Quantity) {
		decision.Recommendation = model.RouteSingle
		decision.Splits = []model.RoutingSplit{{Exchange: cands[0].exchange, Quantity: req.Quantity}}
		decision.Reasoning = append(decision.Reasoning, fmt.Sprintf(
			"%s fills the full quantity at quality %.3f", cands[0].exchange, cands[0].quality))
		r.singles.Add(1)
		r.noteDecision("single")
		return decision, nil
	}

	// Greedy best-first allocation across at most maxSplits exchanges.
	remaining := req.Quantity
	var legs []model.RoutingSplit
	for _, c := range cands {
		if len(legs) == r.maxSplits {
			break
		}
		take := decimal.Min(remaining, c.available)
		if !take.IsPositive() {
			continue
		}
		legs = append(legs, model.RoutingSplit{Exchange: c.exchange, Quantity: take})
		decision.Reasoning = append(decision.Reasoning, fmt.Sprintf(
			"%s contributes %s of %s available at quality %.3f",
			c.exchange, take, c.available, c.quality))
		remaining = remaining.Sub(take)
		if remaining.IsZero() {
			break
		}
	}

	if remaining.IsPositive() {
		decision.Recommendation = model.RouteWait
		decision.Splits = nil
		decision.Reasoning = append(decision.Reasoning, fmt.Sprintf(
			"coverage short by %s within %d splits", remaining, r.maxSplits))
		r.waits.Add(1)
		r.noteDecision("wait")
		return decision, nil
	}

	decision.Recommendation = model.RouteSplit
	decision.Splits = legs
	r.splits.Add(1)
	r.noteDecision("split")
	return decision, nil
}

func (r *Router) noteDecision(kind string) {
	r.metrics.LogMetric("router", "routing_decisions", 1, logger.Fields{"recommendation": kind})
}

// RouteOrder plans and executes. A wait recommendation returns without
// dispatching; structurally invalid orders fail before any network call.
func (r *Router) RouteOrder(ctx context.Context, req model.OrderRequest) (*ExecutionResult, error) {
	decision, err := r.GetRoutingRecommendations(ctx, req)
	if err != nil {
		return nil, err
	}
	result := &ExecutionResult{Decision: decision}
	if decision.Recommendation == model.RouteWait {
		return result, nil
	}

	legs := make([]model.LegOutcome, len(decision.Splits))
	g, gctx := errgroup.WithContext(ctx)
	for i, split := range decision.Splits {
		i, split := i, split
		g.Go(func() error {
			legReq := req
			legReq.Quantity = split.Quantity
			legReq.ClientOrderID = fmt.Sprintf("%s-%d", decision.OrderID, i)

			outcome := model.LegOutcome{Exchange: split.Exchange, Quantity: split.Quantity}
			conn := r.fleet.Connector(split.Exchange)
			if conn == nil {
				outcome.Err = fmt.Errorf("exchange %s no longer registered", split.Exchange)
				legs[i] = outcome
				return nil
			}
			cctx, cancel := context.WithTimeout(gctx, r.reqTimeout)
			defer cancel()
			res, err := conn.PlaceOrder(cctx, legReq)
			outcome.Result = res
			outcome.Err = err
			legs[i] = outcome
			return nil
		})
	}
	g.Wait()
	result.Legs = legs

	failed := 0
	for _, leg := range legs {
		if leg.Err != nil {
			failed++
		}
	}
	if failed == 0 {
		r.recordTrades(ctx, req, legs)
		return result, nil
	}

	r.failures.Add(1)
	r.metrics.LogMetric("router", "routing_failures", float64(failed),
		logger.Fields{"symbol": req.Symbol})
	if r.policy == PolicyCancel {
		r.cancelFilledLegs(ctx, req.Symbol, legs)
	}
	return result, &model.PartialExecutionError{OrderID: decision.OrderID, Legs: legs}
}

// cancelFilledLegs best-effort compensates the successful legs of a failed
// split.
func (r *Router) cancelFilledLegs(ctx context.Context, symbol string, legs []model.LegOutcome) {
	for _, leg := range legs {
		if leg.Err != nil || leg.Result == nil {
			continue
		}
		conn := r.fleet.Connector(leg.Exchange)
		if conn == nil {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, r.reqTimeout)
		if _, err := conn.CancelOrder(cctx, symbol, leg.Result.OrderID); err != nil {
			r.log.WithError(err).WithFields(logger.Fields{
				"exchange": leg.Exchange, "order": leg.Result.OrderID,
			}).Warn("compensating cancel failed")
		}
		cancel()
	}
}

func (r *Router) recordTrades(ctx context.Context, req model.OrderRequest, legs []model.LegOutcome) {
	if r.store == nil {
		return
	}
	for _, leg := range legs {
		if leg.Result == nil {
			continue
		}
		entry := leg.Result.AveragePrice
		if !entry.IsPositive() {
			entry = req.Price
		}
		_, err := r.store.CreateTrade(ctx, store.Trade{
			Symbol:     req.Symbol,
			Exchange:   leg.Exchange,
			Side:       req.Side,
			Quantity:   leg.Quantity,
			EntryPrice: entry,
		})
		if err != nil {
			r.log.WithError(err).Warn("trade record failed")
		}
	}
}

// ExecuteOpportunity places the buy and sell legs of an arbitrage
// opportunity in parallel, sized to its maximum volume.
func (r *Router) ExecuteOpportunity(ctx context.Context, opp model.ArbitrageOpportunity) error {
	qty := decimal.NewFromFloat(opp.MaxVolume)
	if !qty.IsPositive() {
		return fmt.Errorf("opportunity %s has no volume", opp.ID)
	}

	place := func(exchange string, side model.OrderSide) error {
		conn := r.fleet.Connector(exchange)
		if conn == nil {
			return fmt.Errorf("exchange %s not registered", exchange)
		}
		cctx, cancel := context.WithTimeout(ctx, r.reqTimeout)
		defer cancel()
		res, err := conn.PlaceOrder(cctx, model.OrderRequest{
			ClientOrderID: fmt.Sprintf("arb-%s-%s", opp.ID, side),
			Symbol:        opp.Symbol,
			Side:          side,
			Type:          model.OrderTypeMarket,
			Quantity:      qty,
		})
		if err != nil {
			return err
		}
		if r.store != nil {
			entry := res.AveragePrice
			if !entry.IsPositive() {
				if side == model.SideBuy {
					entry = decimal.NewFromFloat(opp.BuyPrice)
				} else {
					entry = decimal.NewFromFloat(opp.SellPrice)
				}
			}
			if _, err := r.store.CreateTrade(ctx, store.Trade{
				Symbol:     opp.Symbol,
				Exchange:   exchange,
				Side:       side,
				Quantity:   qty,
				EntryPrice: entry,
			}); err != nil {
				r.log.WithError(err).Warn("trade record failed")
			}
		}
		return nil
	}

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error { return place(opp.BuyExchange, model.SideBuy) })
	g.Go(func() error { return place(opp.SellExchange, model.SideSell) })
	return g.Wait()
}

func (r *Router) GetPerformanceMetrics() PerformanceMetrics {
	return PerformanceMetrics{
		Recommendations: r.recommendations.Load(),
		SingleRoutes:    r.singles.Load(),
		SplitRoutes:     r.splits.Load(),
		Waits:           r.waits.Load(),
		Failures:        r.failures.Load(),
	}
}
