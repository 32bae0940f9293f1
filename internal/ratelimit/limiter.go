// Package ratelimit admits outbound REST calls against the per-exchange
// budgets from the exchange profile. Calls that would exceed a window budget
// are delayed, never dropped, and released in submission order.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tradeflow/internal/model"
)

// Category selects which budget a request consumes.
type Category int

const (
	General Category = iota
	Orders
	MarketData
)

func (c Category) String() string {
	switch c {
	case Orders:
		return "orders"
	case MarketData:
		return "market_data"
	default:
		return "general"
	}
}

type stamp struct {
	at     time.Time
	weight int
}

// window enforces a weighted cap over a rolling time span. The turnstile
// channel serialises waiters so budget is handed out strictly FIFO; the
// runtime wakes blocked senders in arrival order.
type window struct {
	turn  chan struct{}
	limit int
	span  time.Duration

	mu      sync.Mutex
	entries []stamp
}

func newWindow(limit int, span time.Duration) *window {
	if limit <= 0 {
		limit = 1
	}
	if span <= 0 {
		span = time.Second
	}
	return &window{turn: make(chan struct{}, 1), limit: limit, span: span}
}

func (w *window) wait(ctx context.Context, weight int) error {
	if weight <= 0 {
		weight = 1
	}
	if weight > w.limit {
		weight = w.limit
	}

	select {
	case w.turn <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-w.turn }()

	for {
		now := time.Now()
		w.mu.Lock()
		w.prune(now)
		used := 0
		for _, s := range w.entries {
			used += s.weight
		}
		if used+weight <= w.limit {
			w.entries = append(w.entries, stamp{at: now, weight: weight})
			w.mu.Unlock()
			return nil
		}
		wakeAt := w.entries[0].at.Add(w.span)
		w.mu.Unlock()

		timer := time.NewTimer(wakeAt.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.entries) && !w.entries[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = append(w.entries[:0], w.entries[i:]...)
	}
}

func (w *window) inFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(time.Now())
	used := 0
	for _, s := range w.entries {
		used += s.weight
	}
	return used
}

// Limiter combines the three category windows with a token-bucket pacer for
// order submission, sized from the profile's maxOrdersPerSecond capability.
type Limiter struct {
	general    *window
	orders     *window
	marketData *window
	orderPace  *rate.Limiter
}

// New builds a limiter from the profile's rate-limit budgets.
func New(rl model.RateLimitProfile, maxOrdersPerSecond int) *Limiter {
	l := &Limiter{
		general:    newWindow(rl.RestRequests.Limit, rl.RestRequests.Window),
		orders:     newWindow(rl.OrderPlacement.Limit, rl.OrderPlacement.Window),
		marketData: newWindow(rl.MarketData.Limit, rl.MarketData.Window),
	}
	if maxOrdersPerSecond > 0 {
		l.orderPace = rate.NewLimiter(rate.Limit(maxOrdersPerSecond), 1)
	}
	return l
}

// Wait blocks until the request may be dispatched or ctx is cancelled. Order
// placement is additionally paced to the per-second cap.
func (l *Limiter) Wait(ctx context.Context, cat Category, weight int) error {
	if err := l.window(cat).wait(ctx, weight); err != nil {
		return err
	}
	if cat == Orders && l.orderPace != nil {
		return l.orderPace.Wait(ctx)
	}
	return nil
}

// Used reports the weight currently consumed inside the category's window.
func (l *Limiter) Used(cat Category) int {
	return l.window(cat).inFlight()
}

func (l *Limiter) window(cat Category) *window {
	switch cat {
	case Orders:
		return l.orders
	case MarketData:
		return l.marketData
	default:
		return l.general
	}
}
