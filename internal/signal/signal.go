// Package signal defines the strategy-signal boundary: an external source
// produces order requests, and a conflict gate arbitrates between
// arbitrage-triggered and strategy-triggered orders competing for the same
// symbol. The resolution policy is configuration, not a hardcoded choice.
package signal

import (
	"context"
	"errors"
	"sync"
	"time"

	"tradeflow/internal/model"
)

// Origin tags where an order request came from.
type Origin string

const (
	OriginArbitrage Origin = "arbitrage"
	OriginStrategy  Origin = "strategy"
)

// Order is one originated order request.
type Order struct {
	Origin     Origin
	Request    model.OrderRequest
	ReceivedAt time.Time
}

// Source supplies strategy-generated order requests. The signal engine
// itself is an external collaborator.
type Source interface {
	Signals(ctx context.Context) (<-chan Order, error)
}

// Policy selects how competing claims on one symbol are resolved.
type Policy string

const (
	// PolicyPriority lets the higher-ranked origin win, evicting the other.
	PolicyPriority Policy = "priority"
	// PolicyFirstCome keeps the earlier claim and rejects the newcomer.
	PolicyFirstCome Policy = "first_come"
	// PolicyRejectBoth drops both claims on conflict.
	PolicyRejectBoth Policy = "reject_both"
)

// ErrConflict is returned when a submission loses the arbitration.
var ErrConflict = errors.New("conflicting order for symbol")

type claim struct {
	origin Origin
	at     time.Time
}

// Gate arbitrates symbol claims inside a rolling window. Callers submit
// before dispatching and release once execution settles.
type Gate struct {
	policy  Policy
	ranking map[Origin]int
	window  time.Duration

	mu     sync.Mutex
	claims map[string]claim
}

// NewGate builds a gate. Ranking orders origins best-first for
// PolicyPriority; unlisted origins rank last.
func NewGate(policy Policy, window time.Duration, ranking []Origin) *Gate {
	if window <= 0 {
		window = 5 * time.Second
	}
	ranks := make(map[Origin]int, len(ranking))
	for i, o := range ranking {
		ranks[o] = i
	}
	return &Gate{
		policy:  policy,
		ranking: ranks,
		window:  window,
		claims:  make(map[string]claim),
	}
}

func (g *Gate) rank(o Origin) int {
	if r, ok := g.ranking[o]; ok {
		return r
	}
	return len(g.ranking)
}

// Submit claims the order's symbol. It reports whether the caller may
// dispatch; a false return carries ErrConflict.
func (g *Gate) Submit(o Order) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	symbol := o.Request.Symbol
	now := time.Now()
	existing, held := g.claims[symbol]
	if held && now.Sub(existing.at) > g.window {
		delete(g.claims, symbol)
		held = false
	}
	if !held || existing.origin == o.Origin {
		g.claims[symbol] = claim{origin: o.Origin, at: now}
		return true, nil
	}

	switch g.policy {
	case PolicyRejectBoth:
		delete(g.claims, symbol)
		return false, ErrConflict
	case PolicyPriority:
		if g.rank(o.Origin) < g.rank(existing.origin) {
			g.claims[symbol] = claim{origin: o.Origin, at: now}
			return true, nil
		}
		return false, ErrConflict
	default: // PolicyFirstCome
		return false, ErrConflict
	}
}

// Release frees the symbol once the submitted order has settled.
func (g *Gate) Release(symbol string) {
	g.mu.Lock()
	delete(g.claims, symbol)
	g.mu.Unlock()
}
