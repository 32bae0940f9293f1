// Package store defines the trade persistence boundary. Persistence itself
// is an external collaborator; this layer only consumes the interface. The
// in-memory implementation backs tests and standalone runs, and is built
// and torn down explicitly by the composition root.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradeflow/internal/model"
)

// TradeStatus is open until an exit is recorded.
type TradeStatus string

const (
	TradeOpen   TradeStatus = "open"
	TradeClosed TradeStatus = "closed"
)

// Trade is one executed position entry, possibly later closed with an exit.
type Trade struct {
	ID         string
	Symbol     string
	Exchange   string
	Side       model.OrderSide
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
	ExitPrice  decimal.Decimal
	Status     TradeStatus
	OpenedAt   time.Time
	ClosedAt   time.Time
}

// PnL is the realized profit for a closed trade, in quote units.
func (t *Trade) PnL() decimal.Decimal {
	if t.Status != TradeClosed {
		return decimal.Zero
	}
	diff := t.ExitPrice.Sub(t.EntryPrice)
	if t.Side == model.SideSell {
		diff = diff.Neg()
	}
	return diff.Mul(t.Quantity)
}

// Summary aggregates closed-trade performance.
type Summary struct {
	TotalTrades   int
	OpenTrades    int
	WinningTrades int
	TotalPnL      decimal.Decimal
}

// TradeStore is the persistence contract consumed by the router and engine.
type TradeStore interface {
	CreateTrade(ctx context.Context, t Trade) (string, error)
	UpdateTradeExit(ctx context.Context, id string, exitPrice decimal.Decimal, closedAt time.Time) error
	TradesBySymbol(ctx context.Context, symbol string) ([]Trade, error)
	PerformanceSummary(ctx context.Context) (Summary, error)
}

// ErrTradeNotFound is returned for exits against unknown trade ids.
var ErrTradeNotFound = errors.New("trade not found")

// MemoryStore is the in-memory TradeStore.
type MemoryStore struct {
	mu     sync.RWMutex
	trades map[string]Trade
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trades: make(map[string]Trade)}
}

func (s *MemoryStore) CreateTrade(ctx context.Context, t Trade) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", errors.New("store closed")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.OpenedAt.IsZero() {
		t.OpenedAt = time.Now()
	}
	t.Status = TradeOpen
	s.trades[t.ID] = t
	return t.ID, nil
}

func (s *MemoryStore) UpdateTradeExit(ctx context.Context, id string, exitPrice decimal.Decimal, closedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[id]
	if !ok {
		return ErrTradeNotFound
	}
	t.ExitPrice = exitPrice
	t.ClosedAt = closedAt
	t.Status = TradeClosed
	s.trades[id] = t
	return nil
}

func (s *MemoryStore) TradesBySymbol(ctx context.Context, symbol string) ([]Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Trade
	for _, t := range s.trades {
		if t.Symbol == symbol {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (s *MemoryStore) PerformanceSummary(ctx context.Context) (Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum Summary
	for _, t := range s.trades {
		sum.TotalTrades++
		if t.Status == TradeOpen {
			sum.OpenTrades++
			continue
		}
		pnl := t.PnL()
		if pnl.IsPositive() {
			sum.WinningTrades++
		}
		sum.TotalPnL = sum.TotalPnL.Add(pnl)
	}
	return sum, nil
}

// Close tears the store down; further writes fail.
func (s *MemoryStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
