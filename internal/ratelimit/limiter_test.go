package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"tradeflow/internal/model"
)

func testProfile(limit int, window time.Duration) model.RateLimitProfile {
	return model.RateLimitProfile{
		RestRequests:   model.WindowLimit{Limit: limit, Window: window},
		OrderPlacement: model.WindowLimit{Limit: limit, Window: window},
		MarketData:     model.WindowLimit{Limit: limit, Window: window},
	}
}

func TestWaitAdmitsUpToLimitImmediately(t *testing.T) {
	l := New(testProfile(5, time.Second), 0)
	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := l.Wait(context.Background(), General, 1); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("first window admissions should not block, took %v", elapsed)
	}
}

func TestWaitDelaysBeyondLimit(t *testing.T) {
	window := 200 * time.Millisecond
	l := New(testProfile(3, window), 0)
	start := time.Now()
	for i := 0; i < 6; i++ {
		if err := l.Wait(context.Background(), MarketData, 1); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < window {
		t.Fatalf("6 calls against limit 3 finished in %v, want at least %v", elapsed, window)
	}
}

// Thirty back-to-back market data calls against a 15-per-second budget must
// all complete with no drops and spill into at least one extra window.
func TestThirtyCallsAgainstFifteenPerSecond(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}
	l := New(testProfile(15, time.Second), 0)
	start := time.Now()
	completed := 0
	for i := 0; i < 30; i++ {
		if err := l.Wait(context.Background(), MarketData, 1); err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
		completed++
	}
	elapsed := time.Since(start)
	if completed != 30 {
		t.Fatalf("completed %d of 30 calls", completed)
	}
	if elapsed < time.Second {
		t.Fatalf("30 calls finished in %v, want at least one extra window", elapsed)
	}
}

// No rolling window may ever see more dispatched weight than the limit.
func TestWindowNeverExceedsLimit(t *testing.T) {
	window := 150 * time.Millisecond
	limit := 4
	l := New(testProfile(limit, window), 0)

	var mu sync.Mutex
	var dispatches []time.Time

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Wait(context.Background(), General, 1); err != nil {
				t.Errorf("wait failed: %v", err)
				return
			}
			mu.Lock()
			dispatches = append(dispatches, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	// Allow a little scheduling slack between admission and recording.
	slack := 20 * time.Millisecond
	for i, at := range dispatches {
		count := 0
		for _, other := range dispatches {
			if !other.Before(at) && other.Sub(at) < window-slack {
				count++
			}
		}
		if count > limit {
			t.Fatalf("window starting at dispatch %d saw %d requests, limit %d", i, count, limit)
		}
	}
}

func TestWeightedRequestsConsumeBudget(t *testing.T) {
	window := 200 * time.Millisecond
	l := New(testProfile(4, window), 0)
	start := time.Now()
	if err := l.Wait(context.Background(), Orders, 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Wait(context.Background(), Orders, 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < window {
		t.Fatalf("second weighted call should wait for the window, took %v", elapsed)
	}
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	l := New(testProfile(1, time.Minute), 0)
	if err := l.Wait(context.Background(), General, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx, General, 1); err == nil {
		t.Fatal("expected context deadline error")
	}
}

func TestCategoriesAreIndependent(t *testing.T) {
	l := New(testProfile(1, time.Minute), 0)
	if err := l.Wait(context.Background(), General, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		done <- l.Wait(ctx, MarketData, 1)
	}()
	if err := <-done; err != nil {
		t.Fatalf("market data call should not be blocked by general budget: %v", err)
	}
}
