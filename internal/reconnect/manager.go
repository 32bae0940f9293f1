// Package reconnect owns the backoff scheduling for a connector's streaming
// session. Every wait is cancellable so framework shutdown never leaves a
// timer running.
package reconnect

import (
	"context"
	"sync"
	"time"
)

const (
	defaultDelay = 5 * time.Second
	maxDelay     = 2 * time.Minute
)

// Manager computes the delay before the next reconnection attempt. With
// Exponential set the delay doubles per consecutive failure up to maxDelay;
// otherwise the base delay is used every time.
type Manager struct {
	base        time.Duration
	exponential bool

	mu      sync.Mutex
	attempt int
	stopped bool
	stopCh  chan struct{}
}

func New(base time.Duration, exponential bool) *Manager {
	if base <= 0 {
		base = defaultDelay
	}
	return &Manager{base: base, exponential: exponential, stopCh: make(chan struct{})}
}

// NextDelay returns the delay the upcoming attempt would wait.
func (m *Manager) NextDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delayLocked()
}

func (m *Manager) delayLocked() time.Duration {
	if !m.exponential || m.attempt == 0 {
		return m.base
	}
	d := m.base
	for i := 0; i < m.attempt; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	return d
}

// Attempts returns how many consecutive failed attempts have been recorded.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// Wait blocks for the current backoff delay and records the attempt. It
// returns true when the manager was stopped or ctx cancelled, meaning the
// caller must give up instead of reconnecting.
func (m *Manager) Wait(ctx context.Context) bool {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return true
	}
	d := m.delayLocked()
	m.attempt++
	stopCh := m.stopCh
	m.mu.Unlock()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-stopCh:
		return true
	case <-timer.C:
		return false
	}
}

// Reset clears the failure streak after a successful reconnect.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.attempt = 0
	m.mu.Unlock()
}

// Stop cancels any in-flight wait and makes all future waits return
// immediately. Safe to call repeatedly.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	close(m.stopCh)
}

// Stopped reports whether Stop has been called.
func (m *Manager) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}
