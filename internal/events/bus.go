// Package events provides the publish/subscribe bus connectors emit their
// lifecycle and market-data events on. Consumers subscribe per event type
// without coupling to a specific emitter.
package events

import (
	"sync"
	"sync/atomic"

	"tradeflow/internal/model"
)

type subscriber struct {
	id int
	ch chan model.Event
}

// Bus fans events out to per-type subscribers. Publishing never blocks the
// emitting connector: events to a full subscriber channel are dropped and
// counted.
type Bus struct {
	mu      sync.RWMutex
	nextID  int
	subs    map[model.EventType][]subscriber
	dropped atomic.Int64
	closed  bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[model.EventType][]subscriber)}
}

// Subscribe registers a buffered channel for one event type and returns it
// together with a cancel function. Cancel is safe to call more than once.
func (b *Bus) Subscribe(t model.EventType, buffer int) (<-chan model.Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := subscriber{id: b.nextID, ch: make(chan model.Event, buffer)}
	b.subs[t] = append(b.subs[t], sub)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subs[t]
			for i, s := range list {
				if s.id == sub.id {
					b.subs[t] = append(list[:i], list[i+1:]...)
					close(s.ch)
					break
				}
			}
		})
	}
	return sub.ch, cancel
}

// Publish delivers the event to every subscriber of its type. Slow
// subscribers miss the event rather than stalling the publisher.
func (b *Bus) Publish(ev model.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs[ev.Type] {
		select {
		case s.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many events were discarded because a subscriber
// channel was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close tears down all subscriptions. Publish becomes a no-op afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for t, list := range b.subs {
		for _, s := range list {
			close(s.ch)
		}
		delete(b.subs, t)
	}
}
