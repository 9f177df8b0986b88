package events

import (
	"sync"
	"sync/atomic"
)

type subscriber struct {
	ch     chan any
	topics map[Event]struct{}
}

// Bus fans lifecycle events out to in-process subscribers. Publish never
// blocks; a subscriber whose buffer is full misses the event.
type Bus struct {
	mu      sync.RWMutex
	nextID  uint64
	subs    map[uint64]*subscriber
	dropped atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*subscriber)}
}

// Subscribe returns one channel carrying every listed topic, and a function
// that detaches and closes it. The function may be called more than once.
func (b *Bus) Subscribe(buffer int, topics ...Event) (<-chan any, func()) {
	sub := &subscriber{
		ch:     make(chan any, buffer),
		topics: make(map[Event]struct{}, len(topics)),
	}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = sub
	b.mu.Unlock()

	return sub.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; !ok {
			return
		}
		delete(b.subs, id)
		close(sub.ch)
	}
}

func (b *Bus) Publish(e Event, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if _, ok := sub.topics[e]; !ok {
			continue
		}
		select {
		case sub.ch <- payload:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped counts deliveries skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
