package events

import (
	"errors"
	"sync"
	"sync/atomic"
)

// DefaultQueueCapacity is the per-subscriber queue size used when a
// subscriber does not request its own.
const DefaultQueueCapacity = 256

// ErrBusClosed is returned by Subscribe after the bus has been closed.
var ErrBusClosed = errors.New("event bus closed")

// Subscription is one subscriber's view of the bus. Events are delivered
// on C in publication order. Dropped reports how many events were lost
// to queue overflow.
type Subscription struct {
	C chan Event

	id      uint64
	dropped atomic.Uint64
}

// Dropped returns the number of events dropped for this subscriber.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Bus is a single-topic in-process publish/subscribe bus.
//
// Publish is non-blocking: a full subscriber queue sheds its oldest
// event rather than stalling the producer. Order is preserved per
// subscriber; no ordering is guaranteed between subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// Subscribe registers a subscriber with a queue of the given capacity.
// capacity <= 0 uses DefaultQueueCapacity.
func (b *Bus) Subscribe(capacity int) (*Subscription, error) {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	b.nextID++
	sub := &Subscription{
		C:  make(chan Event, capacity),
		id: b.nextID,
	}
	b.subs[sub.id] = sub
	return sub, nil
}

// Unsubscribe removes a subscriber and releases its queue. Idempotent.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.C)
}

// Publish delivers an event to every subscriber. Never blocks: if a
// subscriber's queue is full, its oldest queued event is dropped to make
// room and the subscriber's drop counter is incremented. Publishing to a
// closed bus is a no-op.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, sub := range b.subs {
		select {
		case sub.C <- evt:
		default:
			// Queue full: drop the oldest, then retry once. The retry can
			// still lose the race against a concurrent drain; that only
			// means the queue had room after all, so a second attempt
			// cannot block for long.
			select {
			case <-sub.C:
				sub.dropped.Add(1)
			default:
			}
			select {
			case sub.C <- evt:
			default:
				sub.dropped.Add(1)
			}
		}
	}
}

// Close shuts the bus down. Subsequent publishes are no-ops and
// subsequent subscribes fail with ErrBusClosed. All subscriber channels
// are closed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.C)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
