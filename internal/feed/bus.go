package feed

import (
	"sync"
)

// subscriptionCapacity bounds how far a slow subscriber may fall behind
// before it starts losing messages.
const subscriptionCapacity = 100

// Bus is a multicast fan-out channel for newly received messages. Every
// live web client holds one Subscription; publishing never blocks, so a
// subscriber that stops draining its channel loses messages rather than
// stalling the sync task.
type Bus struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// Subscription is an independent receive handle on the bus.
type Subscription struct {
	// C delivers messages published after the subscription was created.
	C <-chan string

	bus  *Bus
	ch   chan string
	once sync.Once
}

// Close detaches the subscription from the bus. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a new receive handle. Messages published before this
// call are never delivered to it.
func (b *Bus) Subscribe() *Subscription {
	ch := make(chan string, subscriptionCapacity)
	sub := &Subscription{C: ch, ch: ch}
	sub.bus = b

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return sub
}

// Publish delivers msg to every current subscriber. A subscriber whose
// channel is full is skipped.
func (b *Bus) Publish(msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		select {
		case sub.ch <- msg:
		default:
			// Subscriber lagged past capacity; drop for this receiver only.
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
