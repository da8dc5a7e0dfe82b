package events

import (
	"sync"
	"sync/atomic"

	"github.com/italolelis/driver_downloader/internal/transfer"
)

const DefaultBuffer = 64

// Broker fans session events out to subscribers.
//
// Progress events never block the publisher: a subscriber with a full buffer misses
// them. Outcome events wait until the subscriber takes them or closes its
// subscription, so an observer that keeps reading sees every terminal event.
// Delivery happens outside the broker lock, so a slow subscriber only delays the
// publisher that is waiting on it.
type Broker struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[*Subscription]struct{})}
}

// Subscription is one observer's view of the event stream.
type Subscription struct {
	broker  *Broker
	ch      chan transfer.Event
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64

	// mu guards closed and ch against a send after close
	mu     sync.RWMutex
	closed bool
}

// Subscribe registers a new observer. Events published before the call are not replayed.
func (b *Broker) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	sub := &Subscription{
		broker: b,
		ch:     make(chan transfer.Event, buffer),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		sub.once.Do(func() {
			sub.closed = true
			close(sub.done)
			close(sub.ch)
		})

		return sub
	}

	b.subs[sub] = struct{}{}

	return sub
}

// Publish delivers e to every current subscriber.
func (b *Broker) Publish(e transfer.Event) {
	for _, sub := range b.snapshot() {
		sub.deliver(e)
	}
}

func (b *Broker) snapshot() []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}

	return subs
}

// Close ends every subscription. Later subscribers get a closed channel.
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))

	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

func (s *Subscription) deliver(e transfer.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return
	}

	if e.IsTerminal() {
		select {
		case s.ch <- e:
		case <-s.done:
		}

		return
	}

	select {
	case s.ch <- e:
	case <-s.done:
	default:
		s.dropped.Add(1)
	}
}

// C returns the channel events arrive on. It is closed by Close.
func (s *Subscription) C() <-chan transfer.Event {
	return s.ch
}

// Dropped returns how many progress events this subscriber missed.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		// releases deliveries blocked on this subscriber so the write lock is free
		close(s.done)

		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()

		s.broker.mu.Lock()
		delete(s.broker.subs, s)
		s.broker.mu.Unlock()
	})
}
