package events

import (
	"sync"
	"time"

	"github.com/opencall/media-relay/internal/metrics"
)

const DefaultSubscriberBuffer = 256

// Bus fans events out to subscribers. The zero value is not usable; call
// NewBus. A nil *Bus discards everything.
type Bus struct {
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

func NewBus(m *metrics.Metrics) *Bus {
	return &Bus{
		metrics: m,
		now:     time.Now,
		subs:    make(map[*Subscription]struct{}),
	}
}

// Publish stamps ev with the current time when unset and offers it to every
// subscriber.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = b.now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if !sub.q.Enqueue(ev) {
			b.metrics.Inc(metrics.EventsDropped)
		}
	}
}

// Subscribe registers a subscriber holding at most buffer pending events.
// It returns nil once the bus is closed.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if b == nil {
		return nil
	}
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	sub := &Subscription{bus: b, q: newQueue(buffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.subs[sub] = struct{}{}
	b.metrics.Inc(metrics.EventSubscribersAdded)
	return sub
}

func (b *Bus) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close ends every subscription.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.closed = true
	b.mu.Unlock()
	for sub := range subs {
		sub.q.Close()
	}
}

type Subscription struct {
	bus  *Bus
	q    *queue
	once sync.Once
}

// Next blocks for the next event. ok is false after Close.
func (s *Subscription) Next() (Event, bool) {
	return s.q.Dequeue()
}

func (s *Subscription) Dropped() uint64 {
	return s.q.DropCount()
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		s.q.Close()
	})
}
