package events

import (
	"sync"
	"sync/atomic"
)

// queue is a count-bounded FIFO of events. Enqueue never blocks.
type queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	max    int
	events []Event

	drops atomic.Uint64
}

func newQueue(max int) *queue {
	if max <= 0 {
		max = 1
	}
	q := &queue{max: max}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

func (q *queue) DropCount() uint64 {
	return q.drops.Load()
}

func (q *queue) Enqueue(ev Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.events) >= q.max {
		q.drops.Add(1)
		return false
	}
	q.events = append(q.events, ev)
	q.notEmpty.Signal()
	return true
}

// Dequeue blocks until an event is available or the queue is closed.
func (q *queue) Dequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.events) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.closed {
		return Event{}, false
	}
	ev := q.events[0]
	q.events[0] = Event{}
	q.events = q.events[1:]
	return ev, true
}

func (q *queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.events = nil
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
