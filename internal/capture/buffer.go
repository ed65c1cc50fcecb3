package capture

import (
	"sync"

	"github.com/gammazero/deque"
)

// EventBuffer is an ordered queue of captured events with a running size
// estimate. Failed segments go back to the front, new events to the back.
type EventBuffer struct {
	mu     sync.Mutex
	q      *deque.Deque[Event]
	approx int
}

func NewEventBuffer() *EventBuffer {
	return &EventBuffer{q: new(deque.Deque[Event])}
}

// Append adds ev to the back and returns the new size estimate
func (b *EventBuffer) Append(ev Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.q.PushBack(ev)
	b.approx += ev.approxSize()
	return b.approx
}

// Drain swaps the queue for an empty one and returns its events in order.
// An empty buffer yields nil.
func (b *EventBuffer) Drain() ([]Event, int) {
	b.mu.Lock()
	old, approx := b.q, b.approx
	if old.Len() == 0 {
		b.mu.Unlock()
		return nil, 0
	}
	b.q = new(deque.Deque[Event])
	b.approx = 0
	b.mu.Unlock()

	events := make([]Event, old.Len())
	for i := range events {
		events[i] = old.At(i)
	}
	return events, approx
}

// Requeue puts events back at the front, ahead of anything captured since
// they were drained, preserving their order.
func (b *EventBuffer) Requeue(events []Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(events) - 1; i >= 0; i-- {
		b.q.PushFront(events[i])
		b.approx += events[i].approxSize()
	}
}

// Drop empties the buffer and returns how many events were discarded
func (b *EventBuffer) Drop() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.q.Len()
	b.q.Clear()
	b.approx = 0
	return n
}

func (b *EventBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.q.Len()
}

func (b *EventBuffer) ApproxBytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.approx
}
