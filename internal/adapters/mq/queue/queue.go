// Package queue is the bounded buffer between the normalizer and the
// session manager: explicit message passing instead of callback chaining.
package queue

import (
	"context"
	"sync"

	"github.com/pitwall/racepulse/internal/domain/model"
	"github.com/pitwall/racepulse/pkg/metrics"
)

// Default queue capacity.
const defaultCapacity = 50_000

// Event is the payload type flowing through the queue.
type Event = model.RaceEvent

// Queue provides non-blocking enqueue and channel-based dequeue semantics.
type Queue interface {
	// Enqueue adds an event. Returns false if the queue is full or closed.
	Enqueue(ctx context.Context, e Event) bool

	// Dequeue returns a channel receiving events as they become available.
	// The channel is closed when the queue is closed.
	Dequeue(ctx context.Context) <-chan Event

	// Len returns the current number of queued events.
	Len(ctx context.Context) int

	// Close stops the queue; pending events still drain to consumers.
	Close() error
}

// InMemoryQueue implements Queue over a buffered channel.
type InMemoryQueue struct {
	events   chan Event
	capacity int

	mu     sync.RWMutex
	closed bool
}

// Option applies a configuration option to the InMemoryQueue.
type Option func(*InMemoryQueue)

// WithCapacity sets the queue capacity.
func WithCapacity(capacity int) Option {
	return func(q *InMemoryQueue) {
		if capacity > 0 {
			q.capacity = capacity
		}
	}
}

// NewInMemoryQueue creates a queue with options applied.
func NewInMemoryQueue(opts ...Option) *InMemoryQueue {
	q := &InMemoryQueue{capacity: defaultCapacity}
	for _, opt := range opts {
		opt(q)
	}
	q.events = make(chan Event, q.capacity)
	metrics.UpdateEventQueueSize(0)
	return q
}

// Enqueue adds an event without blocking.
func (q *InMemoryQueue) Enqueue(ctx context.Context, e Event) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		metrics.RecordQueueEnqueueError()
		return false
	}

	select {
	case q.events <- e:
		metrics.UpdateEventQueueSize(len(q.events))
		return true
	case <-ctx.Done():
		metrics.RecordQueueEnqueueError()
		return false
	default:
		metrics.RecordQueueEnqueueError()
		return false
	}
}

// Dequeue returns a channel receiving events until the queue closes.
func (q *InMemoryQueue) Dequeue(ctx context.Context) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		for event := range q.events {
			select {
			case out <- event:
				metrics.UpdateEventQueueSize(len(q.events))
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Len returns the current queue depth.
func (q *InMemoryQueue) Len(ctx context.Context) int {
	return len(q.events)
}

// Close stops further enqueues and lets consumers drain.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	close(q.events)
	q.closed = true
	return nil
}
