// Package queue buffers decoded snapshot batches between the transports and
// the worker pool.
//
// The in-memory queue is bounded: a full queue refuses new batches so the
// transports can signal backpressure instead of blocking.
package queue

import (
	"context"
	"sync"

	"github.com/okian/pitwall/internal/domain/model"
	"github.com/okian/pitwall/pkg/metrics"
)

const defaultQueueCapacity = 10000

// Batch is the payload flowing through the queue.
type Batch = model.SnapshotBatch

// Queue provides non-blocking enqueue and channel-based dequeue semantics.
type Queue interface {
	// Enqueue adds a batch to the queue.
	// Returns false if the queue is full or closed and the batch was not enqueued.
	Enqueue(ctx context.Context, b Batch) bool

	// Dequeue returns a channel that receives batches as they become available.
	// The channel is closed when the queue is closed and drained.
	Dequeue(ctx context.Context) <-chan Batch

	// Len returns the current number of queued batches.
	Len(ctx context.Context) int

	// Capacity returns the maximum number of queued batches.
	Capacity() int

	// Close stops accepting batches; queued batches can still be drained.
	Close() error

	// IsClosed returns true if the queue has been closed.
	IsClosed() bool
}

// InMemoryQueue implements Queue using a buffered channel.
type InMemoryQueue struct {
	batches  chan Batch
	capacity int
	mu       sync.RWMutex
	closed   bool
}

var _ Queue = (*InMemoryQueue)(nil)

// NewInMemoryQueue creates a new in-memory queue with configuration options.
func NewInMemoryQueue(opts ...Option) *InMemoryQueue {
	q := &InMemoryQueue{capacity: defaultQueueCapacity}
	for _, opt := range opts {
		opt(q)
	}
	q.batches = make(chan Batch, q.capacity)

	metrics.UpdateQueueCapacity(q.capacity)
	metrics.UpdateQueueSize(0)
	return q
}

// Enqueue adds a batch to the queue without blocking.
func (q *InMemoryQueue) Enqueue(ctx context.Context, b Batch) bool { //nolint:gocritic // hugeParam: batches travel by value
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed || ctx.Err() != nil {
		metrics.RecordQueueEnqueueError()
		return false
	}

	select {
	case q.batches <- b:
		metrics.UpdateQueueSize(len(q.batches))
		return true
	default:
		metrics.RecordQueueEnqueueError()
		return false
	}
}

// Dequeue returns a channel that receives batches as they become available.
func (q *InMemoryQueue) Dequeue(ctx context.Context) <-chan Batch {
	out := make(chan Batch)
	go func() {
		defer close(out)
		for b := range q.batches {
			select {
			case out <- b:
				metrics.UpdateQueueSize(len(q.batches))
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Len returns the current number of queued batches.
func (q *InMemoryQueue) Len(context.Context) int {
	size := len(q.batches)
	metrics.UpdateQueueSize(size)
	return size
}

// Capacity returns the configured capacity.
func (q *InMemoryQueue) Capacity() int { return q.capacity }

// Close stops accepting batches.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	close(q.batches)
	q.closed = true
	return nil
}

// IsClosed returns true if the queue has been closed.
func (q *InMemoryQueue) IsClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}
