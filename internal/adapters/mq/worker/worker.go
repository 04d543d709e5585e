// Package worker drains the batch queue with a pool of goroutines, handing
// each batch to the ingestion pipeline.
package worker

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/okian/pitwall/internal/domain/model"
	"github.com/okian/pitwall/pkg/logger"
	"github.com/okian/pitwall/pkg/metrics"
)

const (
	defaultWorkerMultiplier = 2 // multiplier for runtime.NumCPU()
	workerShutdownTimeout   = 5 * time.Second
	poolShutdownTimeout     = 30 * time.Second
)

// Processor handles one decoded batch.
type Processor interface {
	Process(ctx context.Context, b model.SnapshotBatch) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, b model.SnapshotBatch) error

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, b model.SnapshotBatch) error { return f(ctx, b) } //nolint:gocritic // hugeParam

// Queue defines how workers receive batches.
type Queue interface {
	Dequeue(ctx context.Context) <-chan model.SnapshotBatch
}

// Worker processes batches until stopped.
type Worker interface {
	// Run starts the worker loop until ctx is canceled.
	Run(ctx context.Context)

	// Shutdown gracefully stops the worker.
	Shutdown(ctx context.Context) error
}

// InMemoryWorker implements Worker.
type InMemoryWorker struct {
	queue     Queue
	processor Processor
	name      string
	processed *atomic.Int64

	shutdown chan struct{}
	done     chan struct{}

	logger logger.Logger
}

// NewInMemoryWorker creates a new worker with configuration options.
func NewInMemoryWorker(queue Queue, processor Processor, opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		queue:     queue,
		processor: processor,
		name:      "worker",
		processed: new(atomic.Int64),
		shutdown:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = logger.Get().Named(w.name)
	}
	return w
}

// Run starts the worker loop.
func (w *InMemoryWorker) Run(ctx context.Context) {
	defer close(w.done)

	batches := w.queue.Dequeue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		case b, ok := <-batches:
			if !ok {
				return
			}
			w.process(ctx, b)
		}
	}
}

// Shutdown gracefully stops the worker.
func (w *InMemoryWorker) Shutdown(ctx context.Context) error {
	close(w.shutdown)

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

func (w *InMemoryWorker) process(ctx context.Context, b model.SnapshotBatch) { //nolint:gocritic // hugeParam
	start := time.Now()
	defer func() {
		metrics.RecordWorkerProcessingLatency(float64(time.Since(start).Milliseconds()))
	}()

	w.processed.Add(1)
	if err := w.processor.Process(ctx, b); err != nil {
		metrics.RecordWorkerError()
		w.logger.Error(ctx, "batch processing failed",
			logger.String("session", b.SessionName),
			logger.Int("snapshots", len(b.Snapshots)),
			logger.Error(err),
		)
	}
}

// Pool manages multiple workers sharing one queue.
type Pool struct {
	workers   []*InMemoryWorker
	queue     Queue
	processed *atomic.Int64

	logger logger.Logger
}

// NewPool creates a worker pool. A non-positive count uses twice the CPUs.
func NewPool(workerCount int, queue Queue, processor Processor) *Pool {
	if workerCount < 1 {
		workerCount = runtime.NumCPU() * defaultWorkerMultiplier
	}

	pool := &Pool{
		workers:   make([]*InMemoryWorker, workerCount),
		queue:     queue,
		processed: new(atomic.Int64),
		logger:    logger.Get().Named("worker-pool"),
	}
	for i := 0; i < workerCount; i++ {
		w := NewInMemoryWorker(queue, processor, WithName("worker-"+strconv.Itoa(i)))
		w.processed = pool.processed
		pool.workers[i] = w
	}

	metrics.UpdateWorkerCount(workerCount)
	return pool
}

// Start starts all workers in the pool.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		go w.Run(ctx)
	}
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Processed returns how many batches the pool has taken off the queue.
func (p *Pool) Processed() int64 { return p.processed.Load() }

// Stop signals every worker and waits briefly for each.
func (p *Pool) Stop() {
	for _, w := range p.workers {
		close(w.shutdown)
	}
	for _, w := range p.workers {
		select {
		case <-w.done:
		case <-time.After(workerShutdownTimeout):
		}
	}
}

// Shutdown closes the queue so workers drain what is left, then waits for
// them to exit or the timeout to pass.
func (p *Pool) Shutdown(ctx context.Context) error {
	if closer, ok := p.queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			p.logger.Error(ctx, "error closing queue", logger.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, poolShutdownTimeout)
	defer cancel()

	for i, w := range p.workers {
		select {
		case <-w.done:
		case <-shutdownCtx.Done():
			p.logger.Warn(ctx, "worker shutdown timed out", logger.Int("worker_id", i))
			return fmt.Errorf("worker pool shutdown: %w", shutdownCtx.Err())
		}
	}
	metrics.UpdateWorkerCount(0)
	return nil
}
