package batch

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Batcher collects operations and hands them to a Processor when the batch
// is full or the interval elapses.
type Batcher struct {
	batchSize     int
	batchInterval time.Duration
	clock         clock.Clock
	processor     Processor
	onError       func(err error, n int)

	mu      sync.Mutex
	pending []Operation
	stopped bool

	flushChan chan struct{}
	stopChan  chan struct{}
	done      chan struct{}
}

// Operation represents a single operation to be batched
type Operation interface {
	Execute(ctx context.Context) error
}

// Processor processes a batch of operations
type Processor interface {
	ProcessBatch(ctx context.Context, operations []Operation) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, operations []Operation) error

func (f ProcessorFunc) ProcessBatch(ctx context.Context, operations []Operation) error {
	return f(ctx, operations)
}

type Option func(*Batcher)

func WithClock(clk clock.Clock) Option {
	return func(b *Batcher) { b.clock = clk }
}

// WithErrorHandler receives background flush failures with the size of the
// dropped batch.
func WithErrorHandler(fn func(err error, n int)) Option {
	return func(b *Batcher) { b.onError = fn }
}

// NewBatcher creates a new batcher
func NewBatcher(batchSize int, batchInterval time.Duration, processor Processor, opts ...Option) *Batcher {
	b := &Batcher{
		batchSize:     batchSize,
		batchInterval: batchInterval,
		clock:         clock.New(),
		processor:     processor,
		onError:       func(error, int) {},
		pending:       make([]Operation, 0, batchSize),
		flushChan:     make(chan struct{}, 1),
		stopChan:      make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	ticker := b.clock.Ticker(b.batchInterval)
	go b.run(ticker)

	return b
}

// Add queues op. It returns false once the batcher is stopped.
func (b *Batcher) Add(op Operation) bool {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return false
	}
	b.pending = append(b.pending, op)
	shouldFlush := len(b.pending) >= b.batchSize
	b.mu.Unlock()

	if shouldFlush {
		select {
		case b.flushChan <- struct{}{}:
		default:
		}
	}
	return true
}

// Flush immediately processes all pending operations
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}

	ops := make([]Operation, len(b.pending))
	copy(ops, b.pending)
	b.pending = b.pending[:0]
	b.mu.Unlock()

	return b.processor.ProcessBatch(ctx, ops)
}

func (b *Batcher) flush() {
	n := b.PendingCount()
	if err := b.Flush(context.Background()); err != nil {
		b.onError(err, n)
	}
}

func (b *Batcher) run(ticker *clock.Ticker) {
	defer close(b.done)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flush()
		case <-b.flushChan:
			b.flush()
		case <-b.stopChan:
			b.flush()
			return
		}
	}
}

// Stop rejects further operations, flushes what is pending and waits for
// the final flush or ctx.
func (b *Batcher) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.stopped {
		b.stopped = true
		close(b.stopChan)
	}
	b.mu.Unlock()

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PendingCount returns the number of pending operations
func (b *Batcher) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
