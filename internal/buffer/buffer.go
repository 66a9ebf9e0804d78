// Package buffer provides the bounded FIFO queues that sit between
// pipeline stages.
//
// A Bounded buffer never holds more than its capacity. Producers choose
// between a non-blocking TryEnqueue (transports, which must not stall their
// socket loop) and a blocking Enqueue (filter workers, which should push
// back on their own input when downstream is slow). Close stops intake and
// lets consumers drain what is left.
package buffer

import (
	"context"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrClosed is returned by Enqueue after Close and by Dequeue once a closed
// buffer is empty.
var ErrClosed = errors.New("buffer closed")

// Option configures a Bounded buffer.
type Option func(*options)

type options struct {
	watermark prometheus.Gauge
}

// WithWatermarkGauge reports the current item count to g on every change.
func WithWatermarkGauge(g prometheus.Gauge) Option {
	return func(o *options) { o.watermark = g }
}

// Bounded is a fixed-capacity FIFO ring safe for concurrent use.
type Bounded[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	items []T
	head  int // next read position
	size  int

	closed    bool
	watermark prometheus.Gauge
}

// New creates a buffer holding at most capacity items. A capacity below
// one is raised to one.
func New[T any](capacity int, opts ...Option) *Bounded[T] {
	if capacity < 1 {
		capacity = 1
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	b := &Bounded[T]{
		items:     make([]T, capacity),
		watermark: o.watermark,
	}
	b.notEmpty = sync.NewCond(&b.mu)
	b.notFull = sync.NewCond(&b.mu)
	return b
}

// Capacity returns the maximum number of items.
func (b *Bounded[T]) Capacity() int {
	return len(b.items)
}

// Size returns the number of items currently buffered.
func (b *Bounded[T]) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Closed reports whether Close has been called.
func (b *Bounded[T]) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// TryEnqueue appends v if there is room. It returns false when the buffer
// is full or closed and never blocks.
func (b *Bounded[T]) TryEnqueue(v T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.size == len(b.items) {
		return false
	}
	b.push(v)
	return true
}

// Enqueue appends v, waiting for room while the buffer is full.
// It returns ErrClosed if the buffer is closed before v is accepted and
// ctx.Err() if ctx ends first.
func (b *Bounded[T]) Enqueue(ctx context.Context, v T) error {
	stop := b.wakeOnDone(ctx, b.notFull)
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	for !b.closed && b.size == len(b.items) {
		if err := ctx.Err(); err != nil {
			return err
		}
		b.notFull.Wait()
	}
	if b.closed {
		return ErrClosed
	}
	b.push(v)
	return nil
}

// Dequeue removes the oldest item, waiting while the buffer is empty.
// After Close it keeps returning buffered items until none remain, then
// returns ErrClosed.
func (b *Bounded[T]) Dequeue(ctx context.Context) (T, error) {
	stop := b.wakeOnDone(ctx, b.notEmpty)
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	var zero T
	for b.size == 0 {
		if b.closed {
			return zero, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		b.notEmpty.Wait()
	}
	v := b.items[b.head]
	b.items[b.head] = zero
	b.head = (b.head + 1) % len(b.items)
	b.size--
	b.report()
	b.notFull.Signal()
	return v, nil
}

// Close stops intake and wakes every waiter. It is safe to call more than
// once.
func (b *Bounded[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.notEmpty.Broadcast()
	b.notFull.Broadcast()
}

// push must be called with mu held and room available.
func (b *Bounded[T]) push(v T) {
	b.items[(b.head+b.size)%len(b.items)] = v
	b.size++
	b.report()
	b.notEmpty.Signal()
}

func (b *Bounded[T]) report() {
	if b.watermark != nil {
		b.watermark.Set(float64(b.size))
	}
}

// wakeOnDone broadcasts on c when ctx ends so a waiter can observe the
// cancellation. The returned func unregisters the hook.
func (b *Bounded[T]) wakeOnDone(ctx context.Context, c *sync.Cond) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		c.Broadcast()
		b.mu.Unlock()
	})
	return func() { stop() }
}
