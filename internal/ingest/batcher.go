package ingest

import (
	"sync"
	"time"
)

// Batcher groups items and hands them to a flush function when maxSize items
// are pending or interval has passed since the first pending item.
//
// Flushes run on a single background goroutine in the order they were cut,
// so the flush function never runs concurrently with itself.
type Batcher[T any] struct {
	mu       sync.Mutex
	items    []T
	maxSize  int
	interval time.Duration
	timer    *time.Timer
	stopped  bool

	flushFn func([]T)
	queue   chan []T
	done    chan struct{}
}

// NewBatcher creates a batcher and starts its flush goroutine.
func NewBatcher[T any](maxSize int, interval time.Duration, flushFn func([]T)) *Batcher[T] {
	b := &Batcher[T]{
		maxSize:  maxSize,
		interval: interval,
		flushFn:  flushFn,
		queue:    make(chan []T, 8),
		done:     make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Batcher[T]) run() {
	defer close(b.done)
	for batch := range b.queue {
		b.flushFn(batch)
	}
}

// Add queues an item. Items added after Stop are dropped.
func (b *Batcher[T]) Add(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return
	}

	b.items = append(b.items, item)
	if len(b.items) >= b.maxSize {
		b.cutLocked()
		return
	}
	if len(b.items) == 1 {
		b.timer = time.AfterFunc(b.interval, b.Flush)
	}
}

// Pending returns the number of items not yet handed to a flush.
func (b *Batcher[T]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Flush cuts a batch from any pending items.
func (b *Batcher[T]) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.stopped && len(b.items) > 0 {
		b.cutLocked()
	}
}

// Stop flushes what is pending, waits for every queued flush to finish and
// makes further Adds no-ops. It is safe to call more than once.
func (b *Batcher[T]) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		<-b.done
		return
	}
	if len(b.items) > 0 {
		b.cutLocked()
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.stopped = true
	close(b.queue)
	b.mu.Unlock()
	<-b.done
}

// cutLocked moves pending items onto the flush queue. The send may block
// while the flush goroutine is busy, which applies backpressure to Add.
func (b *Batcher[T]) cutLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	batch := b.items
	b.items = nil
	b.queue <- batch
}
