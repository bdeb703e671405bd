// Package throttle coalesces bursts of values into delayed batches.
package throttle

import (
	"sync"
	"time"
)

// DefaultDelay is the debounce window after the first unflushed value.
const DefaultDelay = 500 * time.Millisecond

// Throttler collects values passed to Handle and delivers them to the batch
// callback once the delay since the first pending value has elapsed.
type Throttler[T any] struct {
	delay   time.Duration
	onBatch func([]T)

	mu       sync.Mutex
	pending  []T
	timer    *time.Timer
	flushing bool
	stopped  bool

	// flushMu serializes callback invocations so batches are delivered in order.
	flushMu sync.Mutex
}

// New creates a throttler. A delay <= 0 uses DefaultDelay.
func New[T any](delay time.Duration, onBatch func([]T)) *Throttler[T] {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Throttler[T]{
		delay:   delay,
		onBatch: onBatch,
	}
}

// Handle appends value to the pending batch and schedules a flush if none is pending.
func (t *Throttler[T]) Handle(value T) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}
	t.pending = append(t.pending, value)
	t.scheduleLocked()
}

// Pending reports how many values wait for the next flush.
func (t *Throttler[T]) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Flush delivers pending values immediately.
func (t *Throttler[T]) Flush() {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.mu.Unlock()
	t.flush()
}

// Stop delivers pending values and ignores further Handle calls.
func (t *Throttler[T]) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	t.Flush()
}

func (t *Throttler[T]) scheduleLocked() {
	if t.timer != nil || t.flushing {
		return
	}
	t.timer = time.AfterFunc(t.delay, t.flush)
}

func (t *Throttler[T]) flush() {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	t.mu.Lock()
	batch := t.pending
	t.pending = nil
	t.flushing = true
	t.mu.Unlock()

	if len(batch) > 0 && t.onBatch != nil {
		t.onBatch(batch)
	}

	t.mu.Lock()
	t.flushing = false
	t.timer = nil
	if len(t.pending) > 0 && !t.stopped {
		t.scheduleLocked()
	}
	t.mu.Unlock()
}
