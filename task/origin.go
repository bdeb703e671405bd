package task

import (
	"context"
	"sync"
)

// Executor accepts functions to run on a specific execution context.
// Post reports false when the function was not accepted.
type Executor interface {
	Post(fn func()) bool
}

// Origin is a serial event loop owned by the goroutine that calls Run.
// Callbacks of tasks created with WithOrigin are redelivered here.
type Origin struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
}

// NewOrigin creates an idle loop. Call Run on the owning goroutine.
func NewOrigin() *Origin {
	o := &Origin{}
	o.cond = sync.NewCond(&o.mu)
	return o
}

// Post queues fn to run on the loop goroutine.
func (o *Origin) Post(fn func()) bool {
	if fn == nil {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	o.queue = append(o.queue, fn)
	o.cond.Signal()
	return true
}

// Run executes posted functions in order until ctx is done or Close is called.
// Functions still queued at that point are run before Run returns.
func (o *Origin) Run(ctx context.Context) {
	stop := context.AfterFunc(ctx, o.Close)
	defer stop()

	for {
		o.mu.Lock()
		for len(o.queue) == 0 && !o.closed {
			o.cond.Wait()
		}
		if len(o.queue) == 0 {
			o.mu.Unlock()
			return
		}
		batch := o.queue
		o.queue = nil
		o.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
	}
}

// Close stops accepting new functions.
func (o *Origin) Close() {
	o.mu.Lock()
	o.closed = true
	o.cond.Broadcast()
	o.mu.Unlock()
}
