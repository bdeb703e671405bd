package task

import (
	"errors"
	"runtime"
	"sync"

	"go.uber.org/zap"
)

// ErrPoolClosed is returned when work is submitted after Close.
var ErrPoolClosed = errors.New("task: pool is closed")

// DefaultPoolSize is max(NumCPU-2, 2).
func DefaultPoolSize() int {
	n := runtime.NumCPU() - 2
	if n < 2 {
		n = 2
	}
	return n
}

// Pool runs submitted functions on a fixed set of worker goroutines.
// The queue is unbounded; Submit never blocks.
type Pool struct {
	logger *zap.Logger
	size   int

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewPool starts size workers. A size <= 0 uses DefaultPoolSize.
func NewPool(size int, logger *zap.Logger) *Pool {
	if size <= 0 {
		size = DefaultPoolSize()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		logger: logger.Named("task"),
		size:   size,
	}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

// Size reports the number of workers.
func (p *Pool) Size() int {
	return p.size
}

// Submit queues fn for execution on a worker.
func (p *Pool) Submit(fn func()) error {
	if fn == nil {
		return errors.New("task function is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.queue = append(p.queue, fn)
	p.cond.Signal()
	return nil
}

// Close stops accepting work, drains the queue and waits for workers to exit.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.cond.Broadcast()
		p.mu.Unlock()
		p.wg.Wait()
	})
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		fn := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.exec(fn)
	}
}

func (p *Pool) exec(fn func()) {
	defer func() {
		if recovered := recover(); recovered != nil {
			p.logger.Error("worker recovered from panic", zap.Any("panic", recovered), zap.Stack("stack"))
		}
	}()
	fn()
}
