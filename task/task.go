// Package task provides a single-result asynchronous primitive executed on a
// bounded worker pool, with callbacks that may be attached before or after
// completion.
package task

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

// ErrPanic matches errors produced from a recovered panic.
var ErrPanic = errors.New("task: panic recovered")

// State is the lifecycle position of a Task.
type State int32

const (
	StateInitial State = iota
	StateRunning
	StateSuccess
	StateError
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateRunning:
		return "running"
	case StateSuccess:
		return "success"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// PanicError carries a value recovered from work along with the stack at the panic site.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// Is reports ErrPanic as a match.
func (e *PanicError) Is(target error) bool {
	return target == ErrPanic
}

// Option customizes a Task.
type Option func(*options)

type options struct {
	origin Executor
	name   string
}

// WithOrigin redelivers callbacks onto the given executor.
func WithOrigin(origin Executor) Option {
	return func(o *options) {
		o.origin = origin
	}
}

// WithName labels the task in log output.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// Task is a handle to work that produces a T or an error exactly once.
type Task[T any] struct {
	pool   *Pool
	work   func() (T, error)
	origin Executor
	name   string

	mu        sync.Mutex
	state     State
	result    T
	err       error
	onSuccess []func(T)
	onError   []func(error)
	done      chan struct{}
}

// New creates a task in the initial state. Nothing runs until Run.
func New[T any](pool *Pool, work func() (T, error), opts ...Option) *Task[T] {
	cfg := options{}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Task[T]{
		pool:   pool,
		work:   work,
		origin: cfg.origin,
		name:   cfg.name,
		done:   make(chan struct{}),
	}
}

// Run creates a task and starts it.
func Run[T any](pool *Pool, work func() (T, error), opts ...Option) *Task[T] {
	return New(pool, work, opts...).Run()
}

// Go runs work that has no result. Errors without an OnError callback are logged.
func Go(pool *Pool, work func() error, opts ...Option) *Task[struct{}] {
	return Run(pool, func() (struct{}, error) {
		return struct{}{}, work()
	}, opts...)
}

// Run submits the work to the pool. Calls after the first are no-ops.
func (t *Task[T]) Run() *Task[T] {
	t.mu.Lock()
	if t.state != StateInitial {
		t.mu.Unlock()
		return t
	}
	t.state = StateRunning
	t.mu.Unlock()

	if t.work == nil {
		var zero T
		t.complete(zero, errors.New("task work is required"))
		return t
	}
	if t.pool == nil {
		var zero T
		t.complete(zero, errors.New("task pool is required"))
		return t
	}
	if err := t.pool.Submit(t.execute); err != nil {
		var zero T
		t.complete(zero, err)
	}
	return t
}

// State returns the current lifecycle state.
func (t *Task[T]) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Done is closed once the task reaches a terminal state.
func (t *Task[T]) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task finishes or ctx is done.
func (t *Task[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.result, t.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// OnSuccess registers cb for a successful result. If the task already
// succeeded, cb is delivered right away.
func (t *Task[T]) OnSuccess(cb func(T)) *Task[T] {
	if cb == nil {
		return t
	}

	t.mu.Lock()
	switch t.state {
	case StateSuccess:
		result := t.result
		t.mu.Unlock()
		t.deliver(func() { cb(result) })
		return t
	case StateError:
		t.mu.Unlock()
		return t
	default:
		t.onSuccess = append(t.onSuccess, cb)
		t.mu.Unlock()
		return t
	}
}

// OnError registers cb for a failed result. If the task already failed,
// cb is delivered right away.
func (t *Task[T]) OnError(cb func(error)) *Task[T] {
	if cb == nil {
		return t
	}

	t.mu.Lock()
	switch t.state {
	case StateError:
		err := t.err
		t.mu.Unlock()
		t.deliver(func() { cb(err) })
		return t
	case StateSuccess:
		t.mu.Unlock()
		return t
	default:
		t.onError = append(t.onError, cb)
		t.mu.Unlock()
		return t
	}
}

func (t *Task[T]) execute() {
	var (
		result T
		err    error
	)
	func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				err = &PanicError{Value: recovered, Stack: debug.Stack()}
			}
		}()
		result, err = t.work()
	}()
	t.complete(result, err)
}

func (t *Task[T]) complete(result T, err error) {
	t.mu.Lock()
	if t.state == StateSuccess || t.state == StateError {
		t.mu.Unlock()
		return
	}
	successCallbacks := t.onSuccess
	errorCallbacks := t.onError
	t.onSuccess = nil
	t.onError = nil
	if err != nil {
		t.state = StateError
		t.err = err
	} else {
		t.state = StateSuccess
		t.result = result
	}
	close(t.done)
	t.mu.Unlock()

	if err != nil {
		if len(errorCallbacks) == 0 {
			t.logUnhandled(err)
		}
		for _, cb := range errorCallbacks {
			t.deliver(func() { cb(err) })
		}
		return
	}
	for _, cb := range successCallbacks {
		t.deliver(func() { cb(result) })
	}
}

func (t *Task[T]) deliver(fn func()) {
	if t.origin != nil && t.origin.Post(func() { t.safeCall(fn) }) {
		return
	}
	t.safeCall(fn)
}

func (t *Task[T]) safeCall(fn func()) {
	defer func() {
		if recovered := recover(); recovered != nil {
			t.logger().Error("callback panicked",
				zap.String("task", t.name),
				zap.Any("panic", recovered),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	fn()
}

func (t *Task[T]) logUnhandled(err error) {
	fields := []zap.Field{zap.String("task", t.name), zap.Error(err)}
	var panicErr *PanicError
	if errors.As(err, &panicErr) {
		fields = append(fields, zap.ByteString("stack", panicErr.Stack))
	} else {
		fields = append(fields, zap.Stack("stack"))
	}
	t.logger().Error("unhandled task error", fields...)
}

func (t *Task[T]) logger() *zap.Logger {
	if t.pool == nil || t.pool.logger == nil {
		return zap.NewNop()
	}
	return t.pool.logger
}
