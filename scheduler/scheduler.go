// Package scheduler runs unique named background jobs with an optional
// network constraint and linear retry backoff.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"smsrelay/metrics"
	"smsrelay/task"
)

const (
	// DefaultBackoffDelay is the first retry delay; attempt n waits n times this.
	DefaultBackoffDelay = 10 * time.Second
	// DefaultMaxAttempts bounds how often one run of a job is tried.
	DefaultMaxAttempts = 5
	// DefaultPollInterval is how often an offline job re-checks connectivity.
	DefaultPollInterval = 15 * time.Second
)

// ErrStopped is returned when a job is enqueued after Stop.
var ErrStopped = errors.New("scheduler: stopped")

var errOffline = errors.New("network unavailable")

// Policy decides what happens when a job with the same name already exists.
type Policy int

const (
	// PolicyKeep leaves the existing job alone and drops the new request.
	PolicyKeep Policy = iota
	// PolicyReplace cancels the existing job and starts the new one.
	PolicyReplace
)

func (p Policy) String() string {
	switch p {
	case PolicyKeep:
		return "keep"
	case PolicyReplace:
		return "replace"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// Job is the body of a scheduled unit of work.
type Job func(ctx context.Context) error

// Backoff is a LINEAR retry policy.
type Backoff struct {
	Delay       time.Duration
	MaxAttempts int
}

// Options tune one enqueue call.
type Options struct {
	Policy          Policy
	RequiresNetwork bool
	// InitialDelay postpones the first run of a one-shot job.
	InitialDelay time.Duration
	Backoff      Backoff
}

func (o Options) backoff() Backoff {
	b := o.Backoff
	if b.Delay <= 0 {
		b.Delay = DefaultBackoffDelay
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = DefaultMaxAttempts
	}
	return b
}

// JobState is where a job currently is in its lifecycle.
type JobState string

const (
	JobEnqueued       JobState = "enqueued"
	JobWaitingNetwork JobState = "waiting_network"
	JobRunning        JobState = "running"
	JobBackoff        JobState = "backoff"
	JobIdle           JobState = "idle"
)

// JobInfo is a point-in-time view of a registered job.
type JobInfo struct {
	Name     string        `json:"name"`
	State    JobState      `json:"state"`
	Periodic bool          `json:"periodic"`
	Interval time.Duration `json:"interval,omitempty"`
	Runs     int           `json:"runs"`
	LastErr  string        `json:"last_error,omitempty"`
}

// Config wires a Scheduler.
type Config struct {
	Pool         *task.Pool
	Connectivity Connectivity
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
	PollInterval time.Duration
}

// Scheduler owns the set of unique jobs.
type Scheduler struct {
	pool         *task.Pool
	connectivity Connectivity
	metrics      *metrics.Metrics
	logger       *zap.Logger
	pollInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	jobs    map[string]*entry
	stopped bool
	wg      sync.WaitGroup
}

type entry struct {
	name     string
	job      Job
	opts     Options
	interval time.Duration
	cancel   context.CancelFunc

	mu      sync.Mutex
	state   JobState
	runs    int
	lastErr error
}

func (e *entry) setState(state JobState) {
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
}

func (e *entry) info() JobInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	info := JobInfo{
		Name:     e.name,
		State:    e.state,
		Periodic: e.interval > 0,
		Interval: e.interval,
		Runs:     e.runs,
	}
	if e.lastErr != nil {
		info.LastErr = e.lastErr.Error()
	}
	return info
}

// New validates cfg and returns a running Scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Pool == nil {
		return nil, errors.New("task pool is required")
	}
	connectivity := cfg.Connectivity
	if connectivity == nil {
		connectivity = AlwaysOnline{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		pool:         cfg.Pool,
		connectivity: connectivity,
		metrics:      cfg.Metrics,
		logger:       logger.Named("scheduler"),
		pollInterval: poll,
		ctx:          ctx,
		cancel:       cancel,
		jobs:         make(map[string]*entry),
	}, nil
}

// EnqueueOnce registers a one-shot job. It reports whether the job was
// started; with PolicyKeep an existing job of the same name wins.
func (s *Scheduler) EnqueueOnce(name string, job Job, opts Options) (bool, error) {
	return s.enqueue(name, job, 0, opts)
}

// EnqueuePeriodic registers a job that runs now and then every interval until Stop.
func (s *Scheduler) EnqueuePeriodic(name string, interval time.Duration, job Job, opts Options) (bool, error) {
	if interval <= 0 {
		return false, fmt.Errorf("enqueue %s: interval must be positive", name)
	}
	return s.enqueue(name, job, interval, opts)
}

func (s *Scheduler) enqueue(name string, job Job, interval time.Duration, opts Options) (bool, error) {
	if name == "" {
		return false, errors.New("job name is required")
	}
	if job == nil {
		return false, errors.New("job function is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false, ErrStopped
	}

	if existing, ok := s.jobs[name]; ok {
		if opts.Policy == PolicyKeep {
			s.logger.Debug("job already enqueued, keeping existing", zap.String("job", name))
			return false, nil
		}
		existing.cancel()
		s.logger.Debug("replacing job", zap.String("job", name))
	}

	ctx, cancel := context.WithCancel(s.ctx)
	e := &entry{
		name:     name,
		job:      job,
		opts:     opts,
		interval: interval,
		cancel:   cancel,
		state:    JobEnqueued,
	}
	s.jobs[name] = e

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		if interval > 0 {
			s.runPeriodic(ctx, e)
		} else {
			s.runOnce(ctx, e)
		}
		s.release(e)
	}()
	return true, nil
}

// Pending reports whether a job with this name is enqueued or running.
func (s *Scheduler) Pending(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[name]
	return ok
}

// Jobs lists registered jobs sorted by name.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.jobs))
	for _, e := range s.jobs {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	out := make([]JobInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Cancel stops the named job if present.
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	e, ok := s.jobs[name]
	if ok {
		delete(s.jobs, name)
	}
	s.mu.Unlock()
	if ok {
		e.cancel()
	}
	return ok
}

// Stop cancels all jobs and waits for their goroutines to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) release(e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobs[e.name] == e {
		delete(s.jobs, e.name)
	}
}

func (s *Scheduler) runOnce(ctx context.Context, e *entry) {
	if delay := e.opts.InitialDelay; delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.metrics.Job(e.name, "canceled")
			return
		case <-timer.C:
		}
	}
	s.execute(ctx, e)
}

func (s *Scheduler) runPeriodic(ctx context.Context, e *entry) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		s.execute(ctx, e)
		e.setState(JobIdle)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// execute runs one scheduled occurrence of the job: network wait, then the
// body with linear backoff.
func (s *Scheduler) execute(ctx context.Context, e *entry) {
	logger := s.logger.With(zap.String("job", e.name))

	if e.opts.RequiresNetwork {
		if err := s.waitForNetwork(ctx, e, logger); err != nil {
			s.metrics.Job(e.name, "canceled")
			return
		}
	}

	policy := e.opts.backoff()
	attempt := 0
	operation := func() error {
		attempt++
		e.setState(JobRunning)
		err := s.runBody(ctx, e)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		e.setState(JobBackoff)
		logger.Warn("job attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{delay: policy.Delay}, uint64(policy.MaxAttempts-1)),
		ctx,
	)
	err := backoff.RetryNotify(operation, b, notify)

	e.mu.Lock()
	e.runs++
	e.lastErr = err
	e.mu.Unlock()

	switch {
	case err == nil:
		logger.Debug("job finished", zap.Int("attempts", attempt))
		s.metrics.Job(e.name, "success")
	case ctx.Err() != nil:
		logger.Debug("job canceled", zap.Int("attempts", attempt))
		s.metrics.Job(e.name, "canceled")
	default:
		logger.Error("job failed", zap.Int("attempts", attempt), zap.Error(err))
		s.metrics.Job(e.name, "error")
	}
}

func (s *Scheduler) runBody(ctx context.Context, e *entry) error {
	t := task.New(s.pool, func() (struct{}, error) {
		return struct{}{}, e.job(ctx)
	}, task.WithName(e.name))
	// The error is reported by execute; the callback keeps the task from
	// logging it a second time as unhandled.
	t.OnError(func(error) {})
	_, err := t.Run().Wait(ctx)
	return err
}

func (s *Scheduler) waitForNetwork(ctx context.Context, e *entry, logger *zap.Logger) error {
	if s.connectivity.Online(ctx) {
		return nil
	}

	e.setState(JobWaitingNetwork)
	logger.Info("waiting for network")
	check := func() error {
		if s.connectivity.Online(ctx) {
			return nil
		}
		return errOffline
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(s.pollInterval), ctx)
	if err := backoff.Retry(check, b); err != nil {
		return err
	}
	logger.Info("network available")
	return nil
}

// linearBackOff waits delay, 2*delay, 3*delay, ...
type linearBackOff struct {
	delay   time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return time.Duration(b.attempt) * b.delay
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}
