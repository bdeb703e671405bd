// Package relay wires the outbox, throttler, dispatcher and scheduled jobs
// into the capture-to-collector pipeline.
package relay

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"smsrelay/config"
	"smsrelay/metrics"
	"smsrelay/models"
	"smsrelay/network"
	"smsrelay/scheduler"
	"smsrelay/storage"
	"smsrelay/task"
	"smsrelay/throttle"
)

const (
	// JobResend re-offers every unsent outbox row to the throttler.
	JobResend = "relay.resend"
	// JobCleanup deletes outbox rows past the retention horizon.
	JobCleanup = "relay.cleanup"
)

// Outbox is the storage the relay needs.
type Outbox interface {
	network.Outbox
	network.AttemptLog
	Persist(ctx context.Context, event models.MessageEvent) (int64, error)
	UnsentTail(ctx context.Context) ([]models.MessageEvent, error)
	CountUnsent(ctx context.Context) (int, error)
	DeleteOlderThan(ctx context.Context, horizon time.Time) (int64, error)
}

// Config wires a Relay.
type Config struct {
	Outbox      Outbox
	Pool        *task.Pool
	Scheduler   *scheduler.Scheduler
	Collector   network.Collector
	Credentials network.CredentialProvider
	Endpoint    network.Endpoint

	// Origin, when set, receives capture callbacks so the throttler is fed
	// from one loop in completion order.
	Origin task.Executor

	Metrics  *metrics.Metrics
	Notifier *Notifier
	Logger   *zap.Logger

	ThrottleDelay   time.Duration
	RetryDelay      time.Duration
	Retention       time.Duration
	CleanupInterval time.Duration
}

// Relay owns the pipeline: Capture -> Persist -> Throttler -> Dispatcher.
type Relay struct {
	outbox     Outbox
	pool       *task.Pool
	origin     task.Executor
	scheduler  *scheduler.Scheduler
	dispatcher *network.Dispatcher
	throttler  *throttle.Throttler[models.MessageEvent]
	notifier   *Notifier
	metrics    *metrics.Metrics
	logger     *zap.Logger
	now        func() time.Time

	retryDelay      time.Duration
	retention       time.Duration
	cleanupInterval time.Duration
}

// New validates cfg and builds the pipeline. Nothing runs until Start or Capture.
func New(cfg Config) (*Relay, error) {
	if cfg.Outbox == nil {
		return nil, errors.New("outbox is required")
	}
	if cfg.Pool == nil {
		return nil, errors.New("task pool is required")
	}
	if cfg.Scheduler == nil {
		return nil, errors.New("scheduler is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = NewNotifier(cfg.Metrics)
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = config.DefaultRetryDelay
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = config.DefaultRetention
	}
	cleanupInterval := cfg.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = config.DefaultCleanupInterval
	}

	r := &Relay{
		outbox:          cfg.Outbox,
		pool:            cfg.Pool,
		origin:          cfg.Origin,
		scheduler:       cfg.Scheduler,
		notifier:        notifier,
		metrics:         cfg.Metrics,
		logger:          logger.Named("relay"),
		now:             time.Now,
		retryDelay:      retryDelay,
		retention:       retention,
		cleanupInterval: cleanupInterval,
	}

	dispatcher, err := network.NewDispatcher(network.DispatcherConfig{
		Collector:   cfg.Collector,
		Outbox:      cfg.Outbox,
		Credentials: cfg.Credentials,
		Endpoint:    cfg.Endpoint,
		Retry:       r,
		Notifier:    notifier,
		Attempts:    cfg.Outbox,
		Metrics:     cfg.Metrics,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	r.dispatcher = dispatcher
	r.throttler = throttle.New(cfg.ThrottleDelay, r.dispatchBatch)
	return r, nil
}

// Notifier returns the state-changed fan-out.
func (r *Relay) Notifier() *Notifier {
	return r.notifier
}

// Start runs the startup resend and registers the periodic cleanup job.
func (r *Relay) Start() error {
	if _, err := r.scheduler.EnqueueOnce(JobResend, r.resend, scheduler.Options{
		Policy:          scheduler.PolicyKeep,
		RequiresNetwork: true,
	}); err != nil {
		return err
	}
	if _, err := r.scheduler.EnqueuePeriodic(JobCleanup, r.cleanupInterval, r.cleanup, scheduler.Options{
		Policy: scheduler.PolicyKeep,
	}); err != nil {
		return err
	}
	r.logger.Info("relay started",
		zap.Duration("retention", r.retention),
		zap.Duration("cleanup_interval", r.cleanupInterval),
	)
	return nil
}

// Stop flushes values still waiting in the throttler. The resulting dispatch
// runs on the pool, so close the pool after Stop to let it finish.
func (r *Relay) Stop() {
	r.throttler.Stop()
}

// Capture persists event on the pool and, once durable, offers it to the
// throttler. A persistence failure drops the event after logging it.
func (r *Relay) Capture(event models.MessageEvent) *task.Task[models.MessageEvent] {
	if event.CapturedAt.IsZero() {
		event.CapturedAt = r.now()
	}
	event.CapturedAt = models.MinuteUTC(event.CapturedAt)
	if event.OriginTimestamp.IsZero() {
		event.OriginTimestamp = event.CapturedAt
	}
	event.OriginTimestamp = models.MinuteUTC(event.OriginTimestamp)
	event.Sent = false

	opts := []task.Option{task.WithName("persist")}
	if r.origin != nil {
		opts = append(opts, task.WithOrigin(r.origin))
	}
	t := task.New(r.pool, func() (models.MessageEvent, error) {
		id, err := r.outbox.Persist(context.Background(), event)
		if err != nil {
			return models.MessageEvent{}, err
		}
		event.ID = id
		return event, nil
	}, opts...)

	t.OnSuccess(func(stored models.MessageEvent) {
		r.metrics.Persisted()
		r.logger.Debug("event persisted",
			zap.Int64("id", stored.ID),
			zap.String("type", string(stored.MessageType)),
			zap.String("tel", stored.Source),
			zap.String("text", stored.LogText()),
		)
		r.throttler.Handle(stored)
	})
	t.OnError(func(err error) {
		r.logger.Error("persist failed, event dropped",
			zap.String("type", string(event.MessageType)),
			zap.String("tel", event.Source),
			zap.String("text", event.LogText()),
			zap.Error(err),
		)
	})
	return t.Run()
}

// ScheduleOnce enqueues the resend job unless one is already pending.
func (r *Relay) ScheduleOnce() {
	started, err := r.scheduler.EnqueueOnce(JobResend, r.resend, scheduler.Options{
		Policy:          scheduler.PolicyKeep,
		RequiresNetwork: true,
		InitialDelay:    r.retryDelay,
	})
	switch {
	case err != nil:
		r.logger.Warn("schedule resend failed", zap.Error(err))
	case started:
		r.logger.Debug("resend scheduled", zap.Duration("delay", r.retryDelay))
	}
}

// PendingJobs lists the scheduler's registered jobs.
func (r *Relay) PendingJobs() []scheduler.JobInfo {
	return r.scheduler.Jobs()
}

// StateChanges reports how many state-changed signals were emitted.
func (r *Relay) StateChanges() int64 {
	return r.notifier.Count()
}

// Throttled reports how many events wait for the next flush.
func (r *Relay) Throttled() int {
	return r.throttler.Pending()
}

func (r *Relay) dispatchBatch(batch []models.MessageEvent) {
	batch = dedupeByID(batch)
	t := task.Go(r.pool, func() error {
		_, err := r.dispatcher.Send(context.Background(), batch)
		r.refreshUnsent()
		return err
	}, task.WithName("dispatch"))
	// The dispatcher already logged the failure and scheduled the resend.
	t.OnError(func(err error) {
		r.logger.Debug("dispatch finished with errors", zap.Int("events", len(batch)), zap.Error(err))
	})
}

func (r *Relay) resend(ctx context.Context) error {
	events, err := r.outbox.UnsentTail(ctx)
	if err != nil {
		return err
	}
	r.metrics.SetUnsent(len(events))
	if len(events) == 0 {
		r.logger.Debug("nothing to resend")
		return nil
	}

	r.logger.Info("resending unsent events", zap.Int("events", len(events)))
	for _, event := range events {
		r.throttler.Handle(event)
	}
	return nil
}

func (r *Relay) cleanup(ctx context.Context) error {
	horizon := r.now().Add(-r.retention)
	deleted, err := r.outbox.DeleteOlderThan(ctx, horizon)
	if err != nil {
		return err
	}
	r.metrics.Deleted(deleted)
	if deleted > 0 {
		r.logger.Info("outbox cleaned", zap.Int64("deleted", deleted), zap.Time("horizon", horizon))
		r.notifier.StateChanged()
	}
	r.refreshUnsent()
	return nil
}

func (r *Relay) refreshUnsent() {
	if r.metrics == nil {
		return
	}
	count, err := r.outbox.CountUnsent(context.Background())
	if err != nil {
		r.logger.Debug("count unsent failed", zap.Error(err))
		return
	}
	r.metrics.SetUnsent(count)
}

// dedupeByID drops repeated ids, keeping first-arrival order. A resend can
// offer a row that a live capture already queued.
func dedupeByID(batch []models.MessageEvent) []models.MessageEvent {
	seen := make(map[int64]struct{}, len(batch))
	out := batch[:0:0]
	for _, event := range batch {
		if _, ok := seen[event.ID]; ok {
			continue
		}
		seen[event.ID] = struct{}{}
		out = append(out, event)
	}
	return out
}

var _ network.RetryScheduler = (*Relay)(nil)
var _ Outbox = (*storage.Store)(nil)
