package network

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"smsrelay/metrics"
	"smsrelay/models"
	"smsrelay/storage"
)

// MaxChunkSize is the largest number of events sent in one request.
const MaxChunkSize = 42

// ErrNotConfigured marks a send skipped for a missing server URL or credential.
var ErrNotConfigured = errors.New("network: collector not configured")

// Collector posts one chunk.
type Collector interface {
	PostChunk(ctx context.Context, req ChunkRequest) (ChunkResult, error)
}

// Outbox acknowledges delivered rows.
type Outbox interface {
	MarkSent(ctx context.Context, ids []int64) error
}

// AttemptLog records chunk attempts.
type AttemptLog interface {
	LogDispatchAttempt(ctx context.Context, attempt storage.DispatchAttempt) error
}

// CredentialProvider supplies the opaque bearer credential.
type CredentialProvider interface {
	Credential() string
}

// Endpoint supplies the collector base URL.
type Endpoint interface {
	ServerURL() string
}

// RetryScheduler enqueues the deduplicated resend job.
type RetryScheduler interface {
	ScheduleOnce()
}

// StateNotifier is told whenever outbox state may have changed.
type StateNotifier interface {
	StateChanged()
}

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	Collector   Collector
	Outbox      Outbox
	Credentials CredentialProvider
	Endpoint    Endpoint
	Retry       RetryScheduler
	Notifier    StateNotifier

	// Optional.
	Attempts  AttemptLog
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	ChunkSize int
}

// Dispatcher turns outbox batches into collector requests.
type Dispatcher struct {
	collector   Collector
	outbox      Outbox
	credentials CredentialProvider
	endpoint    Endpoint
	retry       RetryScheduler
	notifier    StateNotifier
	attempts    AttemptLog
	metrics     *metrics.Metrics
	logger      *zap.Logger
	chunkSize   int
}

// SendReport summarizes one Send call.
type SendReport struct {
	Skipped   bool
	Chunks    int
	SentIDs   []int64
	FailedIDs []int64
	Dropped   int
}

// NewDispatcher validates cfg and returns a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Collector == nil {
		return nil, errors.New("collector is required")
	}
	if cfg.Outbox == nil {
		return nil, errors.New("outbox is required")
	}
	if cfg.Credentials == nil {
		return nil, errors.New("credential provider is required")
	}
	if cfg.Endpoint == nil {
		return nil, errors.New("endpoint is required")
	}
	if cfg.Retry == nil {
		return nil, errors.New("retry scheduler is required")
	}
	if cfg.Notifier == nil {
		return nil, errors.New("state notifier is required")
	}

	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 || chunkSize > MaxChunkSize {
		chunkSize = MaxChunkSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Dispatcher{
		collector:   cfg.Collector,
		outbox:      cfg.Outbox,
		credentials: cfg.Credentials,
		endpoint:    cfg.Endpoint,
		retry:       cfg.Retry,
		notifier:    cfg.Notifier,
		attempts:    cfg.Attempts,
		metrics:     cfg.Metrics,
		logger:      logger.Named("dispatcher"),
		chunkSize:   chunkSize,
	}, nil
}

// Send delivers batch in order-preserving chunks. A missing URL or credential
// skips the batch without error. Failed chunks are left unsent and schedule a
// retry; the returned error joins the per-chunk failures.
func (d *Dispatcher) Send(ctx context.Context, batch []models.MessageEvent) (SendReport, error) {
	report := SendReport{}
	if len(batch) == 0 {
		return report, nil
	}

	serverURL := strings.TrimSpace(d.endpoint.ServerURL())
	credential := strings.TrimSpace(d.credentials.Credential())
	if serverURL == "" || credential == "" {
		report.Skipped = true
		d.logger.Info("collector not configured, skipping send",
			zap.Int("events", len(batch)),
			zap.Bool("has_server_url", serverURL != ""),
			zap.Bool("has_credential", credential != ""),
		)
		d.recordAttempt(ctx, storage.DispatchAttempt{
			ChunkSize: len(batch),
			Result:    storage.DispatchResultSkipped,
			Error:     ErrNotConfigured.Error(),
		})
		d.metrics.Chunk(storage.DispatchResultSkipped, len(batch), 0)
		return report, nil
	}

	var errs []error
	for _, chunk := range splitChunks(batch, d.chunkSize) {
		report.Chunks++
		sent, failed, dropped, err := d.sendChunk(ctx, serverURL, credential, chunk)
		report.SentIDs = append(report.SentIDs, sent...)
		report.FailedIDs = append(report.FailedIDs, failed...)
		report.Dropped += dropped
		if err != nil {
			errs = append(errs, err)
		}
	}
	return report, errors.Join(errs...)
}

func (d *Dispatcher) sendChunk(ctx context.Context, serverURL, credential string, chunk []models.MessageEvent) (sent, failed []int64, dropped int, err error) {
	encoded := encodeChunk(chunk)
	for _, drop := range encoded.dropped {
		d.logger.Warn("dropping event that failed to encode",
			zap.Int64("id", drop.event.ID),
			zap.String("tel", drop.event.Source),
			zap.String("text", drop.event.LogText()),
			zap.Error(drop.err),
		)
	}
	dropped = len(encoded.dropped)
	if len(encoded.ids) == 0 {
		return nil, nil, dropped, nil
	}

	for _, event := range chunk {
		d.logger.Debug("sending event",
			zap.Int64("id", event.ID),
			zap.String("type", string(event.MessageType)),
			zap.String("tel", event.Source),
			zap.String("text", event.LogText()),
		)
	}

	key := IdempotencyKey(chunk[0].DeviceID, encoded.ids)
	started := time.Now()
	result, postErr := d.collector.PostChunk(ctx, ChunkRequest{
		ServerURL:      serverURL,
		Credential:     credential,
		IdempotencyKey: key,
		Body:           encoded.body,
	})
	elapsed := time.Since(started).Seconds()

	if postErr != nil {
		d.onChunkFailure(ctx, encoded.ids, key, postErr, elapsed)
		return nil, encoded.ids, dropped, fmt.Errorf("send chunk of %d events: %w", len(encoded.ids), postErr)
	}

	if err := d.outbox.MarkSent(ctx, encoded.ids); err != nil {
		// The collector has the events; they will be re-sent on the next retry.
		d.logger.Error("mark sent failed", zap.Int("events", len(encoded.ids)), zap.Error(err))
		d.recordAttempt(ctx, storage.DispatchAttempt{
			ChunkSize:      len(encoded.ids),
			Result:         storage.DispatchResultFailed,
			StatusCode:     result.StatusCode,
			Error:          err.Error(),
			IdempotencyKey: key,
		})
		d.metrics.Chunk(storage.DispatchResultFailed, len(encoded.ids), elapsed)
		d.retry.ScheduleOnce()
		d.notifier.StateChanged()
		return nil, encoded.ids, dropped, fmt.Errorf("mark %d events sent: %w", len(encoded.ids), err)
	}

	fields := []zap.Field{
		zap.Int("events", len(encoded.ids)),
		zap.Int("status", result.StatusCode),
		zap.Float64("seconds", elapsed),
	}
	if result.Response != nil {
		fields = append(fields,
			zap.String("collector_status", result.Response.Status),
			zap.Int("added", result.Response.Added),
		)
	}
	d.logger.Info("chunk delivered", fields...)

	d.recordAttempt(ctx, storage.DispatchAttempt{
		ChunkSize:      len(encoded.ids),
		Result:         storage.DispatchResultSent,
		StatusCode:     result.StatusCode,
		IdempotencyKey: key,
	})
	d.metrics.Chunk(storage.DispatchResultSent, len(encoded.ids), elapsed)
	d.notifier.StateChanged()
	return encoded.ids, nil, dropped, nil
}

func (d *Dispatcher) onChunkFailure(ctx context.Context, ids []int64, key string, err error, elapsed float64) {
	statusCode := 0
	var statusErr *StatusError
	switch {
	case errors.As(err, &statusErr) && statusErr.Unauthorized():
		statusCode = statusErr.StatusCode
		d.logger.Warn("collector rejected credential", zap.Int("status", statusCode), zap.Int("events", len(ids)))
	case errors.As(err, &statusErr):
		statusCode = statusErr.StatusCode
		d.logger.Warn("chunk send failed", zap.Int("status", statusCode), zap.Int("events", len(ids)), zap.Error(err))
	case errors.Is(err, ErrCircuitOpen):
		d.logger.Info("collector circuit open, deferring chunk", zap.Int("events", len(ids)))
	default:
		d.logger.Warn("chunk send failed", zap.Int("events", len(ids)), zap.Error(err))
	}

	d.recordAttempt(ctx, storage.DispatchAttempt{
		ChunkSize:      len(ids),
		Result:         storage.DispatchResultFailed,
		StatusCode:     statusCode,
		Error:          err.Error(),
		IdempotencyKey: key,
	})
	d.metrics.Chunk(storage.DispatchResultFailed, len(ids), elapsed)
	d.retry.ScheduleOnce()
	d.notifier.StateChanged()
}

func (d *Dispatcher) recordAttempt(ctx context.Context, attempt storage.DispatchAttempt) {
	if d.attempts == nil {
		return
	}
	if err := d.attempts.LogDispatchAttempt(ctx, attempt); err != nil {
		d.logger.Warn("record dispatch attempt failed", zap.Error(err))
	}
}
