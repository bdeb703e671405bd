// Package api serves the local status and capture-ingestion endpoints.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"smsrelay/auth"
	"smsrelay/config"
	"smsrelay/metrics"
	"smsrelay/models"
	"smsrelay/scheduler"
	"smsrelay/storage"
	"smsrelay/task"
)

const (
	// MaxBodyBytes caps a POST /events payload.
	MaxBodyBytes = 1 << 20
	// DefaultAttemptLimit is the /dispatch-log page size when none is given.
	DefaultAttemptLimit = 100

	shutdownTimeout = 5 * time.Second
)

// Pipeline is the relay surface the API drives.
type Pipeline interface {
	Capture(event models.MessageEvent) *task.Task[models.MessageEvent]
	ScheduleOnce()
	PendingJobs() []scheduler.JobInfo
	Throttled() int
	StateChanges() int64
}

// Store is the read side of the outbox.
type Store interface {
	RecentTail(ctx context.Context, limit int) ([]models.MessageEvent, error)
	CountUnsent(ctx context.Context) (int, error)
	DispatchAttempts(ctx context.Context, filter storage.DispatchAttemptFilter) ([]storage.DispatchAttempt, error)
	Ping(ctx context.Context) error
}

// Settings is the live collector configuration.
type Settings interface {
	Get() config.Config
	Update(fn func(*config.Config)) (config.Config, error)
}

// CredentialReporter exposes the last credential check.
type CredentialReporter interface {
	LastReport() auth.Report
}

// BreakerReporter exposes the collector circuit breaker state.
type BreakerReporter interface {
	BreakerState() string
}

// Config wires a Server. Credentials and Breaker are optional.
type Config struct {
	Addr        string
	Pipeline    Pipeline
	Store       Store
	Settings    Settings
	Credentials CredentialReporter
	Breaker     BreakerReporter
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// Server is the local HTTP API.
type Server struct {
	pipeline    Pipeline
	store       Store
	settings    Settings
	credentials CredentialReporter
	breaker     BreakerReporter
	metrics     *metrics.Metrics
	logger      *zap.Logger
	now         func() time.Time

	router chi.Router
	http   *http.Server
}

// New builds the router. Call ListenAndServe to start serving.
func New(cfg Config) (*Server, error) {
	if cfg.Pipeline == nil {
		return nil, errors.New("pipeline is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Settings == nil {
		return nil, errors.New("settings are required")
	}
	addr := cfg.Addr
	if addr == "" {
		addr = config.DefaultListenAddr
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		pipeline:    cfg.Pipeline,
		store:       cfg.Store,
		settings:    cfg.Settings,
		credentials: cfg.Credentials,
		breaker:     cfg.Breaker,
		metrics:     cfg.Metrics,
		logger:      logger.Named("api"),
		now:         time.Now,
	}
	s.router = s.routes()
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", s.Health)
	r.Get("/status", s.Status)
	r.Get("/messages", s.ListMessages)
	r.Get("/dispatch-log", s.ListDispatchAttempts)
	r.Post("/events", s.IngestEvents)
	r.Post("/resend", s.Resend)
	r.Put("/settings", s.UpdateSettings)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", zap.String("addr", s.http.Addr))
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("api stopped")
	return nil
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		s.logger.Debug("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}
