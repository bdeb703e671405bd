package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"smsrelay/auth"
	"smsrelay/config"
	"smsrelay/metrics"
	"smsrelay/models"
	"smsrelay/scheduler"
	"smsrelay/storage"
	"smsrelay/task"
)

type fakePipeline struct {
	pool  *task.Pool
	store *storage.Store

	mu         sync.Mutex
	captured   []models.MessageEvent
	scheduled  int
	persistErr error
}

func (f *fakePipeline) Capture(event models.MessageEvent) *task.Task[models.MessageEvent] {
	f.mu.Lock()
	f.captured = append(f.captured, event)
	persistErr := f.persistErr
	f.mu.Unlock()

	t := task.New(f.pool, func() (models.MessageEvent, error) {
		if persistErr != nil {
			return models.MessageEvent{}, persistErr
		}
		id, err := f.store.Persist(context.Background(), event)
		event.ID = id
		return event, err
	})
	t.OnError(func(error) {})
	return t.Run()
}

func (f *fakePipeline) ScheduleOnce() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled++
}

func (f *fakePipeline) PendingJobs() []scheduler.JobInfo {
	return []scheduler.JobInfo{{Name: "relay.cleanup", State: scheduler.JobIdle, Periodic: true}}
}

func (f *fakePipeline) Throttled() int      { return 3 }
func (f *fakePipeline) StateChanges() int64 { return 7 }

type fakeCredentials struct{ report auth.Report }

func (f fakeCredentials) LastReport() auth.Report { return f.report }

type fakeBreaker string

func (f fakeBreaker) BreakerState() string { return string(f) }

type apiHarness struct {
	server   *Server
	store    *storage.Store
	pipeline *fakePipeline
	settings *config.Holder
	metrics  *metrics.Metrics
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()

	logger := zaptest.NewLogger(t)
	store, err := storage.OpenPath(filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	pool := task.NewPool(2, logger)
	t.Cleanup(func() {
		pool.Close()
		_ = store.Close()
	})

	cfg, _, err := config.Load(t.TempDir())
	require.NoError(t, err)
	cfg.DeviceID = "device-1"
	settings := config.NewHolder(cfg, "")

	m := metrics.New(prometheus.NewRegistry())
	pipeline := &fakePipeline{pool: pool, store: store}
	server, err := New(Config{
		Pipeline: pipeline,
		Store:    store,
		Settings: settings,
		Credentials: fakeCredentials{report: auth.Report{
			CheckedAt: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
			Issues:    []string{"server URL is empty"},
		}},
		Breaker: fakeBreaker("closed"),
		Metrics: m,
		Logger:  logger,
	})
	require.NoError(t, err)
	server.now = func() time.Time { return time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC) }

	return &apiHarness{server: server, store: store, pipeline: pipeline, settings: settings, metrics: m}
}

func (h *apiHarness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestIngestArrayPersistsValidItems(t *testing.T) {
	h := newAPIHarness(t)

	payload := `[
		{"message_type":"sms","source":"+15550001","origin_timestamp":1717243200000,"body":"hello"},
		{"device_id":"tablet","message_type":"notification","source":"com.bank","origin_timestamp":"2024-06-01T11:00:00Z","body":"code 1234"},
		{"message_type":"fax","source":"+15550002","body":"nope"}
	]`
	rec := h.do(t, http.MethodPost, "/events", payload)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	resp := decodeBody[IngestResponse](t, rec)
	assert.Equal(t, 2, resp.Accepted)
	assert.Equal(t, 1, resp.Rejected)
	require.Len(t, resp.Errors, 1)
	assert.Contains(t, resp.Errors[0], "item 2")
	assert.Len(t, resp.BatchID, 36)

	rows, err := h.store.RecentTail(context.Background(), 30)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	devices := map[string]string{}
	for _, row := range rows {
		devices[row.Source] = row.DeviceID
		assert.False(t, row.Sent)
	}
	assert.Equal(t, map[string]string{"+15550001": "device-1", "com.bank": "tablet"}, devices)

	h.pipeline.mu.Lock()
	defer h.pipeline.mu.Unlock()
	require.Len(t, h.pipeline.captured, 2)
	assert.Equal(t, time.UnixMilli(1717243200000).UTC(), h.pipeline.captured[0].OriginTimestamp.UTC())
	assert.Equal(t, time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC), h.pipeline.captured[0].CapturedAt)
}

func TestIngestSingleObject(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/events", `{"message_type":"SMS","source":"+1555","body":"one"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	resp := decodeBody[IngestResponse](t, rec)
	assert.Equal(t, 1, resp.Accepted)
	assert.Zero(t, resp.Rejected)

	rec = h.do(t, http.MethodGet, "/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decodeBody[struct {
		Data []models.MessageEvent `json:"data"`
	}](t, rec)
	require.Len(t, listed.Data, 1)
	assert.Equal(t, models.MessageTypeSMS, listed.Data[0].MessageType)
	assert.Equal(t, "one", listed.Data[0].Body)
}

func TestIngestRejectsUndecodablePayloads(t *testing.T) {
	h := newAPIHarness(t)

	for _, body := range []string{"", "42", `[{"message_type":`, `{"source":`} {
		rec := h.do(t, http.MethodPost, "/events", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
	}
}

func TestIngestAllInvalidIsUnprocessable(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/events", `[
		{"message_type":"sms","source":"","body":"no source"},
		{"message_type":"sms","source":"+1","origin_timestamp":"yesterday","body":"bad time"}
	]`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decodeBody[IngestResponse](t, rec)
	assert.Zero(t, resp.Accepted)
	assert.Equal(t, 2, resp.Rejected)
}

func TestIngestPersistFailureIsRejected(t *testing.T) {
	h := newAPIHarness(t)
	h.pipeline.persistErr = errors.New("disk full")

	rec := h.do(t, http.MethodPost, "/events", `{"message_type":"sms","source":"+1","body":"x"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decodeBody[IngestResponse](t, rec)
	assert.Equal(t, 1, resp.Rejected)
	assert.Contains(t, resp.Errors[0], "disk full")
}

func TestResendSchedulesJob(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/resend", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	h.pipeline.mu.Lock()
	defer h.pipeline.mu.Unlock()
	assert.Equal(t, 1, h.pipeline.scheduled)
}

func TestStatus(t *testing.T) {
	h := newAPIHarness(t)
	_, err := h.store.Persist(context.Background(), models.MessageEvent{
		DeviceID:    "device-1",
		MessageType: models.MessageTypeSMS,
		Source:      "+1",
		CapturedAt:  time.Now(),
		Body:        "pending",
	})
	require.NoError(t, err)

	rec := h.do(t, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	status := decodeBody[StatusResponse](t, rec)
	assert.Equal(t, "device-1", status.DeviceID)
	assert.Equal(t, 1, status.Unsent)
	assert.Equal(t, 3, status.Throttled)
	assert.Equal(t, int64(7), status.StateChanges)
	assert.Equal(t, "closed", status.Breaker)
	assert.Equal(t, []string{"server URL is empty"}, status.CredentialIssues)
	require.NotNil(t, status.CredentialCheckedAt)
	require.Len(t, status.Jobs, 1)
	assert.Equal(t, "relay.cleanup", status.Jobs[0].Name)
}

func TestUpdateSettings(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPut, "/settings", `{"server_url":" https://collector.example ","server_key":"secret"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"server_url":"https://collector.example","server_key_set":true}`, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "secret")
	assert.Equal(t, "https://collector.example", h.settings.ServerURL())
	assert.Equal(t, "secret", h.settings.ServerKey())

	rec = h.do(t, http.MethodPut, "/settings", `{"server_key":""}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://collector.example", h.settings.ServerURL())
	assert.Empty(t, h.settings.ServerKey())

	rec = h.do(t, http.MethodPut, "/settings", `{"server_url":"ftp://collector"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "https://collector.example", h.settings.ServerURL())

	rec = h.do(t, http.MethodPut, "/settings", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDispatchLog(t *testing.T) {
	h := newAPIHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.LogDispatchAttempt(ctx, storage.DispatchAttempt{ChunkSize: 42, Result: storage.DispatchResultSent, StatusCode: 200}))
	require.NoError(t, h.store.LogDispatchAttempt(ctx, storage.DispatchAttempt{ChunkSize: 8, Result: storage.DispatchResultFailed, StatusCode: 502, Error: "bad gateway"}))

	rec := h.do(t, http.MethodGet, "/dispatch-log?result=failed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decodeBody[struct {
		Data []storage.DispatchAttempt `json:"data"`
	}](t, rec)
	require.Len(t, listed.Data, 1)
	assert.Equal(t, 8, listed.Data[0].ChunkSize)
	assert.Equal(t, "bad gateway", listed.Data[0].Error)

	rec = h.do(t, http.MethodGet, "/dispatch-log?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	listed = decodeBody[struct {
		Data []storage.DispatchAttempt `json:"data"`
	}](t, rec)
	assert.Len(t, listed.Data, 1)

	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/dispatch-log?result=lost", "").Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/dispatch-log?limit=-3", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	h.metrics.Persisted()

	rec := h.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "smsrelay_outbox_persisted_total 1")
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	h := newAPIHarness(t)
	h.server.http.Addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.server.ListenAndServe(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
