package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordersUpdateCollectors(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Persisted()
	m.Persisted()
	m.Deleted(3)
	m.Deleted(0)
	m.SetUnsent(5)
	m.Chunk("sent", 42, 0.2)
	m.Chunk("failed", 16, 0)
	m.Job("relay.resend", "ok")
	m.StateChanged()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.OutboxPersisted))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.OutboxDeleted))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.OutboxUnsent))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.DispatchEvents.WithLabelValues("sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DispatchChunks.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Jobs.WithLabelValues("relay.resend", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StateChanges))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Persisted()
		m.Deleted(1)
		m.SetUnsent(1)
		m.Chunk("sent", 1, 1)
		m.Job("x", "ok")
		m.StateChanged()
	})
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Persisted()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "smsrelay_outbox_persisted_total 1")
}
