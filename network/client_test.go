package network

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostChunkSendsHeadersAndParsesResponse(t *testing.T) {
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/base/add-sms", r.URL.Path)
		assert.Equal(t, ContentTypeJSON, r.Header.Get("Content-Type"))
		assert.Equal(t, "key-1", r.Header.Get(IdempotencyHeader))

		cookie, err := r.Cookie(AuthCookieName)
		require.NoError(t, err)
		assert.Equal(t, "secret-token", cookie.Value)

		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","added":2}`))
	}))
	defer server.Close()

	client := NewClient(ClientOptions{})
	result, err := client.PostChunk(context.Background(), ChunkRequest{
		ServerURL:      server.URL + "/base/",
		Credential:     "secret-token",
		IdempotencyKey: "key-1",
		Body:           []byte(`[{"tel":"1"},{"tel":"2"}]`),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, result.StatusCode)
	require.NotNil(t, result.Response)
	assert.Equal(t, "ok", result.Response.Status)
	assert.Equal(t, 2, result.Response.Added)
	assert.JSONEq(t, `[{"tel":"1"},{"tel":"2"}]`, string(gotBody))
}

func TestPostChunkToleratesMissingOrMalformedResponseBody(t *testing.T) {
	bodies := []string{"", "not json", `["unexpected"]`}
	for _, body := range bodies {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(body))
		}))

		result, err := NewClient(ClientOptions{}).PostChunk(context.Background(), ChunkRequest{
			ServerURL:  server.URL,
			Credential: "c",
			Body:       []byte(`[]`),
		})
		server.Close()

		require.NoErrorf(t, err, "body %q", body)
		assert.Nilf(t, result.Response, "body %q", body)
	}
}

func TestPostChunkReturnsStatusErrorForNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("token expired"))
	}))
	defer server.Close()

	_, err := NewClient(ClientOptions{}).PostChunk(context.Background(), ChunkRequest{
		ServerURL:  server.URL,
		Credential: "expired",
		Body:       []byte(`[]`),
	})
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	assert.True(t, statusErr.Unauthorized())
	assert.Contains(t, err.Error(), "token expired")
}

func TestPostChunkTimeoutIsTransportFailure(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	_, err := NewClient(ClientOptions{Timeout: 50 * time.Millisecond}).PostChunk(context.Background(), ChunkRequest{
		ServerURL:  server.URL,
		Credential: "c",
		Body:       []byte(`[]`),
	})
	require.Error(t, err)

	var statusErr *StatusError
	assert.False(t, errors.As(err, &statusErr))
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(ClientOptions{BreakerFailures: 2, BreakerTimeout: time.Hour})
	req := ChunkRequest{ServerURL: server.URL, Credential: "c", Body: []byte(`[]`)}

	for i := 0; i < 2; i++ {
		_, err := client.PostChunk(context.Background(), req)
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrCircuitOpen))
	}

	_, err := client.PostChunk(context.Background(), req)
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, "open", client.BreakerState())
}

func TestAddSMSURL(t *testing.T) {
	assert.Equal(t, "https://collector.example/add-sms", AddSMSURL("https://collector.example"))
	assert.Equal(t, "https://collector.example/api/add-sms", AddSMSURL(" https://collector.example/api/ "))
}

func TestRequestItemWireFormat(t *testing.T) {
	event := testEvent(7, "+79990000000", "Код 1234")
	item, err := NewRequestItem(event)
	require.NoError(t, err)

	raw, err := json.Marshal(item)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"device_id": "device-1",
		"message_type": "sms",
		"date_time": "2024-01-02 15:04 +0000",
		"sms_date_time": "2024-01-02 15:03 +0000",
		"tel": "+79990000000",
		"text": "Код 1234"
	}`, string(raw))
}
