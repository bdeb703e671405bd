package storage

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"smsrelay/models"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()

	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	store, _, err := Open(t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close test store: %v", err)
		}
	})
	return store
}

func mustPersist(t *testing.T, store *Store, source, body string, capturedAt time.Time) int64 {
	t.Helper()

	id, err := store.Persist(context.Background(), models.MessageEvent{
		DeviceID:        "device-test",
		MessageType:     models.MessageTypeSMS,
		Source:          source,
		CapturedAt:      capturedAt,
		OriginTimestamp: capturedAt.Add(-time.Minute),
		Body:            body,
	})
	if err != nil {
		t.Fatalf("persist %q: %v", body, err)
	}
	return id
}
