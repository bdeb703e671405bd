package storage

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// RecentTailLimit caps RecentTail results.
	RecentTailLimit = 30
	// markSentBatchSize bounds the number of placeholders per UPDATE.
	markSentBatchSize = 500
)

const (
	// DispatchResultSent means the collector acknowledged the chunk.
	DispatchResultSent = "sent"
	// DispatchResultFailed means the chunk failed and was left unsent.
	DispatchResultFailed = "failed"
	// DispatchResultSkipped means dispatch was not configured.
	DispatchResultSkipped = "skipped"
)

// DispatchAttempt is one recorded attempt to deliver a chunk.
type DispatchAttempt struct {
	ID             int64  `json:"id"`
	ChunkSize      int    `json:"chunk_size"`
	Result         string `json:"result"`
	StatusCode     int    `json:"status_code"`
	Error          string `json:"error,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

// DispatchAttemptFilter narrows DispatchAttempts queries.
type DispatchAttemptFilter struct {
	Result        string
	FromTimestamp *int64
	ToTimestamp   *int64
	Limit         int
	Offset        int
}

type scanner interface {
	Scan(dest ...any) error
}

func validateDispatchResult(result string) error {
	switch result {
	case DispatchResultSent, DispatchResultFailed, DispatchResultSkipped:
		return nil
	default:
		return fmt.Errorf("invalid dispatch result %q", result)
	}
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
