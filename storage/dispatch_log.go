package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// LogDispatchAttempt records one chunk attempt and applies retention pruning.
func (s *Store) LogDispatchAttempt(ctx context.Context, attempt DispatchAttempt) error {
	if attempt.Result == "" {
		return errors.New("result is required")
	}
	if err := validateDispatchResult(attempt.Result); err != nil {
		return err
	}
	if attempt.ChunkSize < 0 {
		return errors.New("chunk_size must be >= 0")
	}
	if attempt.Timestamp == 0 {
		attempt.Timestamp = nowUnixMilli()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dispatch_attempts (
			chunk_size,
			result,
			status_code,
			error,
			idempotency_key,
			timestamp
		) VALUES (?, ?, ?, ?, ?, ?)`,
		attempt.ChunkSize,
		attempt.Result,
		attempt.StatusCode,
		attempt.Error,
		attempt.IdempotencyKey,
		attempt.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert dispatch attempt %q: %w", attempt.Result, err)
	}

	if s.attemptRetention > 0 {
		cutoff := time.Now().Add(-s.attemptRetention).UnixMilli()
		if _, err := s.PruneDispatchAttempts(ctx, cutoff); err != nil {
			return fmt.Errorf("prune dispatch attempts: %w", err)
		}
	}

	return nil
}

// DispatchAttempts returns recent attempts, newest first, with optional filtering.
func (s *Store) DispatchAttempts(ctx context.Context, filter DispatchAttemptFilter) ([]DispatchAttempt, error) {
	if filter.Result != "" {
		if err := validateDispatchResult(filter.Result); err != nil {
			return nil, err
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := strings.Builder{}
	query.WriteString(`SELECT
		id,
		chunk_size,
		result,
		status_code,
		error,
		idempotency_key,
		timestamp
	FROM dispatch_attempts`)

	where := make([]string, 0, 3)
	args := make([]any, 0, 5)

	if filter.Result != "" {
		where = append(where, "result = ?")
		args = append(args, filter.Result)
	}
	if filter.FromTimestamp != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.FromTimestamp)
	}
	if filter.ToTimestamp != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, *filter.ToTimestamp)
	}

	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("get dispatch attempts: %w", err)
	}
	defer rows.Close()

	attempts := make([]DispatchAttempt, 0)
	for rows.Next() {
		attempt, err := scanDispatchAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dispatch attempt row: %w", err)
		}
		attempts = append(attempts, *attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dispatch attempt rows: %w", err)
	}

	return attempts, nil
}

// PruneDispatchAttempts removes attempts older than cutoffTimestamp.
func (s *Store) PruneDispatchAttempts(ctx context.Context, cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM dispatch_attempts WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune dispatch attempts: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for dispatch attempt prune: %w", err)
	}

	return rowsAffected, nil
}

func scanDispatchAttempt(row scanner) (*DispatchAttempt, error) {
	var attempt DispatchAttempt
	if err := row.Scan(
		&attempt.ID,
		&attempt.ChunkSize,
		&attempt.Result,
		&attempt.StatusCode,
		&attempt.Error,
		&attempt.IdempotencyKey,
		&attempt.Timestamp,
	); err != nil {
		return nil, err
	}
	return &attempt, nil
}
