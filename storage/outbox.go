package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"smsrelay/models"
)

const messageColumns = `
	id,
	address_from,
	device_id,
	message_type,
	date_time,
	sms_date_time,
	body,
	is_sent`

// Persist durably inserts an event and returns its assigned id.
// CapturedAt defaults to now; both timestamps are stored in UTC at minute resolution.
func (s *Store) Persist(ctx context.Context, event models.MessageEvent) (int64, error) {
	if err := event.Validate(); err != nil {
		return 0, err
	}
	messageType, _ := models.ParseMessageType(string(event.MessageType))

	capturedAt := event.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = time.Now()
	}
	capturedAt = models.MinuteUTC(capturedAt)

	originAt := event.OriginTimestamp
	if originAt.IsZero() {
		originAt = capturedAt
	}
	originAt = models.MinuteUTC(originAt)

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (
			address_from,
			device_id,
			message_type,
			date_time,
			sms_date_time,
			body,
			is_sent
		) VALUES (?, ?, ?, ?, ?, ?, 0)`,
		event.Source,
		event.DeviceID,
		string(messageType),
		capturedAt.UnixMilli(),
		originAt.UnixMilli(),
		event.Body,
	)
	if err != nil {
		return 0, fmt.Errorf("insert message from %q: %w", event.Source, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read inserted message id: %w", err)
	}
	return id, nil
}

// GetMessage returns one outbox row by id.
func (s *Store) GetMessage(ctx context.Context, id int64) (*models.MessageEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT`+messageColumns+`
		FROM messages
		WHERE id = ?`,
		id,
	)

	event, err := scanMessageEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message %d: %w", id, err)
	}
	return event, nil
}

// MarkSent flags the given ids as sent. Already-sent and unknown ids are ignored.
func (s *Store) MarkSent(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark sent transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for start := 0; start < len(ids); start += markSentBatchSize {
		end := start + markSentBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		args := make([]any, 0, len(batch))
		for _, id := range batch {
			args = append(args, id)
		}
		query := `UPDATE messages SET is_sent = 1 WHERE is_sent = 0 AND id IN (` + placeholders(len(batch)) + `)`
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("mark %d messages sent: %w", len(batch), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mark sent transaction: %w", err)
	}
	return nil
}

// UnsentTail returns every unsent row, oldest first.
func (s *Store) UnsentTail(ctx context.Context) ([]models.MessageEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT`+messageColumns+`
		FROM messages
		WHERE is_sent = 0
		ORDER BY id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("get unsent messages: %w", err)
	}
	return collectMessageEvents(rows)
}

// RecentTail returns the most recently persisted rows, newest first.
// The limit is capped at RecentTailLimit.
func (s *Store) RecentTail(ctx context.Context, limit int) ([]models.MessageEvent, error) {
	if limit <= 0 || limit > RecentTailLimit {
		limit = RecentTailLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT`+messageColumns+`
		FROM messages
		ORDER BY id DESC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get recent messages: %w", err)
	}
	return collectMessageEvents(rows)
}

// CountUnsent returns the number of rows still waiting for acknowledgment.
func (s *Store) CountUnsent(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM messages WHERE is_sent = 0`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count unsent messages: %w", err)
	}
	return count, nil
}

// DeleteOlderThan removes rows captured before horizon regardless of sent state.
func (s *Store) DeleteOlderThan(ctx context.Context, horizon time.Time) (int64, error) {
	if horizon.IsZero() {
		return 0, errors.New("horizon is required")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE date_time < ?`, horizon.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete messages older than %s: %w", horizon.UTC().Format(time.RFC3339), err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for message cleanup: %w", err)
	}
	return rowsAffected, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("store is closed")
	}
	return s.db.PingContext(ctx)
}

func collectMessageEvents(rows *sql.Rows) ([]models.MessageEvent, error) {
	defer rows.Close()

	events := make([]models.MessageEvent, 0)
	for rows.Next() {
		event, err := scanMessageEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return events, nil
}

func scanMessageEvent(row scanner) (*models.MessageEvent, error) {
	var (
		event       models.MessageEvent
		messageType string
		capturedAt  int64
		originAt    int64
		isSent      int
	)
	if err := row.Scan(
		&event.ID,
		&event.Source,
		&event.DeviceID,
		&messageType,
		&capturedAt,
		&originAt,
		&event.Body,
		&isSent,
	); err != nil {
		return nil, err
	}

	event.MessageType = models.MessageType(messageType)
	event.CapturedAt = time.UnixMilli(capturedAt).UTC()
	event.OriginTimestamp = time.UnixMilli(originAt).UTC()
	event.Sent = isSent != 0
	return &event, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
