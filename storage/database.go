package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const (
	// DefaultDBFileName is the outbox filename inside the data directory.
	DefaultDBFileName = "outbox.db"
	// DefaultWALCheckpointInterval is how often the WAL file is truncated.
	DefaultWALCheckpointInterval = 24 * time.Hour
	// DefaultDispatchAttemptRetention bounds how long attempt rows are kept.
	DefaultDispatchAttemptRetention = 7 * 24 * time.Hour
)

type migration struct {
	name string
	stmt string
}

// Applied in order; PRAGMA user_version records how many ran.
var migrations = []migration{
	{"create messages", `
CREATE TABLE IF NOT EXISTS messages (
  id            INTEGER PRIMARY KEY AUTOINCREMENT,
  address_from  TEXT NOT NULL,
  device_id     TEXT NOT NULL,
  date_time     INTEGER NOT NULL,
  sms_date_time INTEGER NOT NULL,
  body          TEXT NOT NULL,
  is_sent       INTEGER NOT NULL DEFAULT 0
);`},
	{"index messages by sent flag", `
CREATE INDEX IF NOT EXISTS idx_messages_is_sent ON messages (is_sent, id);`},
	{"index messages by capture time", `
CREATE INDEX IF NOT EXISTS idx_messages_date_time ON messages (date_time);`},
	{"add message type", `
ALTER TABLE messages ADD COLUMN message_type TEXT NOT NULL DEFAULT 'sms'
  CHECK(message_type IN ('sms','notification'));`},
	{"create dispatch attempts", `
CREATE TABLE IF NOT EXISTS dispatch_attempts (
  id              INTEGER PRIMARY KEY AUTOINCREMENT,
  chunk_size      INTEGER NOT NULL,
  result          TEXT NOT NULL CHECK(result IN ('sent','failed','skipped')),
  status_code     INTEGER NOT NULL DEFAULT 0,
  error           TEXT NOT NULL DEFAULT '',
  idempotency_key TEXT NOT NULL DEFAULT '',
  timestamp       INTEGER NOT NULL
);`},
	{"index attempts by time", `
CREATE INDEX IF NOT EXISTS idx_dispatch_attempts_time
  ON dispatch_attempts (timestamp DESC, id DESC);`},
	{"index attempts by result", `
CREATE INDEX IF NOT EXISTS idx_dispatch_attempts_result
  ON dispatch_attempts (result, timestamp DESC, id DESC);`},
}

// Option customizes a Store at open time.
type Option func(*Store)

// WithLogger sets the logger for background maintenance.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger.Named("storage")
		}
	}
}

// WithCheckpointInterval overrides DefaultWALCheckpointInterval. Zero or
// negative disables the periodic checkpoint.
func WithCheckpointInterval(interval time.Duration) Option {
	return func(s *Store) { s.checkpointInterval = interval }
}

// WithAttemptRetention overrides DefaultDispatchAttemptRetention.
func WithAttemptRetention(retention time.Duration) Option {
	return func(s *Store) {
		if retention > 0 {
			s.attemptRetention = retention
		}
	}
}

// Store is the durable outbox backed by SQLite.
type Store struct {
	db     *sql.DB
	logger *zap.Logger

	checkpointInterval time.Duration
	attemptRetention   time.Duration

	stopMaintenance context.CancelFunc
	maintenance     sync.WaitGroup
	closeOnce       sync.Once
}

// Open opens (or creates) outbox.db under dataDir.
func Open(dataDir string, opts ...Option) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath, opts...)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens SQLite at dbPath, switches it to WAL and migrates the schema.
func OpenPath(dbPath string, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	s := &Store{
		db:                 db,
		logger:             zap.NewNop(),
		checkpointInterval: DefaultWALCheckpointInterval,
		attemptRetention:   DefaultDispatchAttemptRetention,
	}
	for _, opt := range opts {
		opt(s)
	}

	steps := []func() error{db.Ping, s.enableWAL, s.migrate, s.checkpoint}
	for _, step := range steps {
		if err := step(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.stopMaintenance = cancel
	s.startCheckpointLoop(ctx)
	return s, nil
}

// Close stops background maintenance and closes the database. Repeated
// calls are no-ops.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		if s.stopMaintenance != nil {
			s.stopMaintenance()
		}
		s.maintenance.Wait()
		closeErr = s.db.Close()
	})
	return closeErr
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := version; i < len(migrations); i++ {
		m := migrations[i]
		if _, err := tx.Exec(m.stmt); err != nil {
			return fmt.Errorf("migration %d (%s): %w", i+1, m.name, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}

	s.logger.Info("schema migrated", zap.Int("from", version), zap.Int("to", len(migrations)))
	return nil
}

func (s *Store) enableWAL() error {
	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&mode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("enable WAL mode: journal mode is %q", mode)
	}
	return nil
}

func (s *Store) checkpoint() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

func (s *Store) startCheckpointLoop(ctx context.Context) {
	if s.checkpointInterval <= 0 {
		return
	}

	s.maintenance.Add(1)
	go func() {
		defer s.maintenance.Done()
		ticker := time.NewTicker(s.checkpointInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.checkpoint(); err != nil {
					s.logger.Warn("periodic checkpoint failed", zap.Error(err))
				}
			}
		}
	}()
}
