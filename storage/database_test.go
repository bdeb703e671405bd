package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestOpenMigratesFreshDatabase(t *testing.T) {
	dataDir := t.TempDir()
	store, dbPath, err := Open(dataDir, WithCheckpointInterval(0))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	if want := filepath.Join(dataDir, DefaultDBFileName); dbPath != want {
		t.Fatalf("db path = %q, want %q", dbPath, want)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("database file missing: %v", err)
	}

	var version int
	if err := store.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		t.Fatalf("read user_version: %v", err)
	}
	if version != len(migrations) {
		t.Fatalf("schema version = %d, want %d", version, len(migrations))
	}

	var mode string
	if err := store.db.QueryRow("PRAGMA journal_mode;").Scan(&mode); err != nil {
		t.Fatalf("read journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("journal_mode = %q, want wal", mode)
	}

	var indexes int
	if err := store.db.QueryRow(
		"SELECT COUNT(1) FROM sqlite_master WHERE type='index' AND name LIKE 'idx_%'",
	).Scan(&indexes); err != nil {
		t.Fatalf("count indexes: %v", err)
	}
	if indexes != 4 {
		t.Fatalf("expected 4 indexes, got %d", indexes)
	}
}

func TestMessageTypeColumnRejectsUnknownValues(t *testing.T) {
	store := newTestStore(t)

	_, err := store.db.Exec(`INSERT INTO messages
		(address_from, device_id, date_time, sms_date_time, body, message_type)
		VALUES ('+1', 'd', 0, 0, 'x', 'fax')`)
	if err == nil {
		t.Fatalf("expected CHECK constraint to reject message_type 'fax'")
	}
}

func TestReopenKeepsUnsentRows(t *testing.T) {
	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	id := mustPersist(t, store, "+70000000000", "survives restart", time.Now())
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second Close = %v, want nil", err)
	}

	reopened, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	unsent, err := reopened.UnsentTail(context.Background())
	if err != nil {
		t.Fatalf("UnsentTail failed: %v", err)
	}
	if len(unsent) != 1 || unsent[0].ID != id {
		t.Fatalf("expected row %d after reopen, got %+v", id, unsent)
	}
}

func TestCheckpointLoopStopsOnClose(t *testing.T) {
	store, _, err := Open(t.TempDir(), WithCheckpointInterval(5*time.Millisecond))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	mustPersist(t, store, "+1", "wal traffic", time.Now())
	time.Sleep(20 * time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- store.Close() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Close did not return; checkpoint loop still running")
	}
}
