package statestore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const (
	sqliteBusyTimeout = 5 * time.Second

	// sqliteReaderConns is the number of concurrent read connections. WAL
	// mode allows many readers alongside the single writer.
	sqliteReaderConns = 4
)

// OpenSQLiteStore opens (creating if needed) a SQLite-backed statestore with
// a single-connection writer pool and a multi-connection read-only pool.
func OpenSQLiteStore(path string) (*SQLStore, error) {
	normalized, err := normalizeSQLitePath(path)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}

	// Writer DSN settings:
	// - busy_timeout: wait briefly on locks to reduce transient "database is locked".
	// - journal_mode=WAL: read concurrency with a single writer.
	// - synchronous=NORMAL: reasonable durability/perf tradeoff for app workloads.
	writerDSN := fmt.Sprintf(
		"file:%s?_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		normalized,
		int(sqliteBusyTimeout/time.Millisecond),
	)
	writer, err := sqlx.Open("sqlite3", writerDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single writer connection: serializes writes and avoids SQLITE_BUSY.
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	readerDSN := fmt.Sprintf(
		"file:%s?_busy_timeout=%d&_cache=shared",
		normalized,
		int(sqliteBusyTimeout/time.Millisecond),
	)
	reader, err := sqlx.Open("sqlite3", readerDSN)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to open read pool: %w", err)
	}
	reader.SetMaxOpenConns(sqliteReaderConns)
	reader.SetMaxIdleConns(sqliteReaderConns)

	return newSQLStore(writer, reader, "sqlite3")
}

func normalizeSQLitePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("sqlite path must not be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	if dir := filepath.Dir(abs); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}
	return abs, nil
}
