package statestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const kvSchemaSQLite = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at TIMESTAMP NOT NULL
);`

const kvSchemaPostgres = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);`

// SQLStore implements Store over a SQL database. Writes go through the writer
// pool; reads use the reader pool. For SQLite the writer is a single
// connection (WAL mode, serialized writes); for PostgreSQL both pools are the
// same *sqlx.DB since pgx pools internally.
type SQLStore struct {
	writer *sqlx.DB
	reader *sqlx.DB
	driver string
}

func newSQLStore(writer, reader *sqlx.DB, driver string) (*SQLStore, error) {
	s := &SQLStore{writer: writer, reader: reader, driver: driver}
	if err := s.init(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) init() error {
	schema := kvSchemaSQLite
	if s.driver == "pgx" {
		schema = kvSchemaPostgres
	}
	if _, err := s.writer.Exec(schema); err != nil {
		return fmt.Errorf("failed to create kv table: %w", err)
	}
	return nil
}

// Get returns the value for key.
func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	query := s.reader.Rebind("SELECT value FROM kv WHERE key = ?")
	err := s.reader.GetContext(ctx, &value, query, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %q: %w", key, err)
	}
	return value, true, nil
}

// Put writes the value for key. The upsert form is shared by SQLite and
// PostgreSQL.
func (s *SQLStore) Put(ctx context.Context, key string, value []byte) error {
	query := s.writer.Rebind(
		"INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?) " +
			"ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at")
	if _, err := s.writer.ExecContext(ctx, query, key, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to put %q: %w", key, err)
	}
	return nil
}

// Delete removes the key.
func (s *SQLStore) Delete(ctx context.Context, key string) error {
	query := s.writer.Rebind("DELETE FROM kv WHERE key = ?")
	if _, err := s.writer.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return nil
}

// List returns all entries whose key starts with prefix.
func (s *SQLStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	type row struct {
		Key   string `db:"key"`
		Value []byte `db:"value"`
	}
	var rows []row
	query := s.reader.Rebind(`SELECT key, value FROM kv WHERE key LIKE ? ESCAPE '\' ORDER BY key`)
	if err := s.reader.SelectContext(ctx, &rows, query, escapeLike(prefix)+"%"); err != nil {
		return nil, fmt.Errorf("failed to list prefix %q: %w", prefix, err)
	}
	out := make(map[string][]byte, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Value
	}
	return out, nil
}

// Close closes the writer and reader pools.
func (s *SQLStore) Close() error {
	wErr := s.writer.Close()
	// Avoid double-close when both pools share the same *sqlx.DB (Postgres).
	if s.reader != s.writer {
		if rErr := s.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}

// escapeLike escapes LIKE metacharacters so a key prefix matches literally.
func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
