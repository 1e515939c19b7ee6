package statestore

import (
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

// OpenPostgresStore opens a PostgreSQL-backed statestore using pgx.
// If maxConns or minConns are 0, they default to 25 and 5 respectively.
func OpenPostgresStore(dsn string, maxConns, minConns int) (*SQLStore, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 25
	}
	if minConns <= 0 {
		minConns = 5
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(minConns)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	// pgx pools internally; reads and writes share the pool.
	return newSQLStore(db, db, "pgx")
}
