// Package sqldb is the SQL home of votes and tallies. The same statements run
// on PostgreSQL (lib/pq) and SQLite (modernc.org/sqlite).
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"vote-service/internal/util"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS consumed_tokens (
    token_id TEXT PRIMARY KEY,
    identity_key TEXT NOT NULL,
    project_id TEXT NOT NULL,
    consumed_at TIMESTAMP NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS votes (
    vote_id TEXT PRIMARY KEY,
    identity_key TEXT NOT NULL,
    project_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    cast_at TIMESTAMP NOT NULL,
    UNIQUE (identity_key, project_id)
)`,
	`CREATE INDEX IF NOT EXISTS idx_votes_project_id ON votes(project_id)`,
	`CREATE TABLE IF NOT EXISTS project_tallies (
    project_id TEXT PRIMARY KEY,
    vote_count BIGINT NOT NULL DEFAULT 0 CHECK (vote_count >= 0),
    version BIGINT NOT NULL DEFAULT 0,
    updated_at TIMESTAMP NOT NULL
)`,
}

// Open connects to driver and checks the connection. SQLite gets a single
// connection so writers queue in the pool instead of failing with SQLITE_BUSY.
func Open(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported ledger driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", driver, err)
	}

	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach %s: %w", driver, err)
	}

	util.Info("Ledger database connected", zap.String("driver", driver))
	return db, nil
}

// CreateSchema is safe to call on every start.
func CreateSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// rebind turns ? placeholders into $n for PostgreSQL.
func rebind(driver, query string) string {
	if driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
