// Package database opens the Postgres or SQLite handle and applies the
// embedded schema migrations.
package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Driver selects the SQL back-end.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverSQLite   Driver = "sqlite"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// Open connects to the configured back-end and pings it.
func Open(ctx context.Context, driver Driver, dsn string) (*sql.DB, error) {
	switch driver {
	case DriverPostgres:
		return OpenPostgres(ctx, dsn)
	case DriverSQLite:
		return OpenSQLite(ctx, dsn)
	default:
		return nil, fmt.Errorf("database: unknown driver %q", driver)
	}
}

func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("database: open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database: ping postgres: %w", err)
	}
	return db, nil
}

// OpenSQLite opens path (or ":memory:") with immediate transactions, WAL and
// a busy timeout. The pool is limited to one connection: SQLite has a single
// writer, and an in-memory database exists per connection.
func OpenSQLite(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", SQLiteDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("database: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database: ping sqlite: %w", err)
	}
	return db, nil
}

// SQLiteDSN adds the connection parameters the ledger relies on.
func SQLiteDSN(dbPath string) string {
	if strings.Contains(dbPath, "?") {
		return dbPath
	}
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(1)")
	if dbPath != ":memory:" {
		q.Add("_pragma", "journal_mode(WAL)")
	}
	q.Set("_txlock", "immediate")
	return "file:" + dbPath + "?" + q.Encode()
}

// Migrate applies every embedded migration not yet recorded in
// xase_schema_migrations, in file-name order, each in its own transaction.
func Migrate(ctx context.Context, db *sql.DB, driver Driver) ([]string, error) {
	logger := slog.Default().With("component", "database")

	dir := path.Join("migrations", string(driver))
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return nil, fmt.Errorf("database: no migrations for %q: %w", driver, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS xase_schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("database: create migrations table: %w", err)
	}

	var applied []string
	for _, name := range names {
		version := strings.TrimSuffix(name, ".sql")

		var exists int
		if err := db.QueryRowContext(ctx, bind(driver, `SELECT COUNT(*) FROM xase_schema_migrations WHERE version = $1`), version).Scan(&exists); err != nil {
			return applied, fmt.Errorf("database: check %s: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		body, err := migrationsFS.ReadFile(path.Join(dir, name))
		if err != nil {
			return applied, err
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return applied, fmt.Errorf("database: begin %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			_ = tx.Rollback()
			return applied, fmt.Errorf("database: apply %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, bind(driver, `INSERT INTO xase_schema_migrations (version, applied_at) VALUES ($1, $2)`),
			version, time.Now().UTC().Format(time.RFC3339)); err != nil {
			_ = tx.Rollback()
			return applied, fmt.Errorf("database: record %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return applied, fmt.Errorf("database: commit %s: %w", version, err)
		}

		logger.InfoContext(ctx, "database.migration_applied", "driver", driver, "version", version)
		applied = append(applied, version)
	}
	return applied, nil
}

func bind(driver Driver, query string) string {
	if driver == DriverSQLite {
		return strings.ReplaceAll(query, "$", "?")
	}
	return query
}
