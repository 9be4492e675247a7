package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DB wraps the event log connection.
type DB struct {
	conn    *sql.DB
	driver  string
	dialect dialect
}

type dialect struct {
	sqlName    string // database/sql driver name
	idColumn   string
	dollarArgs bool
}

var dialects = map[string]dialect{
	DriverSQLite:   {sqlName: "sqlite3", idColumn: "INTEGER PRIMARY KEY AUTOINCREMENT"},
	DriverPostgres: {sqlName: "pgx", idColumn: "BIGSERIAL PRIMARY KEY", dollarArgs: true},
}

// Open opens or creates the event log. For SQLite, dsn is a file path (or
// ":memory:") whose parent directory is created if needed.
func Open(driver, dsn string) (*DB, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
	if driver == DriverSQLite && dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create directory for %s: %w", dsn, err)
		}
	}

	conn, err := sql.Open(d.sqlName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == DriverSQLite {
		conn.SetMaxOpenConns(1)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if driver == DriverSQLite {
		if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set journal mode: %w", err)
		}
	}
	return &DB{conn: conn, driver: driver, dialect: d}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Conn returns the underlying *sql.DB for advanced queries.
func (d *DB) Conn() *sql.DB {
	return d.conn
}

// Driver returns the storage driver name.
func (d *DB) Driver() string {
	return d.driver
}

// Rebind rewrites ? placeholders into the dialect's form.
func (d *DB) Rebind(query string) string {
	if !d.dialect.dollarArgs {
		return query
	}
	var b strings.Builder
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

func (d *DB) schemaV1() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS run_events (
    id          ` + d.dialect.idColumn + `,
    run_id      TEXT NOT NULL,
    event       TEXT NOT NULL,
    stage       TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER NOT NULL DEFAULT 0,
    detail      TEXT NOT NULL DEFAULT '',
    timestamp   TEXT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_event ON run_events(event, stage)`,
	}
}

// Migrate applies the database schema.
func (d *DB) Migrate() error {
	var count int
	err := d.conn.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = 1").Scan(&count)
	if err == nil && count > 0 {
		return nil
	}

	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range d.schemaV1() {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema v1: %w", err)
		}
	}
	if _, err := tx.Exec(d.Rebind("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)"), 1, now()); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// Reset drops all tables and re-applies the schema.
func (d *DB) Reset() error {
	tables := []string{"run_events", "schema_version"}
	for _, t := range tables {
		if _, err := d.conn.Exec("DROP TABLE IF EXISTS " + t); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	return d.Migrate()
}
