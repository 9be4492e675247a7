package db

import (
	"path/filepath"
	"strings"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestMigrate(t *testing.T) {
	d, err := Open(DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()

	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	for _, table := range []string{"schema_version", "run_events"} {
		var name string
		err := d.conn.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}

	var version int
	if err := d.conn.QueryRow("SELECT version FROM schema_version").Scan(&version); err != nil {
		t.Fatalf("query schema_version: %v", err)
	}
	if version != 1 {
		t.Errorf("expected schema version 1, got %d", version)
	}

	// Migrate again should be idempotent
	if err := d.Migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestOpenFileCreatesDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "events.db")
	d, err := Open(DriverSQLite, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()
	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open("mysql", "x"); err == nil {
		t.Error("expected error for unknown driver")
	}
}

func TestRebind(t *testing.T) {
	sqlite := &DB{dialect: dialects[DriverSQLite]}
	pg := &DB{dialect: dialects[DriverPostgres]}
	q := "SELECT * FROM t WHERE a = ? AND b = ?"

	if got := sqlite.Rebind(q); got != q {
		t.Errorf("sqlite Rebind = %q, want unchanged", got)
	}
	want := "SELECT * FROM t WHERE a = $1 AND b = $2"
	if got := pg.Rebind(q); got != want {
		t.Errorf("postgres Rebind = %q, want %q", got, want)
	}
}

func TestPostgresSchemaUsesSerial(t *testing.T) {
	pg := &DB{dialect: dialects[DriverPostgres]}
	if !strings.Contains(strings.Join(pg.schemaV1(), "\n"), "BIGSERIAL PRIMARY KEY") {
		t.Error("postgres schema should use BIGSERIAL ids")
	}
}

func TestLogAndGetRunEvents(t *testing.T) {
	d := testDB(t)

	events := []struct {
		event, stage string
		ms           int64
	}{
		{EventRunStarted, "", 0},
		{EventStageStarted, "load_code", 0},
		{EventStageCompleted, "load_code", 3},
		{EventRunCompleted, "", 10},
	}
	for _, e := range events {
		if err := d.LogRunEvent("run-1", e.event, e.stage, e.ms, ""); err != nil {
			t.Fatalf("LogRunEvent: %v", err)
		}
	}
	d.LogRunEvent("run-2", EventRunStarted, "", 0, "other")

	got, err := d.GetRunEvents("run-1")
	if err != nil {
		t.Fatalf("GetRunEvents: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("got %d events, want 4", len(got))
	}
	if got[0].Event != EventRunStarted || got[3].Event != EventRunCompleted {
		t.Errorf("order = %s ... %s", got[0].Event, got[3].Event)
	}
	if got[2].Stage != "load_code" || got[2].DurationMs != 3 {
		t.Errorf("event[2] = %+v", got[2])
	}
	if got[0].Timestamp == "" {
		t.Error("timestamp should be set")
	}
}

func TestRecentEvents(t *testing.T) {
	d := testDB(t)
	for i := 0; i < 5; i++ {
		d.LogRunEvent("run-x", EventStageStarted, "check_bugs", 0, "")
	}
	d.LogRunEvent("run-y", EventRunFailed, "fix_code", 0, "boom")

	got, err := d.RecentEvents(3)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d events, want 3", len(got))
	}
	if got[0].RunID != "run-y" || got[0].Detail != "boom" {
		t.Errorf("newest = %+v, want run-y failure", got[0])
	}
}

func TestReset(t *testing.T) {
	d := testDB(t)
	d.LogRunEvent("run-1", EventRunStarted, "", 0, "")

	if err := d.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	got, err := d.GetRunEvents("run-1")
	if err != nil {
		t.Fatalf("GetRunEvents: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d events after reset, want 0", len(got))
	}
}
