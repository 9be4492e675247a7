package db

import (
	"fmt"
	"time"
)

// Run event names.
const (
	EventRunStarted     = "run_started"
	EventStageStarted   = "stage_started"
	EventStageCompleted = "stage_completed"
	EventStageFailed    = "stage_failed"
	EventRunCompleted   = "run_completed"
	EventRunFailed      = "run_failed"
)

// TimestampFormat is how event timestamps are stored. It sorts lexically.
const TimestampFormat = "2006-01-02 15:04:05.000"

// RunEvent represents a row in the run_events table.
type RunEvent struct {
	ID         int64
	RunID      string
	Event      string
	Stage      string
	DurationMs int64
	Detail     string
	Timestamp  string
}

func now() string {
	return time.Now().UTC().Format(TimestampFormat)
}

// LogRunEvent inserts a run event stamped with the current time.
func (d *DB) LogRunEvent(runID, event, stage string, durationMs int64, detail string) error {
	_, err := d.conn.Exec(
		d.Rebind(`INSERT INTO run_events (run_id, event, stage, duration_ms, detail, timestamp) VALUES (?, ?, ?, ?, ?, ?)`),
		runID, event, stage, durationMs, detail, now(),
	)
	if err != nil {
		return fmt.Errorf("log run event: %w", err)
	}
	return nil
}

// GetRunEvents returns all events for a run, oldest first.
func (d *DB) GetRunEvents(runID string) ([]RunEvent, error) {
	return d.queryEvents(
		d.Rebind(`SELECT id, run_id, event, stage, duration_ms, detail, timestamp
		 FROM run_events WHERE run_id = ? ORDER BY id ASC`),
		runID,
	)
}

// RecentEvents returns the newest events across all runs, newest first.
func (d *DB) RecentEvents(limit int) ([]RunEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	return d.queryEvents(
		d.Rebind(`SELECT id, run_id, event, stage, duration_ms, detail, timestamp
		 FROM run_events ORDER BY id DESC LIMIT ?`),
		limit,
	)
}

func (d *DB) queryEvents(query string, args ...any) ([]RunEvent, error) {
	rows, err := d.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query run events: %w", err)
	}
	defer rows.Close()

	var events []RunEvent
	for rows.Next() {
		var e RunEvent
		if err := rows.Scan(&e.ID, &e.RunID, &e.Event, &e.Stage, &e.DurationMs, &e.Detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
