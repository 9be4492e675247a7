package analytics

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/lucasnoah/bugfactory/internal/db"
	"github.com/lucasnoah/bugfactory/internal/stage"
)

// DB is the interface for database queries used by analytics.
type DB interface {
	Conn() *sql.DB
	Rebind(query string) string
}

// StageDuration holds duration stats for a stage.
type StageDuration struct {
	Stage string  `json:"stage"`
	Count int     `json:"count"`
	Avg   float64 `json:"avg_seconds"`
	P50   float64 `json:"p50_seconds"`
	P95   float64 `json:"p95_seconds"`
}

// timestamp formats to try when parsing timestamps from the database
var timestampFormats = []string{
	db.TimestampFormat,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, f := range timestampFormats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}

// QueryStageDurations returns average and percentile durations per stage,
// in pipeline order. Each stage_completed event is paired with the most
// recent stage_started event for the same run and stage. since, when set,
// keeps only completions at or after that timestamp.
func QueryStageDurations(database DB, since string) ([]StageDuration, error) {
	query := `
		SELECT run_id, event, stage, timestamp
		FROM run_events
		WHERE event IN (?, ?) AND stage != ''`
	args := []any{db.EventStageStarted, db.EventStageCompleted}
	if since != "" {
		query += ` AND timestamp >= ?`
		args = append(args, since)
	}
	query += ` ORDER BY id ASC`

	rows, err := database.Conn().Query(database.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query stage durations: %w", err)
	}
	defer rows.Close()

	type key struct{ run, stage string }
	started := make(map[key]time.Time)
	stageDurations := make(map[string][]float64)
	for rows.Next() {
		var runID, event, stageName, ts string
		if err := rows.Scan(&runID, &event, &stageName, &ts); err != nil {
			return nil, fmt.Errorf("scan stage duration: %w", err)
		}
		at, err := parseTimestamp(ts)
		if err != nil {
			continue
		}
		k := key{runID, stageName}
		if event == db.EventStageStarted {
			started[k] = at
			continue
		}
		start, ok := started[k]
		if !ok {
			continue
		}
		delete(started, k)
		if secs := at.Sub(start).Seconds(); secs >= 0 {
			stageDurations[stageName] = append(stageDurations[stageName], secs)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []StageDuration
	for stageName, durations := range stageDurations {
		sort.Float64s(durations)
		results = append(results, StageDuration{
			Stage: stageName,
			Count: len(durations),
			Avg:   avg(durations),
			P50:   percentile(durations, 50),
			P95:   percentile(durations, 95),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		oi, oj := stageIndex(results[i].Stage), stageIndex(results[j].Stage)
		if oi != oj {
			return oi < oj
		}
		return results[i].Stage < results[j].Stage
	})
	return results, nil
}

// stageIndex orders known stages by pipeline position and unknown ones last.
func stageIndex(name string) int {
	for i, s := range stage.Order {
		if s == name {
			return i
		}
	}
	return len(stage.Order)
}

// RunOutcomes summarises how runs ended.
type RunOutcomes struct {
	Total      int            `json:"total"`
	Completed  int            `json:"completed"`
	Failed     int            `json:"failed"`
	SuccessPct float64        `json:"success_pct"`
	FailedAt   []StageFailure `json:"failed_at"`
}

// StageFailure counts runs that stopped at a stage.
type StageFailure struct {
	Stage string `json:"stage"`
	Count int    `json:"count"`
}

// QueryRunOutcomes counts completed and failed runs and where failures
// happened.
func QueryRunOutcomes(database DB, since string) (*RunOutcomes, error) {
	query := `
		SELECT event, stage, COUNT(*)
		FROM run_events
		WHERE event IN (?, ?)`
	args := []any{db.EventRunCompleted, db.EventRunFailed}
	if since != "" {
		query += ` AND timestamp >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY event, stage`

	rows, err := database.Conn().Query(database.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query run outcomes: %w", err)
	}
	defer rows.Close()

	out := &RunOutcomes{FailedAt: []StageFailure{}}
	for rows.Next() {
		var event, stageName string
		var n int
		if err := rows.Scan(&event, &stageName, &n); err != nil {
			return nil, fmt.Errorf("scan run outcome: %w", err)
		}
		switch event {
		case db.EventRunCompleted:
			out.Completed += n
		case db.EventRunFailed:
			out.Failed += n
			out.FailedAt = append(out.FailedAt, StageFailure{Stage: stageName, Count: n})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out.Total = out.Completed + out.Failed
	out.SuccessPct = pct(out.Completed, out.Total)
	sort.Slice(out.FailedAt, func(i, j int) bool {
		if out.FailedAt[i].Count != out.FailedAt[j].Count {
			return out.FailedAt[i].Count > out.FailedAt[j].Count
		}
		return stageIndex(out.FailedAt[i].Stage) < stageIndex(out.FailedAt[j].Stage)
	})
	return out, nil
}

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
