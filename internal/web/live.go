package web

import (
	"sync"
	"time"

	"github.com/lucasnoah/bugfactory/internal/db"
	"github.com/lucasnoah/bugfactory/internal/pipeline"
	"github.com/lucasnoah/bugfactory/internal/stage"
)

// liveRun is a web-triggered run held in memory for the process lifetime.
type liveRun struct {
	id       string
	filename string
	language string

	mu     sync.Mutex
	events []stage.Event
	state  pipeline.State
	err    error
	done   bool
	// changed is closed and replaced whenever events or done change.
	changed chan struct{}
}

func newLiveRun(id, filename, language string) *liveRun {
	return &liveRun{
		id:       id,
		filename: filename,
		language: language,
		changed:  make(chan struct{}),
	}
}

func (lr *liveRun) record(ev stage.Event) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	lr.events = append(lr.events, ev)
	lr.notifyLocked()
}

func (lr *liveRun) finish(state pipeline.State, err error) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	lr.state = state
	lr.err = err
	lr.done = true
	lr.notifyLocked()
}

func (lr *liveRun) notifyLocked() {
	close(lr.changed)
	lr.changed = make(chan struct{})
}

// since returns events from index i on, whether the run is done, and a
// channel that is closed on the next change.
func (lr *liveRun) since(i int) ([]stage.Event, bool, <-chan struct{}) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	var out []stage.Event
	if i < len(lr.events) {
		out = append(out, lr.events[i:]...)
	}
	return out, lr.done, lr.changed
}

// snapshot is a consistent copy of a live run for rendering.
type snapshot struct {
	events []stage.Event
	state  pipeline.State
	err    error
	done   bool
}

func (lr *liveRun) snapshot() snapshot {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return snapshot{
		events: append([]stage.Event(nil), lr.events...),
		state:  lr.state,
		err:    lr.err,
		done:   lr.done,
	}
}

// status maps a snapshot onto the run record statuses.
func (s snapshot) status() string {
	switch {
	case !s.done:
		return pipeline.StatusInProgress
	case s.err != nil:
		return pipeline.StatusFailed
	default:
		return pipeline.StatusCompleted
	}
}

// stageRows folds events into one row per stage.
func (s snapshot) stageRows() []StageRow {
	rows := make([]StageRow, len(stage.Order))
	for i, name := range stage.Order {
		rows[i] = StageRow{Name: name, Status: "pending"}
	}
	for _, ev := range s.events {
		if ev.Index < 0 || ev.Index >= len(rows) {
			continue
		}
		row := &rows[ev.Index]
		switch ev.Kind {
		case db.EventStageStarted:
			row.Status = "running"
		case db.EventStageCompleted:
			row.Status = "done"
			row.Duration = ev.Duration.Round(time.Millisecond).String()
		case db.EventStageFailed:
			row.Status = "failed"
			row.Duration = ev.Duration.Round(time.Millisecond).String()
			row.Error = ev.Err
		}
	}
	return rows
}
