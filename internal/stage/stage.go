package stage

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lucasnoah/bugfactory/internal/pipeline"
)

// Stage names, in execution order.
const (
	LoadCode          = "load_code"
	CheckBugs         = "check_bugs"
	SuggestFixes      = "suggest_fixes"
	FixCode           = "fix_code"
	GenerateReport    = "generate_report"
	GenerateTestCases = "generate_test_cases"
)

// Order is the fixed stage sequence of every run.
var Order = []string{LoadCode, CheckBugs, SuggestFixes, FixCode, GenerateReport, GenerateTestCases}

// What the fix_code stage is given as "bugs".
const (
	FixContextSuggestion = "suggestion" // the most recent message, i.e. suggest_fixes output
	FixContextBugs       = "bugs"       // the check_bugs report
)

// Error identifies the stage a run failed in.
type Error struct {
	Stage string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Step is one completed stage as yielded by Engine.Stream.
type Step struct {
	RunID    string
	Stage    string
	Index    int // 0-based position in Order
	Update   pipeline.Update
	State    pipeline.State // state after the update was merged
	Artifact string         // path written by the stage, if any
	Duration time.Duration
}

// Event is a progress notification delivered to an Observer. Kind is one of
// the db.Event* names.
type Event struct {
	RunID    string
	Kind     string
	Stage    string
	Index    int
	Duration time.Duration
	Err      string
}

// Observer receives progress events. It is called synchronously from the
// goroutine running the pipeline and must not block.
type Observer func(Event)

// Files names the three artifacts a run writes.
type Files struct {
	FixedCode string
	Report    string
	TestCases string
}

// DefaultFiles returns the standard artifact names.
func DefaultFiles() Files {
	return Files{
		FixedCode: pipeline.DefaultFixedCodeFile,
		Report:    pipeline.DefaultReportFile,
		TestCases: pipeline.DefaultTestCasesFile,
	}
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}
