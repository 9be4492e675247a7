package pipeline

import (
	"errors"
	"fmt"

	"github.com/lucasnoah/bugfactory/internal/prompt"
)

// Field names a write-once slot of State.
type Field string

const (
	FieldNone      Field = ""
	FieldCode      Field = "code"
	FieldBugs      Field = "bugs"
	FieldFixedCode Field = "fixed_code"
	FieldReport    Field = "report"
	FieldTestCases Field = "test_cases"
)

// ErrFieldAlreadySet is returned when an update targets a field a prior stage
// already wrote.
var ErrFieldAlreadySet = errors.New("field already set")

// Update is the partial result of one stage: an optional field value plus
// exactly one message to append to the conversation.
type Update struct {
	Field   Field
	Value   string
	Message prompt.Message
}

// State is the record threaded through the pipeline. It is a value type:
// Apply returns a new State and never modifies the receiver.
type State struct {
	messages  []prompt.Message
	code      string
	bugs      string
	fixedCode string
	report    string
	testCases string
	set       map[Field]bool
}

// Empty returns the initial state of a run.
func Empty() State {
	return State{}
}

// Apply merges a stage's update into a copy of s.
func (s State) Apply(u Update) (State, error) {
	if u.Field != FieldNone && s.set[u.Field] {
		return s, fmt.Errorf("%s: %w", u.Field, ErrFieldAlreadySet)
	}

	next := s
	next.messages = make([]prompt.Message, len(s.messages), len(s.messages)+1)
	copy(next.messages, s.messages)
	next.messages = append(next.messages, u.Message)

	if u.Field == FieldNone {
		return next, nil
	}

	next.set = make(map[Field]bool, len(s.set)+1)
	for k, v := range s.set {
		next.set[k] = v
	}
	next.set[u.Field] = true

	switch u.Field {
	case FieldCode:
		next.code = u.Value
	case FieldBugs:
		next.bugs = u.Value
	case FieldFixedCode:
		next.fixedCode = u.Value
	case FieldReport:
		next.report = u.Value
	case FieldTestCases:
		next.testCases = u.Value
	default:
		return s, fmt.Errorf("unknown state field %q", u.Field)
	}
	return next, nil
}

// Messages returns a copy of the conversation history.
func (s State) Messages() []prompt.Message {
	out := make([]prompt.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the number of messages.
func (s State) Len() int {
	return len(s.messages)
}

// LastMessage returns the most recently appended message.
func (s State) LastMessage() (prompt.Message, bool) {
	if len(s.messages) == 0 {
		return prompt.Message{}, false
	}
	return s.messages[len(s.messages)-1], true
}

// IsSet reports whether a field has been written.
func (s State) IsSet(f Field) bool {
	return s.set[f]
}

func (s State) Code() string      { return s.code }
func (s State) Bugs() string      { return s.bugs }
func (s State) FixedCode() string { return s.fixedCode }
func (s State) Report() string    { return s.report }
func (s State) TestCases() string { return s.testCases }

// Get returns a field's value by name.
func (s State) Get(f Field) string {
	switch f {
	case FieldCode:
		return s.code
	case FieldBugs:
		return s.bugs
	case FieldFixedCode:
		return s.fixedCode
	case FieldReport:
		return s.report
	case FieldTestCases:
		return s.testCases
	}
	return ""
}

// Snapshot is an exported copy of State for rendering and JSON output.
type Snapshot struct {
	Messages  []prompt.Message `json:"messages"`
	Code      string           `json:"code"`
	Bugs      string           `json:"bugs"`
	FixedCode string           `json:"fixed_code"`
	Report    string           `json:"report"`
	TestCases string           `json:"test_cases"`
}

// Snapshot copies s into its exported form.
func (s State) Snapshot() Snapshot {
	return Snapshot{
		Messages:  s.Messages(),
		Code:      s.code,
		Bugs:      s.bugs,
		FixedCode: s.fixedCode,
		Report:    s.report,
		TestCases: s.testCases,
	}
}
