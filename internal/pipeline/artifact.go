package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
)

// IOError is a failed read of the input or write of an artifact.
type IOError struct {
	Op   string // "read" or "write"
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Default artifact filenames, overwritten on every run.
const (
	DefaultInputFile     = "input_code.py"
	DefaultFixedCodeFile = "fixed_code.py"
	DefaultReportFile    = "bug_report.txt"
	DefaultTestCasesFile = "test_cases.py"
)

// Writer persists stage outputs to files under a directory.
type Writer struct {
	dir string
}

// NewWriter creates a Writer rooted at dir ("" means the working directory).
func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

// Path resolves name against the writer's directory.
func (w *Writer) Path(name string) string {
	if w.dir == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(w.dir, name)
}

// Write overwrites the named file with content, creating it if absent.
func (w *Writer) Write(name, content string) (string, error) {
	path := w.Path(name)
	if err := WriteAtomic(path, []byte(content)); err != nil {
		return path, &IOError{Op: "write", Path: path, Err: err}
	}
	return path, nil
}

// ReadInput reads the source file a run starts from.
func ReadInput(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", &IOError{Op: "read", Path: path, Err: err}
	}
	return string(data), nil
}
