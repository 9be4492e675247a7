package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"
)

// runIDRe guards against path traversal through run IDs.
var runIDRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// Store manages run records on disk.
type Store struct {
	baseDir string
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// OpenStore returns a Store at dir, creating the directory if needed.
func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &Store{baseDir: dir}, nil
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

func (s *Store) runDir(id string) string {
	return filepath.Join(s.baseDir, id)
}

func (s *Store) recordPath(id string) string {
	return filepath.Join(s.runDir(id), "run.json")
}

func (s *Store) stageDir(id, stage string) string {
	return filepath.Join(s.runDir(id), "stages", stage)
}

func validID(id string) error {
	if !runIDRe.MatchString(id) {
		return fmt.Errorf("invalid run id %q", id)
	}
	return nil
}

// Create initialises a new run record on disk.
func (s *Store) Create(rec RunRecord) (*RunRecord, error) {
	if err := validID(rec.ID); err != nil {
		return nil, err
	}
	dir := s.runDir(rec.ID)
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("run %s already exists", rec.ID)
	}
	if err := os.MkdirAll(filepath.Join(dir, "stages"), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir stages: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	if rec.StageHistory == nil {
		rec.StageHistory = []StageHistoryEntry{}
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now

	if err := WriteJSON(s.recordPath(rec.ID), &rec); err != nil {
		return nil, fmt.Errorf("write run.json: %w", err)
	}
	return &rec, nil
}

// Get reads a run record.
func (s *Store) Get(id string) (*RunRecord, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	var rec RunRecord
	if err := ReadJSON(s.recordPath(id), &rec); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("run %s not found", id)
		}
		return nil, err
	}
	return &rec, nil
}

// Update performs a read-modify-write of a run record.
func (s *Store) Update(id string, fn func(*RunRecord)) error {
	rec, err := s.Get(id)
	if err != nil {
		return err
	}
	fn(rec)
	rec.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	return WriteJSON(s.recordPath(id), rec)
}

// List returns all runs, newest first, optionally filtered by status.
// Pass "" for statusFilter to return all runs.
func (s *Store) List(statusFilter string) ([]RunRecord, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", s.baseDir, err)
	}

	var runs []RunRecord
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		rec, err := s.Get(entry.Name())
		if err != nil {
			continue // skip broken entries
		}
		if statusFilter == "" || rec.Status == statusFilter {
			runs = append(runs, *rec)
		}
	}

	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].CreatedAt != runs[j].CreatedAt {
			return runs[i].CreatedAt > runs[j].CreatedAt
		}
		return runs[i].ID < runs[j].ID
	})
	return runs, nil
}

// Delete removes all data for a run.
func (s *Store) Delete(id string) error {
	if err := validID(id); err != nil {
		return err
	}
	dir := s.runDir(id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("run %s not found", id)
	}
	return os.RemoveAll(dir)
}

// SavePrompt writes the rendered prompt sent to the model for a stage.
func (s *Store) SavePrompt(id, stage, prompt string) error {
	if err := validID(id); err != nil {
		return err
	}
	return WriteAtomic(filepath.Join(s.stageDir(id, stage), "prompt.md"), []byte(prompt))
}

// GetPrompt reads the saved prompt for a stage.
func (s *Store) GetPrompt(id, stage string) (string, error) {
	if err := validID(id); err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(s.stageDir(id, stage), "prompt.md"))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
