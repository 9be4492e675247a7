package pipeline

// Run statuses.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// RunRecord is the persisted bookkeeping for one pipeline run. It records what
// happened, not the conversation itself.
type RunRecord struct {
	ID           string              `json:"id"`
	InputPath    string              `json:"input_path"`
	Language     string              `json:"language,omitempty"`
	Model        string              `json:"model,omitempty"`
	FixContext   string              `json:"fix_context,omitempty"`
	Status       string              `json:"status"`
	CurrentStage string              `json:"current_stage"`
	StageHistory []StageHistoryEntry `json:"stage_history"`
	Artifacts    map[string]string   `json:"artifacts,omitempty"` // field -> path
	Error        string              `json:"error,omitempty"`
	CreatedAt    string              `json:"created_at"`
	UpdatedAt    string              `json:"updated_at"`
}

// StageHistoryEntry records the outcome of one stage.
type StageHistoryEntry struct {
	Stage    string `json:"stage"`
	Outcome  string `json:"outcome"` // "success" or "fail"
	Duration string `json:"duration"`
	Chars    int    `json:"chars,omitempty"` // length of the stage's output
}

// Done reports whether the run has finished, successfully or not.
func (r *RunRecord) Done() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}
