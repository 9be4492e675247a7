package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/lucasnoah/bugfactory/internal/budget"
	"github.com/lucasnoah/bugfactory/internal/config"
	"github.com/lucasnoah/bugfactory/internal/db"
	"github.com/lucasnoah/bugfactory/internal/pipeline"
	"github.com/lucasnoah/bugfactory/internal/prompt"
	"github.com/lucasnoah/bugfactory/internal/stage"
)

// resetFlags puts every flag in the tree back to its default so one
// invocation's flags (--help included) do not leak into the next.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

func executeCommand(args ...string) (string, error) {
	resetFlags(rootCmd)
	cfg, logger = nil, nil
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

// testEnv is a config file whose paths all point into a temp dir.
type testEnv struct {
	dir        string
	configPath string
	runsDir    string
	promptsDir string
	dbPath     string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	env := testEnv{
		dir:        dir,
		configPath: filepath.Join(dir, "bugfactory.yaml"),
		runsDir:    filepath.Join(dir, "runs"),
		promptsDir: filepath.Join(dir, "prompts"),
		dbPath:     filepath.Join(dir, "events.db"),
	}
	content := fmt.Sprintf(`
llm:
  api_key_env: BUGFACTORY_TEST_KEY
paths:
  output_dir: %s
  prompts_dir: %s
  runs_dir: %s
storage:
  driver: sqlite
  dsn: %s
log:
  level: error
`, filepath.Join(dir, "out"), env.promptsDir, env.runsDir, env.dbPath)
	if err := os.WriteFile(env.configPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BUGFACTORY_TEST_KEY", "")
	return env
}

func TestVersionCommand(t *testing.T) {
	SetVersion("test-version")
	out, err := executeCommand("version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "test-version") {
		t.Errorf("expected version output to contain 'test-version', got: %s", out)
	}
}

func TestRootHelp(t *testing.T) {
	out, err := executeCommand("--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedSubcommands := []string{
		"run", "serve", "config", "prompts", "runs", "analytics", "db", "version",
	}
	for _, sub := range expectedSubcommands {
		if !strings.Contains(out, sub) {
			t.Errorf("help output missing subcommand %q", sub)
		}
	}
}

func TestSubcommandHelp(t *testing.T) {
	cases := [][]string{
		{"run"}, {"serve"},
		{"config", "validate"}, {"config", "show"},
		{"prompts", "list"}, {"prompts", "show"}, {"prompts", "install"},
		{"runs", "list"}, {"runs", "show"}, {"runs", "delete"}, {"runs", "events"},
		{"analytics", "stage-duration"}, {"analytics", "outcomes"},
		{"db", "migrate"}, {"db", "reset"},
	}
	for _, c := range cases {
		out, err := executeCommand(append(c, "--help")...)
		if err != nil {
			t.Errorf("%v --help failed: %v", c, err)
		}
		if out == "" {
			t.Errorf("%v --help produced no output", c)
		}
	}
}

func TestHelpDoesNotLeakIntoNextRun(t *testing.T) {
	env := newTestEnv(t)
	if _, err := executeCommand("config", "validate", "--help"); err != nil {
		t.Fatal(err)
	}
	out, err := executeCommand("config", "validate", "--config", env.configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Configuration is valid.") {
		t.Errorf("validate after --help printed %q", out)
	}

	if _, err := executeCommand("db", "migrate", "--help"); err != nil {
		t.Fatal(err)
	}
	out, err = executeCommand("db", "migrate", "--config", env.configPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "up to date") {
		t.Errorf("db migrate after --help printed %q", out)
	}
}

func TestRunFlagsListed(t *testing.T) {
	out, err := executeCommand("run", "--help")
	if err != nil {
		t.Fatal(err)
	}
	for _, flag := range []string{"--fix-context", "--max-tokens", "--model", "--output-dir", "--retries", "--format", "--config", "--verbose"} {
		if !strings.Contains(out, flag) {
			t.Errorf("run --help missing %s", flag)
		}
	}
}

func TestEventLogDocumentedAsOptional(t *testing.T) {
	for _, name := range []string{"run", "serve"} {
		out, err := executeCommand(name, "--help")
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(out, "The event log is\noptional") {
			t.Errorf("%s --help does not say the event log is optional:\n%s", name, out)
		}
	}
}

func TestRunWithUnreachableEventLog(t *testing.T) {
	env := newTestEnv(t)
	c, err := config.Load(env.configPath)
	if err != nil {
		t.Fatal(err)
	}
	blocker := filepath.Join(env.dir, "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	c.Storage.DSN = filepath.Join(blocker, "events.db")
	t.Setenv("BUGFACTORY_TEST_KEY", "k")

	a, err := newApp(c, zap.NewNop())
	if err != nil {
		t.Fatalf("newApp with an unusable event log: %v", err)
	}
	defer a.Close()
	if a.db != nil {
		t.Error("expected the event log to be skipped")
	}
	if a.engine == nil {
		t.Error("engine not built")
	}
}

func TestConfigValidate(t *testing.T) {
	env := newTestEnv(t)
	out, err := executeCommand("config", "validate", "--config", env.configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Configuration is valid.") {
		t.Errorf("output = %q", out)
	}
	if !strings.Contains(out, "BUGFACTORY_TEST_KEY is not set") {
		t.Errorf("expected missing key warning, got %q", out)
	}
}

func TestConfigValidateReportsErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("pipeline:\n  fix_context: everything\nlog:\n  level: error\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := executeCommand("config", "validate", "--config", path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(out, "fix_context") {
		t.Errorf("output = %q, want mention of fix_context", out)
	}
}

func TestConfigShow(t *testing.T) {
	env := newTestEnv(t)
	out, err := executeCommand("config", "show", "--config", env.configPath)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"api_key_env: BUGFACTORY_TEST_KEY", "fix_context: suggestion", "max_tokens: 10000"} {
		if !strings.Contains(out, want) {
			t.Errorf("config show missing %q:\n%s", want, out)
		}
	}
	// Sampling is always at the minimum temperature; there is no knob for it.
	if strings.Contains(out, "temperature") {
		t.Errorf("config show lists a temperature setting:\n%s", out)
	}
}

func TestConfigMissingFile(t *testing.T) {
	_, err := executeCommand("config", "show", "--config", filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestPromptsListShowInstall(t *testing.T) {
	env := newTestEnv(t)

	out, err := executeCommand("prompts", "list", "--config", env.configPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "bug_check") || !strings.Contains(out, "builtin") {
		t.Errorf("prompts list = %q", out)
	}

	out, err = executeCommand("prompts", "show", "fix_code", "--config", env.configPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "## system") || !strings.Contains(out, "{{code}}") {
		t.Errorf("prompts show = %q", out)
	}

	if _, err := executeCommand("prompts", "show", "nope", "--config", env.configPath); err == nil {
		t.Error("expected error for unknown template")
	}

	out, err = executeCommand("prompts", "install", "--config", env.configPath)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Count(out, "wrote ") != 5 {
		t.Errorf("install output = %q, want 5 files written", out)
	}
	out, err = executeCommand("prompts", "install", "--config", env.configPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "already present") {
		t.Errorf("second install = %q", out)
	}

	out, err = executeCommand("prompts", "list", "--config", env.configPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "override") {
		t.Errorf("prompts list after install = %q", out)
	}
}

func TestRunsListShowDelete(t *testing.T) {
	env := newTestEnv(t)

	out, err := executeCommand("runs", "list", "--config", env.configPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "No runs found.") {
		t.Errorf("empty list = %q", out)
	}

	store := pipeline.NewStore(env.runsDir)
	if _, err := store.Create(pipeline.RunRecord{
		ID:         "run-1",
		InputPath:  "calc.py",
		FixContext: config.FixContextSuggestion,
		Status:     pipeline.StatusFailed,
		Error:      "stage check_bugs: rate limited",
		StageHistory: []pipeline.StageHistoryEntry{
			{Stage: "load_code", Outcome: "success", Duration: "1ms", Chars: 12},
		},
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.SavePrompt("run-1", "check_bugs", "## system\n\nfind bugs"); err != nil {
		t.Fatal(err)
	}

	out, err = executeCommand("runs", "list", "--config", env.configPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "run-1") || !strings.Contains(out, "failed") {
		t.Errorf("runs list = %q", out)
	}

	out, err = executeCommand("runs", "show", "run-1", "--prompt", "check_bugs", "--config", env.configPath)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Status:        failed", "rate limited", "load_code", "find bugs"} {
		if !strings.Contains(out, want) {
			t.Errorf("runs show missing %q:\n%s", want, out)
		}
	}

	if _, err := executeCommand("runs", "delete", "run-1", "--config", env.configPath); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get("run-1"); err == nil {
		t.Error("run-1 still present after delete")
	}
	if _, err := executeCommand("runs", "delete", "run-1", "--config", env.configPath); err == nil {
		t.Error("expected error deleting a missing run")
	}
}

func TestAnalyticsOutcomes(t *testing.T) {
	env := newTestEnv(t)

	out, err := executeCommand("db", "migrate", "--config", env.configPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "up to date") {
		t.Errorf("db migrate = %q", out)
	}

	d, err := db.Open(db.DriverSQLite, env.dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.LogRunEvent("a", db.EventRunCompleted, "", 1200, ""); err != nil {
		t.Fatal(err)
	}
	if err := d.LogRunEvent("b", db.EventRunFailed, "check_bugs", 300, "boom"); err != nil {
		t.Fatal(err)
	}
	d.Close()

	out, err = executeCommand("analytics", "outcomes", "--config", env.configPath, "--since", "24h", "--format", "text")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Runs:      2", "Completed: 1 (50.0%)", "check_bugs"} {
		if !strings.Contains(out, want) {
			t.Errorf("outcomes missing %q:\n%s", want, out)
		}
	}

	out, err = executeCommand("analytics", "outcomes", "--config", env.configPath, "--since", "", "--format", "json")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"failed": 1`) {
		t.Errorf("json outcomes = %q", out)
	}

	out, err = executeCommand("analytics", "stage-duration", "--config", env.configPath, "--format", "text")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "No completed stages recorded.") {
		t.Errorf("stage-duration = %q", out)
	}
}

func TestRunsEvents(t *testing.T) {
	env := newTestEnv(t)

	out, err := executeCommand("runs", "events", "--config", env.configPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "No events recorded.") {
		t.Errorf("empty events = %q", out)
	}

	d, err := db.Open(db.DriverSQLite, env.dbPath)
	if err != nil {
		t.Fatal(err)
	}
	for _, ev := range []struct{ run, event, stage string }{
		{"run-a", db.EventRunStarted, ""},
		{"run-a", db.EventStageCompleted, "load_code"},
		{"run-b", db.EventRunStarted, ""},
	} {
		if err := d.LogRunEvent(ev.run, ev.event, ev.stage, 1500, ""); err != nil {
			t.Fatal(err)
		}
	}
	d.Close()

	out, err = executeCommand("runs", "events", "run-a", "--config", env.configPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "load_code") || !strings.Contains(out, "1.5s") || strings.Contains(out, "run-b") {
		t.Errorf("events for run-a = %q", out)
	}

	out, err = executeCommand("runs", "events", "--limit", "1", "--config", env.configPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "run-b") || strings.Contains(out, "run-a") {
		t.Errorf("newest event = %q", out)
	}
}

func TestNewRunResult(t *testing.T) {
	e, err := stage.NewEngine(stage.Options{
		Client: stubClient{},
		Budget: budget.Fixed(budget.New(nil, 10)),
		Writer: pipeline.NewWriter("out"),
	})
	if err != nil {
		t.Fatal(err)
	}
	state := pipeline.Empty()
	for _, u := range []pipeline.Update{
		{Field: pipeline.FieldCode, Value: "x = 1", Message: prompt.Human("x = 1")},
		{Field: pipeline.FieldBugs, Value: "none", Message: prompt.Assistant("none")},
	} {
		if state, err = state.Apply(u); err != nil {
			t.Fatal(err)
		}
	}

	res := newRunResult("run-1", e, state, &stage.Error{Stage: stage.SuggestFixes, Err: errors.New("rate limited")})
	if res.Status != pipeline.StatusFailed || res.FailedStage != stage.SuggestFixes {
		t.Errorf("status = %q, failed stage = %q", res.Status, res.FailedStage)
	}
	if res.Messages != 2 || res.State.Code != "x = 1" || res.State.Bugs != "none" {
		t.Errorf("state = %+v", res.State)
	}
	if len(res.Artifacts) != 0 {
		t.Errorf("artifacts = %v, want none before fix_code", res.Artifacts)
	}

	data, err := json.Marshal(res)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"state":{"messages":[`) {
		t.Errorf("json = %s", data)
	}
}

type stubClient struct{}

func (stubClient) Complete(context.Context, []prompt.Message) (string, error) { return "", nil }

func TestDBResetRequiresConfirmation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := executeCommand("db", "reset", "--config", env.configPath, "--yes=false"); err == nil {
		t.Fatal("expected reset without --yes to fail")
	}
	out, err := executeCommand("db", "reset", "--config", env.configPath, "--yes")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Event log reset.") {
		t.Errorf("db reset = %q", out)
	}
}

func TestRunWithoutAPIKey(t *testing.T) {
	env := newTestEnv(t)
	input := filepath.Join(env.dir, "calc.py")
	if err := os.WriteFile(input, []byte("print(1/0)"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := executeCommand("run", input, "--config", env.configPath, "--format", "text")
	if err == nil {
		t.Fatal("expected error without an API key")
	}
	if !strings.Contains(err.Error(), "BUGFACTORY_TEST_KEY") {
		t.Errorf("error = %v, want it to name the key variable", err)
	}
}

func TestRunRejectsBadFormat(t *testing.T) {
	env := newTestEnv(t)
	_, err := executeCommand("run", "x.py", "--config", env.configPath, "--format", "yaml")
	if err == nil || !strings.Contains(err.Error(), "unknown format") {
		t.Errorf("err = %v, want unknown format", err)
	}
}

func TestApplyRunFlags(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().String("fix-context", "", "")
	cmd.Flags().Int("max-tokens", 0, "")
	cmd.Flags().String("model", "", "")
	cmd.Flags().String("output-dir", "", "")
	cmd.Flags().Int("retries", 0, "")
	if err := cmd.Flags().Parse([]string{"--fix-context", "bugs", "--max-tokens", "50", "--retries", "2"}); err != nil {
		t.Fatal(err)
	}

	c := config.Default()
	if err := applyRunFlags(cmd, c); err != nil {
		t.Fatal(err)
	}
	if c.Pipeline.FixContext != "bugs" {
		t.Errorf("FixContext = %q, want bugs", c.Pipeline.FixContext)
	}
	if c.Budget.MaxTokens != 50 {
		t.Errorf("MaxTokens = %d, want 50", c.Budget.MaxTokens)
	}
	if c.LLM.Retry.MaxTries != 3 {
		t.Errorf("MaxTries = %d, want 3", c.LLM.Retry.MaxTries)
	}
	if c.LLM.Model != config.Default().LLM.Model {
		t.Errorf("unset --model changed Model to %q", c.LLM.Model)
	}
}

func TestParseSince(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"24h", 24 * time.Hour, false},
		{"90m", 90 * time.Minute, false},
		{"7d", 7 * 24 * time.Hour, false},
		{"xd", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		got, err := parseSince(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseSince(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseSince(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestPrintRunResult(t *testing.T) {
	res := runResult{
		Status:    pipeline.StatusCompleted,
		Artifacts: map[string]string{"fixed_code": "out/fixed_code.py"},
	}
	buf := new(bytes.Buffer)
	printRunResult(buf, res)
	if !strings.Contains(buf.String(), "Run completed") || !strings.Contains(buf.String(), "out/fixed_code.py") {
		t.Errorf("printRunResult = %q", buf.String())
	}

	res.Status = pipeline.StatusFailed
	res.Error = "stage fix_code: boom"
	buf.Reset()
	printRunResult(buf, res)
	if !strings.Contains(buf.String(), "Run failed") || !strings.Contains(buf.String(), "Written before the failure") {
		t.Errorf("printRunResult failed = %q", buf.String())
	}
}
