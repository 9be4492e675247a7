package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/bugfactory/internal/config"
	"github.com/lucasnoah/bugfactory/internal/pipeline"
	"github.com/lucasnoah/bugfactory/internal/stage"
)

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Run the review pipeline on a source file",
	Long: `Run the six-stage pipeline on one source file:

  load_code → check_bugs → suggest_fixes → fix_code → generate_report → generate_test_cases

The file is truncated to the token budget before it is sent. Without an
argument the configured input path (paths.input) is used. Fixed code, the
report and the test cases are written to the output directory, overwriting
any previous run.

Stage events also go to the event log (storage.dsn). The event log is
optional: if it cannot be opened the run continues without it.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		if format != "text" && format != "json" {
			return fmt.Errorf("unknown format %q (want text or json)", format)
		}
		if err := applyRunFlags(cmd, cfg); err != nil {
			return err
		}
		if err := validate(cfg); err != nil {
			return err
		}

		input := cfg.Paths.Input
		if len(args) == 1 {
			input = args[0]
		}

		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		if format == "text" {
			fmt.Fprintln(cmd.ErrOrStderr(), styleTitle.Render("bugfactory")+" "+styleMuted.Render(input))
			a.engine.SetProgress(cmd.ErrOrStderr())
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		runID := stage.NewRunID()
		state, runErr := a.engine.RunWith(ctx, stage.RunOpts{InputPath: input, RunID: runID})
		res := newRunResult(runID, a.engine, state, runErr)

		if format == "json" {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
		} else {
			printRunResult(cmd.OutOrStdout(), res)
		}
		return runErr
	},
}

// applyRunFlags lets explicitly set flags override the loaded config.
func applyRunFlags(cmd *cobra.Command, c *config.Config) error {
	f := cmd.Flags()
	if f.Changed("fix-context") {
		c.Pipeline.FixContext, _ = f.GetString("fix-context")
	}
	if f.Changed("max-tokens") {
		c.Budget.MaxTokens, _ = f.GetInt("max-tokens")
	}
	if f.Changed("model") {
		c.LLM.Model, _ = f.GetString("model")
	}
	if f.Changed("output-dir") {
		c.Paths.OutputDir, _ = f.GetString("output-dir")
	}
	if f.Changed("retries") {
		n, _ := f.GetInt("retries")
		if n < 0 {
			return fmt.Errorf("--retries must be >= 0, got %d", n)
		}
		c.LLM.Retry.MaxTries = n + 1
	}
	return nil
}

// runResult is the outcome of a CLI run, printed as text or JSON.
type runResult struct {
	RunID       string            `json:"run_id"`
	Status      string            `json:"status"`
	FailedStage string            `json:"failed_stage,omitempty"`
	Error       string            `json:"error,omitempty"`
	Messages    int               `json:"messages"`
	Artifacts   map[string]string `json:"artifacts"`
	State       pipeline.Snapshot `json:"state"`
}

func newRunResult(runID string, e *stage.Engine, state pipeline.State, err error) runResult {
	res := runResult{
		RunID:     runID,
		Status:    pipeline.StatusCompleted,
		Messages:  state.Len(),
		Artifacts: map[string]string{},
		State:     state.Snapshot(),
	}
	files := e.Files()
	w := e.Writer()
	for field, name := range map[pipeline.Field]string{
		pipeline.FieldFixedCode: files.FixedCode,
		pipeline.FieldReport:    files.Report,
		pipeline.FieldTestCases: files.TestCases,
	} {
		if state.IsSet(field) {
			res.Artifacts[string(field)] = w.Path(name)
		}
	}
	if err != nil {
		res.Status = pipeline.StatusFailed
		res.Error = err.Error()
		var se *stage.Error
		if errors.As(err, &se) {
			res.FailedStage = se.Stage
		}
	}
	return res
}

func printRunResult(w io.Writer, res runResult) {
	var body string
	for _, field := range []pipeline.Field{pipeline.FieldFixedCode, pipeline.FieldReport, pipeline.FieldTestCases} {
		if path, ok := res.Artifacts[string(field)]; ok {
			body += fmt.Sprintf("\n  %-12s %s", field, path)
		}
	}

	if res.Status == pipeline.StatusFailed {
		msg := styleError.Render("✗ Run failed") + "  " + styleMuted.Render(res.RunID) + "\n" + res.Error
		if body != "" {
			msg += "\n\nWritten before the failure:" + body
		}
		fmt.Fprintln(w, errorBox().Render(msg))
		return
	}
	msg := styleSuccess.Render("✓ Run completed") + "  " + styleMuted.Render(res.RunID) + "\n" + styleBold.Render("Artifacts:") + body
	fmt.Fprintln(w, successBox().Render(msg))
}

func init() {
	runCmd.Flags().String("fix-context", config.FixContextSuggestion, "what fix_code is given as bugs: suggestion or bugs")
	runCmd.Flags().Int("max-tokens", 0, "token budget for the input file")
	runCmd.Flags().String("model", "", "chat model identifier")
	runCmd.Flags().String("output-dir", "", "directory for fixed code, report and test cases")
	runCmd.Flags().Int("retries", 0, "retries on rate limits and transient provider errors")
	runCmd.Flags().String("format", "text", "Output format: text or json")
}
