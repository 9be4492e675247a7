package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/bugfactory/internal/budget"
	"github.com/lucasnoah/bugfactory/internal/db"
	"github.com/lucasnoah/bugfactory/internal/llm"
	"github.com/lucasnoah/bugfactory/internal/logging"
	"github.com/lucasnoah/bugfactory/internal/pipeline"
	"github.com/lucasnoah/bugfactory/internal/prompt"
)

// errStopped marks a run whose consumer stopped reading the stream early.
var errStopped = errors.New("run stopped by caller")

// Options configures an Engine. Client, Budget and Writer are required;
// Store and DB are optional bookkeeping.
type Options struct {
	Client     llm.Client
	Prompts    *prompt.Set // nil means the built-in set
	Budget     budget.Source
	Writer     *pipeline.Writer
	Files      Files  // zero fields fall back to DefaultFiles
	FixContext string // FixContextSuggestion (default) or FixContextBugs
	Model      string // recorded on run records only
	Store      *pipeline.Store
	DB         *db.DB
	Logger     *zap.Logger
}

// Engine runs the six-stage review pipeline.
type Engine struct {
	client     llm.Client
	prompts    atomic.Pointer[prompt.Set]
	budget     budget.Source
	writer     *pipeline.Writer
	files      Files
	fixContext string
	model      string
	store      *pipeline.Store
	db         *db.DB
	logger     *zap.Logger
	progress   io.Writer // live progress output; nil = silent
	observer   Observer
}

// NewEngine creates a stage engine.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Client == nil {
		return nil, errors.New("engine: llm client is required")
	}
	if opts.Budget == nil {
		return nil, errors.New("engine: token budget is required")
	}
	if opts.Writer == nil {
		return nil, errors.New("engine: artifact writer is required")
	}

	prompts := prompt.Builtin()
	if opts.Prompts != nil {
		prompts = *opts.Prompts
	}

	files := DefaultFiles()
	if opts.Files.FixedCode != "" {
		files.FixedCode = opts.Files.FixedCode
	}
	if opts.Files.Report != "" {
		files.Report = opts.Files.Report
	}
	if opts.Files.TestCases != "" {
		files.TestCases = opts.Files.TestCases
	}

	fixContext := opts.FixContext
	switch fixContext {
	case "":
		fixContext = FixContextSuggestion
	case FixContextSuggestion, FixContextBugs:
	default:
		return nil, fmt.Errorf("engine: unknown fix context %q", fixContext)
	}

	logger := logging.OrNop(opts.Logger)

	e := &Engine{
		client:     opts.Client,
		budget:     opts.Budget,
		writer:     opts.Writer,
		files:      files,
		fixContext: fixContext,
		model:      opts.Model,
		store:      opts.Store,
		db:         opts.DB,
		logger:     logger,
	}
	e.prompts.Store(&prompts)
	return e, nil
}

// SetProgress sets a writer for live progress output (e.g. os.Stderr).
func (e *Engine) SetProgress(w io.Writer) {
	e.progress = w
}

// SetPrompts replaces the template set. Runs already in progress keep the
// set they started with.
func (e *Engine) SetPrompts(set prompt.Set) {
	e.prompts.Store(&set)
}

// SetObserver registers a callback for progress events.
func (e *Engine) SetObserver(fn Observer) {
	e.observer = fn
}

// Files returns the artifact names the engine writes.
func (e *Engine) Files() Files {
	return e.files
}

// Writer returns the engine's artifact writer.
func (e *Engine) Writer() *pipeline.Writer {
	return e.writer
}

// logf prints a progress line if a progress writer is configured.
func (e *Engine) logf(format string, args ...any) {
	if e.progress != nil {
		fmt.Fprintf(e.progress, "  → "+format+"\n", args...)
	}
}

// RunOpts configures a single run.
type RunOpts struct {
	InputPath string
	RunID     string // generated when empty
	Language  string // derived from InputPath when empty
}

// Run executes the pipeline on the file at inputPath and returns the final
// state. On failure the returned state holds every update merged before the
// failing stage, and the error is a *Error.
func (e *Engine) Run(ctx context.Context, inputPath string) (pipeline.State, error) {
	return e.RunWith(ctx, RunOpts{InputPath: inputPath})
}

// RunWith is Run with explicit options.
func (e *Engine) RunWith(ctx context.Context, opts RunOpts) (pipeline.State, error) {
	final := pipeline.Empty()
	for step, err := range e.Stream(ctx, opts) {
		if err != nil {
			return final, err
		}
		next, err := final.Apply(step.Update)
		if err != nil {
			return final, &Error{Stage: step.Stage, Err: err}
		}
		final = next
	}
	return final, nil
}

// Stream executes the pipeline lazily, yielding one Step per completed stage.
// The sequence ends after the last stage or after yielding the first error.
// Stopping iteration early abandons the remaining stages.
func (e *Engine) Stream(ctx context.Context, opts RunOpts) iter.Seq2[Step, error] {
	return func(yield func(Step, error) bool) {
		runID := opts.RunID
		if runID == "" {
			runID = NewRunID()
		}
		lang := opts.Language
		if lang == "" {
			lang = prompt.LanguageFor(opts.InputPath)
		}
		r := &run{
			Engine:    e,
			prompts:   *e.prompts.Load(),
			id:        runID,
			inputPath: opts.InputPath,
			language:  lang,
			logger:    e.logger.With(zap.String("run_id", runID)),
			started:   time.Now(),
		}
		r.begin()

		state := pipeline.Empty()
		for i, name := range Order {
			r.stageStarted(i, name)
			start := time.Now()

			upd, artifact, err := r.exec(ctx, name, state)
			if err == nil {
				state, err = state.Apply(upd)
			}
			dur := time.Since(start)
			if err != nil {
				serr := &Error{Stage: name, Err: err}
				r.stageFailed(i, name, dur, serr)
				r.finish(state, serr)
				yield(Step{RunID: runID, Stage: name, Index: i, State: state, Duration: dur}, serr)
				return
			}

			r.stageCompleted(i, name, dur, upd, artifact)
			step := Step{
				RunID:    runID,
				Stage:    name,
				Index:    i,
				Update:   upd,
				State:    state,
				Artifact: artifact,
				Duration: dur,
			}
			if !yield(step, nil) {
				r.finish(state, &Error{Stage: name, Err: errStopped})
				return
			}
		}
		r.finish(state, nil)
	}
}

// run carries per-run bookkeeping for one Stream invocation.
type run struct {
	*Engine
	prompts   prompt.Set
	id        string
	inputPath string
	language  string
	logger    *zap.Logger
	started   time.Time
}

// exec dispatches to the stage implementation.
func (r *run) exec(ctx context.Context, name string, s pipeline.State) (pipeline.Update, string, error) {
	switch name {
	case LoadCode:
		upd, err := r.loadCode(s)
		return upd, "", err
	case CheckBugs:
		upd, err := r.checkBugs(ctx, s)
		return upd, "", err
	case SuggestFixes:
		upd, err := r.suggestFixes(ctx, s)
		return upd, "", err
	case FixCode:
		return r.fixCode(ctx, s)
	case GenerateReport:
		return r.generateReport(ctx, s)
	case GenerateTestCases:
		return r.generateTestCases(ctx, s)
	}
	return pipeline.Update{}, "", fmt.Errorf("unknown stage %q", name)
}

func (r *run) begin() {
	r.logf("run %s: %s", r.id, r.inputPath)
	r.logger.Info("run started", zap.String("input", r.inputPath), zap.String("fix_context", r.fixContext))

	if r.store != nil {
		_, err := r.store.Create(pipeline.RunRecord{
			ID:           r.id,
			InputPath:    r.inputPath,
			Language:     r.language,
			Model:        r.model,
			FixContext:   r.fixContext,
			Status:       pipeline.StatusInProgress,
			CurrentStage: Order[0],
		})
		if err != nil {
			r.logger.Warn("create run record", zap.Error(err))
		}
	}
	r.event(Event{Kind: db.EventRunStarted, Index: -1}, r.inputPath)
}

func (r *run) stageStarted(i int, name string) {
	r.logf("[%d/%d] %s", i+1, len(Order), name)
	r.logger.Debug("stage started", zap.String("stage", name))
	r.update(func(rec *pipeline.RunRecord) {
		rec.CurrentStage = name
	})
	r.event(Event{Kind: db.EventStageStarted, Stage: name, Index: i}, "")
}

func (r *run) stageCompleted(i int, name string, dur time.Duration, upd pipeline.Update, artifact string) {
	if artifact != "" {
		r.logf("%s done (%s), wrote %s", name, dur.Round(time.Millisecond), artifact)
	} else {
		r.logf("%s done (%s)", name, dur.Round(time.Millisecond))
	}
	r.logger.Info("stage completed",
		zap.String("stage", name),
		zap.Duration("duration", dur),
		zap.Int("chars", len(upd.Message.Content)))

	r.update(func(rec *pipeline.RunRecord) {
		rec.StageHistory = append(rec.StageHistory, pipeline.StageHistoryEntry{
			Stage:    name,
			Outcome:  "success",
			Duration: dur.Round(time.Millisecond).String(),
			Chars:    len(upd.Message.Content),
		})
		if artifact != "" {
			if rec.Artifacts == nil {
				rec.Artifacts = make(map[string]string)
			}
			rec.Artifacts[string(upd.Field)] = artifact
		}
	})
	r.event(Event{Kind: db.EventStageCompleted, Stage: name, Index: i, Duration: dur}, artifact)
}

func (r *run) stageFailed(i int, name string, dur time.Duration, err error) {
	r.logf("%s failed: %v", name, err)
	r.logger.Error("stage failed", zap.String("stage", name), zap.Duration("duration", dur), zap.Error(err))
	r.update(func(rec *pipeline.RunRecord) {
		rec.StageHistory = append(rec.StageHistory, pipeline.StageHistoryEntry{
			Stage:    name,
			Outcome:  "fail",
			Duration: dur.Round(time.Millisecond).String(),
		})
	})
	r.event(Event{Kind: db.EventStageFailed, Stage: name, Index: i, Duration: dur, Err: err.Error()}, err.Error())
}

func (r *run) finish(s pipeline.State, err error) {
	dur := time.Since(r.started)
	if err == nil {
		r.logf("run %s completed in %s", r.id, dur.Round(time.Millisecond))
		r.logger.Info("run completed", zap.Duration("duration", dur), zap.Int("messages", s.Len()))
		r.update(func(rec *pipeline.RunRecord) {
			rec.Status = pipeline.StatusCompleted
		})
		r.event(Event{Kind: db.EventRunCompleted, Index: len(Order), Duration: dur}, "")
		return
	}

	failed := ""
	var serr *Error
	if errors.As(err, &serr) {
		failed = serr.Stage
	}
	r.logger.Warn("run failed", zap.String("stage", failed), zap.Duration("duration", dur), zap.Error(err))
	r.update(func(rec *pipeline.RunRecord) {
		rec.Status = pipeline.StatusFailed
		rec.Error = err.Error()
	})
	r.event(Event{Kind: db.EventRunFailed, Stage: failed, Index: len(Order), Duration: dur, Err: err.Error()}, err.Error())
}

// update applies fn to the run record, if a store is configured.
func (r *run) update(fn func(*pipeline.RunRecord)) {
	if r.store == nil {
		return
	}
	if err := r.store.Update(r.id, fn); err != nil {
		r.logger.Warn("update run record", zap.Error(err))
	}
}

// event logs ev to the event log and the observer, whichever are configured.
func (r *run) event(ev Event, detail string) {
	ev.RunID = r.id
	if r.db != nil {
		if err := r.db.LogRunEvent(r.id, ev.Kind, ev.Stage, ev.Duration.Milliseconds(), detail); err != nil {
			r.logger.Warn("log run event", zap.String("event", ev.Kind), zap.Error(err))
		}
	}
	if r.observer != nil {
		r.observer(ev)
	}
}

// savePrompt records the rendered prompt for a stage.
func (r *run) savePrompt(name string, msgs []prompt.Message) {
	if r.store == nil {
		return
	}
	if err := r.store.SavePrompt(r.id, name, prompt.Format(msgs)); err != nil {
		r.logger.Warn("save prompt", zap.String("stage", name), zap.Error(err))
	}
}
