package stage

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/lucasnoah/bugfactory/internal/pipeline"
	"github.com/lucasnoah/bugfactory/internal/prompt"
)

// loadCode reads the input, truncates it to the token budget and seeds the
// conversation with it.
func (r *run) loadCode(_ pipeline.State) (pipeline.Update, error) {
	b, err := r.budget()
	if err != nil {
		return pipeline.Update{}, err
	}
	raw, err := pipeline.ReadInput(r.inputPath)
	if err != nil {
		return pipeline.Update{}, err
	}
	code := b.Truncate(raw)
	if code != raw {
		tokensIn := b.Count(raw)
		r.logger.Info("input truncated",
			zap.Int("max_tokens", b.Max()),
			zap.Int("tokens_in", tokensIn),
			zap.Int("bytes_in", len(raw)),
			zap.Int("bytes_out", len(code)))
		r.logf("input truncated from %d to %d tokens", tokensIn, b.Max())
	}
	return pipeline.Update{
		Field:   pipeline.FieldCode,
		Value:   code,
		Message: prompt.Human(code),
	}, nil
}

func (r *run) checkBugs(ctx context.Context, s pipeline.State) (pipeline.Update, error) {
	out, err := r.complete(ctx, CheckBugs, prompt.BugCheck, prompt.Vars{"code": s.Code()})
	if err != nil {
		return pipeline.Update{}, err
	}
	return pipeline.Update{Field: pipeline.FieldBugs, Value: out, Message: prompt.Assistant(out)}, nil
}

// suggestFixes only extends the conversation; its output reaches fix_code
// through the last message.
func (r *run) suggestFixes(ctx context.Context, s pipeline.State) (pipeline.Update, error) {
	out, err := r.complete(ctx, SuggestFixes, prompt.FixSuggestion, prompt.Vars{"code": s.Code(), "bugs": s.Bugs()})
	if err != nil {
		return pipeline.Update{}, err
	}
	return pipeline.Update{Message: prompt.Assistant(out)}, nil
}

func (r *run) fixCode(ctx context.Context, s pipeline.State) (pipeline.Update, string, error) {
	bugs, err := r.fixInput(s)
	if err != nil {
		return pipeline.Update{}, "", err
	}
	out, err := r.complete(ctx, FixCode, prompt.FixCode, prompt.Vars{"code": s.Code(), "bugs": bugs})
	if err != nil {
		return pipeline.Update{}, "", err
	}
	path, err := r.writer.Write(r.files.FixedCode, out)
	if err != nil {
		return pipeline.Update{}, "", err
	}
	return pipeline.Update{Field: pipeline.FieldFixedCode, Value: out, Message: prompt.Assistant(out)}, path, nil
}

// fixInput picks what fix_code is told the bugs are.
func (r *run) fixInput(s pipeline.State) (string, error) {
	if r.fixContext == FixContextBugs {
		return s.Bugs(), nil
	}
	last, ok := s.LastMessage()
	if !ok {
		return "", errors.New("no prior message to take fixes from")
	}
	return last.Content, nil
}

func (r *run) generateReport(ctx context.Context, s pipeline.State) (pipeline.Update, string, error) {
	out, err := r.complete(ctx, GenerateReport, prompt.Report, prompt.Vars{"bugs": s.Bugs(), "fixed_code": s.FixedCode()})
	if err != nil {
		return pipeline.Update{}, "", err
	}
	path, err := r.writer.Write(r.files.Report, out)
	if err != nil {
		return pipeline.Update{}, "", err
	}
	return pipeline.Update{Field: pipeline.FieldReport, Value: out, Message: prompt.Assistant(out)}, path, nil
}

func (r *run) generateTestCases(ctx context.Context, s pipeline.State) (pipeline.Update, string, error) {
	vars := prompt.Vars{"fixed_code": s.FixedCode(), "bugs": s.Bugs(), "language": r.language}
	out, err := r.complete(ctx, GenerateTestCases, prompt.TestCase, vars)
	if err != nil {
		return pipeline.Update{}, "", err
	}
	path, err := r.writer.Write(r.files.TestCases, out)
	if err != nil {
		return pipeline.Update{}, "", err
	}
	return pipeline.Update{Field: pipeline.FieldTestCases, Value: out, Message: prompt.Assistant(out)}, path, nil
}

// complete renders a template and sends it to the model.
func (r *run) complete(ctx context.Context, stageName, tmpl string, vars prompt.Vars) (string, error) {
	msgs, err := r.prompts.Render(tmpl, vars)
	if err != nil {
		return "", err
	}
	r.savePrompt(stageName, msgs)
	r.logger.Debug("calling model", zap.String("stage", stageName), zap.String("template", tmpl))
	return r.client.Complete(ctx, msgs)
}
