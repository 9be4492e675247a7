package config

import (
	"fmt"

	"go.uber.org/zap/zapcore"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var (
	fixContexts = map[string]bool{FixContextSuggestion: true, FixContextBugs: true}
	drivers     = map[string]bool{"sqlite": true, "postgres": true}
	logFormats  = map[string]bool{"json": true, "console": true}
)

// Validate checks a Config for semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.LLM.Model == "" {
		add("llm.model", "is required")
	}
	if cfg.LLM.APIKeyEnv == "" {
		add("llm.api_key_env", "is required")
	}
	if cfg.LLM.MaxTokens < 0 {
		add("llm.max_tokens", "must not be negative")
	}
	for _, f := range []struct{ field, value string }{
		{"llm.timeout", cfg.LLM.Timeout},
		{"llm.retry.initial_interval", cfg.LLM.Retry.InitialInterval},
		{"llm.retry.max_interval", cfg.LLM.Retry.MaxInterval},
	} {
		if d, err := Duration(f.value); err != nil {
			add(f.field, "invalid duration %q", f.value)
		} else if d < 0 {
			add(f.field, "must not be negative")
		}
	}

	if cfg.Budget.MaxTokens < 0 {
		add("budget.max_tokens", "must not be negative")
	}

	if !fixContexts[cfg.Pipeline.FixContext] {
		add("pipeline.fix_context", "must be %q or %q, got %q", FixContextSuggestion, FixContextBugs, cfg.Pipeline.FixContext)
	}

	if !drivers[cfg.Storage.Driver] {
		add("storage.driver", "unrecognized driver %q", cfg.Storage.Driver)
	}
	if cfg.Storage.DSN == "" {
		add("storage.dsn", "is required")
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		add("server.port", "out of range: %d", cfg.Server.Port)
	}
	if cfg.Server.MaxUploadBytes <= 0 {
		add("server.max_upload_bytes", "must be positive")
	}

	if _, err := zapcore.ParseLevel(cfg.Log.Level); err != nil {
		add("log.level", "unrecognized level %q", cfg.Log.Level)
	}
	if !logFormats[cfg.Log.Format] {
		add("log.format", "unrecognized format %q", cfg.Log.Format)
	}

	return errs
}
