package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validConfig = `
llm:
  base_url: http://localhost:8080/v1
  model: test-model
  api_key_env: TEST_LLM_KEY
  max_tokens: 2048
  timeout: 90s
  retry:
    max_tries: 3
    initial_interval: 1s
    max_interval: 10s
budget:
  max_tokens: 500
  encoding: cl100k_base
paths:
  output_dir: out
  fixed_code: fixed.py
pipeline:
  fix_context: bugs
storage:
  driver: postgres
  dsn: postgres://localhost/bugfactory
server:
  port: 9000
log:
  level: debug
  format: json
`

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "bugfactory.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeTestConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.LLM.Model != "test-model" {
		t.Errorf("LLM.Model = %q, want %q", cfg.LLM.Model, "test-model")
	}
	if cfg.LLM.BaseURL != "http://localhost:8080/v1" {
		t.Errorf("LLM.BaseURL = %q", cfg.LLM.BaseURL)
	}
	if cfg.LLM.Retry.MaxTries != 3 {
		t.Errorf("Retry.MaxTries = %d, want 3", cfg.LLM.Retry.MaxTries)
	}
	if cfg.Budget.MaxTokens != 500 {
		t.Errorf("Budget.MaxTokens = %d, want 500", cfg.Budget.MaxTokens)
	}
	if cfg.Budget.Encoding != "cl100k_base" {
		t.Errorf("Budget.Encoding = %q", cfg.Budget.Encoding)
	}
	if cfg.Paths.FixedCode != "fixed.py" {
		t.Errorf("Paths.FixedCode = %q, want %q", cfg.Paths.FixedCode, "fixed.py")
	}
	if cfg.Pipeline.FixContext != FixContextBugs {
		t.Errorf("FixContext = %q, want %q", cfg.Pipeline.FixContext, FixContextBugs)
	}
	if cfg.Storage.Driver != "postgres" {
		t.Errorf("Storage.Driver = %q", cfg.Storage.Driver)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}

	if errs := Validate(cfg); len(errs) != 0 {
		t.Errorf("Validate() = %v, want no errors", errs)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeTestConfig(t, "llm:\n  model: m\n"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.LLM.Model != "m" {
		t.Errorf("LLM.Model = %q, want %q", cfg.LLM.Model, "m")
	}
	if cfg.LLM.APIKeyEnv != "GROQ_API_KEY" {
		t.Errorf("LLM.APIKeyEnv = %q, want GROQ_API_KEY", cfg.LLM.APIKeyEnv)
	}
	if cfg.Budget.MaxTokens != 10000 {
		t.Errorf("Budget.MaxTokens = %d, want 10000", cfg.Budget.MaxTokens)
	}
	if cfg.Budget.TokenizerModel != "gpt-4" {
		t.Errorf("Budget.TokenizerModel = %q, want gpt-4", cfg.Budget.TokenizerModel)
	}
	if cfg.Paths.Input != "input_code.py" || cfg.Paths.Report != "bug_report.txt" || cfg.Paths.TestCases != "test_cases.py" {
		t.Errorf("Paths = %+v", cfg.Paths)
	}
	if cfg.Pipeline.FixContext != FixContextSuggestion {
		t.Errorf("FixContext = %q, want %q", cfg.Pipeline.FixContext, FixContextSuggestion)
	}
	if cfg.Storage.Driver != "sqlite" || !strings.HasSuffix(cfg.Storage.DSN, "bugfactory.db") {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.LLM.Retry.MaxTries != 1 {
		t.Errorf("Retry.MaxTries = %d, want 1", cfg.LLM.Retry.MaxTries)
	}
	if errs := Validate(cfg); len(errs) != 0 {
		t.Errorf("Validate() = %v, want no errors", errs)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	if _, err := Load(writeTestConfig(t, "llm: [unclosed")); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestDefaultIsValid(t *testing.T) {
	if errs := Validate(Default()); len(errs) != 0 {
		t.Errorf("Validate(Default()) = %v", errs)
	}
}

func TestLoadDefaultFindsCwdConfig(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "bugfactory.yaml"), []byte("llm:\n  model: from-cwd\n"), 0644)
	t.Chdir(dir)
	t.Setenv("HOME", t.TempDir())

	cfg, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault() error: %v", err)
	}
	if cfg.LLM.Model != "from-cwd" {
		t.Errorf("LLM.Model = %q, want %q", cfg.LLM.Model, "from-cwd")
	}
}

func TestLoadDefaultFallsBackToBuiltin(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault() error: %v", err)
	}
	if cfg.LLM.Model != Default().LLM.Model {
		t.Errorf("LLM.Model = %q, want default", cfg.LLM.Model)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name  string
		mod   func(*Config)
		field string
	}{
		{"bad fix context", func(c *Config) { c.Pipeline.FixContext = "whatever" }, "pipeline.fix_context"},
		{"bad driver", func(c *Config) { c.Storage.Driver = "mysql" }, "storage.driver"},
		{"empty dsn", func(c *Config) { c.Storage.DSN = "" }, "storage.dsn"},
		{"bad timeout", func(c *Config) { c.LLM.Timeout = "soon" }, "llm.timeout"},
		{"negative interval", func(c *Config) { c.LLM.Retry.MaxInterval = "-1s" }, "llm.retry.max_interval"},
		{"negative budget", func(c *Config) { c.Budget.MaxTokens = -1 }, "budget.max_tokens"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"bad upload size", func(c *Config) { c.Server.MaxUploadBytes = -5 }, "server.max_upload_bytes"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"no model", func(c *Config) { c.LLM.Model = "" }, "llm.model"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mod(cfg)
			errs := Validate(cfg)
			if len(errs) != 1 {
				t.Fatalf("got %d errors %v, want 1", len(errs), errs)
			}
			if errs[0].Field != tt.field {
				t.Errorf("Field = %q, want %q", errs[0].Field, tt.field)
			}
		})
	}
}

func TestValidationErrorString(t *testing.T) {
	e := ValidationError{Field: "llm.model", Message: "is required"}
	if e.Error() != "llm.model: is required" {
		t.Errorf("Error() = %q", e.Error())
	}
}

func TestLoadEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	os.WriteFile(path, []byte("BUGFACTORY_TEST_KEY=from-dotenv\n"), 0644)
	t.Setenv("BUGFACTORY_TEST_KEY", "")
	os.Unsetenv("BUGFACTORY_TEST_KEY")

	if err := LoadEnv(path); err != nil {
		t.Fatalf("LoadEnv() error: %v", err)
	}
	if got := os.Getenv("BUGFACTORY_TEST_KEY"); got != "from-dotenv" {
		t.Errorf("env = %q, want %q", got, "from-dotenv")
	}

	cfg := Default()
	cfg.LLM.APIKeyEnv = "BUGFACTORY_TEST_KEY"
	if got := APIKey(cfg); got != "from-dotenv" {
		t.Errorf("APIKey() = %q, want %q", got, "from-dotenv")
	}
}

func TestLoadEnvDoesNotOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	os.WriteFile(path, []byte("BUGFACTORY_TEST_KEY2=from-dotenv\n"), 0644)
	t.Setenv("BUGFACTORY_TEST_KEY2", "from-shell")

	if err := LoadEnv(path); err != nil {
		t.Fatalf("LoadEnv() error: %v", err)
	}
	if got := os.Getenv("BUGFACTORY_TEST_KEY2"); got != "from-shell" {
		t.Errorf("env = %q, want %q", got, "from-shell")
	}
}

func TestLoadEnvMissingFile(t *testing.T) {
	if err := LoadEnv(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Errorf("LoadEnv() error for missing file: %v", err)
	}
}

func TestRetryPolicy(t *testing.T) {
	cfg := Default()
	cfg.LLM.Retry = Retry{MaxTries: 4, InitialInterval: "500ms", MaxInterval: "5s"}
	p := cfg.RetryPolicy()
	if p.MaxTries != 4 {
		t.Errorf("MaxTries = %d, want 4", p.MaxTries)
	}
	if p.InitialInterval != 500*time.Millisecond {
		t.Errorf("InitialInterval = %v", p.InitialInterval)
	}
	if p.MaxInterval != 5*time.Second {
		t.Errorf("MaxInterval = %v", p.MaxInterval)
	}
}
