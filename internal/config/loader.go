package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/bugfactory/internal/budget"
	"github.com/lucasnoah/bugfactory/internal/llm"
	"github.com/lucasnoah/bugfactory/internal/pipeline"
	"github.com/lucasnoah/bugfactory/internal/stage"
)

// Fix context modes for the fix_code stage.
const (
	FixContextSuggestion = stage.FixContextSuggestion
	FixContextBugs       = stage.FixContextBugs
)

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads and parses a configuration from the given YAML file path.
// After parsing, it fills any field left unset with its default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches for a config in standard locations and loads the first
// one found. Search order: ./bugfactory.yaml, ~/.bugfactory/config.yaml.
// With neither present it returns Default().
func LoadDefault() (*Config, error) {
	for _, path := range candidates() {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return Default(), nil
}

func candidates() []string {
	paths := []string{"bugfactory.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".bugfactory", "config.yaml"))
	}
	return paths
}

// LoadEnv loads KEY=VALUE pairs from a .env file into the process
// environment without overriding variables already set. A missing file is
// not an error.
func LoadEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// APIKey returns the provider credential named by llm.api_key_env.
func APIKey(cfg *Config) string {
	return os.Getenv(cfg.LLM.APIKeyEnv)
}

// HomeDir returns ~/.bugfactory, or ".bugfactory" if the home directory
// cannot be resolved.
func HomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bugfactory"
	}
	return filepath.Join(home, ".bugfactory")
}

// applyDefaults fills zero-valued fields.
func applyDefaults(cfg *Config) {
	l := &cfg.LLM
	if l.BaseURL == "" {
		l.BaseURL = llm.DefaultBaseURL
	}
	if l.Model == "" {
		l.Model = llm.DefaultModel
	}
	if l.APIKeyEnv == "" {
		l.APIKeyEnv = llm.DefaultKeyEnv
	}
	if l.Retry.MaxTries == 0 {
		l.Retry.MaxTries = 1
	}
	if l.Retry.InitialInterval == "" {
		l.Retry.InitialInterval = "2s"
	}
	if l.Retry.MaxInterval == "" {
		l.Retry.MaxInterval = "30s"
	}

	b := &cfg.Budget
	if b.MaxTokens == 0 {
		b.MaxTokens = budget.DefaultMaxTokens
	}
	if b.TokenizerModel == "" {
		b.TokenizerModel = budget.DefaultModel
	}

	p := &cfg.Paths
	if p.Input == "" {
		p.Input = pipeline.DefaultInputFile
	}
	if p.FixedCode == "" {
		p.FixedCode = pipeline.DefaultFixedCodeFile
	}
	if p.Report == "" {
		p.Report = pipeline.DefaultReportFile
	}
	if p.TestCases == "" {
		p.TestCases = pipeline.DefaultTestCasesFile
	}
	if p.PromptsDir == "" {
		p.PromptsDir = filepath.Join(HomeDir(), "prompts")
	}
	if p.RunsDir == "" {
		p.RunsDir = filepath.Join(HomeDir(), "runs")
	}

	if cfg.Pipeline.FixContext == "" {
		cfg.Pipeline.FixContext = FixContextSuggestion
	}

	s := &cfg.Storage
	if s.Driver == "" {
		s.Driver = "sqlite"
	}
	if s.DSN == "" && s.Driver == "sqlite" {
		s.DSN = filepath.Join(HomeDir(), "bugfactory.db")
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 17432
	}
	if cfg.Server.MaxUploadBytes == 0 {
		cfg.Server.MaxUploadBytes = 1 << 20
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
}

// Duration parses a duration field, treating "" as zero.
func Duration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// RetryPolicy converts the retry section into an llm.RetryPolicy.
func (c *Config) RetryPolicy() llm.RetryPolicy {
	p := llm.DefaultRetryPolicy()
	p.MaxTries = c.LLM.Retry.MaxTries
	if d, err := Duration(c.LLM.Retry.InitialInterval); err == nil && d > 0 {
		p.InitialInterval = d
	}
	if d, err := Duration(c.LLM.Retry.MaxInterval); err == nil && d > 0 {
		p.MaxInterval = d
	}
	return p
}
