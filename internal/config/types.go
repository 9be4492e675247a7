package config

// Config is the top-level configuration structure parsed from bugfactory.yaml.
type Config struct {
	LLM      LLM      `yaml:"llm"`
	Budget   Budget   `yaml:"budget"`
	Paths    Paths    `yaml:"paths"`
	Pipeline Pipeline `yaml:"pipeline"`
	Storage  Storage  `yaml:"storage"`
	Server   Server   `yaml:"server"`
	Log      Log      `yaml:"log"`
}

// LLM configures the chat-completions provider.
type LLM struct {
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`
	MaxTokens int    `yaml:"max_tokens"` // completion cap; 0 leaves it to the provider
	Timeout   string `yaml:"timeout"`    // per call; "" means none
	Retry     Retry  `yaml:"retry"`
}

// Retry configures backoff around provider calls. MaxTries 1 disables retries.
type Retry struct {
	MaxTries        int    `yaml:"max_tries"`
	InitialInterval string `yaml:"initial_interval"`
	MaxInterval     string `yaml:"max_interval"`
}

// Budget configures input truncation.
type Budget struct {
	MaxTokens      int    `yaml:"max_tokens"`
	TokenizerModel string `yaml:"tokenizer_model"`
	Encoding       string `yaml:"encoding"` // overrides TokenizerModel when set
}

// Paths locates inputs, artifacts and local state.
type Paths struct {
	Input      string `yaml:"input"`
	OutputDir  string `yaml:"output_dir"`
	FixedCode  string `yaml:"fixed_code"`
	Report     string `yaml:"report"`
	TestCases  string `yaml:"test_cases"`
	PromptsDir string `yaml:"prompts_dir"`
	RunsDir    string `yaml:"runs_dir"`
}

// Pipeline holds knobs on stage behaviour.
type Pipeline struct {
	FixContext string `yaml:"fix_context"` // "suggestion" or "bugs"
}

// Storage selects the run event log backend.
type Storage struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`
}

// Server configures the web UI.
type Server struct {
	Port           int   `yaml:"port"`
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

// Log configures the zap logger.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "console"
}
