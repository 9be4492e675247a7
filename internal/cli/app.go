package cli

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lucasnoah/bugfactory/internal/budget"
	"github.com/lucasnoah/bugfactory/internal/config"
	"github.com/lucasnoah/bugfactory/internal/db"
	"github.com/lucasnoah/bugfactory/internal/llm"
	"github.com/lucasnoah/bugfactory/internal/pipeline"
	"github.com/lucasnoah/bugfactory/internal/prompt"
	"github.com/lucasnoah/bugfactory/internal/stage"
)

// validate fails with every config problem listed.
func validate(c *config.Config) error {
	errs := config.Validate(c)
	if len(errs) == 0 {
		return nil
	}
	msg := fmt.Sprintf("config has %d validation error(s):", len(errs))
	for _, e := range errs {
		msg += "\n  - " + e.Error()
	}
	return errors.New(msg)
}

// openDB opens and migrates the run event log.
func openDB(c *config.Config) (*db.DB, error) {
	database, err := db.Open(c.Storage.Driver, c.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return database, nil
}

// app is a configured engine plus the resources it holds open.
type app struct {
	engine *stage.Engine
	store  *pipeline.Store
	db     *db.DB // nil when the event log could not be opened
}

func (a *app) Close() {
	if a.db != nil {
		a.db.Close()
	}
}

// newApp wires the pipeline engine from configuration. The event log is
// optional: if it cannot be opened the run proceeds without it.
func newApp(c *config.Config, log *zap.Logger) (*app, error) {
	timeout, _ := config.Duration(c.LLM.Timeout)
	client, err := llm.NewOpenAIClient(llm.Options{
		BaseURL:   c.LLM.BaseURL,
		Model:     c.LLM.Model,
		APIKey:    config.APIKey(c),
		MaxTokens: c.LLM.MaxTokens,
		Timeout:   timeout,
		Logger:    log,
	})
	if err != nil {
		return nil, fmt.Errorf("%w (set %s in the environment or .env)", err, c.LLM.APIKeyEnv)
	}
	policy := c.RetryPolicy()
	policy.Logger = log

	prompts, err := prompt.LoadSet(c.Paths.PromptsDir)
	if err != nil {
		return nil, err
	}

	store, err := pipeline.OpenStore(c.Paths.RunsDir)
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}

	database, err := openDB(c)
	if err != nil {
		log.Warn("event log unavailable; continuing without it", zap.Error(err))
	}

	engine, err := stage.NewEngine(stage.Options{
		Client:  llm.WithRetry(client, policy),
		Prompts: &prompts,
		Budget:  budget.Lazy(c.Budget.TokenizerModel, c.Budget.Encoding, c.Budget.MaxTokens),
		Writer:  pipeline.NewWriter(c.Paths.OutputDir),
		Files: stage.Files{
			FixedCode: c.Paths.FixedCode,
			Report:    c.Paths.Report,
			TestCases: c.Paths.TestCases,
		},
		FixContext: c.Pipeline.FixContext,
		Model:      client.Model(),
		Store:      store,
		DB:         database,
		Logger:     log,
	})
	if err != nil {
		if database != nil {
			database.Close()
		}
		return nil, err
	}
	return &app{engine: engine, store: store, db: database}, nil
}
