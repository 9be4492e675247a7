package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lucasnoah/bugfactory/internal/config"
	"github.com/lucasnoah/bugfactory/internal/logging"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

// Resolved once per invocation by the root pre-run hook.
var (
	configFile string
	envFile    string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "bugfactory",
	Short: "bugfactory — LLM-driven bug finding, fixing and test generation",
	Long: `bugfactory sends a single source file through a fixed chain of LLM calls:
check for bugs, suggest fixes, rewrite the code, summarise the changes and
generate test cases.

Artifacts (fixed code, report, test cases) are written to the output directory.
Run records live in ~/.bugfactory/runs/. Stage events go to an optional
SQLite event log (~/.bugfactory/bugfactory.db) unless configured otherwise;
runs do not depend on it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadEnv(envFile); err != nil {
			return err
		}
		c, err := loadConfig()
		if err != nil {
			return err
		}
		l, err := logging.New(c.Log.Level, c.Log.Format, verbose)
		if err != nil {
			return fmt.Errorf("logger: %w", err)
		}
		cfg, logger = c, l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func loadConfig() (*config.Config, error) {
	if configFile != "" {
		return config.Load(configFile)
	}
	return config.LoadDefault()
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to config file (default ./bugfactory.yaml, then ~/.bugfactory/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load credentials from")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(promptsCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(analyticsCmd)
	rootCmd.AddCommand(dbCmd)
}
