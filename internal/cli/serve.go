package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lucasnoah/bugfactory/internal/prompt"
	"github.com/lucasnoah/bugfactory/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local web UI",
	Long: `Start a browser UI on localhost: upload a source file, watch the pipeline
stages progress live, then review the findings, fixed code, report and test
cases in tabs and download the fixed file.

Only one run executes at a time since runs share the output files; uploads
made while a run is in flight are rejected. Template overrides in the prompts
directory are reloaded when they change.

Stage events also go to the event log (storage.dsn). The event log is
optional: if it cannot be opened the server runs without it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("port") {
			cfg.Server.Port, _ = cmd.Flags().GetInt("port")
		}
		if err := validate(cfg); err != nil {
			return err
		}

		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		watcher, err := prompt.NewWatcher(cfg.Paths.PromptsDir, logger)
		if err != nil {
			logger.Warn("prompt hot reload disabled", zap.Error(err))
		} else {
			go watcher.Run(ctx, a.engine.SetPrompts)
		}

		srv := web.NewServer(a.engine, web.Options{
			Port:           cfg.Server.Port,
			InputPath:      cfg.Paths.Input,
			MaxUploadBytes: cfg.Server.MaxUploadBytes,
			Store:          a.store,
			Logger:         logger,
		})
		fmt.Fprintf(cmd.ErrOrStderr(), "%s http://localhost:%d\n", styleTitle.Render("bugfactory UI"), cfg.Server.Port)
		return srv.Start(ctx)
	},
}

func init() {
	serveCmd.Flags().Int("port", 17432, "Port to listen on")
}
