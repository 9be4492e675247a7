package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/bugfactory/internal/db"
	"github.com/lucasnoah/bugfactory/internal/pipeline"
	"github.com/lucasnoah/bugfactory/internal/stage"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect recorded pipeline runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := pipeline.NewStore(cfg.Paths.RunsDir)
		statusFilter, _ := cmd.Flags().GetString("status")
		runs, err := store.List(statusFilter)
		if err != nil {
			return fmt.Errorf("list runs: %w", err)
		}

		w := cmd.OutOrStdout()
		if len(runs) == 0 {
			fmt.Fprintln(w, "No runs found.")
			return nil
		}

		fmt.Fprintf(w, "%-36s %-12s %-20s %-20s %s\n", "RUN", "STATUS", "STAGE", "UPDATED", "INPUT")
		fmt.Fprintf(w, "%-36s %-12s %-20s %-20s %s\n",
			strings.Repeat("-", 36),
			strings.Repeat("-", 12),
			strings.Repeat("-", 20),
			strings.Repeat("-", 20),
			strings.Repeat("-", 5))
		for _, r := range runs {
			fmt.Fprintf(w, "%-36s %-12s %-20s %-20s %s\n",
				r.ID, r.Status, r.CurrentStage, r.UpdatedAt, r.InputPath)
		}
		return nil
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run's status, stage history and artifacts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := pipeline.NewStore(cfg.Paths.RunsDir)
		r, err := store.Get(args[0])
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Run %s\n", r.ID)
		fmt.Fprintf(w, "  Status:        %s\n", r.Status)
		fmt.Fprintf(w, "  Input:         %s\n", r.InputPath)
		if r.Language != "" {
			fmt.Fprintf(w, "  Language:      %s\n", r.Language)
		}
		if r.Model != "" {
			fmt.Fprintf(w, "  Model:         %s\n", r.Model)
		}
		fmt.Fprintf(w, "  Fix Context:   %s\n", r.FixContext)
		fmt.Fprintf(w, "  Current Stage: %s\n", r.CurrentStage)
		fmt.Fprintf(w, "  Created:       %s\n", r.CreatedAt)
		fmt.Fprintf(w, "  Updated:       %s\n", r.UpdatedAt)
		if r.Error != "" {
			fmt.Fprintf(w, "  Error:         %s\n", r.Error)
		}

		if len(r.StageHistory) > 0 {
			fmt.Fprintln(w, "  Stage History:")
			for _, h := range r.StageHistory {
				fmt.Fprintf(w, "    %-20s %-8s %-10s %d chars\n", h.Stage, h.Outcome, h.Duration, h.Chars)
			}
		}
		if len(r.Artifacts) > 0 {
			fmt.Fprintln(w, "  Artifacts:")
			for _, field := range []pipeline.Field{pipeline.FieldFixedCode, pipeline.FieldReport, pipeline.FieldTestCases} {
				if p, ok := r.Artifacts[string(field)]; ok {
					fmt.Fprintf(w, "    %-12s %s\n", field, p)
				}
			}
		}

		if showPrompt, _ := cmd.Flags().GetString("prompt"); showPrompt != "" {
			text, err := store.GetPrompt(r.ID, showPrompt)
			if err != nil {
				return fmt.Errorf("no prompt recorded for stage %s: %w", showPrompt, err)
			}
			fmt.Fprintf(w, "\n%s\n", text)
		}
		return nil
	},
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <run-id>",
	Short: "Delete a run record and its saved prompts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := pipeline.NewStore(cfg.Paths.RunsDir)
		if _, err := store.Get(args[0]); err != nil {
			return err
		}
		if err := store.Delete(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted run %s\n", args[0])
		return nil
	},
}

var runsEventsCmd = &cobra.Command{
	Use:   "events [run-id]",
	Short: "Show stage events from the event log",
	Long: `Show stage events recorded in the event log: every event of one run,
oldest first, or the newest events across all runs when no run is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		var events []db.RunEvent
		if len(args) == 1 {
			events, err = database.GetRunEvents(args[0])
		} else {
			limit, _ := cmd.Flags().GetInt("limit")
			events, err = database.RecentEvents(limit)
		}
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if len(events) == 0 {
			fmt.Fprintln(w, "No events recorded.")
			return nil
		}

		fmt.Fprintf(w, "%-23s %-36s %-16s %-20s %10s  %s\n", "TIME", "RUN", "EVENT", "STAGE", "DURATION", "DETAIL")
		fmt.Fprintf(w, "%-23s %-36s %-16s %-20s %10s  %s\n",
			strings.Repeat("-", 23),
			strings.Repeat("-", 36),
			strings.Repeat("-", 16),
			strings.Repeat("-", 20),
			strings.Repeat("-", 10),
			strings.Repeat("-", 6))
		for _, e := range events {
			dur := ""
			if e.DurationMs > 0 {
				dur = (time.Duration(e.DurationMs) * time.Millisecond).String()
			}
			fmt.Fprintf(w, "%-23s %-36s %-16s %-20s %10s  %s\n",
				e.Timestamp, e.RunID, e.Event, e.Stage, dur, e.Detail)
		}
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by status (pending, in_progress, completed, failed)")
	runsShowCmd.Flags().String("prompt", "", "also print the rendered prompt of a stage ("+strings.Join(stage.Order[1:], ", ")+")")
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsDeleteCmd)
	runsEventsCmd.Flags().Int("limit", 50, "number of events to show when no run is given")
	runsCmd.AddCommand(runsEventsCmd)
}
