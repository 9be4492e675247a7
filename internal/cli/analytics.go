package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/bugfactory/internal/analytics"
	"github.com/lucasnoah/bugfactory/internal/db"
)

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Query pipeline performance analytics",
}

var analyticsStageDurationCmd = &cobra.Command{
	Use:   "stage-duration",
	Short: "Average and percentile durations per stage",
	RunE: func(cmd *cobra.Command, args []string) error {
		since, err := sinceFlag(cmd)
		if err != nil {
			return err
		}
		database, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		stats, err := analytics.QueryStageDurations(database, since)
		if err != nil {
			return err
		}
		if format, _ := cmd.Flags().GetString("format"); format == "json" {
			return writeJSON(cmd, stats)
		}

		w := cmd.OutOrStdout()
		if len(stats) == 0 {
			fmt.Fprintln(w, "No completed stages recorded.")
			return nil
		}
		fmt.Fprintf(w, "%-20s %6s %9s %9s %9s\n", "STAGE", "COUNT", "AVG(s)", "P50(s)", "P95(s)")
		fmt.Fprintf(w, "%-20s %6s %9s %9s %9s\n",
			strings.Repeat("-", 20), strings.Repeat("-", 6), strings.Repeat("-", 9), strings.Repeat("-", 9), strings.Repeat("-", 9))
		for _, s := range stats {
			fmt.Fprintf(w, "%-20s %6d %9.1f %9.1f %9.1f\n", s.Stage, s.Count, s.Avg, s.P50, s.P95)
		}
		return nil
	},
}

var analyticsOutcomesCmd = &cobra.Command{
	Use:   "outcomes",
	Short: "Completed vs failed runs and where failures happen",
	RunE: func(cmd *cobra.Command, args []string) error {
		since, err := sinceFlag(cmd)
		if err != nil {
			return err
		}
		database, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		out, err := analytics.QueryRunOutcomes(database, since)
		if err != nil {
			return err
		}
		if format, _ := cmd.Flags().GetString("format"); format == "json" {
			return writeJSON(cmd, out)
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Runs:      %d\n", out.Total)
		fmt.Fprintf(w, "Completed: %d (%.1f%%)\n", out.Completed, out.SuccessPct)
		fmt.Fprintf(w, "Failed:    %d\n", out.Failed)
		if len(out.FailedAt) > 0 {
			fmt.Fprintln(w, "Failures by stage:")
			for _, f := range out.FailedAt {
				fmt.Fprintf(w, "  %-20s %d\n", f.Stage, f.Count)
			}
		}
		return nil
	},
}

// sinceFlag turns --since (a duration such as 24h or 7d) into an event log
// timestamp. Empty means no lower bound.
func sinceFlag(cmd *cobra.Command) (string, error) {
	raw, _ := cmd.Flags().GetString("since")
	if raw == "" {
		return "", nil
	}
	d, err := parseSince(raw)
	if err != nil {
		return "", fmt.Errorf("invalid --since %q: %w", raw, err)
	}
	return time.Now().UTC().Add(-d).Format(db.TimestampFormat), nil
}

// parseSince accepts Go durations plus a day suffix ("7d").
func parseSince(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		var n int
		if _, err := fmt.Sscanf(days, "%d", &n); err != nil || n < 0 {
			return 0, errors.New("bad day count")
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	for _, c := range []*cobra.Command{analyticsStageDurationCmd, analyticsOutcomesCmd} {
		c.Flags().String("since", "", "only events newer than this (e.g. 24h, 7d)")
		c.Flags().String("format", "text", "Output format: text or json")
		analyticsCmd.AddCommand(c)
	}
}
