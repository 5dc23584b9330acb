package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cargocap/cargocap/internal/audit"
	"github.com/cargocap/cargocap/pkg/appconfig"
	"github.com/cargocap/cargocap/pkg/exitcode"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Show recent run history",
	Long: `report reads the local run-history database and prints the outcome of
recent cargocap build/check invocations: when each ran, how many problems
it surfaced, how many were resolved, and its exit code.`,
	RunE: runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)
	reportCmd.Flags().Int("history", 10, "Number of recent runs to show")
}

func runReport(cmd *cobra.Command, args []string) error {
	n, _ := cmd.Flags().GetInt("history")
	if n <= 0 {
		n = 10
	}

	settings, err := appconfig.Load()
	path := ""
	if err == nil {
		path = settings.HistoryDBPath
	}
	if path == "" {
		path, err = audit.DefaultPath()
		if err != nil {
			return fmt.Errorf("resolving history database path: %w", err)
		}
	}

	st, err := audit.Open(path)
	if err != nil {
		return fmt.Errorf("opening run history database: %w", err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	records, err := st.Recent(ctx, n)
	if err != nil {
		return fmt.Errorf("reading run history: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(records) == 0 {
		fmt.Fprintln(out, "no run history recorded yet")
		return nil
	}

	for _, rec := range records {
		duration := rec.FinishedAt.Sub(rec.StartedAt).Round(time.Millisecond)
		fmt.Fprintf(out, "%s  %-18s  %d problem(s), %d resolved  (took %s)\n",
			rec.StartedAt.Local().Format("2006-01-02 15:04:05"),
			exitcode.String(rec.ExitCode),
			rec.ProblemCount,
			rec.ResolvedCount,
			duration,
		)
	}
	return nil
}
