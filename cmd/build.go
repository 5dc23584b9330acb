package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/cargocap/cargocap/internal/audit"
	"github.com/cargocap/cargocap/internal/interactive"
	"github.com/cargocap/cargocap/internal/runner"
	"github.com/cargocap/cargocap/pkg/appconfig"
	"github.com/cargocap/cargocap/pkg/exitcode"
	"github.com/cargocap/cargocap/pkg/logger"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Run `cargo build` under capability enforcement",
	Long: `build runs cargo build with cargocap installed as the RUSTC_WRAPPER and
linker, attributing every symbol each dependency links against to a named
permission. When stdout is a terminal it drops into the interactive
edit-apply-rebuild loop on any problem; otherwise it falls back to printing
a plain report and exiting non-zero if anything blocks the build, the same
as cargocap check.`,
	RunE: runBuild,
}

func init() {
	rootCmd.AddCommand(buildCmd)
	buildCmd.Flags().String("target", "", "Cargo target triple to forward to cargo build")
}

func runBuild(cmd *cobra.Command, args []string) error {
	target, _ := cmd.Flags().GetString("target")

	run, err := runEnforcement(cmd, target)
	if err != nil {
		return fmt.Errorf("running cargo build under enforcement: %w", err)
	}

	if run.Editor == nil {
		// Missing policy file: nothing to edit, nothing to rebuild against.
		interactive.WritePlainReport(cmd.OutOrStdout(), run.Store.DeduplicatedIntoIter(), !noColor(cmd))
		recordAudit(cmd, run, exitcode.ConfigError)
		return exitCodeError(exitcode.ConfigError)
	}

	problems := run.Store.DeduplicatedIntoIter()

	if len(problems) == 0 && run.BuildErr == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "build succeeded, no problems found")
		recordAudit(cmd, run, exitcode.Success)
		return nil
	}

	if term.IsTerminal(int(os.Stdout.Fd())) {
		driver := interactive.NewDriverOverStore(run.Store, run.Editor, runner.ProposeEdits)
		loop := interactive.NewLoop(driver)
		ui := interactive.NewUI(loop)
		if err := ui.Run(); err != nil {
			return fmt.Errorf("running interactive loop: %w", err)
		}
	} else {
		interactive.WritePlainReport(cmd.OutOrStdout(), problems, !noColor(cmd))
	}

	exit := exitcode.Success
	switch {
	case run.Store.HasUnresolvedErrors():
		exit = exitcode.ValidationError
	case run.BuildErr != nil:
		exit = exitcode.GeneralError
	}
	recordAudit(cmd, run, exit)
	if exit != exitcode.Success {
		return exitCodeError(exit)
	}
	return nil
}

// recordAudit appends one run_records row for this invocation, best-effort:
// a history-database failure never fails the build itself.
func recordAudit(cmd *cobra.Command, run *enforcementRun, exit int) {
	settings, err := appconfig.Load()
	path := ""
	if err == nil {
		path = settings.HistoryDBPath
	}
	if path == "" {
		path, err = audit.DefaultPath()
		if err != nil {
			logger.Warn("could not resolve history database path", logger.Err(err))
			return
		}
	}
	store, err := audit.Open(path)
	if err != nil {
		logger.Warn("could not open run history database", logger.Err(err))
		return
	}
	defer store.Close()

	resolved := run.Store.Len() - len(run.Store.IterateWithDuplicates())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := store.Append(ctx, audit.RunRecord{
		StartedAt:     run.StartedAt,
		FinishedAt:    run.FinishedAt,
		ProblemCount:  len(run.Store.DeduplicatedIntoIter()),
		ResolvedCount: resolved,
		ExitCode:      exit,
	}); err != nil {
		logger.Warn("could not record run history", logger.Err(err))
	}
}

func noColor(cmd *cobra.Command) bool {
	noColor, _ := cmd.Flags().GetBool("no-color")
	return noColor
}

// exitCodeError wraps a non-zero exit code as an error so RunE's caller can
// distinguish "handled, print nothing more" from an operational failure
// cobra should report on stderr.
type exitCodeError int

func (e exitCodeError) Error() string { return exitcode.String(int(e)) }

func (e exitCodeError) ExitCode() int { return int(e) }
