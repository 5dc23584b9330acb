package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cargocap/cargocap/internal/interactive"
	"github.com/cargocap/cargocap/internal/problem"
	"github.com/cargocap/cargocap/pkg/exitcode"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "One-shot, non-interactive policy check",
	Long: `check runs the same enforcement pass as build but never launches the
interactive loop: it prints the deduplicated problem list and exits
non-zero if anything blocks the build, regardless of whether stdout is a
terminal.`,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().String("target", "", "Cargo target triple to forward to cargo build")
	checkCmd.Flags().String("format", "plain", "Report format: plain or markdown")
	checkCmd.Flags().Int("usage-report-cap", 10, "Maximum usage locations printed per permission (negative = unlimited)")
}

func runCheck(cmd *cobra.Command, args []string) error {
	target, _ := cmd.Flags().GetString("target")
	format, _ := cmd.Flags().GetString("format")
	cap, _ := cmd.Flags().GetInt("usage-report-cap")

	run, err := runEnforcement(cmd, target)
	if err != nil {
		return fmt.Errorf("running cargo build under enforcement: %w", err)
	}

	problems := run.Store.DeduplicatedIntoIter()
	capped := capUsages(problems, cap)

	switch format {
	case "markdown":
		if err := interactive.WriteMarkdownReport(cmd.OutOrStdout(), capped); err != nil {
			return fmt.Errorf("rendering markdown report: %w", err)
		}
	case "plain":
		writeVerboseReport(cmd, capped)
	default:
		return exitCodeError(exitcode.UnsupportedFormat)
	}

	exit := exitcode.Success
	switch {
	case len(problems) == 0 && run.BuildErr == nil:
	case run.Editor == nil:
		exit = exitcode.ConfigError
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

// writeVerboseReport prints one StringVerbose block per problem, severity
// labeled, the headless counterpart to the interactive loop's detail view.
func writeVerboseReport(cmd *cobra.Command, problems []problem.Problem) {
	out := cmd.OutOrStdout()
	if len(problems) == 0 {
		fmt.Fprintln(out, "no problems found")
		return
	}
	for _, p := range problems {
		fmt.Fprintf(out, "[%s] %s\n", p.Severity(), p.StringVerbose())
	}
}

// capUsages truncates the usage locations each problem carries to at most
// cap entries per permission/crate, so a pathologically large number of
// call sites doesn't flood a headless report. A negative cap disables
// truncation.
func capUsages(problems []problem.Problem, cap int) []problem.Problem {
	if cap < 0 {
		return problems
	}
	out := make([]problem.Problem, len(problems))
	copy(out, problems)
	for i, p := range out {
		switch p.Kind {
		case problem.KindDisallowedUnsafe:
			out[i].Usages = truncateUsages(p.Usages, cap)
		case problem.KindDisallowedAPIUsage:
			capped := problem.NewApiUsages(p.APIUsages.Crate)
			for _, perm := range p.APIUsages.Permissions() {
				for _, u := range truncateUsages(p.APIUsages.Usages[perm], cap) {
					capped.Add(perm, u)
				}
			}
			out[i].APIUsages = capped
		}
	}
	return out
}

func truncateUsages(usages []problem.Usage, cap int) []problem.Usage {
	if cap >= len(usages) {
		return usages
	}
	return usages[:cap]
}
