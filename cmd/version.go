/*
Copyright © 2025 3 Leaps <info@3leaps.net>
*/
package cmd

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
)

// versionCmd prints cargocap's own version, distinct from any cargo/rustc
// toolchain version it happens to be wrapping.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show cargocap's version",
	RunE:  runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().Bool("extended", false, "Include git commit and build platform details")
	versionCmd.Flags().Bool("json", false, "Output version information in JSON format")
}

func runVersion(cmd *cobra.Command, args []string) error {
	extended, _ := cmd.Flags().GetBool("extended")
	jsonOutput, _ := cmd.Flags().GetBool("json")
	out := cmd.OutOrStdout()

	info := map[string]any{
		"version":   version,
		"goVersion": runtime.Version(),
		"platform":  runtime.GOOS,
		"arch":      runtime.GOARCH,
	}
	if extended {
		if commit, err := gitCommit(); err == nil {
			info["gitCommit"] = commit
		}
	}

	if jsonOutput {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return fmt.Errorf("formatting version as json: %w", err)
		}
		_, _ = fmt.Fprintln(out, string(data))
		return nil
	}

	_, _ = fmt.Fprintf(out, "cargocap %s\n", version)
	_, _ = fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
	_, _ = fmt.Fprintf(out, "Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	if extended {
		if commit, ok := info["gitCommit"].(string); ok {
			_, _ = fmt.Fprintf(out, "Git commit: %s\n", commit)
		}
	}
	return nil
}

func gitCommit() (string, error) {
	out, err := exec.Command("git", "rev-parse", "--short", "HEAD").Output() // #nosec G204 -- fixed argv, no user input
	if err != nil {
		return "", fmt.Errorf("reading git commit: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}
