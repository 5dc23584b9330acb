package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cargocap/cargocap/internal/configeditor"
	"github.com/cargocap/cargocap/pkg/safeio"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Scaffold a starter policy file for this workspace",
	Long: `Writes a cargocap.toml with the default build flags and an empty
permission/package table, ready to grow as cargocap build reports problems
and proposes edits.`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().Bool("force", false, "Overwrite an existing policy file")
}

func runInit(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	force, _ := cmd.Flags().GetBool("force")

	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists; use --force to overwrite", path)
	}

	cfg := &configeditor.Config{
		Common: configeditor.CommonConfig{BuildFlags: configeditor.DefaultBuildFlags},
		Perm:   map[string]configeditor.PermConfig{},
		Pkg:    map[string]configeditor.PackageConfig{},
		Sandbox: configeditor.SandboxConfig{Kind: "none"},
	}

	data, err := configeditor.Encode(cfg)
	if err != nil {
		return fmt.Errorf("encoding starter config: %w", err)
	}

	if err := safeio.WriteFileAtomic(path, data); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote starter policy file to %s\n", path)
	return nil
}
