package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cargocap/cargocap/internal/configeditor"
)

// editCmd's subcommands apply a single structured change to the policy file
// directly, without launching the interactive loop — the scriptable
// counterpart to picking an edit off the SelectEdit list by hand.
var editCmd = &cobra.Command{
	Use:   "edit",
	Short: "Apply one structured change to the policy file",
}

var editPkgAllowCmd = &cobra.Command{
	Use:   "allow <package> <permission...>",
	Short: "Set pkg.<package>.allow to the given permissions",
	Args:  cobra.MinimumNArgs(2),
	RunE: withEditor(func(editor *configeditor.Editor, args []string) error {
		editor.SetPackageAllow(args[0], args[1:])
		return nil
	}),
}

var editPkgAllowUnsafeCmd = &cobra.Command{
	Use:   "allow-unsafe <package> <true|false>",
	Short: "Set pkg.<package>.allow_unsafe",
	Args:  cobra.ExactArgs(2),
	RunE: withEditor(func(editor *configeditor.Editor, args []string) error {
		editor.SetPackageAllowUnsafe(args[0], strings.EqualFold(args[1], "true"))
		return nil
	}),
}

var editPkgAllowBuildInstructionCmd = &cobra.Command{
	Use:   "allow-build-instruction <package> <directive...>",
	Short: "Add to pkg.<package>.allow_build_instructions",
	Args:  cobra.MinimumNArgs(2),
	RunE: withEditor(func(editor *configeditor.Editor, args []string) error {
		for _, directive := range args[1:] {
			editor.AddPackageAllowBuildInstruction(args[0], directive)
		}
		return nil
	}),
}

var editPkgAllowBuildScriptsCmd = &cobra.Command{
	Use:   "allow-build-script <package> <true|false>",
	Short: "Set pkg.<package>.allow_build_scripts",
	Args:  cobra.ExactArgs(2),
	RunE: withEditor(func(editor *configeditor.Editor, args []string) error {
		editor.SetPackageAllowBuildScripts(args[0], strings.EqualFold(args[1], "true"))
		return nil
	}),
}

var editPkgAllowProcMacroCmd = &cobra.Command{
	Use:   "allow-proc-macro <package> <true|false>",
	Short: "Set pkg.<package>.allow_proc_macro",
	Args:  cobra.ExactArgs(2),
	RunE: withEditor(func(editor *configeditor.Editor, args []string) error {
		editor.SetPackageAllowProcMacro(args[0], strings.EqualFold(args[1], "true"))
		return nil
	}),
}

var editSandboxCmd = &cobra.Command{
	Use:   "sandbox <none|bubblewrap|firejail>",
	Short: "Set sandbox.kind",
	Args:  cobra.ExactArgs(1),
	RunE: withEditor(func(editor *configeditor.Editor, args []string) error {
		editor.SetSandboxKind(args[0])
		return nil
	}),
}

func init() {
	rootCmd.AddCommand(editCmd)
	editCmd.AddCommand(editPkgAllowCmd, editPkgAllowUnsafeCmd, editPkgAllowBuildInstructionCmd,
		editPkgAllowBuildScriptsCmd, editPkgAllowProcMacroCmd, editSandboxCmd)
}

// withEditor opens the policy file named by --config, runs apply against it,
// and writes the result back atomically on success.
func withEditor(apply func(*configeditor.Editor, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		editor, err := configeditor.FromFile(path)
		if err != nil {
			return fmt.Errorf("opening %s: %w", path, err)
		}
		if err := apply(editor, args); err != nil {
			return err
		}
		if err := editor.Write(); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "updated %s\n", path)
		return nil
	}
}
