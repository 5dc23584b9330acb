/*
Copyright © 2025 3 Leaps <info@3leaps.com>
*/
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cargocap/cargocap/pkg/appconfig"
	"github.com/cargocap/cargocap/pkg/exitcode"
	"github.com/cargocap/cargocap/pkg/logger"
)

// version is set at build time via -ldflags "-X ...cmd.version=...". Left as
// "dev" for local builds.
var version = "dev"

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "cargocap",
	Short: "Per-dependency capability enforcer for Cargo workspaces",
	Long: `cargocap intercepts a cargo build, attributes every symbol each
dependency links against to a named permission (filesystem, network, unsafe,
and so on), and reports or blocks builds that violate the policy declared in
your workspace's cargocap.toml.

Examples:
  cargocap build             # run cargo build under policy enforcement
  cargocap check              # one-shot, non-interactive policy check
  cargocap edit allow foo fs       # grant package foo the fs permission
  cargocap init               # scaffold a starter cargocap.toml
  cargocap report --history 10     # show recent run history
  cargocap version`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initializeLogger(cmd)
	},
}

// exitCoder is implemented by errors that already carry the specific
// exitcode their failure corresponds to (a ConfigError vs a
// ValidationError, say), so Execute can propagate it instead of collapsing
// every RunE failure to GeneralError.
type exitCoder interface {
	ExitCode() int
}

// Execute runs rootCmd and maps a failure to the process exit code. This is
// called by main.main().
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	code := exitcode.GeneralError
	if ec, ok := err.(exitCoder); ok {
		code = ec.ExitCode()
	} else {
		logger.Error("command execution failed", logger.Err(err))
	}
	os.Exit(code)
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "", "Set log level (trace|debug|info|warn|error); defaults to CARGOCAP_LOG_LEVEL or info")
	rootCmd.PersistentFlags().Bool("json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().Bool("no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().String("config", "cargocap.toml", "Path to the workspace policy file")

	rootCmd.Version = version
	rootCmd.SetVersionTemplate("cargocap {{.Version}}\n")
}

// initializeLogger sets up the logger from flags, falling back to the
// CARGOCAP_-prefixed app settings when a flag wasn't explicitly set.
func initializeLogger(cmd *cobra.Command) error {
	settings, err := appconfig.Load()
	if err != nil {
		return fmt.Errorf("loading app settings: %w", err)
	}

	logLevelStr, _ := cmd.Flags().GetString("log-level")
	if logLevelStr == "" {
		logLevelStr = settings.LogLevel
	}
	jsonLogs, _ := cmd.Flags().GetBool("json")
	noColor, _ := cmd.Flags().GetBool("no-color")
	if !noColor {
		noColor = settings.NoColor
	}

	var logLevel logger.Level
	switch strings.ToLower(logLevelStr) {
	case "trace":
		logLevel = logger.TraceLevel
	case "debug":
		logLevel = logger.DebugLevel
	case "warn":
		logLevel = logger.WarnLevel
	case "error":
		logLevel = logger.ErrorLevel
	default:
		logLevel = logger.InfoLevel
	}

	config := logger.Config{
		Level:     logLevel,
		UseColor:  !noColor,
		JSON:      jsonLogs || settings.JSON,
		Component: "cargocap",
	}

	if err := logger.Initialize(config); err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	return nil
}
