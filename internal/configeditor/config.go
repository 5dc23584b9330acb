// Package configeditor reads the per-workspace policy TOML file, exposes a
// typed view of it for the Checker and license policy to consume, and
// applies structured Edits back onto the file while preserving whatever
// formatting and comments the edit doesn't touch.
package configeditor

import (
	"fmt"

	"github.com/pelletier/go-toml/v2"
)

// Config is the typed, decoded form of the policy TOML file. Field order
// here plays no role in serialization — preserving formatting on write goes
// through the raw line buffer in editor.go, not through re-encoding this
// struct.
type Config struct {
	Common CommonConfig             `toml:"common"`
	Perm   map[string]PermConfig    `toml:"perm"`
	Pkg    map[string]PackageConfig `toml:"pkg"`
	Sandbox SandboxConfig           `toml:"sandbox"`
}

// CommonConfig holds settings that apply to every `cargo build` invocation.
type CommonConfig struct {
	BuildFlags []string `toml:"build_flags"`
	Features   []string `toml:"features"`
}

// PermConfig is one `perm.<name>` table: the include/exclude symbol
// prefixes defining a named permission.
type PermConfig struct {
	Include []string `toml:"include"`
	Exclude []string `toml:"exclude"`
}

// PackageConfig is one `pkg.<name>` table: what a specific package may do.
type PackageConfig struct {
	Allow                  []string `toml:"allow"`
	AllowUnsafe            bool     `toml:"allow_unsafe"`
	AllowBuildInstructions []string `toml:"allow_build_instructions"`
	AllowBuildScripts      bool     `toml:"allow_build_scripts"`
	AllowProcMacro         bool     `toml:"allow_proc_macro"`
}

// SandboxConfig selects which sandbox back-end build scripts run under.
type SandboxConfig struct {
	Kind string `toml:"kind"` // "none" | "bubblewrap" | "firejail"
}

// DefaultBuildFlags is used when common.build_flags is absent from the file.
var DefaultBuildFlags = []string{"--all-targets"}

// Decode parses raw TOML bytes into a Config, applying defaults for
// unspecified-but-meaningful fields.
func Decode(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.Perm == nil {
		cfg.Perm = map[string]PermConfig{}
	}
	if cfg.Pkg == nil {
		cfg.Pkg = map[string]PackageConfig{}
	}
	if len(cfg.Common.BuildFlags) == 0 {
		cfg.Common.BuildFlags = append([]string(nil), DefaultBuildFlags...)
	}
	if cfg.Sandbox.Kind == "" {
		cfg.Sandbox.Kind = "none"
	}
	return &cfg, nil
}

// Encode serializes cfg back to TOML. This is used only for brand-new
// config files (cargocap init); editing an existing file goes through
// Edit.Apply and the Editor's line-patching setters, which preserve the original text layout instead of
// re-encoding the whole struct.
func Encode(cfg *Config) ([]byte, error) {
	return toml.Marshal(cfg)
}
