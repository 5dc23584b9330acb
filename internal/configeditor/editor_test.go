package configeditor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `# top-level comment, must survive edits
common.build_flags = ["--all-targets"]

[perm.fs]
include = ["std::fs"]

[perm.net]
include = ["std::net"]
exclude = ["std::net::test"]

[pkg.foo]
allow = ["fs"]
# a comment that belongs to foo
allow_unsafe = false

[sandbox]
kind = "none"
`

func TestRoundTripIsIdentityWithNoEdits(t *testing.T) {
	ed, err := FromString("cackle.toml", sampleConfig)
	require.NoError(t, err)
	assert.Equal(t, sampleConfig, ed.ToTOMLString())
}

func TestSetPackageAllowPreservesUnrelatedLines(t *testing.T) {
	ed, err := FromString("cackle.toml", sampleConfig)
	require.NoError(t, err)

	ed.SetPackageAllow("foo", []string{"fs", "net"})

	out := ed.ToTOMLString()
	assert.Contains(t, out, `allow = ["fs", "net"]`)
	assert.Contains(t, out, "# a comment that belongs to foo")
	assert.Contains(t, out, "# top-level comment, must survive edits")
	assert.Equal(t, []string{"fs", "net"}, ed.Config.Pkg["foo"].Allow)
}

func TestSetPackageAllowUnsafeTogglesInPlace(t *testing.T) {
	ed, err := FromString("cackle.toml", sampleConfig)
	require.NoError(t, err)

	ed.SetPackageAllowUnsafe("foo", true)

	assert.Contains(t, ed.ToTOMLString(), "allow_unsafe = true")
	assert.True(t, ed.Config.Pkg["foo"].AllowUnsafe)
}

func TestAddPackageAllowBuildInstructionCreatesNewField(t *testing.T) {
	ed, err := FromString("cackle.toml", sampleConfig)
	require.NoError(t, err)

	ed.AddPackageAllowBuildInstruction("foo", "rustc-link-lib")

	assert.Contains(t, ed.ToTOMLString(), `allow_build_instructions = ["rustc-link-lib"]`)
	assert.Equal(t, []string{"rustc-link-lib"}, ed.Config.Pkg["foo"].AllowBuildInstructions)
}

func TestSetSandboxKindCreatesSectionWhenMissing(t *testing.T) {
	ed, err := FromString("cackle.toml", "common.build_flags = []\n")
	require.NoError(t, err)

	ed.SetSandboxKind("bubblewrap")

	assert.Contains(t, ed.ToTOMLString(), `kind = "bubblewrap"`)
	assert.Equal(t, "bubblewrap", ed.Config.Sandbox.Kind)
}

func TestDecodeAppliesDefaultBuildFlags(t *testing.T) {
	cfg, err := Decode([]byte("[pkg.foo]\nallow = [\"fs\"]\n"))
	require.NoError(t, err)
	assert.Equal(t, DefaultBuildFlags, cfg.Common.BuildFlags)
	assert.Equal(t, "none", cfg.Sandbox.Kind)
}
