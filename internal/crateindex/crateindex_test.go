package crateindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMetadata = `{
  "packages": [
    {
      "name": "foo",
      "version": "0.1.0",
      "license": "MIT",
      "description": "",
      "documentation": "",
      "manifest_path": "/ws/foo-0.1.0/Cargo.toml",
      "targets": [{"kind": ["lib"]}]
    },
    {
      "name": "foo",
      "version": "0.2.0",
      "license": "MIT",
      "description": "",
      "documentation": "",
      "manifest_path": "/ws/foo-0.2.0/Cargo.toml",
      "targets": [{"kind": ["lib"]}]
    },
    {
      "name": "derive-thing",
      "version": "1.0.0",
      "license": "Apache-2.0",
      "description": "",
      "documentation": "",
      "manifest_path": "/ws/derive-thing-1.0.0/Cargo.toml",
      "targets": [{"kind": ["proc-macro"]}]
    },
    {
      "name": "has-build",
      "version": "1.0.0",
      "license": "MIT",
      "description": "",
      "documentation": "",
      "manifest_path": "/ws/has-build-1.0.0/Cargo.toml",
      "targets": [{"kind": ["lib"]}, {"kind": ["custom-build"]}]
    }
  ]
}`

func TestParseMetadataVersionDisambiguation(t *testing.T) {
	idx, err := ParseMetadata("/ws/Cargo.toml", []byte(sampleMetadata))
	require.NoError(t, err)

	newest, ok := idx.NewestPackageIDWithName("foo")
	require.True(t, ok)
	assert.Equal(t, "0.2.0", newest.Version.String())
	assert.False(t, newest.NameIsUnique)
	assert.Equal(t, "foo[0.2.0]", newest.String())
}

func TestParseMetadataUniqueNameHasNoBracket(t *testing.T) {
	idx, err := ParseMetadata("/ws/Cargo.toml", []byte(sampleMetadata))
	require.NoError(t, err)

	id, ok := idx.NewestPackageIDWithName("derive-thing")
	require.True(t, ok)
	assert.Equal(t, "derive-thing", id.String())
}

func TestParseMetadataDetectsProcMacroAndBuildScript(t *testing.T) {
	idx, err := ParseMetadata("/ws/Cargo.toml", []byte(sampleMetadata))
	require.NoError(t, err)

	procMacros := idx.ProcMacros()
	require.Len(t, procMacros, 1)
	assert.Equal(t, "derive-thing", procMacros[0].Name)

	withBuild := idx.PackagesWithBuildScripts()
	require.Len(t, withBuild, 1)
	assert.Equal(t, "has-build", withBuild[0].Name)
}

func TestParseMetadataNonUniqueNames(t *testing.T) {
	idx, err := ParseMetadata("/ws/Cargo.toml", []byte(sampleMetadata))
	require.NoError(t, err)
	assert.Equal(t, "foo", idx.NonUniqueNames())
}

func TestPackageIDForPathWalksUpDirectories(t *testing.T) {
	idx, err := ParseMetadata("/ws/Cargo.toml", []byte(sampleMetadata))
	require.NoError(t, err)

	id, ok := idx.PackageIDForPath("/ws/has-build-1.0.0/src/lib.rs")
	require.True(t, ok)
	assert.Equal(t, "has-build", id.Name)

	_, ok = idx.PackageIDForPath("/elsewhere/whatever.rs")
	assert.False(t, ok)
}

func TestPackageIDFromEnvReconstructsIdentity(t *testing.T) {
	env := map[string]string{
		"CARGO_PKG_NAME":                    "foo",
		"CARGO_PKG_VERSION":                 "0.2.0",
		MultipleVersionPkgNamesEnv:          "foo,bar",
	}
	getenv := func(k string) string { return env[k] }

	id, err := PackageIDFromEnv(getenv)
	require.NoError(t, err)
	assert.Equal(t, "foo", id.Name)
	assert.False(t, id.NameIsUnique)
	assert.Equal(t, "foo[0.2.0]", id.String())
}

func TestCrateSelFromEnvDetectsBuildScript(t *testing.T) {
	env := map[string]string{
		"CARGO_PKG_NAME":           "has-build",
		"CARGO_PKG_VERSION":        "1.0.0",
		"CARGO_CRATE_NAME":         "build_script_build",
		MultipleVersionPkgNamesEnv: "",
	}
	getenv := func(k string) string { return env[k] }

	sel, err := CrateSelFromEnv(getenv)
	require.NoError(t, err)
	assert.Equal(t, KindBuildScript, sel.Kind)
	assert.Equal(t, "has-build.build", sel.String())
}
