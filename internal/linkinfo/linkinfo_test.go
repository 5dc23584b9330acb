package linkinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeEnv(vars map[string]string) func(string) string {
	return func(key string) string { return vars[key] }
}

func TestFromEnvParsesObjectsAndOutput(t *testing.T) {
	env := fakeEnv(map[string]string{
		"CARGO_PKG_NAME":    "foo",
		"CARGO_PKG_VERSION": "0.1.0",
		"CARGO_CRATE_NAME":  "foo",
	})
	args := []string{"-L", "native=/x", "target/debug/deps/foo.o", "target/debug/deps/libbar.rlib", "-o", "target/debug/deps/foo"}

	li, err := FromEnv(args, env)
	require.NoError(t, err)
	assert.Equal(t, "target/debug/deps/foo", li.OutputFile)
	assert.Equal(t, []string{"target/debug/deps/foo.o", "target/debug/deps/libbar.rlib"}, li.ObjectPaths)
	assert.False(t, li.IsBuildScript())
}

func TestFromEnvDetectsBuildScript(t *testing.T) {
	env := fakeEnv(map[string]string{
		"CARGO_PKG_NAME":    "foo",
		"CARGO_PKG_VERSION": "0.1.0",
		"CARGO_CRATE_NAME":  "build_script_build",
	})
	args := []string{"-o", "target/debug/build/foo-abc/build-script-build"}

	li, err := FromEnv(args, env)
	require.NoError(t, err)
	assert.True(t, li.IsBuildScript())
}

func TestFromEnvMissingOutputIsOperationalError(t *testing.T) {
	env := fakeEnv(map[string]string{
		"CARGO_PKG_NAME":    "foo",
		"CARGO_PKG_VERSION": "0.1.0",
		"CARGO_CRATE_NAME":  "foo",
	})
	_, err := FromEnv([]string{"target/debug/deps/foo.o"}, env)
	assert.Error(t, err)
}

func TestFromEnvMissingPackageIdentityErrors(t *testing.T) {
	env := fakeEnv(map[string]string{})
	_, err := FromEnv([]string{"-o", "out"}, env)
	assert.Error(t, err)
}
