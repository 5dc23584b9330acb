package appconfig

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CARGOCAP_HOME", t.TempDir())
	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "info", s.LogLevel)
	assert.False(t, s.JSON)
	assert.Equal(t, "none", s.SandboxKind)
	assert.NotEmpty(t, s.HistoryDBPath)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CARGOCAP_HOME", t.TempDir())
	t.Setenv("CARGOCAP_LOG_LEVEL", "debug")
	t.Setenv("CARGOCAP_SANDBOX_KIND", "bubblewrap")
	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", s.LogLevel)
	assert.Equal(t, "bubblewrap", s.SandboxKind)
}

func TestHomeRespectsEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CARGOCAP_HOME", dir)
	home, err := Home()
	require.NoError(t, err)
	assert.Equal(t, dir, home)
}

func TestHomeDefaultsUnderUserHome(t *testing.T) {
	os.Unsetenv("CARGOCAP_HOME")
	home, err := Home()
	require.NoError(t, err)
	assert.Contains(t, home, ".cargocap")
}
