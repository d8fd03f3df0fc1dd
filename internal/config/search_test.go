package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveExplicit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "masqctl.toml")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	got, err := Resolve(path)
	require.NoError(t, err)
	assert.Equal(t, path, got)

	_, err = Resolve(path + ".missing")
	assert.Error(t, err)
}

func TestResolveEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env.toml")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	t.Setenv(EnvConfigPath, path)

	got, err := Resolve("")
	require.NoError(t, err)
	assert.Equal(t, path, got)
}

func TestResolveSearchPaths(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	dir := t.TempDir()
	second := filepath.Join(dir, "b.toml")
	require.NoError(t, os.WriteFile(second, nil, 0o644))

	orig := DefaultSearchPaths
	t.Cleanup(func() { DefaultSearchPaths = orig })
	DefaultSearchPaths = []string{filepath.Join(dir, "a.toml"), second}

	got, err := Resolve("")
	require.NoError(t, err)
	assert.Equal(t, second, got)

	DefaultSearchPaths = []string{filepath.Join(dir, "none.toml")}
	_, err = Resolve("")
	assert.ErrorContains(t, err, "no config file found")
}
