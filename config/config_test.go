package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 9001, cfg.DefaultPort)
	assert.Equal(t, 9090, cfg.WorkerControlPort)
	assert.Equal(t, "python", cfg.PythonExecutable)
	assert.False(t, cfg.ShowConsole)
	assert.Equal(t, time.Second, cfg.HeartbeatInterval())
	assert.Equal(t, 2*time.Second, cfg.CallTimeout())
	assert.Equal(t, 100*time.Millisecond, cfg.LaunchGrace())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guibridge.toml")
	contents := `
default_port = 9200
show_console = true
python_executable = "python3"
heartbeat_interval_ms = 250
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9200, cfg.DefaultPort)
	assert.True(t, cfg.ShowConsole)
	assert.Equal(t, "python3", cfg.PythonExecutable)
	assert.Equal(t, 250*time.Millisecond, cfg.HeartbeatInterval())
	// untouched fields keep their defaults
	assert.Equal(t, 9090, cfg.WorkerControlPort)
	assert.Equal(t, "guiworker", cfg.EntryModule)
}

func TestDiscoverFindsConfigUpward(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0755))

	path := filepath.Join(root, DefaultFileName)
	require.NoError(t, os.WriteFile(path, []byte("default_port = 9001\n"), 0644))

	assert.Equal(t, path, Discover(DefaultFileName, nested))
	assert.Equal(t, "", Discover("no-such-file.toml", nested))
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		name     string
		contents string
	}{
		{name: "port out of range", contents: "default_port = 70000"},
		{name: "zero control port", contents: "worker_control_port = 0"},
		{name: "empty executable", contents: `python_executable = ""`},
		{name: "empty entry module", contents: `entry_module = ""`},
		{name: "negative heartbeat", contents: "heartbeat_interval_ms = -1"},
		{name: "zero call timeout", contents: "call_timeout_ms = 0"},
		{name: "zero launch grace", contents: "launch_grace_ms = 0"},
		{name: "malformed TOML", contents: "default_port ="},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "guibridge.toml")
			require.NoError(t, os.WriteFile(path, []byte(c.contents), 0644))
			_, err := Load(path)
			require.Error(t, err)
		})
	}
}
