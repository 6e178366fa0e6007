// Package config holds the tunable settings for the host/worker bridge.
// Settings are loaded from a TOML file with defaults applied for anything
// left unset, and can be overridden programmatically before handing the
// Config to a Bridge.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultPort              = 9001
	defaultWorkerControlPort = 9090
	defaultPythonExecutable  = "python"
	defaultEntryModule       = "guiworker"
	defaultHeartbeatMS       = 1000
	defaultCallTimeoutMS     = 2000
	defaultLaunchGraceMS     = 100
)

// Environment variables the bridge publishes for the worker process.
const (
	// EnvClientPort carries the negotiated RPC port to the worker.
	EnvClientPort = "GUIBRIDGE_CLIENT_PORT"

	// EnvConsole, when set to "1", tells the worker to keep its console
	// window visible.
	EnvConsole = "GUIBRIDGE_CONSOLE"
)

// Config controls port selection, worker launching, and call timing.
type Config struct {
	// DefaultPort is the port the host binds when no live worker can
	// propose one.
	DefaultPort int `toml:"default_port"`

	// WorkerControlPort is the well-known loopback port the worker's
	// control endpoint listens on.
	WorkerControlPort int `toml:"worker_control_port"`

	// ShowConsole keeps the worker's console window visible on platforms
	// where process creation can open one.
	ShowConsole bool `toml:"show_console"`

	// PythonExecutable is the interpreter used to start the worker when no
	// per-bridge override is registered.
	PythonExecutable string `toml:"python_executable"`

	// EntryModule is the module passed to the interpreter's -m flag.
	EntryModule string `toml:"entry_module"`

	HeartbeatIntervalMS int `toml:"heartbeat_interval_ms"`
	CallTimeoutMS       int `toml:"call_timeout_ms"`

	// LaunchGraceMS is how long a freshly spawned worker is given before it
	// is checked for an immediate exit.
	LaunchGraceMS int `toml:"launch_grace_ms"`
}

// Default returns a Config populated with repository defaults.
func Default() *Config {
	return &Config{
		DefaultPort:         defaultPort,
		WorkerControlPort:   defaultWorkerControlPort,
		PythonExecutable:    defaultPythonExecutable,
		EntryModule:         defaultEntryModule,
		HeartbeatIntervalMS: defaultHeartbeatMS,
		CallTimeoutMS:       defaultCallTimeoutMS,
		LaunchGraceMS:       defaultLaunchGraceMS,
	}
}

// Load reads a TOML config file, applying defaults for unset fields.
// A missing file is not an error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if c.DefaultPort <= 0 || c.DefaultPort > 65535 {
		return fmt.Errorf("default_port %d out of range", c.DefaultPort)
	}
	if c.WorkerControlPort <= 0 || c.WorkerControlPort > 65535 {
		return fmt.Errorf("worker_control_port %d out of range", c.WorkerControlPort)
	}
	if c.PythonExecutable == "" {
		return errors.New("python_executable must not be empty")
	}
	if c.EntryModule == "" {
		return errors.New("entry_module must not be empty")
	}
	if c.HeartbeatIntervalMS <= 0 {
		return errors.New("heartbeat_interval_ms must be positive")
	}
	if c.CallTimeoutMS <= 0 {
		return errors.New("call_timeout_ms must be positive")
	}
	if c.LaunchGraceMS <= 0 {
		return errors.New("launch_grace_ms must be positive")
	}
	return nil
}

// HeartbeatInterval is the pause between heartbeat emissions.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

// CallTimeout bounds every RPC call made to the worker.
func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutMS) * time.Millisecond
}

// LaunchGrace is the window in which a spawned worker exiting is treated
// as a launch failure.
func (c *Config) LaunchGrace() time.Duration {
	return time.Duration(c.LaunchGraceMS) * time.Millisecond
}
