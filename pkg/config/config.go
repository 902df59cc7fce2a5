// Package config loads the daemon's YAML configuration file, covering the
// options spec.md §6 lists as materially affecting daemon behavior plus
// data_dir, log_level and log_json. Everything else about configuration (alias files, client
// presentation settings) is out of scope and not modeled here.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// EnvOverride is the environment variable that, if set, overrides the
// config file path.
const EnvOverride = "TASKQD_CONFIG"

// Config is the daemon's runtime configuration.
type Config struct {
	DataDir string `yaml:"data_dir"`

	DefaultParallelTasks int  `yaml:"default_parallel_tasks"`
	PauseGroupOnFailure  bool `yaml:"pause_group_on_failure"`
	PauseAllOnFailure    bool `yaml:"pause_all_on_failure"`

	Callback         string `yaml:"callback"`
	CallbackLogLines int    `yaml:"callback_log_lines"`

	ShellCommand string            `yaml:"shell_command"`
	EnvVars      map[string]string `yaml:"env_vars"`

	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	UseTLS            bool   `yaml:"use_tls"`
	SocketPath        string `yaml:"socket_path"`
	SocketPermissions string `yaml:"socket_permissions"`

	Secret string `yaml:"secret"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool    `yaml:"log_json"`
}

// Default returns the configuration the daemon uses when no file is
// present, matching the teacher's convention of sane zero-config defaults.
func Default() *Config {
	shell := "sh -c {{ pueue_command_string }}"
	if runtime.GOOS == "windows" {
		shell = "powershell -c {{ pueue_command_string }}"
	}
	home, _ := os.UserHomeDir()
	return &Config{
		DataDir:              filepath.Join(home, ".local", "share", "taskqd"),
		DefaultParallelTasks: 1,
		CallbackLogLines:     10,
		ShellCommand:         shell,
		EnvVars:              map[string]string{},
		SocketPath:           filepath.Join(home, ".local", "share", "taskqd", "taskqd.socket"),
		SocketPermissions:    "0700",
		LogLevel:             "info",
	}
}

// Load reads and parses the config file at path, falling back to defaults
// for any field the file doesn't set. A missing file is not an error; it
// just means "use defaults".
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// ResolvePath resolves the config file path from an explicit flag value,
// the TASKQD_CONFIG environment variable, then a default location, in
// that priority order.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(EnvOverride); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "taskqd", "taskqd.yml")
}
