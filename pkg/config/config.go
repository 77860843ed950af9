// Package config holds the store server's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level server configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig covers the two client listeners and the credential store.
type ServerConfig struct {
	Host string `yaml:"host"`
	// CredentialHost is the host part of the credential store address;
	// the port comes from the command line.
	CredentialHost string `yaml:"credential_host"`
	// PlayerReadTimeout bounds how long a player connection may sit idle
	// between requests. Empty or unparsable values fall back to 30s; "0s"
	// disables the deadline.
	PlayerReadTimeout string `yaml:"player_read_timeout"`
	// AcceptPoll is how often the accept loops wake to observe shutdown.
	AcceptPoll string `yaml:"accept_poll"`
}

// StorageConfig locates all persisted state.
type StorageConfig struct {
	// DataRoot is the directory holding game_store_data/, uploaded_games/,
	// players.json and the port discovery files.
	DataRoot string `yaml:"data_root"`
}

// SupervisorConfig tunes game-server subprocess management.
type SupervisorConfig struct {
	PortMin int `yaml:"port_min"`
	PortMax int `yaml:"port_max"`
	// GraceWindow is how long a child must survive before the spawn is
	// considered successful.
	GraceWindow string `yaml:"grace_window"`
	// LogDirectory receives per-process game_server_<port>.log files.
	// Defaults to <data_root>/logs.
	LogDirectory string `yaml:"log_directory"`
}

// LoggingConfig selects the level, format and output that pkg/logging.New
// builds the logger from.
type LoggingConfig struct {
	Level  string      `yaml:"level"`
	Format string      `yaml:"format"`
	Output string      `yaml:"output"`
	File   *FileConfig `yaml:"file,omitempty"`
}

// FileConfig configures rotating file output.
type FileConfig struct {
	Directory string `yaml:"directory"`
	Filename  string `yaml:"filename"`
	MaxSizeMB int    `yaml:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files"`
	Compress  bool   `yaml:"compress"`
}

// MetricsConfig controls the optional Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			CredentialHost:    "127.0.0.1",
			PlayerReadTimeout: "30s",
			AcceptPoll:        "1s",
		},
		Storage: StorageConfig{
			DataRoot: ".",
		},
		Supervisor: SupervisorConfig{
			PortMin:     20000,
			PortMax:     30000,
			GraceWindow: "500ms",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
		},
	}
}

// Load reads a YAML configuration file, filling unset fields from Default.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads path if it exists, otherwise returns Default.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	if _, err := os.Stat(path); err != nil {
		return Default(), nil
	}
	return Load(path)
}

// PlayerReadTimeoutDuration parses the configured player read deadline.
func (c *ServerConfig) PlayerReadTimeoutDuration() time.Duration {
	return parseDuration(c.PlayerReadTimeout, 30*time.Second)
}

// AcceptPollDuration parses the accept-loop poll interval.
func (c *ServerConfig) AcceptPollDuration() time.Duration {
	return parseDuration(c.AcceptPoll, time.Second)
}

// GraceWindowDuration parses the spawn grace window.
func (c *SupervisorConfig) GraceWindowDuration() time.Duration {
	return parseDuration(c.GraceWindow, 500*time.Millisecond)
}

// PortRange returns the subprocess port range, corrected if inverted.
func (c *SupervisorConfig) PortRange() (int, int) {
	min, max := c.PortMin, c.PortMax
	if min <= 0 {
		min = 20000
	}
	if max < min {
		max = min
	}
	return min, max
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
