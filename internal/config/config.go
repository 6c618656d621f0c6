// Package config handles codexhub configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/codexhub/config.yaml, /config/config.yaml,
// /etc/codexhub/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "codexhub", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/codexhub/config.yaml")
	return paths
}

// searchPathsFunc is overridden in tests to avoid picking up real config
// files on developer/deploy machines.
var searchPathsFunc = DefaultSearchPaths

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range searchPathsFunc() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPathsFunc())
}

// Config holds all codexhub configuration: the shared log level plus one
// section per binary. Both cmd/codex-app-server and cmd/codexd load the
// same file and read only the section they care about, so a single
// config.yaml can describe a whole host running both.
type Config struct {
	AppServer AppServerConfig `yaml:"app_server"`
	Codexd    CodexdConfig    `yaml:"codexd"`
	LogLevel  string          `yaml:"log_level"`
}

// AppServerConfig configures the app-server transport multiplexer.
type AppServerConfig struct {
	// Listen is a listen URL: "stdio://" (default) or "ws://IP:PORT".
	// See internal/transport.ParseListenURL for the accepted grammar.
	Listen string `yaml:"listen"`
	// BearerToken, when non-empty, is required on every WebSocket
	// connection (Authorization: Bearer <token> or a ?token= query
	// parameter). Ignored for the stdio transport, which has no
	// separate auth surface.
	BearerToken string `yaml:"bearer_token"`
}

// CodexdConfig configures the daemon broker.
type CodexdConfig struct {
	// SocketPath is the Unix domain socket codexd listens on. Defaults
	// to <CodexHome()>/run/codexd.sock.
	SocketPath string `yaml:"socket_path"`
	// LogLevel overrides the top-level LogLevel for the daemon process
	// specifically; empty means inherit.
	LogLevel string `yaml:"log_level"`
}

// CodexHome returns the root directory codexhub stores runtime state
// under: $CODEX_HOME if set, otherwise ~/.codex.
func CodexHome() string {
	if home := os.Getenv("CODEX_HOME"); home != "" {
		return home
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".codex")
	}
	return ".codex"
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${CODEX_HOME}). This is a
	// convenience for container deployments; the recommended approach
	// is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.AppServer.Listen == "" {
		c.AppServer.Listen = "stdio://"
	}
	if c.Codexd.SocketPath == "" {
		c.Codexd.SocketPath = filepath.Join(CodexHome(), "run", "codexd.sock")
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Codexd.LogLevel == "" {
		c.Codexd.LogLevel = c.LogLevel
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	if c.Codexd.LogLevel != "" {
		if _, err := ParseLogLevel(c.Codexd.LogLevel); err != nil {
			return fmt.Errorf("codexd.log_level: %w", err)
		}
	}
	return nil
}

// Default returns a default configuration suitable for local development.
// All defaults are already applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
