// Package config handles configuration for device-harness.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes environment variables that override config keys,
// e.g. DEVICE_HARNESS_LAUNCH_TIMEOUT sets launchTimeout.
const EnvPrefix = "DEVICE_HARNESS_"

// Config is the layered configuration: defaults, then config.yaml, then environment.
// Command line flags override it in the CLI.
type Config struct {
	Timeout         time.Duration `koanf:"timeout"`         // Whole operation
	LaunchTimeout   time.Duration `koanf:"launchTimeout"`   // Until the app starts
	CleanupTimeout  time.Duration `koanf:"cleanupTimeout"`  // Uninstall/shutdown after the run
	OutputDirectory string        `koanf:"outputDirectory"` // Captured logs
	DiagnosticsPath string        `koanf:"diagnosticsPath"` // JSON diagnostics file, empty = disabled
	KnownIssuesFile string        `koanf:"knownIssuesFile"` // Extra known-issue rules
	LldbMarkerDir   string        `koanf:"lldbMarkerDir"`   // Where .launch-with-lldb lives, empty = user home
	InstallRetries  int           `koanf:"installRetries"`
	XcodeRoot       string        `koanf:"xcodeRoot"` // Selects DEVELOPER_DIR for xcrun
}

// Defaults returns the built-in values.
func Defaults() map[string]interface{} {
	return map[string]interface{}{
		"timeout":         "15m",
		"launchTimeout":   "5m",
		"cleanupTimeout":  "1m",
		"outputDirectory": GetOutputDir(),
		"diagnosticsPath": "",
		"knownIssuesFile": "",
		"lldbMarkerDir":   "",
		"installRetries":  2,
		"xcodeRoot":       "",
	}
}

// Load builds the configuration. An empty path looks for config.yaml or config.yml
// in the home directory; a missing default file is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = findConfigFile(GetHome())
	}
	return load(path)
}

// LoadFromDir loads config.yaml or config.yml from dir, if present.
func LoadFromDir(dir string) (*Config, error) {
	return load(findConfigFile(dir))
}

func load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	keys := envKeys()
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return keys[normalizeEnv(strings.TrimPrefix(s, EnvPrefix))]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values no operation can run with.
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.LaunchTimeout <= 0 {
		return fmt.Errorf("launchTimeout must be positive, got %s", c.LaunchTimeout)
	}
	if c.CleanupTimeout <= 0 {
		return fmt.Errorf("cleanupTimeout must be positive, got %s", c.CleanupTimeout)
	}
	if c.InstallRetries < 0 {
		return fmt.Errorf("installRetries must not be negative, got %d", c.InstallRetries)
	}
	return nil
}

// DeveloperDir returns the DEVELOPER_DIR value for XcodeRoot, or "" when unset.
func (c *Config) DeveloperDir() string {
	if c.XcodeRoot == "" {
		return ""
	}
	if strings.HasSuffix(c.XcodeRoot, ".app") {
		return filepath.Join(c.XcodeRoot, "Contents", "Developer")
	}
	return c.XcodeRoot
}

func findConfigFile(dir string) string {
	for _, name := range []string{"config.yaml", "config.yml"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envKeys maps LAUNCHTIMEOUT-style names to config keys.
func envKeys() map[string]string {
	keys := make(map[string]string)
	for key := range Defaults() {
		keys[normalizeEnv(key)] = key
	}
	return keys
}

func normalizeEnv(s string) string {
	return strings.ToUpper(strings.ReplaceAll(s, "_", ""))
}
