package config

import (
	"os"
	"path/filepath"
	"sync"
)

const envHome = "DEVICE_HARNESS_HOME"

var (
	homeOnce sync.Once
	homeDir  string
)

// GetHome returns the device-harness home directory.
//
// Resolution order:
//  1. $DEVICE_HARNESS_HOME environment variable
//  2. Parent of the binary's directory (if binary is in <home>/bin/)
//  3. Current working directory (development fallback)
func GetHome() string {
	homeOnce.Do(func() {
		homeDir = resolveHome()
	})
	return homeDir
}

// GetOutputDir returns <home>/output, the default location for captured logs.
func GetOutputDir() string {
	return filepath.Join(GetHome(), "output")
}

// GetDiagnosticsPath returns <home>/diagnostics.json.
func GetDiagnosticsPath() string {
	return filepath.Join(GetHome(), "diagnostics.json")
}

func resolveHome() string {
	if env := os.Getenv(envHome); env != "" {
		return env
	}

	// Binary-relative: <home>/bin/device-harness
	if execPath, err := os.Executable(); err == nil {
		if resolved, err := filepath.EvalSymlinks(execPath); err == nil {
			execPath = resolved
		}
		binDir := filepath.Dir(execPath)
		if filepath.Base(binDir) == "bin" {
			return filepath.Dir(binDir)
		}
	}

	if cwd, err := os.Getwd(); err == nil {
		return cwd
	}

	return "."
}

// ResetHome resets the cached home directory (for testing).
func ResetHome() {
	homeOnce = sync.Once{}
	homeDir = ""
}
