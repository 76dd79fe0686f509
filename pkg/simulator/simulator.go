package simulator

import (
	"context"
	"fmt"
	"strings"

	"github.com/devicelab-dev/device-harness/pkg/apple"
)

// Simulator is one simctl device. It implements apple.SimulatorDevice.
type Simulator struct {
	udid       string
	name       string
	osVersion  string // e.g., "iOS 17.2"
	runtime    string // e.g., "com.apple.CoreSimulator.SimRuntime.iOS-17-2"
	state      string // "Shutdown", "Booted", etc.
	deviceType string
	simctl     *Simctl
}

var _ apple.SimulatorDevice = (*Simulator)(nil)

// UDID returns the simulator UDID.
func (s *Simulator) UDID() string { return s.udid }

// Name returns the simulator name, e.g. "iPhone 15 Pro".
func (s *Simulator) Name() string { return s.name }

// OSVersion returns the family-prefixed version, e.g. "iOS 17.2".
func (s *Simulator) OSVersion() string { return s.osVersion }

// Runtime returns the CoreSimulator runtime identifier.
func (s *Simulator) Runtime() string { return s.runtime }

// State returns the simctl state at listing time.
func (s *Simulator) State() string { return s.state }

// IsBooted reports whether the simulator was booted when listed.
func (s *Simulator) IsBooted() bool { return s.state == "Booted" }

// Family returns the OS family, e.g. "iOS".
func (s *Simulator) Family() string {
	family, _, _ := strings.Cut(s.osVersion, " ")
	return family
}

// Version returns the bare OS version, e.g. "17.2".
func (s *Simulator) Version() string {
	_, version, _ := strings.Cut(s.osVersion, " ")
	return version
}

// Boot boots the simulator and blocks until it finished booting.
func (s *Simulator) Boot(ctx context.Context, log apple.Logger) error {
	log.Info("Booting simulator %s (%s)", s.name, s.udid)

	result, out, err := s.simctl.Run(ctx, "boot", s.udid)
	if err != nil {
		return fmt.Errorf("failed to boot simulator %s: %w", s.udid, err)
	}
	if !result.Succeeded() && !strings.Contains(out, "current state: Booted") {
		return fmt.Errorf("failed to boot simulator %s: %s", s.udid, strings.TrimSpace(out))
	}

	result, out, err = s.simctl.Run(ctx, "bootstatus", s.udid)
	if err != nil {
		return fmt.Errorf("failed to wait for simulator %s: %w", s.udid, err)
	}
	if !result.Succeeded() {
		return fmt.Errorf("simulator %s did not finish booting: %s", s.udid, strings.TrimSpace(out))
	}

	s.state = "Booted"
	log.Info("Simulator booted: %s", s.udid)
	return nil
}

// PrepareSimulator erases the simulator, boots it and grants privacy permissions to bundleIDs.
func (s *Simulator) PrepareSimulator(ctx context.Context, log apple.Logger, bundleIDs ...string) error {
	log.Info("Resetting simulator %s (%s)", s.name, s.udid)

	if err := s.KillEverything(ctx, log); err != nil {
		return err
	}

	result, out, err := s.simctl.Run(ctx, "erase", s.udid)
	if err != nil {
		return fmt.Errorf("failed to erase simulator %s: %w", s.udid, err)
	}
	if !result.Succeeded() {
		return fmt.Errorf("failed to erase simulator %s (exit code %d): %s", s.udid, result.ExitCode, strings.TrimSpace(out))
	}

	if err := s.Boot(ctx, log); err != nil {
		return err
	}

	for _, id := range bundleIDs {
		if id == "" {
			continue
		}
		result, out, err := s.simctl.Run(ctx, "privacy", s.udid, "grant", "all", id)
		if err != nil {
			return fmt.Errorf("failed to grant permissions to %s: %w", id, err)
		}
		if !result.Succeeded() {
			log.Warn("Failed to grant permissions to %s: %s", id, strings.TrimSpace(out))
		}
	}

	return nil
}

// KillEverything shuts the simulator down. An already shut down simulator is not an error.
func (s *Simulator) KillEverything(ctx context.Context, log apple.Logger) error {
	log.Debug("Shutting down simulator %s", s.udid)

	result, out, err := s.simctl.Run(ctx, "shutdown", s.udid)
	if err != nil {
		return fmt.Errorf("failed to shut down simulator %s: %w", s.udid, err)
	}
	if !result.Succeeded() && !strings.Contains(out, "current state: Shutdown") {
		return fmt.Errorf("failed to shut down simulator %s: %s", s.udid, strings.TrimSpace(out))
	}

	s.state = "Shutdown"
	return nil
}

// GetAppBundlePath returns the installed app container of bundleID.
func (s *Simulator) GetAppBundlePath(ctx context.Context, log apple.Logger, bundleID string) (string, error) {
	result, out, err := s.simctl.Run(ctx, "get_app_container", s.udid, bundleID, "app")
	if err != nil {
		return "", fmt.Errorf("failed to locate %s on %s: %w", bundleID, s.udid, err)
	}
	if !result.Succeeded() {
		return "", fmt.Errorf("app %s is not installed on %s: %s", bundleID, s.udid, strings.TrimSpace(out))
	}

	path := strings.TrimSpace(out)
	log.Debug("App %s is installed at %s", bundleID, path)
	return path, nil
}

