// Package apple describes test targets, devices and app bundles.
package apple

import (
	"fmt"
	"strings"
)

// Platform identifies what kind of target an app runs on.
type Platform int

// Platform values
const (
	SimulatorIOS Platform = iota
	SimulatorIOS32
	SimulatorIOS64
	SimulatorTvOS
	SimulatorWatchOS
	DeviceIOS
	DeviceTvOS
	DeviceWatchOS
	MacCatalyst
)

var platformNames = []struct {
	platform Platform
	name     string
}{
	{SimulatorIOS, "ios-simulator"},
	{SimulatorIOS32, "ios-simulator-32"},
	{SimulatorIOS64, "ios-simulator-64"},
	{SimulatorTvOS, "tvos-simulator"},
	{SimulatorWatchOS, "watchos-simulator"},
	{DeviceIOS, "ios-device"},
	{DeviceTvOS, "tvos-device"},
	{DeviceWatchOS, "watchos-device"},
	{MacCatalyst, "maccatalyst"},
}

// String returns the CLI name of the platform.
func (p Platform) String() string {
	for _, pn := range platformNames {
		if pn.platform == p {
			return pn.name
		}
	}
	return "unknown"
}

// IsSimulator returns true for every simulator platform.
func (p Platform) IsSimulator() bool {
	switch p {
	case SimulatorIOS, SimulatorIOS32, SimulatorIOS64, SimulatorTvOS, SimulatorWatchOS:
		return true
	default:
		return false
	}
}

// RunMode is the OS family an app is launched for.
type RunMode int

// RunMode values
const (
	RunModeIOS RunMode = iota
	RunModeTvOS
	RunModeWatchOS
	RunModeMacCatalyst
)

// String returns the string representation of RunMode
func (m RunMode) String() string {
	switch m {
	case RunModeIOS:
		return "iOS"
	case RunModeTvOS:
		return "tvOS"
	case RunModeWatchOS:
		return "watchOS"
	case RunModeMacCatalyst:
		return "MacCatalyst"
	default:
		return "unknown"
	}
}

// ToRunMode maps a platform to its OS family.
func (p Platform) ToRunMode() RunMode {
	switch p {
	case SimulatorTvOS, DeviceTvOS:
		return RunModeTvOS
	case SimulatorWatchOS, DeviceWatchOS:
		return RunModeWatchOS
	case MacCatalyst:
		return RunModeMacCatalyst
	default:
		return RunModeIOS
	}
}

// TestTarget is the platform plus an optional OS version an operation is aimed at.
type TestTarget struct {
	Platform  Platform
	OSVersion string // Empty means any version
}

// String returns the CLI form, e.g. "ios-simulator-64_13.5".
func (t TestTarget) String() string {
	if t.OSVersion == "" {
		return t.Platform.String()
	}
	return t.Platform.String() + "_" + t.OSVersion
}

// ParseTestTarget parses "<platform>[_<version>]".
func ParseTestTarget(s string) (TestTarget, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	name, version, _ := strings.Cut(s, "_")

	for _, pn := range platformNames {
		if pn.name == name {
			return TestTarget{Platform: pn.platform, OSVersion: version}, nil
		}
	}

	names := make([]string, 0, len(platformNames))
	for _, pn := range platformNames {
		names = append(names, pn.name)
	}
	return TestTarget{}, fmt.Errorf("unknown target %q (expected one of %s)", s, strings.Join(names, ", "))
}
