package apple

import (
	"context"
	"io"
)

// Device is a simulator or a physical device an app is deployed to.
type Device interface {
	UDID() string
	Name() string
	OSVersion() string
}

// Logger is the subset of *logger.Logger the model needs.
type Logger interface {
	Info(format string, v ...interface{})
	Debug(format string, v ...interface{})
	Warn(format string, v ...interface{})
	Error(format string, v ...interface{})
	Writer() io.Writer
}

// SimulatorDevice is a Device that can be booted, reset and torn down.
type SimulatorDevice interface {
	Device

	// Boot starts the simulator and waits until it is usable.
	Boot(ctx context.Context, log Logger) error

	// PrepareSimulator resets app state; bundleIDs are purged when present.
	PrepareSimulator(ctx context.Context, log Logger, bundleIDs ...string) error

	// KillEverything shuts the simulator down and kills its helper processes.
	KillEverything(ctx context.Context, log Logger) error

	// GetAppBundlePath returns the on-disk path of an installed app.
	GetAppBundlePath(ctx context.Context, log Logger, bundleID string) (string, error)
}

// AsSimulator returns d as a SimulatorDevice when it is one.
func AsSimulator(d Device) (SimulatorDevice, bool) {
	if d == nil {
		return nil, false
	}
	sim, ok := d.(SimulatorDevice)
	return sim, ok
}

// DisplayName returns the device name, falling back to its UDID.
func DisplayName(d Device) string {
	if d == nil {
		return ""
	}
	if d.Name() != "" {
		return d.Name()
	}
	return d.UDID()
}
