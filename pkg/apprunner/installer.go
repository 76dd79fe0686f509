package apprunner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/devicelab-dev/device-harness/pkg/apple"
	"github.com/devicelab-dev/device-harness/pkg/core"
	"github.com/devicelab-dev/device-harness/pkg/execution"
)

// Installer installs app bundles on simulators and devices.
// Failed installs are retried; timeouts and cancellation are not.
type Installer struct {
	runner   execution.Runner
	log      apple.Logger
	retries  int
	timeout  time.Duration
	interval time.Duration
}

// NewInstaller creates an Installer. Command output goes to log so that failures can be classified.
func NewInstaller(runner execution.Runner, log apple.Logger, retries int) *Installer {
	if retries < 0 {
		retries = 0
	}
	return &Installer{
		runner:   runner,
		log:      log,
		retries:  retries,
		timeout:  5 * time.Minute,
		interval: 2 * time.Second,
	}
}

// InstallApp installs bundle on device.
func (i *Installer) InstallApp(ctx context.Context, bundle apple.AppBundleInformation, target apple.TestTarget, device apple.Device) (core.ProcessExecutionResult, error) {
	if device == nil {
		return core.ProcessExecutionResult{ExitCode: -1}, errors.New("no device to install on")
	}
	if !bundle.HasPaths() {
		return core.ProcessExecutionResult{ExitCode: -1}, fmt.Errorf("no app bundle path for %s", bundle.BundleIdentifier)
	}

	cmd := execution.Command{Name: "xcrun", Timeout: i.timeout}
	if target.Platform.IsSimulator() {
		cmd.Args = []string{"simctl", "install", device.UDID(), bundle.AppPath}
	} else {
		cmd.Args = []string{"devicectl", "device", "install", "app", "--device", device.UDID(), bundle.AppPath}
	}

	i.log.Info("Installing %s on %s", bundle.AppPath, apple.DisplayName(device))

	var (
		result  core.ProcessExecutionResult
		runErr  error
		attempt int
	)
	op := func() error {
		attempt++
		var out string
		result, out, runErr = i.runner.Run(ctx, cmd)
		if runErr != nil || result.TimedOut || result.Succeeded() {
			return nil
		}
		i.log.Error("Install attempt %d failed with exit code %d:\n%s", attempt, result.ExitCode, out)
		return fmt.Errorf("install exited with code %d", result.ExitCode)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = i.interval
	b.MaxElapsedTime = 0
	_ = backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(i.retries)), ctx))

	if runErr != nil {
		return result, runErr
	}
	if result.TimedOut {
		i.log.Error("Install of %s timed out after %s", bundle.BundleIdentifier, i.timeout)
	}
	return result, nil
}

// Uninstaller removes apps from simulators and devices.
type Uninstaller struct {
	runner  execution.Runner
	log     apple.Logger
	timeout time.Duration
}

// NewUninstaller creates an Uninstaller.
func NewUninstaller(runner execution.Runner, log apple.Logger) *Uninstaller {
	return &Uninstaller{runner: runner, log: log, timeout: 2 * time.Minute}
}

// UninstallSimulatorApp removes bundleID from a simulator.
// simctl reports a simulator in a bad state with exit code 165.
func (u *Uninstaller) UninstallSimulatorApp(ctx context.Context, device apple.Device, bundleID string) (core.ProcessExecutionResult, error) {
	return u.run(ctx, device, bundleID, "simctl", "uninstall", udidOf(device), bundleID)
}

// UninstallDeviceApp removes bundleID from a physical device.
func (u *Uninstaller) UninstallDeviceApp(ctx context.Context, device apple.Device, bundleID string) (core.ProcessExecutionResult, error) {
	return u.run(ctx, device, bundleID, "devicectl", "device", "uninstall", "app", "--device", udidOf(device), bundleID)
}

func (u *Uninstaller) run(ctx context.Context, device apple.Device, bundleID string, args ...string) (core.ProcessExecutionResult, error) {
	if device == nil {
		return core.ProcessExecutionResult{ExitCode: -1}, errors.New("no device to uninstall from")
	}

	u.log.Info("Uninstalling %s from %s", bundleID, apple.DisplayName(device))
	result, out, err := u.runner.Run(ctx, execution.Command{Name: "xcrun", Args: args, Timeout: u.timeout})
	if err != nil {
		return result, err
	}
	if !result.Succeeded() {
		u.log.Debug("Uninstall of %s exited with code %d:\n%s", bundleID, result.ExitCode, out)
	}
	return result, nil
}

func udidOf(d apple.Device) string {
	if d == nil {
		return ""
	}
	return d.UDID()
}
