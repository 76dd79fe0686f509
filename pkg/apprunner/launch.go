// Package apprunner installs, launches and tests apps through the Xcode command line tools.
package apprunner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/devicelab-dev/device-harness/pkg/apple"
	"github.com/devicelab-dev/device-harness/pkg/core"
	"github.com/devicelab-dev/device-harness/pkg/execution"
	"github.com/devicelab-dev/device-harness/pkg/logs"
)

// Environment variables understood by apps built against the harness client.
const (
	EnvResultPort      = "DEVICE_HARNESS_RESULT_PORT"
	EnvResultHost      = "DEVICE_HARNESS_RESULT_HOST"
	EnvSignalAppEnd    = "DEVICE_HARNESS_SIGNAL_APP_END"
	EnvSkippedMethods  = "DEVICE_HARNESS_SKIPPED_METHODS"
	EnvSkippedClasses  = "DEVICE_HARNESS_SKIPPED_CLASSES"
	EnvMethodFilters   = "DEVICE_HARNESS_METHOD_FILTERS"
	EnvClassFilters    = "DEVICE_HARNESS_CLASS_FILTERS"
	EnvXMLResultFormat = "DEVICE_HARNESS_XML_JARGON"
)

const logTimeFormat = "2006-01-02 15:04:05"

// RunOptions describes one app launch.
type RunOptions struct {
	Bundle    apple.AppBundleInformation
	Target    apple.TestTarget
	Device    apple.Device // nil for Mac Catalyst
	Companion apple.Device

	Timeout         time.Duration
	Environment     map[string]string
	PassthroughArgs []string
	WaitForExit     bool
	SignalAppEnd    bool
}

// launcher builds and runs launch commands and captures the resulting logs.
type launcher struct {
	runner execution.Runner
	logs   *logs.Logs
	log    apple.Logger
}

// launchCommand returns the native command that starts the app described by opts.
// Output capture and timeout are left to the caller.
func launchCommand(opts RunOptions, env map[string]string, wait bool) (execution.Command, error) {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	switch {
	case opts.Target.Platform == apple.MacCatalyst:
		args := []string{"-n"}
		if wait {
			args = append(args, "-W")
		}
		for _, k := range keys {
			args = append(args, "--env", k+"="+env[k])
		}
		// Apps known only by identifier are resolved by LaunchServices.
		if opts.Bundle.HasPaths() {
			args = append(args, opts.Bundle.LaunchAppPath)
		} else {
			args = append(args, "-b", opts.Bundle.BundleIdentifier)
		}
		if len(opts.PassthroughArgs) > 0 {
			args = append(args, "--args")
			args = append(args, opts.PassthroughArgs...)
		}
		return execution.Command{Name: "open", Args: args}, nil

	case opts.Device == nil:
		return execution.Command{}, fmt.Errorf("no device to launch %s on", opts.Bundle.BundleIdentifier)

	case opts.Target.Platform.IsSimulator():
		args := []string{"simctl", "launch"}
		if wait {
			args = append(args, "--console-pty")
		}
		args = append(args, "--terminate-running-process", opts.Device.UDID(), opts.Bundle.BundleIdentifier)
		args = append(args, opts.PassthroughArgs...)

		// simctl forwards SIMCTL_CHILD_* variables to the launched app.
		childEnv := make([]string, 0, len(keys))
		for _, k := range keys {
			childEnv = append(childEnv, "SIMCTL_CHILD_"+k+"="+env[k])
		}
		return execution.Command{Name: "xcrun", Args: args, Env: childEnv}, nil

	default:
		args := []string{"devicectl", "device", "process", "launch", "--device", opts.Device.UDID(), "--terminate-existing"}
		if wait {
			args = append(args, "--console")
		}
		if len(env) > 0 {
			data, err := json.Marshal(env)
			if err != nil {
				return execution.Command{}, fmt.Errorf("failed to encode environment: %w", err)
			}
			args = append(args, "--environment-variables", string(data))
		}
		args = append(args, opts.Bundle.BundleIdentifier)
		args = append(args, opts.PassthroughArgs...)
		return execution.Command{Name: "xcrun", Args: args}, nil
	}
}

// appEnvironment merges the caller's variables with harness-defined ones; harness values win.
func appEnvironment(opts RunOptions, extra map[string]string) map[string]string {
	env := make(map[string]string, len(opts.Environment)+len(extra)+1)
	for k, v := range opts.Environment {
		env[k] = v
	}
	if opts.SignalAppEnd {
		env[EnvSignalAppEnd] = "true"
	}
	for k, v := range extra {
		env[k] = v
	}
	return env
}

// newLogFile registers a log with the sink and opens it for appending.
func (l *launcher) newLogFile(name, description string, typ logs.Type) (*os.File, error) {
	entry, err := l.logs.Create(name, description, typ)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(entry.Path, os.O_WRONLY|os.O_APPEND, 0o644) //#nosec G304 -- path created by the log sink
	if err != nil {
		return nil, fmt.Errorf("failed to open log %s: %w", entry.Path, err)
	}
	return f, nil
}

// launch runs the launch command with its console output captured as an application log.
func (l *launcher) launch(ctx context.Context, opts RunOptions, env map[string]string, wait bool) (core.ProcessExecutionResult, error) {
	cmd, err := launchCommand(opts, env, wait)
	if err != nil {
		return core.ProcessExecutionResult{ExitCode: -1}, err
	}
	cmd.Timeout = opts.Timeout

	out, err := l.newLogFile(logName(opts, "app"), "Application output", logs.TypeApplication)
	if err != nil {
		return core.ProcessExecutionResult{ExitCode: -1}, err
	}
	defer out.Close()
	cmd.Output = out

	l.log.Info("Launching %s: %s", opts.Bundle.BundleIdentifier, cmd)
	result, _, err := l.runner.Run(ctx, cmd)
	if err != nil {
		return result, fmt.Errorf("failed to launch %s: %w", opts.Bundle.BundleIdentifier, err)
	}
	l.log.Debug("Launcher exited with code %d (timed out: %v)", result.ExitCode, result.TimedOut)
	return result, nil
}

// captureSystemLog collects the system log written since start. Failures are logged only.
func (l *launcher) captureSystemLog(ctx context.Context, opts RunOptions, start time.Time) {
	since := start.Add(-time.Second).Format(logTimeFormat)

	var (
		cmd  execution.Command
		typ  logs.Type
		desc string
	)
	switch {
	case opts.Target.Platform == apple.MacCatalyst:
		predicate := fmt.Sprintf(`process == "runningboardd" OR process == %q`, opts.Bundle.BundleExecutable)
		cmd = execution.Command{Name: "log", Args: []string{"show", "--style", "syslog", "--start", since, "--predicate", predicate}}
		typ, desc = logs.TypeApplication, "Unified log"
	case opts.Target.Platform.IsSimulator() && opts.Device != nil:
		cmd = execution.Command{Name: "xcrun", Args: []string{"simctl", "spawn", opts.Device.UDID(), "log", "show", "--style", "syslog", "--start", since}}
		typ, desc = logs.TypeSystem, "Simulator system log"
	default:
		return
	}
	cmd.Timeout = time.Minute

	out, err := l.newLogFile(logName(opts, "system"), desc, typ)
	if err != nil {
		l.log.Warn("Failed to create system log: %v", err)
		return
	}
	defer out.Close()
	cmd.Output = out

	result, _, err := l.runner.Run(ctx, cmd)
	if err != nil || !result.Succeeded() {
		l.log.Warn("Failed to collect system log (exit code %d): %v", result.ExitCode, err)
	}
}

func logName(opts RunOptions, suffix string) string {
	parts := []string{opts.Bundle.BundleIdentifier}
	if opts.Device != nil {
		parts = append(parts, opts.Device.UDID())
	}
	parts = append(parts, suffix, time.Now().Format("150405.000"))
	return strings.Join(parts, "-") + ".log"
}
