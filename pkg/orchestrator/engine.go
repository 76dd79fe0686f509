// Package orchestrator sequences device discovery, install, execution and cleanup
// for every command and turns each outcome into a single exit code.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/devicelab-dev/device-harness/pkg/apple"
	"github.com/devicelab-dev/device-harness/pkg/apprunner"
	"github.com/devicelab-dev/device-harness/pkg/core"
	"github.com/devicelab-dev/device-harness/pkg/logs"
	"github.com/devicelab-dev/device-harness/pkg/simulator"
)

// DeviceFinder resolves a target to a device and an optional companion.
type DeviceFinder interface {
	FindDevice(ctx context.Context, target apple.TestTarget, deviceName string, log apple.Logger,
		includeWirelessDevices, pairedDevicesOnly bool) (apple.Device, apple.Device, error)
}

// AppBundleInformationParser reads bundle metadata.
type AppBundleInformationParser interface {
	ParseFromAppBundle(ctx context.Context, path string, platform apple.Platform, log apple.Logger) (apple.AppBundleInformation, error)
}

// AppInstaller installs bundles.
type AppInstaller interface {
	InstallApp(ctx context.Context, bundle apple.AppBundleInformation, target apple.TestTarget, device apple.Device) (core.ProcessExecutionResult, error)
}

// AppUninstaller removes apps.
type AppUninstaller interface {
	UninstallSimulatorApp(ctx context.Context, device apple.Device, bundleID string) (core.ProcessExecutionResult, error)
	UninstallDeviceApp(ctx context.Context, device apple.Device, bundleID string) (core.ProcessExecutionResult, error)
}

// AppRunner launches apps.
type AppRunner interface {
	RunApp(ctx context.Context, opts apprunner.RunOptions) (core.ProcessExecutionResult, error)
	RunMacCatalystApp(ctx context.Context, opts apprunner.RunOptions) (core.ProcessExecutionResult, error)
}

// AppTester runs test apps and reports their outcome.
type AppTester interface {
	TestApp(ctx context.Context, opts apprunner.TestOptions) (core.TestExecutingResult, string, error)
	TestMacCatalystApp(ctx context.Context, opts apprunner.TestOptions) (core.TestExecutingResult, string, error)
	ListenerConnected() bool
}

// ErrorKnowledgeBase classifies failures from log contents.
type ErrorKnowledgeBase interface {
	IsKnownInstallIssue(path string) (core.KnownIssue, bool)
	IsKnownTestIssue(path string) (core.KnownIssue, bool)
}

// ExitCodeDetector extracts an app exit code from a captured log.
type ExitCodeDetector interface {
	DetectExitCode(bundle apple.AppBundleInformation, log logs.Log) (int, bool)
}

// DiagnosticsRecorder receives the device an operation ran on.
type DiagnosticsRecorder interface {
	Record(device, targetOS string)
}

// MainLog is the operation's own log. Its file is what known issues are matched against.
type MainLog interface {
	apple.Logger
	Path() string
	Close() error
}

// Injection points supplied by each operation.
type (
	GetAppBundleFunc          func(ctx context.Context, target apple.TestTarget, device apple.Device) (apple.AppBundleInformation, error)
	ExecuteAppFunc            func(ctx context.Context, bundle apple.AppBundleInformation, device, companion apple.Device) (core.ExitCode, error)
	ExecuteMacCatalystAppFunc func(ctx context.Context, bundle apple.AppBundleInformation) (core.ExitCode, error)

	InstallHook   func(ctx context.Context, bundle apple.AppBundleInformation, device apple.Device, target apple.TestTarget) core.ExitCode
	UninstallHook func(ctx context.Context, target apple.TestTarget, bundleID string, device apple.Device, isPreparation bool) core.ExitCode
	CleanupHook   func(ctx context.Context, device, companion apple.Device)
)

// Operation is the policy one command plugs into the engine.
// Nil hooks fall back to the engine defaults.
type Operation struct {
	Name               string
	GetAppBundle       GetAppBundleFunc
	Execute            ExecuteAppFunc
	ExecuteMacCatalyst ExecuteMacCatalystAppFunc

	InstallApp        InstallHook
	UninstallApp      UninstallHook
	CleanUpSimulators CleanupHook
}

// Request holds the inputs shared by all operations.
type Request struct {
	Target                 apple.TestTarget
	DeviceName             string
	IncludeWirelessDevices bool
	ResetSimulator         bool
	EnableLldb             bool

	// BundleIDHint is purged during a simulator reset, which runs before the bundle is resolved.
	BundleIDHint string
}

// NoInstall is an InstallHook that skips installation.
func NoInstall(context.Context, apple.AppBundleInformation, apple.Device, apple.TestTarget) core.ExitCode {
	return core.Success
}

// NoUninstall is an UninstallHook that skips removal.
func NoUninstall(context.Context, apple.TestTarget, string, apple.Device, bool) core.ExitCode {
	return core.Success
}

// NoCleanup is a CleanupHook that leaves simulators running.
func NoCleanup(context.Context, apple.Device, apple.Device) {}

// Dependencies wires the engine's collaborators.
type Dependencies struct {
	Finder        DeviceFinder
	Installer     AppInstaller
	Uninstaller   AppUninstaller
	KnowledgeBase ErrorKnowledgeBase
	Diagnostics   DiagnosticsRecorder
	MainLog       MainLog
	Logs          *logs.Logs

	LldbMarkerDir  string        // Empty = user home
	CleanupTimeout time.Duration // Bounds cleanup after cancellation, default 1 minute
}

// Engine runs the shared lifecycle. It is not safe for concurrent use.
type Engine struct {
	finder      DeviceFinder
	installer   AppInstaller
	uninstaller AppUninstaller
	knowledge   ErrorKnowledgeBase
	diagnostics DiagnosticsRecorder
	log         MainLog
	logs        *logs.Logs
	lldb        *lldbScope

	cleanupTimeout time.Duration
}

// NewEngine creates an Engine.
func NewEngine(deps Dependencies) *Engine {
	cleanup := deps.CleanupTimeout
	if cleanup <= 0 {
		cleanup = time.Minute
	}
	return &Engine{
		finder:         deps.Finder,
		installer:      deps.Installer,
		uninstaller:    deps.Uninstaller,
		knowledge:      deps.KnowledgeBase,
		diagnostics:    deps.Diagnostics,
		log:            deps.MainLog,
		logs:           deps.Logs,
		lldb:           newLldbScope(deps.LldbMarkerDir),
		cleanupTimeout: cleanup,
	}
}

// Log returns the main log.
func (e *Engine) Log() MainLog {
	return e.log
}

// Logs returns the captured log sink.
func (e *Engine) Logs() *logs.Logs {
	return e.logs
}

// Close releases the main log and removes an lldb marker this engine created.
func (e *Engine) Close() error {
	e.lldb.release(e.log)
	return e.log.Close()
}

// Orchestrate runs op against req.Target and returns its exit code.
func (e *Engine) Orchestrate(ctx context.Context, req Request, op Operation) core.ExitCode {
	install := op.InstallApp
	if install == nil {
		install = e.InstallApp
	}
	uninstall := op.UninstallApp
	if uninstall == nil {
		uninstall = e.UninstallApp
	}
	cleanup := op.CleanUpSimulators
	if cleanup == nil {
		cleanup = e.CleanUpSimulators
	}

	e.lldb.acquire(req.EnableLldb, e.log)
	defer e.lldb.release(e.log)

	target := req.Target
	isSimulator := target.Platform.IsSimulator()

	if req.IncludeWirelessDevices && isSimulator {
		e.log.Warn("Including wireless devices has no effect on simulator targets")
	}
	resetSimulator := req.ResetSimulator
	if resetSimulator && !isSimulator {
		e.log.Warn("Resetting the simulator only applies to simulator targets, ignoring")
		resetSimulator = false
	}

	if target.Platform == apple.MacCatalyst {
		return e.orchestrateMacCatalyst(ctx, target, op)
	}

	if err := ctx.Err(); err != nil {
		return e.cancelled(err)
	}

	e.log.Info("Looking for available %s device..", target)
	device, companion, err := e.finder.FindDevice(ctx, target, req.DeviceName, e.log, req.IncludeWirelessDevices, true)
	if err != nil {
		switch {
		case isCancellation(err):
			return e.cancelled(err)
		case errors.Is(err, core.ErrNoDeviceFound):
			e.log.Error("Failed to find suitable device for target %s: %v", target, err)
			return core.DeviceNotFound
		default:
			e.log.Error("Failed to look up devices: %v", err)
			return core.GeneralFailure
		}
	}

	if companion != nil {
		e.log.Info("Found device '%s' with companion '%s'", apple.DisplayName(device), apple.DisplayName(companion))
	} else {
		e.log.Info("Found device '%s'", apple.DisplayName(device))
	}

	if resetSimulator {
		if code, ok := e.resetSimulators(ctx, req.BundleIDHint, device, companion); !ok {
			return code
		}
	}

	if err := ctx.Err(); err != nil {
		return e.cancelled(err)
	}

	bundle, err := op.GetAppBundle(ctx, target, device)
	if err != nil {
		if isCancellation(err) {
			return e.cancelled(err)
		}
		e.log.Error("Failed to get the app bundle information: %v", err)
		return core.PackageNotFound
	}

	e.recordDiagnostics(target, device)

	if !resetSimulator {
		e.log.Info("Removing any previous installation of %s", bundle.BundleIdentifier)
		uninstall(ctx, target, bundle.BundleIdentifier, device, true)
	}

	if err := ctx.Err(); err != nil {
		return e.cancelled(err)
	}

	if code := install(ctx, bundle, device, target); code != core.Success {
		e.log.Error("Failed to install the application, cleaning up")

		cctx, cancel := e.cleanupContext(ctx)
		defer cancel()
		if uninstall(cctx, target, bundle.BundleIdentifier, device, false) == core.SimulatorFailure {
			return core.SimulatorFailure
		}
		return code
	}

	return e.execute(ctx, target, op, bundle, device, companion, resetSimulator, uninstall, cleanup)
}

// execute runs the operation and then always cleans up or uninstalls.
func (e *Engine) execute(
	ctx context.Context,
	target apple.TestTarget,
	op Operation,
	bundle apple.AppBundleInformation,
	device, companion apple.Device,
	resetSimulator bool,
	uninstall UninstallHook,
	cleanup CleanupHook,
) (code core.ExitCode) {
	defer func() {
		cctx, cancel := e.cleanupContext(ctx)
		defer cancel()

		if resetSimulator {
			cleanup(cctx, device, companion)
			return
		}

		// A simulator in a bad state explains any failure except a clean run or failed tests.
		if uninstall(cctx, target, bundle.BundleIdentifier, device, false) == core.SimulatorFailure &&
			code != core.Success && code != core.TestsFailed {
			code = core.SimulatorFailure
		}
	}()

	if err := ctx.Err(); err != nil {
		return e.cancelled(err)
	}

	result, err := op.Execute(ctx, bundle, device, companion)
	if err != nil {
		return e.classifyError(err, core.GeneralFailure)
	}
	return result
}

func (e *Engine) orchestrateMacCatalyst(ctx context.Context, target apple.TestTarget, op Operation) core.ExitCode {
	bundle, err := op.GetAppBundle(ctx, target, nil)
	if err != nil {
		if isCancellation(err) {
			return e.cancelled(err)
		}
		e.log.Error("Failed to get the app bundle information: %v", err)
		return core.PackageNotFound
	}

	if err := ctx.Err(); err != nil {
		return e.cancelled(err)
	}

	code, err := op.ExecuteMacCatalyst(ctx, bundle)
	if err != nil {
		return e.classifyError(err, core.AppLaunchFailure)
	}
	return code
}

// resetSimulators prepares the device and companion. ok is false when the operation must stop.
func (e *Engine) resetSimulators(ctx context.Context, bundleIDHint string, devices ...apple.Device) (core.ExitCode, bool) {
	var purge []string
	if bundleIDHint != "" {
		purge = []string{bundleIDHint}
	}

	for _, d := range devices {
		sim, ok := apple.AsSimulator(d)
		if !ok {
			continue
		}
		e.log.Info("Resetting simulator '%s'", apple.DisplayName(sim))
		if err := sim.PrepareSimulator(ctx, e.log, purge...); err != nil {
			if isCancellation(err) {
				return e.cancelled(err), false
			}
			e.log.Error("Failed to reset simulator '%s': %v", apple.DisplayName(sim), err)
			return core.SimulatorFailure, false
		}
	}
	return core.Success, true
}

func (e *Engine) recordDiagnostics(target apple.TestTarget, device apple.Device) {
	if e.diagnostics == nil || device == nil {
		return
	}
	targetOS := device.OSVersion()
	if target.Platform.IsSimulator() {
		targetOS = stripOSFamily(targetOS)
	}
	e.diagnostics.Record(apple.DisplayName(device), targetOS)
}

// InstallApp is the default install hook.
func (e *Engine) InstallApp(ctx context.Context, bundle apple.AppBundleInformation, device apple.Device, target apple.TestTarget) core.ExitCode {
	e.log.Info("Installing application '%s' on '%s'", bundle.AppName, apple.DisplayName(device))

	result, err := e.installer.InstallApp(ctx, bundle, target, device)
	if err != nil {
		if isCancellation(err) {
			return e.cancelled(err)
		}
		e.log.Error("Failed to install the app bundle: %v", err)
		return e.installFailure()
	}

	if result.TimedOut {
		e.log.Error("Installation of '%s' timed out", bundle.AppName)
		return core.PackageInstallationTimeout
	}
	if !result.Succeeded() {
		e.log.Error("Failed to install the app bundle (exit code: %d)", result.ExitCode)
		return e.installFailure()
	}

	e.log.Info("Application '%s' was installed successfully on '%s'", bundle.AppName, apple.DisplayName(device))
	return core.Success
}

func (e *Engine) installFailure() core.ExitCode {
	if e.knowledge != nil {
		if issue, ok := e.knowledge.IsKnownInstallIssue(e.log.Path()); ok {
			e.reportIssue(issue)
			return issue.ExitCodeOr(core.PackageInstallationFailure)
		}
	}
	return core.PackageInstallationFailure
}

// UninstallApp is the default uninstall hook.
func (e *Engine) UninstallApp(ctx context.Context, target apple.TestTarget, bundleID string, device apple.Device, isPreparation bool) core.ExitCode {
	if bundleID == "" {
		return core.Success
	}

	isSimulator := target.Platform.IsSimulator()
	var (
		result core.ProcessExecutionResult
		err    error
	)
	if isSimulator {
		result, err = e.uninstaller.UninstallSimulatorApp(ctx, device, bundleID)
	} else {
		result, err = e.uninstaller.UninstallDeviceApp(ctx, device, bundleID)
	}

	switch {
	case err != nil:
		if isPreparation {
			e.log.Debug("Failed to uninstall %s: %v", bundleID, err)
		} else {
			e.log.Error("Failed to uninstall %s: %v", bundleID, err)
		}
		return core.PackageInstallationFailure

	case result.Succeeded():
		e.log.Info("Application '%s' was uninstalled successfully", bundleID)
		return core.Success

	case isSimulator && result.ExitCode == simulator.BadStateExitCode:
		e.log.Error("Failed to uninstall %s, the simulator is in a bad state (exit code: %d)", bundleID, result.ExitCode)
		return core.SimulatorFailure

	case isPreparation:
		e.log.Debug("Application '%s' was not uninstalled (exit code: %d), it was probably not installed", bundleID, result.ExitCode)
		return core.PackageInstallationFailure

	default:
		e.log.Error("Failed to uninstall %s (exit code: %d)", bundleID, result.ExitCode)
		return core.PackageInstallationFailure
	}
}

// CleanUpSimulators is the default cleanup hook: shut the simulators down.
func (e *Engine) CleanUpSimulators(ctx context.Context, device, companion apple.Device) {
	for _, d := range []apple.Device{device, companion} {
		sim, ok := apple.AsSimulator(d)
		if !ok {
			continue
		}
		e.log.Info("Cleaning up simulator '%s'", apple.DisplayName(sim))
		if err := sim.KillEverything(ctx, e.log); err != nil {
			e.log.Warn("Failed to clean up simulator '%s': %v", apple.DisplayName(sim), err)
		}
	}
}

// classifyError maps an execution error to an exit code through the knowledge base.
func (e *Engine) classifyError(err error, fallback core.ExitCode) core.ExitCode {
	if isCancellation(err) {
		return e.cancelled(err)
	}

	// Written first so the knowledge base can match the message itself.
	e.log.Error("Application run failed: %v", err)

	if e.knowledge != nil {
		if issue, ok := e.knowledge.IsKnownTestIssue(e.log.Path()); ok {
			e.reportIssue(issue)
			return issue.ExitCodeOr(fallback)
		}
	}
	return fallback
}

// findKnownTestIssue searches the main log and then every captured log.
// Issues rejected by defer are remembered and returned only when nothing else matched.
func (e *Engine) findKnownTestIssue(deferIssue func(core.KnownIssue) bool) (issue core.KnownIssue, deferred bool, found bool) {
	if e.knowledge == nil {
		return core.KnownIssue{}, false, false
	}

	paths := []string{e.log.Path()}
	if e.logs != nil {
		for _, l := range e.logs.All() {
			if l.Path != e.log.Path() {
				paths = append(paths, l.Path)
			}
		}
	}

	var pending *core.KnownIssue
	for _, p := range paths {
		candidate, ok := e.knowledge.IsKnownTestIssue(p)
		if !ok {
			continue
		}
		if deferIssue != nil && deferIssue(candidate) {
			if pending == nil {
				pending = &candidate
			}
			continue
		}
		return candidate, false, true
	}
	if pending != nil {
		return *pending, true, true
	}
	return core.KnownIssue{}, false, false
}

func (e *Engine) reportIssue(issue core.KnownIssue) {
	if issue.IssueLink != "" {
		e.log.Error("%s Find more information at %s", issue.HumanMessage, issue.IssueLink)
		return
	}
	e.log.Error("%s", issue.HumanMessage)
}

func (e *Engine) cancelled(err error) core.ExitCode {
	e.log.Error("Operation was cancelled before it could complete: %v", err)
	return core.AppLaunchTimeout
}

// cleanupContext survives cancellation of ctx but is bounded by the cleanup timeout.
func (e *Engine) cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.cleanupTimeout)
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// stripOSFamily turns "iOS 17.2" into "17.2".
func stripOSFamily(v string) string {
	if _, version, ok := strings.Cut(v, " "); ok {
		return version
	}
	return v
}
