package orchestrator

import (
	"context"
	"time"

	"github.com/devicelab-dev/device-harness/pkg/apple"
	"github.com/devicelab-dev/device-harness/pkg/apprunner"
	"github.com/devicelab-dev/device-harness/pkg/core"
	"github.com/devicelab-dev/device-harness/pkg/logs"
)

// RunParams are the launch settings shared by run and just-run.
type RunParams struct {
	LaunchTimeout    time.Duration
	Timeout          time.Duration
	ExpectedExitCode int
	WaitForExit      bool
	Environment      map[string]string
	PassthroughArgs  []string
	SignalAppEnd     bool
}

// RunRequest installs the app at AppPath, runs it and checks its exit code.
type RunRequest struct {
	Request
	RunParams
	AppPath string
}

// JustRunRequest runs an already installed app.
type JustRunRequest struct {
	Request
	RunParams
	BundleIdentifier string
}

// Detectors holds the exit-code detector for each kind of target.
type Detectors struct {
	Simulator   ExitCodeDetector
	Device      ExitCodeDetector
	MacCatalyst ExitCodeDetector
}

// RunOrchestrator implements the run command.
type RunOrchestrator struct {
	engine    *Engine
	parser    AppBundleInformationParser
	runner    AppRunner
	detectors Detectors
}

// NewRunOrchestrator creates a RunOrchestrator.
func NewRunOrchestrator(engine *Engine, parser AppBundleInformationParser, runner AppRunner, detectors Detectors) *RunOrchestrator {
	return &RunOrchestrator{engine: engine, parser: parser, runner: runner, detectors: detectors}
}

// OrchestrateRun runs the full lifecycle for the app at req.AppPath.
func (o *RunOrchestrator) OrchestrateRun(ctx context.Context, req RunRequest) core.ExitCode {
	getBundle := func(ctx context.Context, target apple.TestTarget, _ apple.Device) (apple.AppBundleInformation, error) {
		return o.parser.ParseFromAppBundle(ctx, req.AppPath, target.Platform, o.engine.log)
	}

	var uninstall UninstallHook
	var cleanup CleanupHook
	if !req.WaitForExit {
		// The app is still running; only the preparatory uninstall is allowed.
		uninstall = func(ctx context.Context, target apple.TestTarget, bundleID string, device apple.Device, isPreparation bool) core.ExitCode {
			if isPreparation {
				return o.engine.UninstallApp(ctx, target, bundleID, device, true)
			}
			return core.Success
		}
		cleanup = NoCleanup
	}

	return o.orchestrate(ctx, req.Request, req.RunParams, "run", getBundle, nil, uninstall, cleanup)
}

func (o *RunOrchestrator) orchestrate(
	ctx context.Context,
	req Request,
	params RunParams,
	name string,
	getBundle GetAppBundleFunc,
	install InstallHook,
	uninstall UninstallHook,
	cleanup CleanupHook,
) core.ExitCode {
	launchCtx, guard := newLaunchGuard(ctx, launchBudget(params.LaunchTimeout, params.Timeout))
	defer guard.Stop()

	op := Operation{
		Name:         name,
		GetAppBundle: getBundle,
		// Execution runs on the caller's context: the launch deadline no longer applies.
		Execute: func(_ context.Context, bundle apple.AppBundleInformation, device, companion apple.Device) (core.ExitCode, error) {
			if !guard.Disarm() {
				return core.AppLaunchTimeout, context.Canceled
			}
			return o.execute(ctx, params, req.Target, bundle, device, companion)
		},
		ExecuteMacCatalyst: func(_ context.Context, bundle apple.AppBundleInformation) (core.ExitCode, error) {
			if !guard.Disarm() {
				return core.AppLaunchTimeout, context.Canceled
			}
			return o.execute(ctx, params, req.Target, bundle, nil, nil)
		},
		InstallApp:        install,
		UninstallApp:      uninstall,
		CleanUpSimulators: cleanup,
	}

	return o.engine.Orchestrate(launchCtx, req, op)
}

func (o *RunOrchestrator) execute(
	ctx context.Context,
	params RunParams,
	target apple.TestTarget,
	bundle apple.AppBundleInformation,
	device, companion apple.Device,
) (core.ExitCode, error) {
	log := o.engine.log
	opts := apprunner.RunOptions{
		Bundle:          bundle,
		Target:          target,
		Device:          device,
		Companion:       companion,
		Timeout:         params.Timeout,
		Environment:     params.Environment,
		PassthroughArgs: params.PassthroughArgs,
		WaitForExit:     params.WaitForExit,
		SignalAppEnd:    params.SignalAppEnd,
	}

	var (
		result core.ProcessExecutionResult
		err    error
	)
	if target.Platform == apple.MacCatalyst {
		log.Info("Starting '%s' as a Mac Catalyst app", bundle.AppName)
		result, err = o.runner.RunMacCatalystApp(ctx, opts)
	} else {
		log.Info("Starting application '%s' on '%s'", bundle.AppName, apple.DisplayName(device))
		result, err = o.runner.RunApp(ctx, opts)
	}
	if err != nil {
		return core.GeneralFailure, err
	}

	return o.checkExitCode(params, target, bundle, result), nil
}

// checkExitCode compares the exit code found in the captured logs with the expected one.
func (o *RunOrchestrator) checkExitCode(params RunParams, target apple.TestTarget, bundle apple.AppBundleInformation, result core.ProcessExecutionResult) core.ExitCode {
	log := o.engine.log

	if !params.WaitForExit {
		log.Info("Application '%s' was launched, not waiting for it to exit", bundle.AppName)
		return core.Success
	}
	if result.TimedOut {
		log.Error("Application run timed out after %s", params.Timeout)
		return core.TimedOut
	}
	if !result.Succeeded() {
		log.Warn("Launcher exited with code %d", result.ExitCode)
	}

	detector, logType := o.detectorFor(target.Platform)

	exitCode, found := 0, false
	if detector != nil {
		for _, l := range o.engine.logs.Filter(logType) {
			if code, ok := detector.DetectExitCode(bundle, l); ok {
				exitCode, found = code, true
				break
			}
		}
	}

	if !found {
		if params.ExpectedExitCode != 0 {
			log.Error("Could not detect the exit code of the application")
			return core.ReturnCodeNotSet
		}
		// No abnormal exit was reported.
		exitCode = 0
	}

	if exitCode != params.ExpectedExitCode {
		log.Error("Application has finished with exit code %d but %d was expected", exitCode, params.ExpectedExitCode)
		if issue, _, ok := o.engine.findKnownTestIssue(nil); ok {
			o.engine.reportIssue(issue)
			return issue.ExitCodeOr(core.GeneralFailure)
		}
		return core.GeneralFailure
	}

	log.Info("Application has finished with exit code %d (as expected)", exitCode)
	return core.Success
}

func (o *RunOrchestrator) detectorFor(platform apple.Platform) (ExitCodeDetector, logs.Type) {
	switch {
	case platform == apple.MacCatalyst:
		return o.detectors.MacCatalyst, logs.TypeApplication
	case platform.IsSimulator():
		return o.detectors.Simulator, logs.TypeSystem
	default:
		return o.detectors.Device, logs.TypeApplication
	}
}

// JustRunOrchestrator runs an app that is already installed; it never installs,
// uninstalls or shuts simulators down.
type JustRunOrchestrator struct {
	run *RunOrchestrator
}

// NewJustRunOrchestrator creates a JustRunOrchestrator on top of run.
func NewJustRunOrchestrator(run *RunOrchestrator) *JustRunOrchestrator {
	return &JustRunOrchestrator{run: run}
}

// OrchestrateJustRun runs req.BundleIdentifier.
func (o *JustRunOrchestrator) OrchestrateJustRun(ctx context.Context, req JustRunRequest) core.ExitCode {
	if req.BundleIDHint == "" {
		req.BundleIDHint = req.BundleIdentifier
	}
	getBundle := bundleByIdentifier(o.run.parser, o.run.engine.log, req.BundleIdentifier)
	return o.run.orchestrate(ctx, req.Request, req.RunParams, "just-run", getBundle, NoInstall, NoUninstall, NoCleanup)
}

// bundleByIdentifier resolves an installed app. Simulators expose the installed bundle,
// so it is parsed; other targets get an identifier-only record.
func bundleByIdentifier(parser AppBundleInformationParser, log apple.Logger, bundleID string) GetAppBundleFunc {
	return func(ctx context.Context, target apple.TestTarget, device apple.Device) (apple.AppBundleInformation, error) {
		sim, ok := apple.AsSimulator(device)
		if !ok || !target.Platform.IsSimulator() {
			return apple.FromBundleID(bundleID), nil
		}

		path, err := sim.GetAppBundlePath(ctx, log, bundleID)
		if err != nil {
			return apple.AppBundleInformation{}, err
		}
		return parser.ParseFromAppBundle(ctx, path, target.Platform, log)
	}
}
