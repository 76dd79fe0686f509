package orchestrator

import (
	"context"
	"time"

	"github.com/devicelab-dev/device-harness/pkg/apple"
	"github.com/devicelab-dev/device-harness/pkg/apprunner"
	"github.com/devicelab-dev/device-harness/pkg/core"
)

// TestParams are the settings shared by test and just-test.
type TestParams struct {
	LaunchTimeout   time.Duration
	Timeout         time.Duration
	Environment     map[string]string
	PassthroughArgs []string
	SignalAppEnd    bool

	CommunicationChannel string
	XMLResultJargon      string
	SkippedMethods       []string
	SkippedClasses       []string
	SingleMethodFilters  []string
	ClassMethodFilters   []string
}

// TestRequest installs the test app at AppPath and runs it.
type TestRequest struct {
	Request
	TestParams
	AppPath string
}

// JustTestRequest runs an already installed test app.
type JustTestRequest struct {
	Request
	TestParams
	BundleIdentifier string
}

// TestOrchestrator implements the test command.
type TestOrchestrator struct {
	engine *Engine
	parser AppBundleInformationParser
	tester AppTester
}

// NewTestOrchestrator creates a TestOrchestrator.
func NewTestOrchestrator(engine *Engine, parser AppBundleInformationParser, tester AppTester) *TestOrchestrator {
	return &TestOrchestrator{engine: engine, parser: parser, tester: tester}
}

// OrchestrateTest runs the full lifecycle for the test app at req.AppPath.
func (o *TestOrchestrator) OrchestrateTest(ctx context.Context, req TestRequest) core.ExitCode {
	getBundle := func(ctx context.Context, target apple.TestTarget, _ apple.Device) (apple.AppBundleInformation, error) {
		return o.parser.ParseFromAppBundle(ctx, req.AppPath, target.Platform, o.engine.log)
	}
	return o.orchestrate(ctx, req.Request, req.TestParams, "test", getBundle, nil, nil, nil)
}

func (o *TestOrchestrator) orchestrate(
	ctx context.Context,
	req Request,
	params TestParams,
	name string,
	getBundle GetAppBundleFunc,
	install InstallHook,
	uninstall UninstallHook,
	cleanup CleanupHook,
) core.ExitCode {
	start := time.Now()

	launchCtx, guard := newLaunchGuard(ctx, launchBudget(params.LaunchTimeout, params.Timeout))
	defer guard.Stop()

	op := Operation{
		Name:         name,
		GetAppBundle: getBundle,
		Execute: func(_ context.Context, bundle apple.AppBundleInformation, device, companion apple.Device) (core.ExitCode, error) {
			if !guard.Disarm() {
				return core.AppLaunchTimeout, context.Canceled
			}
			return o.execute(ctx, params, req.Target, bundle, device, companion, start)
		},
		ExecuteMacCatalyst: func(_ context.Context, bundle apple.AppBundleInformation) (core.ExitCode, error) {
			if !guard.Disarm() {
				return core.AppLaunchTimeout, context.Canceled
			}
			return o.execute(ctx, params, req.Target, bundle, nil, nil, start)
		},
		InstallApp:        install,
		UninstallApp:      uninstall,
		CleanUpSimulators: cleanup,
	}

	return o.engine.Orchestrate(launchCtx, req, op)
}

func (o *TestOrchestrator) execute(
	ctx context.Context,
	params TestParams,
	target apple.TestTarget,
	bundle apple.AppBundleInformation,
	device, companion apple.Device,
	start time.Time,
) (core.ExitCode, error) {
	log := o.engine.log

	// Time spent finding, resetting and installing comes out of the launch budget.
	remaining := params.LaunchTimeout - time.Since(start)
	if remaining < 0 {
		remaining = 0
	}

	opts := apprunner.TestOptions{
		RunOptions: apprunner.RunOptions{
			Bundle:          bundle,
			Target:          target,
			Device:          device,
			Companion:       companion,
			Timeout:         params.Timeout,
			Environment:     params.Environment,
			PassthroughArgs: params.PassthroughArgs,
			WaitForExit:     true,
			SignalAppEnd:    params.SignalAppEnd,
		},
		LaunchTimeout:        remaining,
		CommunicationChannel: params.CommunicationChannel,
		XMLResultJargon:      params.XMLResultJargon,
		SkippedMethods:       params.SkippedMethods,
		SkippedClasses:       params.SkippedClasses,
		SingleMethodFilters:  params.SingleMethodFilters,
		ClassMethodFilters:   params.ClassMethodFilters,
	}

	var (
		result  core.TestExecutingResult
		message string
		err     error
	)
	if target.Platform == apple.MacCatalyst {
		log.Info("Starting test run of '%s' as a Mac Catalyst app", bundle.AppName)
		result, message, err = o.tester.TestMacCatalystApp(ctx, opts)
	} else {
		log.Info("Starting test run of '%s' on '%s'", bundle.AppName, apple.DisplayName(device))
		result, message, err = o.tester.TestApp(ctx, opts)
	}
	if err != nil {
		return core.GeneralFailure, err
	}

	return o.classify(result, message), nil
}

// classify maps a test outcome to an exit code.
func (o *TestOrchestrator) classify(result core.TestExecutingResult, message string) core.ExitCode {
	log := o.engine.log

	switch result {
	case core.TestSucceeded:
		log.Info("Application run finished successfully. %s", message)
		return core.Success
	case core.TestFailed:
		log.Warn("Application run finished with test failures. %s", message)
		return core.TestsFailed
	case core.TestLaunchFailure:
		log.Error("Application failed to launch. %s", message)
		return o.knownIssueOr(core.AppLaunchFailure)
	case core.TestCrashed:
		log.Error("Application crashed. %s", message)
		return o.knownIssueOr(core.AppCrash)
	case core.TestLaunchTimedOut:
		log.Error("Application launch timed out. %s", message)
		return core.AppLaunchTimeout
	case core.TestTimedOut:
		log.Error("Application test run timed out. %s", message)
		return core.TimedOut
	default:
		log.Error("Application test run ended with an unexpected result %s. %s", result, message)
		return core.GeneralFailure
	}
}

// knownIssueOr refines fallback through the knowledge base.
//
// When the result listener never connected, a TCP connection failure is only a symptom:
// it is reported only if nothing else matched and the app would otherwise count as crashed.
func (o *TestOrchestrator) knownIssueOr(fallback core.ExitCode) core.ExitCode {
	connected := o.tester.ListenerConnected()
	isTCPFailure := func(issue core.KnownIssue) bool {
		return !connected && issue.SuggestedExitCode != nil && *issue.SuggestedExitCode == core.TCPConnectionFailed
	}

	issue, deferred, ok := o.engine.findKnownTestIssue(isTCPFailure)
	if !ok {
		return fallback
	}
	if deferred && fallback != core.AppCrash {
		return fallback
	}

	o.engine.reportIssue(issue)
	return issue.ExitCodeOr(fallback)
}

// JustTestOrchestrator runs an already installed test app; it never installs,
// uninstalls or shuts simulators down.
type JustTestOrchestrator struct {
	test *TestOrchestrator
}

// NewJustTestOrchestrator creates a JustTestOrchestrator on top of test.
func NewJustTestOrchestrator(test *TestOrchestrator) *JustTestOrchestrator {
	return &JustTestOrchestrator{test: test}
}

// OrchestrateJustTest runs req.BundleIdentifier.
func (o *JustTestOrchestrator) OrchestrateJustTest(ctx context.Context, req JustTestRequest) core.ExitCode {
	if req.BundleIDHint == "" {
		req.BundleIDHint = req.BundleIdentifier
	}
	getBundle := bundleByIdentifier(o.test.parser, o.test.engine.log, req.BundleIdentifier)
	return o.test.orchestrate(ctx, req.Request, req.TestParams, "just-test", getBundle, NoInstall, NoUninstall, NoCleanup)
}
