package orchestrator

import (
	"context"
	"time"

	"github.com/devicelab-dev/device-harness/pkg/apple"
	"github.com/devicelab-dev/device-harness/pkg/core"
)

// InstallRequest installs the app at AppPath and leaves it on the device.
type InstallRequest struct {
	Request
	AppPath string
	Timeout time.Duration
}

// UninstallRequest removes BundleIdentifier from the device.
type UninstallRequest struct {
	Request
	BundleIdentifier string
	Timeout          time.Duration
}

// InstallOrchestrator implements the install command.
type InstallOrchestrator struct {
	engine *Engine
	parser AppBundleInformationParser
}

// NewInstallOrchestrator creates an InstallOrchestrator.
func NewInstallOrchestrator(engine *Engine, parser AppBundleInformationParser) *InstallOrchestrator {
	return &InstallOrchestrator{engine: engine, parser: parser}
}

// OrchestrateInstall installs req.AppPath. Only the preparatory uninstall runs.
func (o *InstallOrchestrator) OrchestrateInstall(ctx context.Context, req InstallRequest) core.ExitCode {
	if req.Target.Platform == apple.MacCatalyst {
		o.engine.log.Error("Installing is not supported for Mac Catalyst, run the app directly")
		return core.InvalidArguments
	}

	ctx, cancel := withOptionalTimeout(ctx, req.Timeout)
	defer cancel()

	op := Operation{
		Name: "install",
		GetAppBundle: func(ctx context.Context, target apple.TestTarget, _ apple.Device) (apple.AppBundleInformation, error) {
			return o.parser.ParseFromAppBundle(ctx, req.AppPath, target.Platform, o.engine.log)
		},
		Execute: func(context.Context, apple.AppBundleInformation, apple.Device, apple.Device) (core.ExitCode, error) {
			return core.Success, nil
		},
		ExecuteMacCatalyst: unsupportedMacCatalyst,
		UninstallApp: func(ctx context.Context, target apple.TestTarget, bundleID string, device apple.Device, isPreparation bool) core.ExitCode {
			if isPreparation {
				return o.engine.UninstallApp(ctx, target, bundleID, device, true)
			}
			return core.Success
		},
		CleanUpSimulators: NoCleanup,
	}

	return o.engine.Orchestrate(ctx, req.Request, op)
}

// UninstallOrchestrator implements the uninstall command.
type UninstallOrchestrator struct {
	engine *Engine
}

// NewUninstallOrchestrator creates an UninstallOrchestrator.
func NewUninstallOrchestrator(engine *Engine) *UninstallOrchestrator {
	return &UninstallOrchestrator{engine: engine}
}

// OrchestrateUninstall removes req.BundleIdentifier. The removal happens exactly once, as the operation itself.
func (o *UninstallOrchestrator) OrchestrateUninstall(ctx context.Context, req UninstallRequest) core.ExitCode {
	if req.Target.Platform == apple.MacCatalyst {
		o.engine.log.Error("Uninstalling is not supported for Mac Catalyst")
		return core.InvalidArguments
	}
	if req.BundleIDHint == "" {
		req.BundleIDHint = req.BundleIdentifier
	}

	ctx, cancel := withOptionalTimeout(ctx, req.Timeout)
	defer cancel()

	op := Operation{
		Name: "uninstall",
		GetAppBundle: func(context.Context, apple.TestTarget, apple.Device) (apple.AppBundleInformation, error) {
			return apple.FromBundleID(req.BundleIdentifier), nil
		},
		Execute: func(ctx context.Context, bundle apple.AppBundleInformation, device, _ apple.Device) (core.ExitCode, error) {
			return o.engine.UninstallApp(ctx, req.Target, bundle.BundleIdentifier, device, false), nil
		},
		ExecuteMacCatalyst: unsupportedMacCatalyst,
		InstallApp:         NoInstall,
		UninstallApp:       NoUninstall,
		CleanUpSimulators:  NoCleanup,
	}

	return o.engine.Orchestrate(ctx, req.Request, op)
}

func unsupportedMacCatalyst(context.Context, apple.AppBundleInformation) (core.ExitCode, error) {
	return core.InvalidArguments, nil
}

func withOptionalTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
