package orchestrator

import (
	"context"
	"time"

	"github.com/devicelab-dev/device-harness/pkg/apple"
	"github.com/devicelab-dev/device-harness/pkg/bundle"
	"github.com/devicelab-dev/device-harness/pkg/core"
)

// ResetRequest resets the simulator matching Target.
type ResetRequest struct {
	Target     apple.TestTarget
	DeviceName string
	Timeout    time.Duration

	// BundleIDHint is purged from the simulator when set.
	BundleIDHint string
}

// SimulatorResetOrchestrator implements the reset-simulator command.
type SimulatorResetOrchestrator struct {
	engine *Engine
	parser AppBundleInformationParser
}

// NewSimulatorResetOrchestrator creates a SimulatorResetOrchestrator.
// Bundles are never read from disk; identifier-only records are enough.
func NewSimulatorResetOrchestrator(engine *Engine) *SimulatorResetOrchestrator {
	return &SimulatorResetOrchestrator{engine: engine, parser: bundle.BundleIDParser{}}
}

// OrchestrateSimulatorReset finds and resets a simulator. Other targets are rejected
// before any device lookup.
func (o *SimulatorResetOrchestrator) OrchestrateSimulatorReset(ctx context.Context, req ResetRequest) core.ExitCode {
	if !req.Target.Platform.IsSimulator() {
		o.engine.log.Error("Target %s is not a simulator", req.Target)
		return core.InvalidArguments
	}

	ctx, cancel := withOptionalTimeout(ctx, req.Timeout)
	defer cancel()

	op := Operation{
		Name: "reset-simulator",
		GetAppBundle: func(ctx context.Context, target apple.TestTarget, _ apple.Device) (apple.AppBundleInformation, error) {
			return o.parser.ParseFromAppBundle(ctx, req.BundleIDHint, target.Platform, o.engine.log)
		},
		Execute: func(context.Context, apple.AppBundleInformation, apple.Device, apple.Device) (core.ExitCode, error) {
			return core.Success, nil
		},
		ExecuteMacCatalyst: unsupportedMacCatalyst,
		InstallApp:         NoInstall,
		UninstallApp:       NoUninstall,
		CleanUpSimulators:  NoCleanup,
	}

	return o.engine.Orchestrate(ctx, Request{
		Target:         req.Target,
		DeviceName:     req.DeviceName,
		ResetSimulator: true,
		BundleIDHint:   req.BundleIDHint,
	}, op)
}
