package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/devicelab-dev/device-harness/pkg/apple"
	"github.com/devicelab-dev/device-harness/pkg/core"
)

func TestInstallOrchestrator_OnlyPreparatoryUninstall(t *testing.T) {
	h := newHarness(t)
	h.findsSimulator(simTarget)
	h.installs(exitZero)
	h.uninstallsSimulator(exitZero)

	parser := &fakeParser{bundle: testBundle}
	code := NewInstallOrchestrator(h.engine, parser).OrchestrateInstall(context.Background(), InstallRequest{
		Request: Request{Target: simTarget},
		AppPath: testBundle.AppPath,
		Timeout: time.Minute,
	})

	assert.Equal(t, core.Success, code)
	assert.Equal(t, []string{testBundle.AppPath}, parser.paths)
	h.installer.AssertNumberOfCalls(t, "InstallApp", 1)
	h.uninstaller.AssertNumberOfCalls(t, "UninstallSimulatorApp", 1)
	assert.Equal(t, 0, h.sim.killCount())
}

func TestInstallOrchestrator_FailureIsNotCleanedUp(t *testing.T) {
	h := newHarness(t)
	h.findsSimulator(simTarget)
	h.installs(core.ProcessExecutionResult{ExitCode: 1})
	h.uninstallsSimulator(exitZero)

	code := NewInstallOrchestrator(h.engine, &fakeParser{bundle: testBundle}).OrchestrateInstall(context.Background(), InstallRequest{
		Request: Request{Target: simTarget},
		AppPath: testBundle.AppPath,
	})

	assert.Equal(t, core.PackageInstallationFailure, code)
	h.uninstaller.AssertNumberOfCalls(t, "UninstallSimulatorApp", 1)
}

func TestInstallOrchestrator_Timeout(t *testing.T) {
	h := newHarness(t)
	h.findsSimulator(simTarget)
	h.installer.On("InstallApp", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { <-args.Get(0).(context.Context).Done() }).
		Return(exitZero, context.DeadlineExceeded)
	h.uninstallsSimulator(exitZero)

	code := NewInstallOrchestrator(h.engine, &fakeParser{bundle: testBundle}).OrchestrateInstall(context.Background(), InstallRequest{
		Request: Request{Target: simTarget},
		AppPath: testBundle.AppPath,
		Timeout: 50 * time.Millisecond,
	})
	assert.Equal(t, core.AppLaunchTimeout, code)
}

func TestInstallAndUninstall_RejectMacCatalyst(t *testing.T) {
	h := newHarness(t)
	req := Request{Target: catalyst}

	code := NewInstallOrchestrator(h.engine, &fakeParser{bundle: testBundle}).OrchestrateInstall(context.Background(), InstallRequest{Request: req})
	assert.Equal(t, core.InvalidArguments, code)

	code = NewUninstallOrchestrator(h.engine).OrchestrateUninstall(context.Background(), UninstallRequest{Request: req, BundleIdentifier: "com.example.sample"})
	assert.Equal(t, core.InvalidArguments, code)

	h.finder.AssertNumberOfCalls(t, "FindDevice", 0)
}

func TestUninstallOrchestrator_NeverInstalls(t *testing.T) {
	h := newHarness(t)
	h.finder.On("FindDevice", mock.Anything, deviceTarget, "", false, true).Return(fakeHardware{}, nil, nil)
	h.uninstaller.On("UninstallDeviceApp", mock.Anything, fakeHardware{}, "com.example.sample").Return(exitZero, nil)

	code := NewUninstallOrchestrator(h.engine).OrchestrateUninstall(context.Background(), UninstallRequest{
		Request:          Request{Target: deviceTarget},
		BundleIdentifier: "com.example.sample",
	})

	assert.Equal(t, core.Success, code)
	h.installer.AssertNumberOfCalls(t, "InstallApp", 0)
	h.uninstaller.AssertNumberOfCalls(t, "UninstallDeviceApp", 1)
}

func TestUninstallOrchestrator_Failure(t *testing.T) {
	h := newHarness(t)
	h.finder.On("FindDevice", mock.Anything, deviceTarget, "", false, true).Return(fakeHardware{}, nil, nil)
	h.uninstallsDevice(core.ProcessExecutionResult{ExitCode: 1})

	code := NewUninstallOrchestrator(h.engine).OrchestrateUninstall(context.Background(), UninstallRequest{
		Request:          Request{Target: deviceTarget},
		BundleIdentifier: "com.example.sample",
	})
	assert.Equal(t, core.PackageInstallationFailure, code)
}

func TestUninstallOrchestrator_ResetPurgesBundle(t *testing.T) {
	h := newHarness(t)
	h.findsSimulator(simTarget)
	h.uninstallsSimulator(exitZero)

	code := NewUninstallOrchestrator(h.engine).OrchestrateUninstall(context.Background(), UninstallRequest{
		Request:          Request{Target: simTarget, ResetSimulator: true},
		BundleIdentifier: "com.example.sample",
	})

	assert.Equal(t, core.Success, code)
	require.Len(t, h.sim.prepared, 1)
	assert.Equal(t, []string{"com.example.sample"}, h.sim.prepared[0])
	h.uninstaller.AssertNumberOfCalls(t, "UninstallSimulatorApp", 1)
}

func TestSimulatorResetOrchestrator_RejectsNonSimulators(t *testing.T) {
	for _, target := range []apple.TestTarget{deviceTarget, catalyst} {
		h := newHarness(t)
		code := NewSimulatorResetOrchestrator(h.engine).OrchestrateSimulatorReset(context.Background(), ResetRequest{Target: target})

		assert.Equal(t, core.InvalidArguments, code, target.String())
		h.finder.AssertNumberOfCalls(t, "FindDevice", 0)
	}
}

func TestSimulatorResetOrchestrator_Reset(t *testing.T) {
	h := newHarness(t)
	h.finder.On("FindDevice", mock.Anything, simTarget, "iPhone 11", false, true).Return(h.sim, nil, nil)

	code := NewSimulatorResetOrchestrator(h.engine).OrchestrateSimulatorReset(context.Background(), ResetRequest{
		Target:       simTarget,
		DeviceName:   "iPhone 11",
		Timeout:      time.Minute,
		BundleIDHint: "com.example.sample",
	})

	assert.Equal(t, core.Success, code)
	require.Len(t, h.sim.prepared, 1)
	assert.Equal(t, []string{"com.example.sample"}, h.sim.prepared[0])
	h.installer.AssertNumberOfCalls(t, "InstallApp", 0)
	h.uninstaller.AssertNumberOfCalls(t, "UninstallSimulatorApp", 0)
	assert.Equal(t, 0, h.sim.killCount())
}

func TestSimulatorResetOrchestrator_Failure(t *testing.T) {
	h := newHarness(t)
	h.findsSimulator(simTarget)
	h.sim.prepareErr = assert.AnError

	code := NewSimulatorResetOrchestrator(h.engine).OrchestrateSimulatorReset(context.Background(), ResetRequest{Target: simTarget})
	assert.Equal(t, core.SimulatorFailure, code)
}
