package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/devicelab-dev/device-harness/pkg/apple"
	"github.com/devicelab-dev/device-harness/pkg/apprunner"
	"github.com/devicelab-dev/device-harness/pkg/core"
	"github.com/devicelab-dev/device-harness/pkg/knownissues"
	"github.com/devicelab-dev/device-harness/pkg/logger"
	"github.com/devicelab-dev/device-harness/pkg/logs"
)

var (
	simTarget    = apple.TestTarget{Platform: apple.SimulatorIOS64, OSVersion: "13.5"}
	deviceTarget = apple.TestTarget{Platform: apple.DeviceIOS, OSVersion: "14.2"}
	catalyst     = apple.TestTarget{Platform: apple.MacCatalyst}

	testBundle = apple.AppBundleInformation{
		AppName:          "Sample",
		BundleIdentifier: "com.example.sample",
		AppPath:          "/apps/Sample.app",
		LaunchAppPath:    "/apps/Sample.app",
		BundleExecutable: "Sample",
	}
)

// fakeSim is a simulator that records what the engine asked of it.
type fakeSim struct {
	udid, name, os string

	mu         sync.Mutex
	prepared   [][]string
	killed     int
	prepareErr error
	bundlePath string
}

func newFakeSim() *fakeSim {
	return &fakeSim{udid: "SIM-1", name: "iPhone 11", os: "iOS 13.5"}
}

func (s *fakeSim) UDID() string      { return s.udid }
func (s *fakeSim) Name() string      { return s.name }
func (s *fakeSim) OSVersion() string { return s.os }

func (s *fakeSim) Boot(context.Context, apple.Logger) error { return nil }

func (s *fakeSim) PrepareSimulator(_ context.Context, _ apple.Logger, bundleIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prepared = append(s.prepared, bundleIDs)
	return s.prepareErr
}

func (s *fakeSim) KillEverything(context.Context, apple.Logger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killed++
	return nil
}

func (s *fakeSim) GetAppBundlePath(context.Context, apple.Logger, string) (string, error) {
	return s.bundlePath, nil
}

func (s *fakeSim) killCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.killed
}

type fakeHardware struct{}

func (fakeHardware) UDID() string      { return "00008030-0001" }
func (fakeHardware) Name() string      { return "Test iPhone" }
func (fakeHardware) OSVersion() string { return "14.2" }

type mockFinder struct{ mock.Mock }

func (m *mockFinder) FindDevice(ctx context.Context, target apple.TestTarget, deviceName string, _ apple.Logger,
	includeWireless, pairedOnly bool) (apple.Device, apple.Device, error) {
	args := m.Called(ctx, target, deviceName, includeWireless, pairedOnly)
	device, _ := args.Get(0).(apple.Device)
	companion, _ := args.Get(1).(apple.Device)
	return device, companion, args.Error(2)
}

type mockInstaller struct{ mock.Mock }

func (m *mockInstaller) InstallApp(ctx context.Context, bundle apple.AppBundleInformation, target apple.TestTarget, device apple.Device) (core.ProcessExecutionResult, error) {
	args := m.Called(ctx, bundle, target, device)
	return args.Get(0).(core.ProcessExecutionResult), args.Error(1)
}

type mockUninstaller struct{ mock.Mock }

func (m *mockUninstaller) UninstallSimulatorApp(ctx context.Context, device apple.Device, bundleID string) (core.ProcessExecutionResult, error) {
	args := m.Called(ctx, device, bundleID)
	return args.Get(0).(core.ProcessExecutionResult), args.Error(1)
}

func (m *mockUninstaller) UninstallDeviceApp(ctx context.Context, device apple.Device, bundleID string) (core.ProcessExecutionResult, error) {
	args := m.Called(ctx, device, bundleID)
	return args.Get(0).(core.ProcessExecutionResult), args.Error(1)
}

type fakeParser struct {
	bundle apple.AppBundleInformation
	err    error
	paths  []string
}

func (p *fakeParser) ParseFromAppBundle(_ context.Context, path string, _ apple.Platform, _ apple.Logger) (apple.AppBundleInformation, error) {
	p.paths = append(p.paths, path)
	return p.bundle, p.err
}

// fakeRunner writes systemLog into a captured system log before returning.
type fakeRunner struct {
	sink      *logs.Logs
	systemLog string
	result    core.ProcessExecutionResult
	err       error
	run       func(ctx context.Context, opts apprunner.RunOptions) (core.ProcessExecutionResult, error)

	calls         []apprunner.RunOptions
	catalystCalls int
}

func (r *fakeRunner) RunApp(ctx context.Context, opts apprunner.RunOptions) (core.ProcessExecutionResult, error) {
	r.calls = append(r.calls, opts)
	return r.do(ctx, opts, logs.TypeSystem)
}

func (r *fakeRunner) RunMacCatalystApp(ctx context.Context, opts apprunner.RunOptions) (core.ProcessExecutionResult, error) {
	r.catalystCalls++
	return r.do(ctx, opts, logs.TypeApplication)
}

func (r *fakeRunner) do(ctx context.Context, opts apprunner.RunOptions, typ logs.Type) (core.ProcessExecutionResult, error) {
	if r.systemLog != "" {
		l, err := r.sink.Create("captured.log", "Captured log", typ)
		if err != nil {
			return core.ProcessExecutionResult{}, err
		}
		if err := os.WriteFile(l.Path, []byte(r.systemLog), 0o644); err != nil {
			return core.ProcessExecutionResult{}, err
		}
	}
	if r.run != nil {
		return r.run(ctx, opts)
	}
	return r.result, r.err
}

type fakeTester struct {
	sink      *logs.Logs
	appLog    string
	result    core.TestExecutingResult
	message   string
	err       error
	connected bool

	calls []apprunner.TestOptions
}

func (t *fakeTester) TestApp(_ context.Context, opts apprunner.TestOptions) (core.TestExecutingResult, string, error) {
	t.calls = append(t.calls, opts)
	return t.finish()
}

func (t *fakeTester) TestMacCatalystApp(_ context.Context, opts apprunner.TestOptions) (core.TestExecutingResult, string, error) {
	t.calls = append(t.calls, opts)
	return t.finish()
}

func (t *fakeTester) finish() (core.TestExecutingResult, string, error) {
	if t.appLog != "" {
		l, err := t.sink.Create("app.log", "Application log", logs.TypeApplication)
		if err != nil {
			return core.TestLaunchFailure, "", err
		}
		if err := os.WriteFile(l.Path, []byte(t.appLog), 0o644); err != nil {
			return core.TestLaunchFailure, "", err
		}
	}
	return t.result, t.message, t.err
}

func (t *fakeTester) ListenerConnected() bool { return t.connected }

// fakeDetector reports code whenever the log is non-empty.
type fakeDetector struct {
	code int
}

func (d fakeDetector) DetectExitCode(_ apple.AppBundleInformation, l logs.Log) (int, bool) {
	info, err := os.Stat(l.Path)
	if err != nil || info.Size() == 0 {
		return 0, false
	}
	return d.code, true
}

type fakeRecorder struct {
	device, targetOS string
	calls            int
}

func (r *fakeRecorder) Record(device, targetOS string) {
	r.device, r.targetOS = device, targetOS
	r.calls++
}

// harness wires an Engine to fakes.
type harness struct {
	finder      *mockFinder
	installer   *mockInstaller
	uninstaller *mockUninstaller
	recorder    *fakeRecorder
	log         *logger.Logger
	logs        *logs.Logs
	engine      *Engine
	sim         *fakeSim
	lldbDir     string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	log, err := logger.New(filepath.Join(dir, "main.log"), true)
	require.NoError(t, err)
	sink, err := logs.New(filepath.Join(dir, "logs"))
	require.NoError(t, err)
	kb, err := knownissues.New()
	require.NoError(t, err)

	h := &harness{
		finder:      &mockFinder{},
		installer:   &mockInstaller{},
		uninstaller: &mockUninstaller{},
		recorder:    &fakeRecorder{},
		log:         log,
		logs:        sink,
		sim:         newFakeSim(),
		lldbDir:     filepath.Join(dir, "home"),
	}
	require.NoError(t, os.MkdirAll(h.lldbDir, 0o755))

	h.engine = NewEngine(Dependencies{
		Finder:        h.finder,
		Installer:     h.installer,
		Uninstaller:   h.uninstaller,
		KnowledgeBase: kb,
		Diagnostics:   h.recorder,
		MainLog:       log,
		Logs:          sink,
		LldbMarkerDir: h.lldbDir,
	})
	t.Cleanup(func() { _ = h.engine.Close() })
	return h
}

// findsSimulator makes the finder return the harness simulator for target.
func (h *harness) findsSimulator(target apple.TestTarget) {
	h.finder.On("FindDevice", mock.Anything, target, "", false, true).Return(h.sim, nil, nil)
}

func (h *harness) installs(result core.ProcessExecutionResult) {
	h.installer.On("InstallApp", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(result, nil)
}

func (h *harness) uninstallsSimulator(result core.ProcessExecutionResult) {
	h.uninstaller.On("UninstallSimulatorApp", mock.Anything, mock.Anything, mock.Anything).Return(result, nil)
}

func (h *harness) uninstallsDevice(result core.ProcessExecutionResult) {
	h.uninstaller.On("UninstallDeviceApp", mock.Anything, mock.Anything, mock.Anything).Return(result, nil)
}

func (h *harness) mainLog(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(h.log.Path())
	require.NoError(t, err)
	return string(data)
}
