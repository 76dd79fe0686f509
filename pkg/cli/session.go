package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/device-harness/pkg/apple"
	"github.com/devicelab-dev/device-harness/pkg/apprunner"
	"github.com/devicelab-dev/device-harness/pkg/bundle"
	"github.com/devicelab-dev/device-harness/pkg/config"
	"github.com/devicelab-dev/device-harness/pkg/core"
	"github.com/devicelab-dev/device-harness/pkg/device"
	"github.com/devicelab-dev/device-harness/pkg/diagnostics"
	"github.com/devicelab-dev/device-harness/pkg/execution"
	"github.com/devicelab-dev/device-harness/pkg/exitcode"
	"github.com/devicelab-dev/device-harness/pkg/knownissues"
	"github.com/devicelab-dev/device-harness/pkg/logger"
	"github.com/devicelab-dev/device-harness/pkg/logs"
	"github.com/devicelab-dev/device-harness/pkg/orchestrator"
	"github.com/devicelab-dev/device-harness/pkg/simulator"
)

// session holds everything one command invocation needs.
type session struct {
	command string
	cfg     *config.Config
	console *console
	outDir  string
	start   time.Time

	engine     *orchestrator.Engine
	parser     *bundle.Parser
	runner     *apprunner.Runner
	tester     *apprunner.Tester
	detectors  orchestrator.Detectors
	recorder   *diagnostics.Recorder
	simctl     *simulator.Simctl
	simulators *simulator.Manager
}

// loadConfig reads the layered config and applies the command line on top.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, invalidArguments("%v", err)
	}
	applyFlags(c, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, invalidArguments("%v", err)
	}
	return cfg, nil
}

func newSession(c *cli.Context, command string, target apple.TestTarget) (*session, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	if target.Platform != apple.MacCatalyst {
		if _, err := simulator.FindSimctlBinary(); err != nil {
			return nil, cli.Exit(fmt.Sprintf("Error: %v", err), int(core.GeneralFailure))
		}
	}

	start := time.Now()
	outDir := filepath.Join(cfg.OutputDirectory, fmt.Sprintf("%s-%s", command, start.Format("20060102-150405")))
	sink, err := logs.New(outDir)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("Error: %v", err), int(core.GeneralFailure))
	}

	verbose := c.Bool("verbose")
	if err := logger.Init(filepath.Join(outDir, "device-harness.log"), verbose); err != nil {
		return nil, cli.Exit(fmt.Sprintf("Error: %v", err), int(core.GeneralFailure))
	}

	mainPath := filepath.Join(outDir, "main.log")
	mainLog, err := logger.New(mainPath, verbose)
	if err != nil {
		logger.Close()
		return nil, cli.Exit(fmt.Sprintf("Error: %v", err), int(core.GeneralFailure))
	}
	sink.Add(logs.Log{Path: mainPath, Description: "Main log", Type: logs.TypeMain})

	kb, err := knownissues.New()
	if err == nil && cfg.KnownIssuesFile != "" {
		err = kb.LoadFile(cfg.KnownIssuesFile)
	}
	if err != nil {
		mainLog.Close()
		logger.Close()
		return nil, invalidArguments("%v", err)
	}

	var env []string
	if dir := cfg.DeveloperDir(); dir != "" {
		env = append(env, "DEVELOPER_DIR="+dir)
	}
	processes := execution.NewProcessManager(env...)
	simctl := simulator.NewSimctl(processes)
	simulators := simulator.NewManager()
	recorder := diagnostics.NewRecorder(command, target.Platform.String())

	engine := orchestrator.NewEngine(orchestrator.Dependencies{
		Finder:         device.NewFinder(simctl, simulators, device.USBMux{}),
		Installer:      apprunner.NewInstaller(processes, mainLog, cfg.InstallRetries),
		Uninstaller:    apprunner.NewUninstaller(processes, mainLog),
		KnowledgeBase:  kb,
		Diagnostics:    recorder,
		MainLog:        mainLog,
		Logs:           sink,
		LldbMarkerDir:  cfg.LldbMarkerDir,
		CleanupTimeout: cfg.CleanupTimeout,
	})

	logger.Info("=== %s started ===", command)
	logger.Info("Target: %s", target)
	logger.Info("Output directory: %s", outDir)

	return &session{
		command: command,
		cfg:     cfg,
		console: newConsole(c.App.Writer, c.Bool("no-ansi")),
		outDir:  outDir,
		start:   start,
		engine:  engine,
		parser:  bundle.NewParser(),
		runner:  apprunner.NewRunner(processes, sink, mainLog),
		tester:  apprunner.NewTester(processes, sink, mainLog),
		detectors: orchestrator.Detectors{
			Simulator:   exitcode.NewSimulatorDetector(),
			Device:      exitcode.NewDeviceDetector(),
			MacCatalyst: exitcode.NewMacCatalystDetector(),
		},
		recorder:   recorder,
		simctl:     simctl,
		simulators: simulators,
	}, nil
}

// run executes op on a context cancelled by SIGINT or SIGTERM and turns its exit code
// into the process exit status.
func (s *session) run(c *cli.Context, target apple.TestTarget, op func(ctx context.Context) core.ExitCode) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s.console.start(s.command, target.String())
	code := op(ctx)
	interrupted := ctx.Err() != nil
	stop()

	if interrupted {
		logger.Info("Interrupted, shutting down simulators started by device-harness")
		s.console.warn("Interrupted, cleaning up")
		cctx, cancel := context.WithTimeout(context.Background(), s.cfg.CleanupTimeout)
		if err := s.simulators.ShutdownAll(cctx, s.simctl); err != nil {
			logger.Error("Failed to shut down simulators: %v", err)
		}
		cancel()
	}

	return s.finish(code)
}

func (s *session) finish(code core.ExitCode) error {
	data := s.recorder.Finish(code)
	if s.cfg.DiagnosticsPath != "" {
		if err := diagnostics.Append(s.cfg.DiagnosticsPath, data); err != nil {
			logger.Warn("Failed to write diagnostics: %v", err)
			s.console.warn("Failed to write diagnostics: %v", err)
		}
	}

	if err := s.engine.Close(); err != nil {
		logger.Warn("Failed to close main log: %v", err)
	}
	logger.Info("=== %s finished: %s (%d) ===", s.command, code, int(code))
	logger.Close()

	s.console.result(s.command, code, formatDuration(time.Since(s.start)), s.outDir)

	if code == core.Success {
		return nil
	}
	return cli.Exit("", int(code))
}

// abort closes the session's logs when a command fails before running.
func (s *session) abort(err error) error {
	if cerr := s.engine.Close(); cerr != nil {
		logger.Warn("Failed to close main log: %v", cerr)
	}
	logger.Close()
	return err
}
