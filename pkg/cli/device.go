package cli

import (
	"context"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/device-harness/pkg/core"
	"github.com/devicelab-dev/device-harness/pkg/orchestrator"
)

var installCommand = &cli.Command{
	Name:  "install",
	Usage: "Install an app on a simulator or device",
	Description: `Removes any previous installation and installs the app. The app is left installed.

Examples:
  device-harness install --target ios-simulator-64 --app Sample.app
  device-harness install --target ios-device --device "Test iPhone" --app Sample.app`,
	Flags:  withFlags(targetFlags, []cli.Flag{appFlag}),
	Action: runInstall,
}

var uninstallCommand = &cli.Command{
	Name:  "uninstall",
	Usage: "Uninstall an app from a simulator or device",
	Description: `Examples:
  device-harness uninstall --target ios-simulator-64 --app-bundle-id com.example.sample`,
	Flags:  withFlags(targetFlags, []cli.Flag{bundleIDFlag}),
	Action: runUninstall,
}

var resetSimulatorCommand = &cli.Command{
	Name:  "reset-simulator",
	Usage: "Reset a simulator to a clean state",
	Description: `Finds the simulator matching --target and --device and erases it.
With --app-bundle-id the app is purged as well.

Examples:
  device-harness reset-simulator --target ios-simulator-64_17.2 --device "iPhone 15"`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "target",
			Aliases:  []string{"t"},
			Usage:    "Simulator target, e.g. ios-simulator-64_17.2",
			Required: true,
		},
		&cli.StringFlag{
			Name:    "device",
			Aliases: []string{"udid"},
			Usage:   "Simulator name or UDID",
		},
		&cli.StringFlag{
			Name:  "app-bundle-id",
			Usage: "Bundle identifier to purge",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "Timeout for the whole operation (default from config: 15m)",
		},
	},
	Action: runResetSimulator,
}

func runInstall(c *cli.Context) error {
	target, err := parseTarget(c)
	if err != nil {
		return err
	}
	s, err := newSession(c, "install", target)
	if err != nil {
		return err
	}

	o := orchestrator.NewInstallOrchestrator(s.engine, s.parser)
	return s.run(c, target, func(ctx context.Context) core.ExitCode {
		return o.OrchestrateInstall(ctx, orchestrator.InstallRequest{
			Request: baseRequest(c, target),
			AppPath: c.String("app"),
			Timeout: s.cfg.Timeout,
		})
	})
}

func runUninstall(c *cli.Context) error {
	target, err := parseTarget(c)
	if err != nil {
		return err
	}
	s, err := newSession(c, "uninstall", target)
	if err != nil {
		return err
	}

	o := orchestrator.NewUninstallOrchestrator(s.engine)
	return s.run(c, target, func(ctx context.Context) core.ExitCode {
		return o.OrchestrateUninstall(ctx, orchestrator.UninstallRequest{
			Request:          baseRequest(c, target),
			BundleIdentifier: c.String("app-bundle-id"),
			Timeout:          s.cfg.Timeout,
		})
	})
}

func runResetSimulator(c *cli.Context) error {
	target, err := parseTarget(c)
	if err != nil {
		return err
	}
	if !target.Platform.IsSimulator() {
		return invalidArguments("reset-simulator needs a simulator target, got %s", target)
	}
	s, err := newSession(c, "reset-simulator", target)
	if err != nil {
		return err
	}

	o := orchestrator.NewSimulatorResetOrchestrator(s.engine)
	return s.run(c, target, func(ctx context.Context) core.ExitCode {
		return o.OrchestrateSimulatorReset(ctx, orchestrator.ResetRequest{
			Target:       target,
			DeviceName:   c.String("device"),
			Timeout:      s.cfg.Timeout,
			BundleIDHint: c.String("app-bundle-id"),
		})
	})
}
