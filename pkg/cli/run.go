package cli

import (
	"context"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/device-harness/pkg/core"
	"github.com/devicelab-dev/device-harness/pkg/orchestrator"
)

var runCommand = &cli.Command{
	Name:      "run",
	Usage:     "Install an app, run it and check its exit code",
	ArgsUsage: "[-- <app arguments>...]",
	Description: `Installs the app, launches it and waits for it to exit. The exit code found in the
captured logs must match --expected-exit-code. The app is uninstalled afterwards.

Examples:
  device-harness run --target ios-simulator-64 --app Sample.app
  device-harness run --target ios-device --app Sample.app --expected-exit-code 3 -- --verbose
  device-harness run --target ios-simulator-64 --app Sample.app --no-wait`,
	Flags:  withFlags(targetFlags, []cli.Flag{appFlag}, launchFlags, runFlags),
	Action: runRun,
}

var justRunCommand = &cli.Command{
	Name:      "just-run",
	Usage:     "Run an installed app and check its exit code",
	ArgsUsage: "[-- <app arguments>...]",
	Description: `Like run, but the app must already be installed. Nothing is installed, uninstalled
or shut down.

Examples:
  device-harness just-run --target ios-simulator-64 --app-bundle-id com.example.sample`,
	Flags:  withFlags(targetFlags, []cli.Flag{bundleIDFlag}, launchFlags, runFlags),
	Action: runJustRun,
}

func runRun(c *cli.Context) error {
	target, err := parseTarget(c)
	if err != nil {
		return err
	}
	s, err := newSession(c, "run", target)
	if err != nil {
		return err
	}
	params, err := runParams(c, s.cfg)
	if err != nil {
		return s.abort(err)
	}

	o := orchestrator.NewRunOrchestrator(s.engine, s.parser, s.runner, s.detectors)
	return s.run(c, target, func(ctx context.Context) core.ExitCode {
		return o.OrchestrateRun(ctx, orchestrator.RunRequest{
			Request:   baseRequest(c, target),
			RunParams: params,
			AppPath:   c.String("app"),
		})
	})
}

func runJustRun(c *cli.Context) error {
	target, err := parseTarget(c)
	if err != nil {
		return err
	}
	s, err := newSession(c, "just-run", target)
	if err != nil {
		return err
	}
	params, err := runParams(c, s.cfg)
	if err != nil {
		return s.abort(err)
	}

	run := orchestrator.NewRunOrchestrator(s.engine, s.parser, s.runner, s.detectors)
	o := orchestrator.NewJustRunOrchestrator(run)
	return s.run(c, target, func(ctx context.Context) core.ExitCode {
		return o.OrchestrateJustRun(ctx, orchestrator.JustRunRequest{
			Request:          baseRequest(c, target),
			RunParams:        params,
			BundleIdentifier: c.String("app-bundle-id"),
		})
	})
}
