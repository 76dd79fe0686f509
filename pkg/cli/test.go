package cli

import (
	"context"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/device-harness/pkg/core"
	"github.com/devicelab-dev/device-harness/pkg/orchestrator"
)

var testCommand = &cli.Command{
	Name:      "test",
	Usage:     "Install a test app, run it and collect its results",
	ArgsUsage: "[-- <app arguments>...]",
	Description: `Installs the test app and runs it. The app connects back to a result listener and
streams its results; the exit code reflects the outcome of the run.

Examples:
  device-harness test --target ios-simulator-64 --app SampleTests.app
  device-harness test --target ios-device --app SampleTests.app --communication-channel usb-tunnel
  device-harness test --target ios-simulator-64 --app SampleTests.app --skip-class Slow --xml-jargon xunit`,
	Flags:  withFlags(targetFlags, []cli.Flag{appFlag}, launchFlags, testFlags),
	Action: runTestApp,
}

var justTestCommand = &cli.Command{
	Name:      "just-test",
	Usage:     "Run an installed test app and collect its results",
	ArgsUsage: "[-- <app arguments>...]",
	Description: `Like test, but the app must already be installed. Nothing is installed, uninstalled
or shut down.

Examples:
  device-harness just-test --target maccatalyst --app-bundle-id com.example.tests`,
	Flags:  withFlags(targetFlags, []cli.Flag{bundleIDFlag}, launchFlags, testFlags),
	Action: runJustTest,
}

func runTestApp(c *cli.Context) error {
	target, err := parseTarget(c)
	if err != nil {
		return err
	}
	s, err := newSession(c, "test", target)
	if err != nil {
		return err
	}
	params, err := testParams(c, s.cfg)
	if err != nil {
		return s.abort(err)
	}

	o := orchestrator.NewTestOrchestrator(s.engine, s.parser, s.tester)
	return s.run(c, target, func(ctx context.Context) core.ExitCode {
		return o.OrchestrateTest(ctx, orchestrator.TestRequest{
			Request:    baseRequest(c, target),
			TestParams: params,
			AppPath:    c.String("app"),
		})
	})
}

func runJustTest(c *cli.Context) error {
	target, err := parseTarget(c)
	if err != nil {
		return err
	}
	s, err := newSession(c, "just-test", target)
	if err != nil {
		return err
	}
	params, err := testParams(c, s.cfg)
	if err != nil {
		return s.abort(err)
	}

	test := orchestrator.NewTestOrchestrator(s.engine, s.parser, s.tester)
	o := orchestrator.NewJustTestOrchestrator(test)
	return s.run(c, target, func(ctx context.Context) core.ExitCode {
		return o.OrchestrateJustTest(ctx, orchestrator.JustTestRequest{
			Request:          baseRequest(c, target),
			TestParams:       params,
			BundleIdentifier: c.String("app-bundle-id"),
		})
	})
}
