package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/device-harness/pkg/apple"
	"github.com/devicelab-dev/device-harness/pkg/apprunner"
	"github.com/devicelab-dev/device-harness/pkg/config"
	"github.com/devicelab-dev/device-harness/pkg/core"
	"github.com/devicelab-dev/device-harness/pkg/orchestrator"
)

// Flags shared by every command that deploys to a target.
var targetFlags = []cli.Flag{
	&cli.StringFlag{
		Name:     "target",
		Aliases:  []string{"t"},
		Usage:    "Target platform and optional OS version, e.g. ios-simulator-64_17.2, ios-device, maccatalyst",
		Required: true,
	},
	&cli.StringFlag{
		Name:    "device",
		Aliases: []string{"udid"},
		Usage:   "Device name or UDID",
	},
	&cli.BoolFlag{
		Name:  "include-wireless",
		Usage: "Also consider devices connected over the network",
	},
	&cli.BoolFlag{
		Name:  "reset-simulator",
		Usage: "Reset the simulator before the run and shut it down afterwards",
	},
	&cli.BoolFlag{
		Name:  "enable-lldb",
		Usage: "Launch the app with lldb attached",
	},
	&cli.DurationFlag{
		Name:  "timeout",
		Usage: "Timeout for the whole operation (default from config: 15m)",
	},
}

var appFlag = &cli.StringFlag{
	Name:     "app",
	Aliases:  []string{"a"},
	Usage:    "Path to the .app bundle",
	Required: true,
}

var bundleIDFlag = &cli.StringFlag{
	Name:     "app-bundle-id",
	Usage:    "Bundle identifier of the installed app",
	Required: true,
}

// Flags shared by run, just-run, test and just-test.
var launchFlags = []cli.Flag{
	&cli.DurationFlag{
		Name:  "launch-timeout",
		Usage: "Time allowed until the app starts (default from config: 5m)",
	},
	&cli.StringSliceFlag{
		Name:    "set-env",
		Aliases: []string{"e"},
		Usage:   "Environment variable for the app (KEY=VALUE)",
	},
	&cli.BoolFlag{
		Name:  "signal-app-end",
		Usage: "Ask the app to print an end marker when it finishes",
	},
}

var runFlags = []cli.Flag{
	&cli.IntFlag{
		Name:  "expected-exit-code",
		Usage: "Exit code the app must finish with",
	},
	&cli.BoolFlag{
		Name:  "no-wait",
		Usage: "Return once the app is launched; it is left installed and running",
	},
}

var testFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "communication-channel",
		Usage: "How a device reaches the result listener (tcp, usb-tunnel)",
		Value: apprunner.ChannelTCP,
	},
	&cli.StringFlag{
		Name:  "xml-jargon",
		Usage: "Result format requested from the test app (nunit, xunit)",
	},
	&cli.StringSliceFlag{
		Name:  "skip-method",
		Usage: "Test method to skip",
	},
	&cli.StringSliceFlag{
		Name:  "skip-class",
		Usage: "Test class to skip",
	},
	&cli.StringSliceFlag{
		Name:  "method",
		Usage: "Only run this test method",
	},
	&cli.StringSliceFlag{
		Name:  "class",
		Usage: "Only run tests of this class",
	},
}

func withFlags(groups ...[]cli.Flag) []cli.Flag {
	var out []cli.Flag
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// invalidArguments ends a command with INVALID_ARGUMENTS.
func invalidArguments(format string, v ...interface{}) error {
	return cli.Exit("Error: "+fmt.Sprintf(format, v...), int(core.InvalidArguments))
}

func parseTarget(c *cli.Context) (apple.TestTarget, error) {
	target, err := apple.ParseTestTarget(c.String("target"))
	if err != nil {
		return apple.TestTarget{}, invalidArguments("%v", err)
	}
	return target, nil
}

func baseRequest(c *cli.Context, target apple.TestTarget) orchestrator.Request {
	return orchestrator.Request{
		Target:                 target,
		DeviceName:             c.String("device"),
		IncludeWirelessDevices: c.Bool("include-wireless"),
		ResetSimulator:         c.Bool("reset-simulator"),
		EnableLldb:             c.Bool("enable-lldb"),
	}
}

// parseEnvVars parses KEY=VALUE pairs. Later values win.
func parseEnvVars(pairs []string) (map[string]string, error) {
	env := make(map[string]string, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid environment variable %q, expected KEY=VALUE", p)
		}
		env[key] = value
	}
	return env, nil
}

// applyFlags overrides config values with the flags the user set.
func applyFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet("timeout") {
		cfg.Timeout = c.Duration("timeout")
	}
	if c.IsSet("launch-timeout") {
		cfg.LaunchTimeout = c.Duration("launch-timeout")
	}
	if v := c.String("output-directory"); v != "" {
		cfg.OutputDirectory = v
	}
	if v := c.String("diagnostics-path"); v != "" {
		cfg.DiagnosticsPath = v
	}
	if v := c.String("known-issues"); v != "" {
		cfg.KnownIssuesFile = v
	}
	if v := c.String("xcode"); v != "" {
		cfg.XcodeRoot = v
	}
}

func runParams(c *cli.Context, cfg *config.Config) (orchestrator.RunParams, error) {
	env, err := parseEnvVars(c.StringSlice("set-env"))
	if err != nil {
		return orchestrator.RunParams{}, invalidArguments("%v", err)
	}
	return orchestrator.RunParams{
		LaunchTimeout:    cfg.LaunchTimeout,
		Timeout:          cfg.Timeout,
		ExpectedExitCode: c.Int("expected-exit-code"),
		WaitForExit:      !c.Bool("no-wait"),
		Environment:      env,
		PassthroughArgs:  c.Args().Slice(),
		SignalAppEnd:     c.Bool("signal-app-end"),
	}, nil
}

func testParams(c *cli.Context, cfg *config.Config) (orchestrator.TestParams, error) {
	env, err := parseEnvVars(c.StringSlice("set-env"))
	if err != nil {
		return orchestrator.TestParams{}, invalidArguments("%v", err)
	}

	channel := strings.ToLower(c.String("communication-channel"))
	switch channel {
	case apprunner.ChannelTCP, apprunner.ChannelUSBTunnel:
	default:
		return orchestrator.TestParams{}, invalidArguments("unknown communication channel %q (expected tcp or usb-tunnel)", channel)
	}

	return orchestrator.TestParams{
		LaunchTimeout:        cfg.LaunchTimeout,
		Timeout:              cfg.Timeout,
		Environment:          env,
		PassthroughArgs:      c.Args().Slice(),
		SignalAppEnd:         c.Bool("signal-app-end"),
		CommunicationChannel: channel,
		XMLResultJargon:      c.String("xml-jargon"),
		SkippedMethods:       c.StringSlice("skip-method"),
		SkippedClasses:       c.StringSlice("skip-class"),
		SingleMethodFilters:  c.StringSlice("method"),
		ClassMethodFilters:   c.StringSlice("class"),
	}, nil
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return d.Round(100 * time.Millisecond).String()
}
