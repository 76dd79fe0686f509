// Package cli provides the command-line interface for device-harness.
package cli

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/device-harness/pkg/core"
)

// Version is set at build time.
var Version = "dev"

// GlobalFlags are available to all commands.
var GlobalFlags = []cli.Flag{
	&cli.BoolFlag{
		Name:    "verbose",
		Usage:   "Enable verbose logging",
		EnvVars: []string{"DEVICE_HARNESS_VERBOSE"},
	},
	&cli.StringFlag{
		Name:  "config",
		Usage: "Path to config.yaml (default: <home>/config.yaml)",
	},
	&cli.StringFlag{
		Name:    "output-directory",
		Aliases: []string{"o"},
		Usage:   "Directory for captured logs",
	},
	&cli.StringFlag{
		Name:  "diagnostics-path",
		Usage: "Append a JSON diagnostics entry for each command to this file",
	},
	&cli.StringFlag{
		Name:  "known-issues",
		Usage: "YAML file with extra known-issue rules",
	},
	&cli.StringFlag{
		Name:    "xcode",
		Usage:   "Xcode to use (path to Xcode.app or its Developer directory)",
		EnvVars: []string{"DEVELOPER_DIR"},
	},
	&cli.BoolFlag{
		Name:  "no-ansi",
		Usage: "Disable ANSI colors",
	},
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "device-harness",
		Usage:   "Install, run and test Apple apps on simulators, devices and Mac Catalyst",
		Version: Version,
		Description: `device-harness drives one app through device discovery, installation,
execution and cleanup, and exits with a code describing the outcome.

Examples:
  device-harness install --target ios-simulator-64 --app Sample.app
  device-harness run --target ios-device_17 --app Sample.app --expected-exit-code 0
  device-harness test --target ios-simulator-64_17.2 --app SampleTests.app
  device-harness just-test --target maccatalyst --app-bundle-id com.example.tests
  device-harness reset-simulator --target ios-simulator-64 --device "iPhone 15"`,
		Flags: GlobalFlags,
		Commands: []*cli.Command{
			installCommand,
			uninstallCommand,
			runCommand,
			justRunCommand,
			testCommand,
			justTestCommand,
			resetSimulatorCommand,
		},
		Action: func(c *cli.Context) error {
			if err := cli.ShowAppHelp(c); err != nil {
				return err
			}
			return cli.Exit("", int(core.HelpShown))
		},
	}
}

// Execute runs the CLI. Exit codes from commands terminate the process directly.
func Execute() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(int(core.InvalidArguments))
	}
}
