package cli

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/device-harness/pkg/config"
	"github.com/devicelab-dev/device-harness/pkg/core"
	"github.com/devicelab-dev/device-harness/pkg/orchestrator"
)

// runApp runs app with args and returns the error instead of exiting.
func runApp(t *testing.T, app *cli.App, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app.Writer = &out
	app.ErrWriter = &out
	app.ExitErrHandler = func(*cli.Context, error) {}
	err := app.Run(append([]string{"device-harness"}, args...))
	return out.String(), err
}

func exitCode(t *testing.T, err error) core.ExitCode {
	t.Helper()
	var coder cli.ExitCoder
	if !errors.As(err, &coder) {
		t.Fatalf("expected an exit code, got %v", err)
	}
	return core.ExitCode(coder.ExitCode())
}

// paramsApp runs action with the flags of a command and hands it the parsed context.
func paramsApp(flags []cli.Flag, action cli.ActionFunc) *cli.App {
	return &cli.App{Name: "device-harness", Flags: flags, Action: action}
}

func TestNoCommandShowsHelp(t *testing.T) {
	out, err := runApp(t, newApp())

	if got := exitCode(t, err); got != core.HelpShown {
		t.Errorf("expected %s, got %s", core.HelpShown, got)
	}
	if !strings.Contains(out, "reset-simulator") {
		t.Errorf("expected help to list commands, got:\n%s", out)
	}
}

func TestInvalidTarget(t *testing.T) {
	_, err := runApp(t, newApp(), "install", "--target", "android", "--app", "Sample.app")

	if got := exitCode(t, err); got != core.InvalidArguments {
		t.Errorf("expected %s, got %s", core.InvalidArguments, got)
	}
	if !strings.Contains(err.Error(), "unknown target") {
		t.Errorf("unexpected message: %v", err)
	}
}

func TestMissingRequiredFlag(t *testing.T) {
	_, err := runApp(t, newApp(), "run", "--target", "ios-simulator-64")
	if err == nil {
		t.Fatal("expected an error for missing --app")
	}
	var coder cli.ExitCoder
	if errors.As(err, &coder) {
		t.Errorf("missing flags are reported by Execute, got exit code %d", coder.ExitCode())
	}
}

func TestResetSimulator_RejectsDevices(t *testing.T) {
	for _, target := range []string{"ios-device", "maccatalyst"} {
		_, err := runApp(t, newApp(), "reset-simulator", "--target", target)
		if got := exitCode(t, err); got != core.InvalidArguments {
			t.Errorf("%s: expected %s, got %s", target, core.InvalidArguments, got)
		}
	}
}

func TestParseEnvVars(t *testing.T) {
	env, err := parseEnvVars([]string{"A=1", " B =x=y", "C=", "A=2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := map[string]string{"A": "2", "B": "x=y", "C": ""}
	if len(env) != len(want) {
		t.Fatalf("expected %v, got %v", want, env)
	}
	for k, v := range want {
		if env[k] != v {
			t.Errorf("%s: expected %q, got %q", k, v, env[k])
		}
	}
}

func TestParseEnvVars_Invalid(t *testing.T) {
	for _, pair := range []string{"NOVALUE", "=value"} {
		if _, err := parseEnvVars([]string{pair}); err == nil {
			t.Errorf("expected error for %q", pair)
		}
	}
}

func TestRunParams(t *testing.T) {
	cfg := &config.Config{Timeout: time.Minute, LaunchTimeout: 10 * time.Second}
	var params orchestrator.RunParams

	app := paramsApp(withFlags(launchFlags, runFlags), func(c *cli.Context) error {
		var err error
		params, err = runParams(c, cfg)
		return err
	})
	_, err := runApp(t, app, "--expected-exit-code", "3", "--no-wait", "-e", "FOO=bar", "--", "--verbose", "x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if params.ExpectedExitCode != 3 {
		t.Errorf("expected exit code 3, got %d", params.ExpectedExitCode)
	}
	if params.WaitForExit {
		t.Error("expected --no-wait to disable waiting")
	}
	if params.Environment["FOO"] != "bar" {
		t.Errorf("expected FOO=bar, got %v", params.Environment)
	}
	if strings.Join(params.PassthroughArgs, " ") != "--verbose x" {
		t.Errorf("unexpected passthrough args %v", params.PassthroughArgs)
	}
	if params.Timeout != time.Minute || params.LaunchTimeout != 10*time.Second {
		t.Errorf("timeouts not taken from config: %v %v", params.Timeout, params.LaunchTimeout)
	}
}

func TestRunParams_InvalidEnv(t *testing.T) {
	app := paramsApp(launchFlags, func(c *cli.Context) error {
		_, err := runParams(c, &config.Config{})
		return err
	})
	_, err := runApp(t, app, "--set-env", "BROKEN")

	if got := exitCode(t, err); got != core.InvalidArguments {
		t.Errorf("expected %s, got %s", core.InvalidArguments, got)
	}
}

func TestTestParams(t *testing.T) {
	var params orchestrator.TestParams
	app := paramsApp(withFlags(launchFlags, testFlags), func(c *cli.Context) error {
		var err error
		params, err = testParams(c, &config.Config{})
		return err
	})
	_, err := runApp(t, app, "--communication-channel", "USB-Tunnel", "--skip-class", "Slow", "--method", "A.b", "--xml-jargon", "xunit")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if params.CommunicationChannel != "usb-tunnel" {
		t.Errorf("expected usb-tunnel, got %q", params.CommunicationChannel)
	}
	if len(params.SkippedClasses) != 1 || params.SkippedClasses[0] != "Slow" {
		t.Errorf("unexpected skipped classes %v", params.SkippedClasses)
	}
	if len(params.SingleMethodFilters) != 1 || params.SingleMethodFilters[0] != "A.b" {
		t.Errorf("unexpected method filters %v", params.SingleMethodFilters)
	}
	if params.XMLResultJargon != "xunit" {
		t.Errorf("expected xunit, got %q", params.XMLResultJargon)
	}
}

func TestTestParams_DefaultChannel(t *testing.T) {
	var params orchestrator.TestParams
	app := paramsApp(testFlags, func(c *cli.Context) error {
		var err error
		params, err = testParams(c, &config.Config{})
		return err
	})
	if _, err := runApp(t, app); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if params.CommunicationChannel != "tcp" {
		t.Errorf("expected tcp, got %q", params.CommunicationChannel)
	}
}

func TestTestParams_UnknownChannel(t *testing.T) {
	app := paramsApp(testFlags, func(c *cli.Context) error {
		_, err := testParams(c, &config.Config{})
		return err
	})
	_, err := runApp(t, app, "--communication-channel", "bluetooth")

	if got := exitCode(t, err); got != core.InvalidArguments {
		t.Errorf("expected %s, got %s", core.InvalidArguments, got)
	}
}

func TestApplyFlags(t *testing.T) {
	cfg := &config.Config{Timeout: time.Minute, LaunchTimeout: time.Minute, OutputDirectory: "logs"}
	app := paramsApp(withFlags(GlobalFlags, targetFlags, launchFlags), func(c *cli.Context) error {
		applyFlags(c, cfg)
		return nil
	})
	_, err := runApp(t, app, "--target", "ios-simulator", "--timeout", "2m", "-o", "out", "--xcode", "/Applications/Xcode.app")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Timeout != 2*time.Minute {
		t.Errorf("expected timeout 2m, got %v", cfg.Timeout)
	}
	if cfg.LaunchTimeout != time.Minute {
		t.Errorf("unset flag must keep config value, got %v", cfg.LaunchTimeout)
	}
	if cfg.OutputDirectory != "out" {
		t.Errorf("expected out, got %s", cfg.OutputDirectory)
	}
	if cfg.XcodeRoot != "/Applications/Xcode.app" {
		t.Errorf("expected xcode root, got %s", cfg.XcodeRoot)
	}
}

func TestConsole_NoColors(t *testing.T) {
	var out bytes.Buffer
	c := newConsole(&out, false)

	c.start("run", "ios-simulator-64")
	c.result("run", core.AppCrash, "1.2s", "logs/run-1")

	got := out.String()
	if strings.Contains(got, "\x1b[") {
		t.Errorf("expected no ANSI codes for a non-terminal writer, got %q", got)
	}
	for _, want := range []string{"run ios-simulator-64", "APP_CRASH", "logs/run-1"} {
		if !strings.Contains(got, want) {
			t.Errorf("expected %q in output %q", want, got)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{250 * time.Millisecond, "250ms"},
		{1540 * time.Millisecond, "1.5s"},
		{90 * time.Second, "1m30s"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
