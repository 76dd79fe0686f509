package apprunner

import (
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicelab-dev/device-harness/pkg/core"
	"github.com/devicelab-dev/device-harness/pkg/execution"
	"github.com/devicelab-dev/device-harness/pkg/logs"
)

// funcRunner routes launch commands to app and answers everything else with success.
type funcRunner struct {
	app func(ctx context.Context, port string) (core.ProcessExecutionResult, error)
}

func (f funcRunner) Run(ctx context.Context, cmd execution.Command) (core.ProcessExecutionResult, string, error) {
	if !strings.Contains(cmd.String(), "simctl launch") {
		return core.ProcessExecutionResult{}, "", nil
	}
	port := ""
	for _, kv := range cmd.Env {
		if v, ok := strings.CutPrefix(kv, "SIMCTL_CHILD_"+EnvResultPort+"="); ok {
			port = v
		}
	}
	result, err := f.app(ctx, port)
	return result, "", err
}

// sendLines connects to the listener, writes lines and keeps running until ctx is done.
func sendLines(lines ...string) func(ctx context.Context, port string) (core.ProcessExecutionResult, error) {
	return func(ctx context.Context, port string) (core.ProcessExecutionResult, error) {
		conn, err := net.Dial("tcp", "127.0.0.1:"+port)
		if err != nil {
			return core.ProcessExecutionResult{ExitCode: 1}, nil
		}
		defer conn.Close()
		for _, l := range lines {
			fmt.Fprintln(conn, l)
		}
		<-ctx.Done()
		return core.ProcessExecutionResult{ExitCode: -1}, ctx.Err()
	}
}

func testOptions() TestOptions {
	return TestOptions{
		RunOptions: RunOptions{
			Bundle:  testApp,
			Target:  simTarget,
			Device:  testDevice,
			Timeout: 10 * time.Second,
		},
		LaunchTimeout: 5 * time.Second,
	}
}

func newTestTester(t *testing.T, app func(ctx context.Context, port string) (core.ProcessExecutionResult, error)) (*Tester, *logs.Logs) {
	t.Helper()
	sink := newSink(t)
	log, _ := newTestLog()
	return NewTester(funcRunner{app: app}, sink, log), sink
}

func TestTester_Results(t *testing.T) {
	tests := []struct {
		name    string
		lines   []string
		want    core.TestExecutingResult
		wantMsg string
	}{
		{
			name:    "passed",
			lines:   []string{`{"event":"start"}`, `{"event":"test","name":"A.a","status":"passed"}`, `{"event":"result","passed":3,"failed":0,"skipped":1}`},
			want:    core.TestSucceeded,
			wantMsg: "Tests run: 4 Passed: 3 Failed: 0 Skipped: 1",
		},
		{
			name:    "failed",
			lines:   []string{`not json`, `{"event":"test","name":"A.b","status":"failed","message":"boom"}`, `{"event":"result","passed":1,"failed":1,"skipped":0}`},
			want:    core.TestFailed,
			wantMsg: "Failed: 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tester, sink := newTestTester(t, sendLines(tt.lines...))

			result, msg, err := tester.TestApp(context.Background(), testOptions())
			require.NoError(t, err)
			assert.Equal(t, tt.want, result)
			assert.Contains(t, msg, tt.wantMsg)
			assert.True(t, tester.ListenerConnected())
			assert.Len(t, sink.Filter(logs.TypeTestResult), 1)
		})
	}
}

func TestTester_ConnectionClosedIsCrash(t *testing.T) {
	app := func(ctx context.Context, port string) (core.ProcessExecutionResult, error) {
		conn, err := net.Dial("tcp", "127.0.0.1:"+port)
		if err != nil {
			return core.ProcessExecutionResult{ExitCode: 1}, nil
		}
		fmt.Fprintln(conn, `{"event":"start"}`)
		conn.Close()
		<-ctx.Done()
		return core.ProcessExecutionResult{ExitCode: -1}, ctx.Err()
	}
	tester, _ := newTestTester(t, app)

	result, _, err := tester.TestApp(context.Background(), testOptions())
	require.NoError(t, err)
	assert.Equal(t, core.TestCrashed, result)
	assert.True(t, tester.ListenerConnected())
}

func TestTester_LaunchTimeout(t *testing.T) {
	app := func(ctx context.Context, _ string) (core.ProcessExecutionResult, error) {
		<-ctx.Done()
		return core.ProcessExecutionResult{ExitCode: -1}, ctx.Err()
	}
	tester, _ := newTestTester(t, app)

	opts := testOptions()
	opts.LaunchTimeout = 50 * time.Millisecond

	result, _, err := tester.TestApp(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, core.TestLaunchTimedOut, result)
	assert.False(t, tester.ListenerConnected())
}

func TestTester_LauncherFailure(t *testing.T) {
	app := func(context.Context, string) (core.ProcessExecutionResult, error) {
		return core.ProcessExecutionResult{ExitCode: 4}, nil
	}
	tester, _ := newTestTester(t, app)

	result, msg, err := tester.TestApp(context.Background(), testOptions())
	require.NoError(t, err)
	assert.Equal(t, core.TestLaunchFailure, result)
	assert.Contains(t, msg, "code 4")
}

func TestTester_ExitBeforeConnectIsCrash(t *testing.T) {
	app := func(context.Context, string) (core.ProcessExecutionResult, error) {
		return core.ProcessExecutionResult{}, nil
	}
	tester, _ := newTestTester(t, app)

	result, _, err := tester.TestApp(context.Background(), testOptions())
	require.NoError(t, err)
	assert.Equal(t, core.TestCrashed, result)
	assert.False(t, tester.ListenerConnected())
}

func TestTester_RunTimeout(t *testing.T) {
	tester, _ := newTestTester(t, sendLines(`{"event":"start"}`))

	opts := testOptions()
	opts.Timeout = 200 * time.Millisecond

	result, _, err := tester.TestApp(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, core.TestTimedOut, result)
}

func TestTester_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	app := func(appCtx context.Context, _ string) (core.ProcessExecutionResult, error) {
		cancel()
		<-appCtx.Done()
		return core.ProcessExecutionResult{ExitCode: -1}, appCtx.Err()
	}
	tester, _ := newTestTester(t, app)

	_, _, err := tester.TestApp(ctx, testOptions())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTestEnvironment(t *testing.T) {
	opts := testOptions()
	opts.SkippedClasses = []string{"A", "B"}
	opts.XMLResultJargon = "nunit"

	env := testEnvironment(opts, 4242)
	assert.Equal(t, "4242", env[EnvResultPort])
	assert.Equal(t, "A,B", env[EnvSkippedClasses])
	assert.Equal(t, "nunit", env[EnvXMLResultFormat])
	assert.NotContains(t, env, EnvResultHost)
	assert.NotContains(t, env, EnvSkippedMethods)
}
