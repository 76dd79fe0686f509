package apprunner

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicelab-dev/device-harness/pkg/apple"
	"github.com/devicelab-dev/device-harness/pkg/core"
	"github.com/devicelab-dev/device-harness/pkg/execution/mock"
	"github.com/devicelab-dev/device-harness/pkg/logs"
)

func newSink(t *testing.T) *logs.Logs {
	t.Helper()
	sink, err := logs.New(t.TempDir())
	require.NoError(t, err)
	return sink
}

func TestLaunchCommand(t *testing.T) {
	env := map[string]string{"B": "2", "A": "1"}

	tests := []struct {
		name    string
		opts    RunOptions
		wait    bool
		want    string
		wantEnv []string
	}{
		{
			name:    "simulator waits on console",
			opts:    RunOptions{Bundle: testApp, Target: simTarget, Device: testDevice, PassthroughArgs: []string{"--flag"}},
			wait:    true,
			want:    "xcrun simctl launch --console-pty --terminate-running-process UDID-1 com.example.sample --flag",
			wantEnv: []string{"SIMCTL_CHILD_A=1", "SIMCTL_CHILD_B=2"},
		},
		{
			name:    "simulator fire and forget",
			opts:    RunOptions{Bundle: testApp, Target: simTarget, Device: testDevice},
			want:    "xcrun simctl launch --terminate-running-process UDID-1 com.example.sample",
			wantEnv: []string{"SIMCTL_CHILD_A=1", "SIMCTL_CHILD_B=2"},
		},
		{
			name: "device",
			opts: RunOptions{Bundle: testApp, Target: deviceTarget, Device: testDevice},
			wait: true,
			want: `xcrun devicectl device process launch --device UDID-1 --terminate-existing --console --environment-variables {"A":"1","B":"2"} com.example.sample`,
		},
		{
			name: "mac catalyst",
			opts: RunOptions{Bundle: testApp, Target: apple.TestTarget{Platform: apple.MacCatalyst}, PassthroughArgs: []string{"x"}},
			wait: true,
			want: "open -n -W --env A=1 --env B=2 /tmp/Sample.app --args x",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := launchCommand(tt.opts, env, tt.wait)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cmd.String())
			assert.Equal(t, tt.wantEnv, cmd.Env)
		})
	}
}

func TestLaunchCommand_NoDevice(t *testing.T) {
	_, err := launchCommand(RunOptions{Bundle: testApp, Target: simTarget}, nil, true)
	assert.Error(t, err)
}

func TestLaunchCommand_MacCatalystByIdentifier(t *testing.T) {
	cmd, err := launchCommand(RunOptions{
		Bundle: apple.FromBundleID("com.example.sample"),
		Target: apple.TestTarget{Platform: apple.MacCatalyst},
	}, nil, false)
	require.NoError(t, err)
	assert.Equal(t, "open -n -b com.example.sample", cmd.String())
}

func TestRunner_RunApp_CapturesLogs(t *testing.T) {
	r := mock.New().
		OnOutput("xcrun simctl launch", "app says hello\n").
		OnOutput("xcrun simctl spawn UDID-1 log show", "(UIKitApplication:com.example.sample[0x1][1]): Service exited with abnormal code: 3\n")
	sink := newSink(t)
	log, _ := newTestLog()

	result, err := NewRunner(r, sink, log).RunApp(context.Background(), RunOptions{
		Bundle:      testApp,
		Target:      simTarget,
		Device:      testDevice,
		Timeout:     time.Minute,
		WaitForExit: true,
		Environment: map[string]string{"KEY": "value"},
	})
	require.NoError(t, err)
	assert.True(t, result.Succeeded())

	appLogs := sink.Filter(logs.TypeApplication)
	require.Len(t, appLogs, 1)
	data, err := os.ReadFile(appLogs[0].Path)
	require.NoError(t, err)
	assert.Equal(t, "app says hello\n", string(data))

	sysLogs := sink.Filter(logs.TypeSystem)
	require.Len(t, sysLogs, 1)
	data, err = os.ReadFile(sysLogs[0].Path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "abnormal code: 3")

	cmds := r.Commands()
	require.NotEmpty(t, cmds)
	assert.Equal(t, time.Minute, cmds[0].Timeout)
	assert.Equal(t, []string{"SIMCTL_CHILD_KEY=value"}, cmds[0].Env)
}

func TestRunner_NoWaitSkipsSystemLog(t *testing.T) {
	r := mock.New()
	log, _ := newTestLog()

	_, err := NewRunner(r, newSink(t), log).RunApp(context.Background(), RunOptions{
		Bundle: testApp,
		Target: simTarget,
		Device: testDevice,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, r.CountPrefix("xcrun simctl spawn"))
}

func TestRunner_SignalAppEnd(t *testing.T) {
	r := mock.New()
	log, _ := newTestLog()

	_, err := NewRunner(r, newSink(t), log).RunApp(context.Background(), RunOptions{
		Bundle:       testApp,
		Target:       simTarget,
		Device:       testDevice,
		SignalAppEnd: true,
	})
	require.NoError(t, err)
	assert.Contains(t, r.Commands()[0].Env, "SIMCTL_CHILD_"+EnvSignalAppEnd+"=true")
}

func TestRunner_MacCatalyst(t *testing.T) {
	r := mock.New().On("open", mock.Response{Result: core.ProcessExecutionResult{ExitCode: 0}})
	log, _ := newTestLog()

	_, err := NewRunner(r, newSink(t), log).RunMacCatalystApp(context.Background(), RunOptions{
		Bundle:      testApp,
		Target:      simTarget,
		Device:      testDevice,
		WaitForExit: true,
	})
	require.NoError(t, err)

	calls := r.Calls()
	require.Len(t, calls, 2)
	assert.True(t, strings.HasPrefix(calls[0], "open -n -W"))
	assert.True(t, strings.HasPrefix(calls[1], "log show"))
}

func TestRunner_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	log, _ := newTestLog()

	_, err := NewRunner(mock.New(), newSink(t), log).RunApp(ctx, RunOptions{Bundle: testApp, Target: simTarget, Device: testDevice})
	assert.ErrorIs(t, err, context.Canceled)
}
