package apprunner

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/devicelab-dev/device-harness/pkg/apple"
	"github.com/devicelab-dev/device-harness/pkg/core"
	"github.com/devicelab-dev/device-harness/pkg/execution"
	"github.com/devicelab-dev/device-harness/pkg/logs"
)

// TestOptions describes one test run.
type TestOptions struct {
	RunOptions

	// LaunchTimeout bounds the time until the app connects to the result listener.
	LaunchTimeout time.Duration

	CommunicationChannel string // ChannelTCP (default) or ChannelUSBTunnel
	XMLResultJargon      string
	SkippedMethods       []string
	SkippedClasses       []string
	SingleMethodFilters  []string
	ClassMethodFilters   []string
}

// Communication channels between the app and the result listener.
const (
	ChannelTCP       = "tcp"
	ChannelUSBTunnel = "usb-tunnel"
)

// resultEvent is one JSON line streamed by the app.
type resultEvent struct {
	Event   string `json:"event"` // "start", "test", "result"
	Name    string `json:"name,omitempty"`
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
	Passed  int    `json:"passed"`
	Failed  int    `json:"failed"`
	Skipped int    `json:"skipped"`
}

// Tester launches test apps and collects their results over TCP.
type Tester struct {
	launcher
	connected atomic.Bool
}

// NewTester creates a Tester writing captured logs into sink.
func NewTester(runner execution.Runner, sink *logs.Logs, log apple.Logger) *Tester {
	return &Tester{launcher: launcher{runner: runner, logs: sink, log: log}}
}

// ListenerConnected reports whether the app connected during the last run.
func (t *Tester) ListenerConnected() bool {
	return t.connected.Load()
}

// TestApp runs the test app on a simulator or device.
func (t *Tester) TestApp(ctx context.Context, opts TestOptions) (core.TestExecutingResult, string, error) {
	return t.test(ctx, opts)
}

// TestMacCatalystApp runs the test app as a Mac Catalyst process.
func (t *Tester) TestMacCatalystApp(ctx context.Context, opts TestOptions) (core.TestExecutingResult, string, error) {
	opts.Target.Platform = apple.MacCatalyst
	opts.Device, opts.Companion = nil, nil
	return t.test(ctx, opts)
}

type launchOutcome struct {
	result core.ProcessExecutionResult
	err    error
}

func (t *Tester) test(ctx context.Context, opts TestOptions) (core.TestExecutingResult, string, error) {
	t.connected.Store(false)
	start := time.Now()

	host := "127.0.0.1"
	if overNetwork(opts) {
		host = ""
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return core.TestLaunchFailure, "", fmt.Errorf("failed to start result listener: %w", err)
	}
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	t.log.Info("Listening for test results on port %d", port)

	env := appEnvironment(opts.RunOptions, testEnvironment(opts, port))

	appCtx, stopApp := context.WithCancel(ctx)
	defer stopApp()

	launched := make(chan launchOutcome, 1)
	go func() {
		result, err := t.launch(appCtx, opts.RunOptions, env, true)
		launched <- launchOutcome{result: result, err: err}
	}()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	finish := func(res core.TestExecutingResult, msg string, err error) (core.TestExecutingResult, string, error) {
		stopApp()
		<-launched
		t.captureSystemLog(context.WithoutCancel(ctx), opts.RunOptions, start)
		return res, msg, err
	}

	launchTimer := time.NewTimer(nonNegative(opts.LaunchTimeout))
	defer launchTimer.Stop()

	var conn net.Conn
	select {
	case conn = <-accepted:
	case <-launchTimer.C:
		return finish(core.TestLaunchTimedOut, fmt.Sprintf("app did not connect within %s", opts.LaunchTimeout), nil)
	case outcome := <-launched:
		// Put it back for finish.
		launched <- outcome
		if ctx.Err() != nil {
			return finish(core.TestLaunchFailure, "", ctx.Err())
		}
		if outcome.err != nil {
			return finish(core.TestLaunchFailure, outcome.err.Error(), nil)
		}
		if outcome.result.TimedOut {
			return finish(core.TestTimedOut, "app timed out before connecting", nil)
		}
		if !outcome.result.Succeeded() {
			return finish(core.TestLaunchFailure, fmt.Sprintf("launcher exited with code %d", outcome.result.ExitCode), nil)
		}
		return finish(core.TestCrashed, "app exited before connecting to the result listener", nil)
	case <-ctx.Done():
		return finish(core.TestLaunchFailure, "", ctx.Err())
	}
	defer conn.Close()

	t.connected.Store(true)
	t.log.Info("App connected from %s", conn.RemoteAddr())

	remaining := opts.Timeout - time.Since(start)
	if opts.Timeout <= 0 {
		remaining = 24 * time.Hour
	}
	if err := conn.SetReadDeadline(time.Now().Add(nonNegative(remaining))); err != nil {
		return finish(core.TestCrashed, "", fmt.Errorf("failed to set read deadline: %w", err))
	}

	res, msg := t.readResults(ctx, conn, opts)
	if ctx.Err() != nil {
		return finish(res, msg, ctx.Err())
	}
	return finish(res, msg, nil)
}

// readResults consumes the event stream until a result event arrives or the stream ends.
func (t *Tester) readResults(ctx context.Context, conn net.Conn, opts TestOptions) (core.TestExecutingResult, string) {
	raw, err := t.newLogFile(logName(opts.RunOptions, "results"), "Test results", logs.TypeTestResult)
	if err != nil {
		t.log.Warn("Failed to create result log: %v", err)
		raw = nil
	}
	if raw != nil {
		defer raw.Close()
	}

	// Unblocks the read when the caller gives up.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if raw != nil {
			_, _ = fmt.Fprintf(raw, "%s\n", line)
		}

		var ev resultEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			t.log.Debug("Ignoring malformed result line: %s", line)
			continue
		}

		switch ev.Event {
		case "test":
			if strings.EqualFold(ev.Status, "failed") {
				t.log.Info("[FAIL] %s %s", ev.Name, ev.Message)
			} else {
				t.log.Debug("[%s] %s", strings.ToUpper(ev.Status), ev.Name)
			}
		case "result":
			msg := fmt.Sprintf("Tests run: %d Passed: %d Failed: %d Skipped: %d",
				ev.Passed+ev.Failed+ev.Skipped, ev.Passed, ev.Failed, ev.Skipped)
			if ev.Failed > 0 {
				return core.TestFailed, msg
			}
			return core.TestSucceeded, msg
		}
	}

	var netErr net.Error
	if err := scanner.Err(); errors.As(err, &netErr) && netErr.Timeout() || errors.Is(err, os.ErrDeadlineExceeded) {
		return core.TestTimedOut, "test run timed out before results were reported"
	}
	return core.TestCrashed, "app closed the connection before reporting results"
}

func testEnvironment(opts TestOptions, port int) map[string]string {
	env := map[string]string{EnvResultPort: strconv.Itoa(port)}
	if overNetwork(opts) {
		if host, err := os.Hostname(); err == nil {
			env[EnvResultHost] = host
		}
	}
	if opts.XMLResultJargon != "" {
		env[EnvXMLResultFormat] = opts.XMLResultJargon
	}
	setList(env, EnvSkippedMethods, opts.SkippedMethods)
	setList(env, EnvSkippedClasses, opts.SkippedClasses)
	setList(env, EnvMethodFilters, opts.SingleMethodFilters)
	setList(env, EnvClassFilters, opts.ClassMethodFilters)
	return env
}

// overNetwork reports whether the app reaches the listener over the network.
// Simulators and Mac Catalyst apps share the host loopback; a USB tunnel forwards to it.
func overNetwork(opts TestOptions) bool {
	if opts.Target.Platform.IsSimulator() || opts.Target.Platform == apple.MacCatalyst {
		return false
	}
	return opts.CommunicationChannel != ChannelUSBTunnel
}

func setList(env map[string]string, key string, values []string) {
	if len(values) > 0 {
		env[key] = strings.Join(values, ",")
	}
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
