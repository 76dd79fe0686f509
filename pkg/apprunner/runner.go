package apprunner

import (
	"context"
	"time"

	"github.com/devicelab-dev/device-harness/pkg/apple"
	"github.com/devicelab-dev/device-harness/pkg/core"
	"github.com/devicelab-dev/device-harness/pkg/execution"
	"github.com/devicelab-dev/device-harness/pkg/logs"
)

// Runner launches apps and captures the logs exit codes are detected from.
type Runner struct {
	launcher
}

// NewRunner creates a Runner writing captured logs into sink.
func NewRunner(runner execution.Runner, sink *logs.Logs, log apple.Logger) *Runner {
	return &Runner{launcher{runner: runner, logs: sink, log: log}}
}

// RunApp launches the app on a simulator or device.
// With WaitForExit the call returns once the app exits and the system log has been captured.
func (r *Runner) RunApp(ctx context.Context, opts RunOptions) (core.ProcessExecutionResult, error) {
	return r.run(ctx, opts)
}

// RunMacCatalystApp launches the app as a Mac Catalyst process.
func (r *Runner) RunMacCatalystApp(ctx context.Context, opts RunOptions) (core.ProcessExecutionResult, error) {
	opts.Target.Platform = apple.MacCatalyst
	opts.Device, opts.Companion = nil, nil
	return r.run(ctx, opts)
}

func (r *Runner) run(ctx context.Context, opts RunOptions) (core.ProcessExecutionResult, error) {
	start := time.Now()

	result, err := r.launch(ctx, opts, appEnvironment(opts, nil), opts.WaitForExit)
	if err != nil {
		return result, err
	}
	if opts.WaitForExit {
		r.captureSystemLog(ctx, opts, start)
	}
	return result, nil
}
