// Package execution runs native tools and turns their outcome into process results.
package execution

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/devicelab-dev/device-harness/pkg/core"
)

// Command describes one native tool invocation.
type Command struct {
	Name    string
	Args    []string
	Env     []string      // Appended to the current environment
	Timeout time.Duration // 0 = bounded only by ctx
	Output  io.Writer     // Optional, receives combined stdout/stderr
}

// String returns the command line for logging.
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Runner executes commands.
type Runner interface {
	Run(ctx context.Context, cmd Command) (core.ProcessExecutionResult, string, error)
}

// ProcessManager runs commands with os/exec.
type ProcessManager struct {
	env []string
}

// NewProcessManager creates a ProcessManager. env is added to every command,
// e.g. DEVELOPER_DIR to pick an Xcode.
func NewProcessManager(env ...string) *ProcessManager {
	return &ProcessManager{env: env}
}

// Run executes cmd and returns its result and combined output.
// A non-zero exit is reported through the result, not the error; err is set only when the
// process could not be started or ctx was cancelled.
func (p *ProcessManager) Run(ctx context.Context, cmd Command) (core.ProcessExecutionResult, string, error) {
	runCtx := ctx
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	c := exec.CommandContext(runCtx, cmd.Name, cmd.Args...) //#nosec G204 -- tool and arguments come from the orchestrator
	if len(p.env)+len(cmd.Env) > 0 {
		c.Env = append(append(c.Environ(), p.env...), cmd.Env...)
	}

	var buf bytes.Buffer
	var w io.Writer = &buf
	if cmd.Output != nil {
		w = io.MultiWriter(&buf, cmd.Output)
	}
	c.Stdout = w
	c.Stderr = w

	err := c.Run()
	output := buf.String()

	// Caller cancellation wins over the per-command timeout.
	if ctx.Err() != nil {
		return core.ProcessExecutionResult{ExitCode: -1}, output, ctx.Err()
	}
	if runCtx.Err() != nil {
		return core.ProcessExecutionResult{ExitCode: -1, TimedOut: true}, output, nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return core.ProcessExecutionResult{ExitCode: exitErr.ExitCode()}, output, nil
		}
		return core.ProcessExecutionResult{ExitCode: -1}, output, fmt.Errorf("failed to start %s: %w", cmd.Name, err)
	}

	return core.ProcessExecutionResult{ExitCode: 0}, output, nil
}
