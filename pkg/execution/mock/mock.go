// Package mock provides a scripted execution.Runner for testing without Xcode.
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/devicelab-dev/device-harness/pkg/core"
	"github.com/devicelab-dev/device-harness/pkg/execution"
)

// Response is what a scripted command returns.
type Response struct {
	Result core.ProcessExecutionResult
	Output string
	Err    error
}

// Runner answers commands by longest matching prefix of "name arg1 arg2 ...".
// Unscripted commands succeed with empty output.
type Runner struct {
	mu        sync.Mutex
	responses map[string]Response
	calls     []execution.Command
}

// New creates an empty Runner.
func New() *Runner {
	return &Runner{responses: map[string]Response{}}
}

// On scripts the response for commands starting with prefix.
func (r *Runner) On(prefix string, resp Response) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses[prefix] = resp
	return r
}

// OnOutput scripts a successful command with the given output.
func (r *Runner) OnOutput(prefix, output string) *Runner {
	return r.On(prefix, Response{Output: output})
}

// Run implements execution.Runner.
func (r *Runner) Run(ctx context.Context, cmd execution.Command) (core.ProcessExecutionResult, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, cmd)
	if err := ctx.Err(); err != nil {
		return core.ProcessExecutionResult{ExitCode: -1}, "", err
	}

	line := cmd.String()
	best, found := "", false
	for prefix := range r.responses {
		if strings.HasPrefix(line, prefix) && len(prefix) >= len(best) {
			best, found = prefix, true
		}
	}
	if !found {
		return core.ProcessExecutionResult{}, "", nil
	}

	resp := r.responses[best]
	if cmd.Output != nil && resp.Output != "" {
		_, _ = cmd.Output.Write([]byte(resp.Output))
	}
	return resp.Result, resp.Output, resp.Err
}

// Calls returns every command line that was run.
func (r *Runner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.String()
	}
	return out
}

// Commands returns every command that was run.
func (r *Runner) Commands() []execution.Command {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]execution.Command, len(r.calls))
	copy(out, r.calls)
	return out
}

// CountPrefix returns how many commands started with prefix.
func (r *Runner) CountPrefix(prefix string) int {
	n := 0
	for _, c := range r.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}
