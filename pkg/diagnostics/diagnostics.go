// Package diagnostics records what one command invocation ran against.
package diagnostics

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devicelab-dev/device-harness/pkg/core"
	"github.com/devicelab-dev/device-harness/pkg/filelock"
)

// Data is one diagnostics entry.
type Data struct {
	RunID    string        `json:"runId"`
	Command  string        `json:"command"`
	Platform string        `json:"platform,omitempty"`
	Device   string        `json:"device,omitempty"`
	TargetOS string        `json:"targetOS,omitempty"`
	ExitCode core.ExitCode `json:"exitCode"`
	Duration float64       `json:"duration"` // seconds
}

// Recorder collects the entry for one invocation. Safe for concurrent use.
type Recorder struct {
	mu    sync.Mutex
	data  Data
	start time.Time
}

// NewRecorder starts an entry for command.
func NewRecorder(command, platform string) *Recorder {
	return &Recorder{
		data: Data{
			RunID:    uuid.NewString(),
			Command:  command,
			Platform: platform,
		},
		start: time.Now(),
	}
}

// Record stores the device the command ran on.
func (r *Recorder) Record(device, targetOS string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data.Device = device
	r.data.TargetOS = targetOS
}

// Finish stamps the exit code and duration and returns the entry.
func (r *Recorder) Finish(code core.ExitCode) Data {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data.ExitCode = code
	r.data.Duration = time.Since(r.start).Seconds()
	return r.data
}

// Data returns a copy of the entry so far.
func (r *Recorder) Data() Data {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data
}

// Append adds d to the JSON array stored at path, creating the file when missing.
// Concurrent invocations writing the same file are serialized.
func Append(path string, d Data) error {
	return filelock.Update(path, func(current []byte) ([]byte, error) {
		var entries []Data
		if len(strings.TrimSpace(string(current))) > 0 {
			if err := json.Unmarshal(current, &entries); err != nil {
				return nil, fmt.Errorf("failed to parse diagnostics file %s: %w", path, err)
			}
		}
		entries = append(entries, d)
		return json.MarshalIndent(entries, "", "  ")
	})
}
