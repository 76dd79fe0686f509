// Package logs tracks the log files captured during one orchestration call.
package logs

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
)

// Type classifies a captured log.
type Type int

// Type values
const (
	TypeMain        Type = iota // Orchestrator's own log
	TypeSystem                  // Simulator/device system log
	TypeApplication             // App stdout/stderr
	TypeExecution               // Native launcher output
	TypeTestResult              // Raw result stream from the app
	TypeCrash                   // Crash reports
)

// String returns the string representation of Type
func (t Type) String() string {
	switch t {
	case TypeMain:
		return "main"
	case TypeSystem:
		return "system"
	case TypeApplication:
		return "application"
	case TypeExecution:
		return "execution"
	case TypeTestResult:
		return "test-result"
	case TypeCrash:
		return "crash"
	default:
		return "unknown"
	}
}

// Log is one captured log file.
type Log struct {
	Path        string
	Description string
	Type        Type
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Logs is the per-operation log sink. Safe for concurrent use.
type Logs struct {
	dir string

	mu      sync.Mutex
	entries []Log
}

// New creates a sink rooted at dir, creating the directory.
func New(dir string) (*Logs, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &Logs{dir: dir}, nil
}

// Create reserves a new log file and registers it. The file is created empty.
func (l *Logs) Create(name, description string, typ Type) (Log, error) {
	name = unsafeName.ReplaceAllString(name, "_")
	path := filepath.Join(l.dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return Log{}, fmt.Errorf("failed to create log %s: %w", name, err)
	}
	f.Close()

	entry := Log{Path: path, Description: description, Type: typ}
	l.Add(entry)
	return entry, nil
}

// Add registers an existing file.
func (l *Logs) Add(entry Log) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
}

// All returns every registered log in registration order.
func (l *Logs) All() []Log {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Log, len(l.entries))
	copy(out, l.entries)
	return out
}

// Filter returns the logs of the given types in registration order.
func (l *Logs) Filter(types ...Type) []Log {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Log
	for _, e := range l.entries {
		for _, t := range types {
			if e.Type == t {
				out = append(out, e)
				break
			}
		}
	}
	return out
}
