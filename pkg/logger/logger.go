// Package logger provides the process-wide log and per-operation file logs.
package logger

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger writes leveled, timestamped lines to a file.
// A nil *Logger discards everything, so callers never need to guard it.
type Logger struct {
	mu   sync.Mutex
	log  *logrus.Logger
	file *os.File
	path string
}

// New creates a Logger appending to the file at path.
func New(path string, verbose bool) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}

	l := &Logger{
		log:  newLogrus(f, verbose),
		file: f,
		path: path,
	}
	return l, nil
}

// NewWriter creates a Logger that is not backed by a file. Path returns "".
func NewWriter(w io.Writer, verbose bool) *Logger {
	return &Logger{log: newLogrus(w, verbose)}
}

func newLogrus(w io.Writer, verbose bool) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.TextFormatter{
		DisableColors:   true,
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000000",
	})
	if verbose {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}

// Path returns the backing file path.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Close releases the backing file. Safe to call more than once.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	l.log.SetOutput(io.Discard)
	return err
}

// Info logs an info message.
func (l *Logger) Info(format string, v ...interface{}) {
	l.write(logrus.InfoLevel, format, v...)
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, v ...interface{}) {
	l.write(logrus.DebugLevel, format, v...)
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, v ...interface{}) {
	l.write(logrus.WarnLevel, format, v...)
}

// Error logs an error message.
func (l *Logger) Error(format string, v ...interface{}) {
	l.write(logrus.ErrorLevel, format, v...)
}

func (l *Logger) write(level logrus.Level, format string, v ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.log.Logf(level, format, v...)
}

// Writer returns the underlying writer for collaborators that stream output.
func (l *Logger) Writer() io.Writer {
	if l == nil {
		return io.Discard
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return l.file
	}
	return l.log.Out
}

var (
	global *Logger
	mu     sync.Mutex
)

// Init initializes the global logger with the specified log file path.
func Init(logPath string, verbose bool) error {
	l, err := New(logPath, verbose)
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()

	if global != nil {
		global.Close()
	}
	global = l
	return nil
}

// Close closes the global log file.
func Close() {
	mu.Lock()
	defer mu.Unlock()

	if global != nil {
		global.Close()
		global = nil
	}
}

// Default returns the global logger, nil when Init was not called.
func Default() *Logger {
	mu.Lock()
	defer mu.Unlock()
	return global
}

// Info logs an info message to the global logger.
func Info(format string, v ...interface{}) {
	Default().Info(format, v...)
}

// Debug logs a debug message to the global logger.
func Debug(format string, v ...interface{}) {
	Default().Debug(format, v...)
}

// Error logs an error message to the global logger.
func Error(format string, v ...interface{}) {
	Default().Error(format, v...)
}

// Warn logs a warning message to the global logger.
func Warn(format string, v ...interface{}) {
	Default().Warn(format, v...)
}

