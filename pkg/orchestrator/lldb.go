package orchestrator

import (
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/devicelab-dev/device-harness/pkg/apple"
	"github.com/devicelab-dev/device-harness/pkg/filelock"
)

// LldbMarkerName is the file whose presence makes launches attach lldb.
const LldbMarkerName = ".launch-with-lldb"

// lldbScope owns the marker for one engine. It only ever removes a marker it created.
type lldbScope struct {
	path string
	lock *filelock.FileLock

	mu      sync.Mutex
	created bool
}

func newLldbScope(dir string) *lldbScope {
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = home
		}
	}
	return &lldbScope{
		path: filepath.Join(dir, LldbMarkerName),
		lock: filelock.New(filepath.Join(os.TempDir(), "device-harness-lldb.lock")),
	}
}

// acquire creates the marker when lldb was requested and the marker is absent.
func (s *lldbScope) acquire(enable bool, log apple.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !enable {
		if fileExists(s.path) {
			log.Warn("%s exists, the app will be launched with lldb even though it was not requested", s.path)
		}
		return
	}
	if s.created {
		return
	}

	if err := s.lock.Lock(); err != nil {
		log.Warn("Failed to lock lldb marker: %v", err)
		return
	}
	defer s.lock.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644) //#nosec G304 -- fixed marker path
	switch {
	case errors.Is(err, os.ErrExist):
		log.Info("Lldb marker %s already exists", s.path)
	case err != nil:
		log.Warn("Failed to create lldb marker %s: %v", s.path, err)
	default:
		f.Close()
		s.created = true
		log.Info("Created lldb marker %s", s.path)
	}
}

// release removes the marker if acquire created it. Safe to call repeatedly.
func (s *lldbScope) release(log apple.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.created {
		return
	}
	s.created = false

	if err := s.lock.Lock(); err != nil {
		log.Warn("Failed to lock lldb marker: %v", err)
		return
	}
	defer s.lock.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("Failed to remove lldb marker %s: %v", s.path, err)
		return
	}
	log.Debug("Removed lldb marker %s", s.path)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
