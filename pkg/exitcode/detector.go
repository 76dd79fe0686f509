// Package exitcode finds an app's exit code in captured logs.
package exitcode

import (
	"bufio"
	"os"
	"strconv"
	"time"

	"github.com/dlclark/regexp2"

	"github.com/devicelab-dev/device-harness/pkg/apple"
	"github.com/devicelab-dev/device-harness/pkg/logs"
)

// Detector extracts the exit code of an app from one log.
type Detector interface {
	DetectExitCode(bundle apple.AppBundleInformation, log logs.Log) (int, bool)
}

// lineDetector scans a log line by line and returns the last code matched by
// the pattern built for the bundle.
type lineDetector struct {
	pattern func(bundle apple.AppBundleInformation) string
}

// NewSimulatorDetector matches launchd reports in the simulator system log:
//
//	UIKitApplication:com.example.app[0x1234][rb-legacy] ... Service exited with abnormal code: 3
func NewSimulatorDetector() Detector {
	return lineDetector{pattern: func(b apple.AppBundleInformation) string {
		return `UIKitApplication:` + regexp2.Escape(b.BundleIdentifier) + `\[[^\]]*\].*Service exited with abnormal code: (?<code>-?\d+)`
	}}
}

// NewDeviceDetector matches the launcher console output on a physical device:
//
//	MyApp[123:4567] ... exited with code 3
func NewDeviceDetector() Detector {
	return lineDetector{pattern: func(b apple.AppBundleInformation) string {
		return `\b` + regexp2.Escape(b.BundleExecutable) + `\b.*exited with code (?<code>-?\d+)`
	}}
}

// NewMacCatalystDetector matches the unified log entry written when a Catalyst app exits:
//
//	MyApp[1234] ... exit code: 3
func NewMacCatalystDetector() Detector {
	return lineDetector{pattern: func(b apple.AppBundleInformation) string {
		return `\b` + regexp2.Escape(b.BundleExecutable) + `\[\d+\].*exit code: (?<code>-?\d+)`
	}}
}

// ForPlatform returns the detector matching where the app runs.
func ForPlatform(platform apple.Platform) Detector {
	switch {
	case platform == apple.MacCatalyst:
		return NewMacCatalystDetector()
	case platform.IsSimulator():
		return NewSimulatorDetector()
	default:
		return NewDeviceDetector()
	}
}

func (d lineDetector) DetectExitCode(bundle apple.AppBundleInformation, log logs.Log) (int, bool) {
	if bundle.BundleIdentifier == "" && bundle.BundleExecutable == "" {
		return 0, false
	}

	re, err := regexp2.Compile(d.pattern(bundle), regexp2.None)
	if err != nil {
		return 0, false
	}
	re.MatchTimeout = time.Second

	f, err := os.Open(log.Path) //#nosec G304 -- captured log file
	if err != nil {
		return 0, false
	}
	defer f.Close()

	// The app may be launched more than once per log; the last exit is the relevant one.
	code, found := 0, false
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		m, err := re.FindStringMatch(scanner.Text())
		if err != nil || m == nil {
			continue
		}
		g := m.GroupByName("code")
		if g == nil {
			continue
		}
		if n, err := strconv.Atoi(g.String()); err == nil {
			code, found = n, true
		}
	}
	return code, found
}
