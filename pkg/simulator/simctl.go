package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/devicelab-dev/device-harness/pkg/core"
	"github.com/devicelab-dev/device-harness/pkg/execution"
)

// BadStateExitCode is what simctl returns when the simulator service is wedged.
const BadStateExitCode = 165

// FindSimctlBinary verifies that xcrun/simctl is available.
func FindSimctlBinary() (string, error) {
	path, err := exec.LookPath("xcrun")
	if err != nil {
		return "", fmt.Errorf("xcrun not found; install Xcode Command Line Tools: xcode-select --install")
	}
	return path, nil
}

// simctlDevicesOutput represents the JSON output from xcrun simctl list devices.
type simctlDevicesOutput struct {
	Devices map[string][]simctlDevice `json:"devices"`
}

type simctlDevice struct {
	Name                 string `json:"name"`
	UDID                 string `json:"udid"`
	State                string `json:"state"`
	IsAvailable          bool   `json:"isAvailable"`
	DeviceTypeIdentifier string `json:"deviceTypeIdentifier"`
}

// simctlPairsOutput represents the JSON output from xcrun simctl list pairs.
type simctlPairsOutput struct {
	Pairs map[string]simctlPair `json:"pairs"`
}

type simctlPair struct {
	Watch simctlDevice `json:"watch"`
	Phone simctlDevice `json:"phone"`
	State string       `json:"state"`
}

// Pair links a watch simulator to its companion phone.
type Pair struct {
	UDID      string
	WatchUDID string
	PhoneUDID string
	Active    bool
}

// Simctl wraps `xcrun simctl`.
type Simctl struct {
	runner  execution.Runner
	timeout time.Duration
}

// NewSimctl creates a Simctl running commands through runner.
func NewSimctl(runner execution.Runner) *Simctl {
	return &Simctl{runner: runner, timeout: 2 * time.Minute}
}

// Run executes `xcrun simctl <args>`.
func (s *Simctl) Run(ctx context.Context, args ...string) (core.ProcessExecutionResult, string, error) {
	return s.runner.Run(ctx, execution.Command{
		Name:    "xcrun",
		Args:    append([]string{"simctl"}, args...),
		Timeout: s.timeout,
	})
}

func (s *Simctl) output(ctx context.Context, args ...string) (string, error) {
	result, out, err := s.Run(ctx, args...)
	if err != nil {
		return "", err
	}
	if !result.Succeeded() {
		return "", &core.CommandError{Command: "simctl " + strings.Join(args, " "), Result: result, Output: out}
	}
	return out, nil
}

// ListSimulators returns all available simulators sorted by runtime and name.
func (s *Simctl) ListSimulators(ctx context.Context) ([]*Simulator, error) {
	out, err := s.output(ctx, "list", "devices", "available", "-j")
	if err != nil {
		return nil, fmt.Errorf("failed to list simulators: %w", err)
	}

	var data simctlDevicesOutput
	if err := json.Unmarshal([]byte(out), &data); err != nil {
		return nil, fmt.Errorf("failed to parse simctl output: %w", err)
	}

	var sims []*Simulator
	for runtime, devices := range data.Devices {
		family, version := parseRuntime(runtime)
		if family == "" {
			continue
		}
		for _, dev := range devices {
			if !dev.IsAvailable {
				continue
			}
			sims = append(sims, &Simulator{
				udid:       dev.UDID,
				name:       dev.Name,
				osVersion:  family + " " + version,
				runtime:    runtime,
				state:      dev.State,
				deviceType: dev.DeviceTypeIdentifier,
				simctl:     s,
			})
		}
	}

	sort.Slice(sims, func(i, j int) bool {
		if sims[i].runtime != sims[j].runtime {
			return sims[i].runtime < sims[j].runtime
		}
		return sims[i].name < sims[j].name
	})
	return sims, nil
}

// ListPairs returns watch/phone simulator pairs.
func (s *Simctl) ListPairs(ctx context.Context) ([]Pair, error) {
	out, err := s.output(ctx, "list", "pairs", "-j")
	if err != nil {
		return nil, fmt.Errorf("failed to list simulator pairs: %w", err)
	}

	var data simctlPairsOutput
	if err := json.Unmarshal([]byte(out), &data); err != nil {
		return nil, fmt.Errorf("failed to parse simctl pairs: %w", err)
	}

	pairs := make([]Pair, 0, len(data.Pairs))
	for udid, p := range data.Pairs {
		pairs = append(pairs, Pair{
			UDID:      udid,
			WatchUDID: p.Watch.UDID,
			PhoneUDID: p.Phone.UDID,
			Active:    strings.Contains(p.State, "active"),
		})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].UDID < pairs[j].UDID })
	return pairs, nil
}

// Install installs an app bundle on a simulator.
func (s *Simctl) Install(ctx context.Context, udid, appPath string) (core.ProcessExecutionResult, string, error) {
	return s.Run(ctx, "install", udid, appPath)
}

// Uninstall removes an app from a simulator.
func (s *Simctl) Uninstall(ctx context.Context, udid, bundleID string) (core.ProcessExecutionResult, string, error) {
	return s.Run(ctx, "uninstall", udid, bundleID)
}

// parseRuntime splits a runtime identifier into OS family and version.
// e.g., "com.apple.CoreSimulator.SimRuntime.iOS-17-2" → ("iOS", "17.2")
func parseRuntime(runtime string) (string, string) {
	for _, family := range []string{"iOS", "tvOS", "watchOS", "xrOS"} {
		idx := strings.LastIndex(runtime, "."+family+"-")
		if idx == -1 {
			continue
		}
		version := runtime[idx+len(family)+2:]
		return family, strings.ReplaceAll(version, "-", ".")
	}
	return "", ""
}
