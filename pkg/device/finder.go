package device

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver"

	"github.com/devicelab-dev/device-harness/pkg/apple"
	"github.com/devicelab-dev/device-harness/pkg/core"
	"github.com/devicelab-dev/device-harness/pkg/simulator"
)

// Finder resolves a test target to a device and an optional companion.
type Finder struct {
	simctl   *simulator.Simctl
	manager  *simulator.Manager
	hardware HardwareLister
}

// NewFinder creates a Finder.
func NewFinder(simctl *simulator.Simctl, manager *simulator.Manager, hardware HardwareLister) *Finder {
	return &Finder{simctl: simctl, manager: manager, hardware: hardware}
}

// FindDevice returns the primary device for target and, for paired simulators, its companion.
// Simulators are booted before they are returned.
func (f *Finder) FindDevice(
	ctx context.Context,
	target apple.TestTarget,
	deviceName string,
	log apple.Logger,
	includeWirelessDevices bool,
	pairedDevicesOnly bool,
) (apple.Device, apple.Device, error) {
	if target.Platform == apple.MacCatalyst {
		return nil, nil, fmt.Errorf("%w: %s has no device to find", core.ErrUnsupportedPlatform, target.Platform)
	}

	constraint, err := versionConstraint(target.OSVersion)
	if err != nil {
		return nil, nil, err
	}

	if target.Platform.IsSimulator() {
		return f.findSimulator(ctx, target, deviceName, constraint, log)
	}

	dev, err := f.findHardware(ctx, target, deviceName, constraint, includeWirelessDevices, pairedDevicesOnly, log)
	if err != nil {
		return nil, nil, err
	}
	return dev, nil, nil
}

func (f *Finder) findSimulator(
	ctx context.Context,
	target apple.TestTarget,
	deviceName string,
	constraint *semver.Constraints,
	log apple.Logger,
) (apple.Device, apple.Device, error) {
	sims, err := f.simctl.ListSimulators(ctx)
	if err != nil {
		return nil, nil, err
	}

	family := target.Platform.ToRunMode().String()
	var candidates []*simulator.Simulator
	for _, sim := range sims {
		if sim.Family() != family {
			continue
		}
		if !matchesName(sim, deviceName) || !matchesVersion(sim.Version(), constraint) {
			continue
		}
		candidates = append(candidates, sim)
	}

	if len(candidates) == 0 {
		return nil, nil, &core.NoDeviceFoundError{
			Target:     target.String(),
			DeviceName: deviceName,
			Reason:     fmt.Sprintf("none of %d available simulators matched", len(sims)),
		}
	}

	sortCandidates(candidates)
	primary := candidates[0]
	log.Info("Found simulator %s (%s, %s)", primary.Name(), primary.UDID(), primary.OSVersion())

	if err := f.manager.EnsureBooted(ctx, primary, log); err != nil {
		return nil, nil, err
	}

	if target.Platform != apple.SimulatorWatchOS {
		return primary, nil, nil
	}

	companion, err := f.findCompanion(ctx, primary, sims, log)
	if err != nil {
		return nil, nil, err
	}
	if companion == nil {
		return primary, nil, nil
	}
	return primary, companion, nil
}

func (f *Finder) findCompanion(ctx context.Context, watch *simulator.Simulator, sims []*simulator.Simulator, log apple.Logger) (*simulator.Simulator, error) {
	pairs, err := f.simctl.ListPairs(ctx)
	if err != nil {
		return nil, err
	}

	for _, p := range pairs {
		if p.WatchUDID != watch.UDID() {
			continue
		}
		for _, sim := range sims {
			if sim.UDID() != p.PhoneUDID {
				continue
			}
			log.Info("Found companion simulator %s (%s)", sim.Name(), sim.UDID())
			if err := f.manager.EnsureBooted(ctx, sim, log); err != nil {
				return nil, err
			}
			return sim, nil
		}
	}

	log.Warn("No companion simulator is paired with %s", watch.UDID())
	return nil, nil
}

func (f *Finder) findHardware(
	ctx context.Context,
	target apple.TestTarget,
	deviceName string,
	constraint *semver.Constraints,
	includeWireless bool,
	pairedOnly bool,
	log apple.Logger,
) (apple.Device, error) {
	devices, err := f.hardware.ListHardware(ctx)
	if err != nil {
		return nil, err
	}

	runMode := target.Platform.ToRunMode()
	for _, d := range devices {
		switch {
		case d.RunMode() != runMode:
		case d.IsWireless() && !includeWireless:
			log.Debug("Skipping wireless device %s", d.UDID())
		case pairedOnly && !d.IsPaired():
			log.Debug("Skipping unpaired device %s", d.UDID())
		case !matchesName(d, deviceName):
		case !matchesVersion(d.OSVersion(), constraint):
		default:
			log.Info("Found device %s (%s, %s)", d.Name(), d.UDID(), d.OSVersion())
			return d, nil
		}
	}

	return nil, &core.NoDeviceFoundError{
		Target:     target.String(),
		DeviceName: deviceName,
		Reason:     fmt.Sprintf("none of %d attached devices matched", len(devices)),
	}
}

// versionConstraint turns "13.5" into "~13.5" (any 13.5.x); empty means any version.
func versionConstraint(version string) (*semver.Constraints, error) {
	if version == "" {
		return nil, nil
	}
	c, err := semver.NewConstraint("~" + version)
	if err != nil {
		return nil, fmt.Errorf("invalid OS version %q: %w", version, err)
	}
	return c, nil
}

func matchesVersion(version string, c *semver.Constraints) bool {
	if c == nil {
		return true
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	return c.Check(v)
}

func matchesName(d apple.Device, name string) bool {
	if name == "" {
		return true
	}
	return strings.EqualFold(d.Name(), name) || d.UDID() == name
}

// sortCandidates orders booted simulators first, then newest OS, then name.
func sortCandidates(sims []*simulator.Simulator) {
	sort.SliceStable(sims, func(i, j int) bool {
		if sims[i].IsBooted() != sims[j].IsBooted() {
			return sims[i].IsBooted()
		}
		vi, erri := semver.NewVersion(sims[i].Version())
		vj, errj := semver.NewVersion(sims[j].Version())
		if erri == nil && errj == nil && !vi.Equal(vj) {
			return vi.GreaterThan(vj)
		}
		return sims[i].Name() < sims[j].Name()
	})
}
