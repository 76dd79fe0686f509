package simulator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devicelab-dev/device-harness/pkg/apple"
	"github.com/devicelab-dev/device-harness/pkg/logger"
)

// Instance tracks a simulator booted by device-harness.
type Instance struct {
	UDID         string
	Name         string
	BootStart    time.Time
	BootDuration time.Duration
}

// Manager boots simulators on demand and remembers which ones it started.
type Manager struct {
	started sync.Map // UDID -> *Instance
}

// NewManager creates a new simulator manager.
func NewManager() *Manager {
	return &Manager{}
}

// EnsureBooted boots sim unless it is already booted and tracks it when we booted it.
func (m *Manager) EnsureBooted(ctx context.Context, sim *Simulator, log apple.Logger) error {
	if sim.IsBooted() {
		log.Debug("Simulator already booted: %s (%s)", sim.Name(), sim.UDID())
		return nil
	}

	bootStart := time.Now()
	if err := sim.Boot(ctx, log); err != nil {
		return err
	}

	m.started.Store(sim.UDID(), &Instance{
		UDID:         sim.UDID(),
		Name:         sim.Name(),
		BootStart:    bootStart,
		BootDuration: time.Since(bootStart),
	})
	logger.Info("Simulator started and tracked: %s (%s, boot time: %v)", sim.Name(), sim.UDID(), time.Since(bootStart))
	return nil
}

// IsStartedByUs checks if we started this simulator.
func (m *Manager) IsStartedByUs(udid string) bool {
	_, exists := m.started.Load(udid)
	return exists
}

// GetStartedSimulators returns list of all simulators we started.
func (m *Manager) GetStartedSimulators() []string {
	var udids []string
	m.started.Range(func(key, _ interface{}) bool {
		udids = append(udids, key.(string))
		return true
	})
	return udids
}

// ShutdownAll shuts down all simulators started by us.
func (m *Manager) ShutdownAll(ctx context.Context, simctl *Simctl) error {
	udids := m.GetStartedSimulators()
	if len(udids) == 0 {
		return nil
	}
	logger.Info("Shutting down %d tracked simulators", len(udids))

	var errs []error
	for _, udid := range udids {
		result, out, err := simctl.Run(ctx, "shutdown", udid)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !result.Succeeded() {
			logger.Warn("simctl shutdown failed for %s: %s", udid, out)
			errs = append(errs, fmt.Errorf("shutdown %s exited with code %d", udid, result.ExitCode))
			continue
		}
		m.started.Delete(udid)
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during simulator shutdown: %v", errs)
	}
	return nil
}
