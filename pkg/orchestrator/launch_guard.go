package orchestrator

import (
	"context"
	"sync/atomic"
	"time"
)

const (
	guardArmed int32 = iota
	guardDisarmed
	guardFired
)

// launchGuard cancels a derived context when the app has not started before a deadline.
// Once disarmed the deadline no longer applies and only the parent context counts.
type launchGuard struct {
	cancel context.CancelFunc
	state  atomic.Int32
	timer  *time.Timer
}

const noDeadline = time.Duration(1<<63 - 1)

// newLaunchGuard returns a context cancelled by parent or by the guard firing after d.
// A non-positive d never fires.
func newLaunchGuard(parent context.Context, d time.Duration) (context.Context, *launchGuard) {
	if d <= 0 {
		d = noDeadline
	}
	ctx, cancel := context.WithCancel(parent)
	g := &launchGuard{cancel: cancel}
	g.timer = time.AfterFunc(d, func() {
		if g.state.CompareAndSwap(guardArmed, guardFired) {
			cancel()
		}
	})
	return ctx, g
}

// Disarm makes the deadline inert. It returns false if the guard already fired.
func (g *launchGuard) Disarm() bool {
	g.timer.Stop()
	if g.state.CompareAndSwap(guardArmed, guardDisarmed) {
		return true
	}
	return g.state.Load() == guardDisarmed
}

// Fired reports whether the deadline cancelled the context.
func (g *launchGuard) Fired() bool {
	return g.state.Load() == guardFired
}

// Stop releases the timer and the derived context.
func (g *launchGuard) Stop() {
	g.timer.Stop()
	g.cancel()
}

// launchBudget is the launch deadline, which never exceeds the whole operation's timeout.
func launchBudget(launchTimeout, timeout time.Duration) time.Duration {
	if launchTimeout <= 0 {
		return timeout
	}
	if timeout > 0 && timeout < launchTimeout {
		return timeout
	}
	return launchTimeout
}
