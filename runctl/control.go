//go:build linux

package runctl

import (
	"time"

	"github.com/stresskit/stresskit/pkg/arena"
)

// Control is the keep-going decision each worker loop consults every
// iteration. The check is two relaxed atomic loads, safe to call
// millions of times per second.
type Control struct {
	flag     *arena.StopFlag
	slot     *arena.WorkerSlot
	maxOps   uint64
	deadline time.Time // wall-clock backstop for polling-only paths
}

// NewControl binds a control to the shared flag and the worker's own
// progress slot. deadline may be zero when the run is unbounded in time.
func NewControl(flag *arena.StopFlag, slot *arena.WorkerSlot, maxOps uint64, deadline time.Time) *Control {
	return &Control{
		flag:     flag,
		slot:     slot,
		maxOps:   maxOps,
		deadline: deadline,
	}
}

// ShouldContinue reports whether the worker should run another
// iteration: false once the termination flag is raised or the operation
// limit is reached.
func (c *Control) ShouldContinue() bool {
	if c.flag.Stopped() {
		return false
	}
	if c.maxOps != 0 && c.slot.Ops() >= c.maxOps {
		return false
	}
	return true
}

// DeadlineExceeded polls the wall clock against the configured deadline.
// The fast-spawn path uses this between bursts where the shared flag is
// the only other cancellation source and signal handlers are off-limits.
func (c *Control) DeadlineExceeded() bool {
	return !c.deadline.IsZero() && time.Now().After(c.deadline)
}

// RequestStop raises the shared termination flag.
func (c *Control) RequestStop(r arena.StopReason) bool {
	return c.flag.Raise(r)
}

// Stopped reports whether termination has been requested.
func (c *Control) Stopped() bool {
	return c.flag.Stopped()
}
