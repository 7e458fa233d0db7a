//go:build linux

package stressor

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/stresskit/stresskit/pkg/arena"
	"github.com/stresskit/stresskit/reaper"
	"github.com/stresskit/stresskit/runctl"
)

// ResourceReporter delivers resource handle messages to the parent. The
// worker implementation writes them over the coordination socket; tests
// substitute an in-memory recorder.
type ResourceReporter interface {
	// ReportAlloc must be delivered before the named object is used for
	// anything that could get the worker killed, so a crash never
	// leaves an unreported allocation.
	ReportAlloc(h reaper.Handle) error

	// ReportFree marks the handle released by the worker itself.
	ReportFree(index int) error
}

// nopReporter backs stressors run without a parent (tests, dry runs).
type nopReporter struct{}

func (nopReporter) ReportAlloc(reaper.Handle) error { return nil }
func (nopReporter) ReportFree(int) error            { return nil }

// Context is the capability a stressor body receives: run control,
// progress reporting, metrics, resource accounting and the validated
// tunables. One per worker process.
type Context struct {
	cfg   *runctl.Config
	ctl   *runctl.Control
	slot  *arena.WorkerSlot
	shm   *arena.Arena
	res   ResourceReporter
	log   *logrus.Entry
	index int

	metrics map[string]*arena.MetricSlot
	dropped map[string]bool
	nextRes int
}

// NewContext assembles a stressor context. res may be nil when no parent
// is listening.
func NewContext(cfg *runctl.Config, ctl *runctl.Control, slot *arena.WorkerSlot,
	shm *arena.Arena, res ResourceReporter, log *logrus.Entry, index int) *Context {
	if res == nil {
		res = nopReporter{}
	}
	return &Context{
		cfg:     cfg,
		ctl:     ctl,
		slot:    slot,
		shm:     shm,
		res:     res,
		log:     log,
		index:   index,
		metrics: make(map[string]*arena.MetricSlot),
		dropped: make(map[string]bool),
	}
}

// ShouldContinue is the per-iteration keep-going check.
func (c *Context) ShouldContinue() bool {
	return c.ctl.ShouldContinue()
}

// DeadlineExceeded is the polling-only cancellation check for the
// fast-spawn path.
func (c *Context) DeadlineExceeded() bool {
	return c.ctl.DeadlineExceeded()
}

// BogoInc counts one completed operation.
func (c *Context) BogoInc() {
	c.slot.AddOps(1)
}

// BogoAdd counts n completed operations.
func (c *Context) BogoAdd(n uint64) {
	c.slot.AddOps(n)
}

// BogoOps returns the operations completed so far by this instance.
func (c *Context) BogoOps() uint64 {
	return c.slot.Ops()
}

// Verify reports whether verification mode is on for this run.
func (c *Context) Verify() bool {
	return c.cfg.Verify
}

// VerifyFail counts one verification mismatch and logs the detail. The
// failure counter is distinct from the bogo-op counter.
func (c *Context) VerifyFail(err error) {
	c.slot.AddFail()
	c.log.WithError(err).Error("verification failed")
}

// Metric records one sample of a named metric under the aggregation
// policy fixed at its first report. Registration failures (table full,
// policy conflict) are logged once and further samples for that name
// dropped, so a hot loop never branches on metric plumbing.
func (c *Context) Metric(name string, policy arena.Policy, v float64) {
	m, ok := c.metrics[name]
	if !ok {
		if c.dropped[name] {
			return
		}
		var err error
		m, err = c.shm.Metric(name, policy)
		if err != nil {
			c.dropped[name] = true
			c.log.WithError(err).Warnf("dropping metric %q", name)
			return
		}
		c.metrics[name] = m
	}
	m.Observe(v)
}

// Tunable returns a validated tunable value.
func (c *Context) Tunable(name string) int64 {
	return c.cfg.Tunable(name)
}

// PageSize returns the system page size.
func (c *Context) PageSize() int {
	return c.cfg.PageSize
}

// Instance returns this worker's index within the stressor.
func (c *Context) Instance() int {
	return c.index
}

// Instances returns the total concurrent instance count.
func (c *Context) Instances() int {
	return c.cfg.Instances
}

// Log returns the worker-scoped logger.
func (c *Context) Log() *logrus.Entry {
	return c.log
}

// ReportAlloc registers a kernel object with the parent before it is
// used, returning the handle index for the matching ReportFree.
func (c *Context) ReportAlloc(kind reaper.Kind, id int, name string) (int, error) {
	idx := c.nextRes
	c.nextRes++
	h := reaper.Handle{Index: idx, Kind: kind, ID: id, Name: name}
	if err := c.res.ReportAlloc(h); err != nil {
		return 0, fmt.Errorf("stressor: report alloc %v: %w", h, err)
	}
	return idx, nil
}

// ReportFree tells the parent the worker released the handle itself.
func (c *Context) ReportFree(index int) error {
	return c.res.ReportFree(index)
}
