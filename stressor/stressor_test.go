//go:build linux

package stressor

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stresskit/stresskit/pkg/arena"
	"github.com/stresskit/stresskit/reaper"
	"github.com/stresskit/stresskit/runctl"
	"github.com/stresskit/stresskit/runner"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// recordingReporter captures resource traffic in memory.
type recordingReporter struct {
	allocs []reaper.Handle
	frees  []int
}

func (r *recordingReporter) ReportAlloc(h reaper.Handle) error {
	r.allocs = append(r.allocs, h)
	return nil
}

func (r *recordingReporter) ReportFree(index int) error {
	r.frees = append(r.frees, index)
	return nil
}

func testContext(t *testing.T, name string, maxOps uint64, verify bool) (*Context, *arena.Arena) {
	t.Helper()
	info, ok := Lookup(name)
	require.True(t, ok, "stressor %s not registered", name)

	cfg := &runctl.Config{
		Stressor:  name,
		Instances: 1,
		MaxOps:    maxOps,
		Verify:    verify,
		PageSize:  4096,
	}
	require.NoError(t, cfg.Validate(info.Tunables))

	a, err := arena.New("stressor-test", 1)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	ctl := runctl.NewControl(a.StopFlag(), a.Worker(0), maxOps, time.Time{})
	ctx := NewContext(cfg, ctl, a.Worker(0), a, &recordingReporter{}, testLog(), 0)
	return ctx, a
}

func TestRegistry(t *testing.T) {
	info, ok := Lookup("cpu")
	require.True(t, ok)
	assert.Equal(t, "cpu", info.Name)
	assert.NotNil(t, info.Entry)

	_, ok = Lookup("no-such-stressor")
	assert.False(t, ok)

	all := All()
	require.NotEmpty(t, all)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Name, all[i].Name)
	}

	assert.Panics(t, func() { Register(Info{Name: "cpu"}) })
}

func TestCPUOpLimit(t *testing.T) {
	ctx, a := testContext(t, "cpu", 10, true)
	out := stressCPU(ctx)
	assert.Equal(t, runner.OutcomeSuccess, out)
	assert.Equal(t, uint64(10), a.Worker(0).Ops())
	assert.Zero(t, a.Worker(0).Fails())
}

func TestQsortVerifies(t *testing.T) {
	ctx, a := testContext(t, "qsort", 5, true)
	out := stressQsort(ctx)
	assert.Equal(t, runner.OutcomeSuccess, out)
	assert.Equal(t, uint64(5), a.Worker(0).Ops())
	assert.Zero(t, a.Worker(0).Fails())
}

func TestBsearchVerifies(t *testing.T) {
	ctx, a := testContext(t, "bsearch", 3, true)
	out := stressBsearch(ctx)
	assert.Equal(t, runner.OutcomeSuccess, out)
	assert.Equal(t, uint64(3), a.Worker(0).Ops())
	assert.Zero(t, a.Worker(0).Fails())
}

func TestMmapSmallRun(t *testing.T) {
	info, _ := Lookup("mmap")
	cfg := &runctl.Config{
		Stressor:  "mmap",
		Instances: 1,
		MaxOps:    2,
		Verify:    true,
		PageSize:  4096,
		Tunables:  map[string]int64{"mmap-bytes": 1 << 20},
	}
	require.NoError(t, cfg.Validate(info.Tunables))

	a, err := arena.New("stressor-test", 1)
	require.NoError(t, err)
	defer a.Close()

	ctl := runctl.NewControl(a.StopFlag(), a.Worker(0), 2, time.Time{})
	ctx := NewContext(cfg, ctl, a.Worker(0), a, nil, testLog(), 0)

	out := stressMmap(ctx)
	assert.Equal(t, runner.OutcomeSuccess, out)
	assert.Equal(t, uint64(2), a.Worker(0).Ops())
	assert.Zero(t, a.Worker(0).Fails())
}

func TestResourceReportOrdering(t *testing.T) {
	ctx, _ := testContext(t, "sysvshm", 1, false)
	rec := &recordingReporter{}
	ctx.res = rec

	out := stressSysvShm(ctx)
	if out == runner.OutcomeNoResource {
		t.Skip("sysv shm unavailable")
	}
	require.Equal(t, runner.OutcomeSuccess, out)
	require.Len(t, rec.allocs, 1)
	require.Len(t, rec.frees, 1)
	assert.Equal(t, reaper.KindSysvShm, rec.allocs[0].Kind)
	assert.Equal(t, rec.allocs[0].Index, rec.frees[0])
}

func TestUnimplemented(t *testing.T) {
	ctx, _ := testContext(t, "cpu", 1, false)
	out := Unimplemented("not on this kernel")(ctx)
	assert.Equal(t, runner.OutcomeNotImplemented, out)
	assert.True(t, out.Skipped())
}

func TestMetricPolicyFixedAtFirstReport(t *testing.T) {
	ctx, a := testContext(t, "cpu", 1, false)
	ctx.Metric("rate", arena.PolicyHarmonic, 1)
	// later samples keep the original slot and its policy
	ctx.Metric("rate", arena.PolicyArithmetic, 2)

	views := a.Metrics()
	require.Len(t, views, 1)
	assert.Equal(t, "rate", views[0].Name)
	assert.Equal(t, arena.PolicyHarmonic, views[0].Policy)
	assert.Equal(t, uint64(2), views[0].Count)
}
