//go:build linux

package arena

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestArena(t *testing.T, instances int) *Arena {
	t.Helper()
	a, err := New("arena-test", instances)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestStopFlagRaiseOnce(t *testing.T) {
	a := newTestArena(t, 1)
	flag := a.StopFlag()

	assert.False(t, flag.Stopped())
	assert.Equal(t, StopNone, flag.Reason())

	assert.True(t, flag.Raise(StopDeadline))
	assert.True(t, flag.Stopped())
	assert.Equal(t, StopDeadline, flag.Reason())

	// second raise loses and must not overwrite the reason
	assert.False(t, flag.Raise(StopSignal))
	assert.Equal(t, StopDeadline, flag.Reason())
}

func TestWorkerSlotMonotonic(t *testing.T) {
	a := newTestArena(t, 4)
	slot := a.Worker(2)

	var last uint64
	for i := 0; i < 1000; i++ {
		slot.AddOps(1)
		got := slot.Ops()
		require.GreaterOrEqual(t, got, last, "ops counter decreased")
		last = got
	}
	assert.Equal(t, uint64(1000), slot.Ops())

	// sibling slots are independent
	assert.Equal(t, uint64(0), a.Worker(0).Ops())
	assert.Equal(t, uint64(0), a.Worker(3).Ops())
}

func TestWorkerSlotFails(t *testing.T) {
	a := newTestArena(t, 1)
	slot := a.Worker(0)
	slot.AddFail()
	slot.AddFail()
	assert.Equal(t, uint64(2), slot.Fails())
	assert.Equal(t, uint64(0), slot.Ops())
}

func TestAttachSharesState(t *testing.T) {
	a := newTestArena(t, 2)

	// simulate the worker side: map the same fd again
	b, err := Attach(a.File(), 2)
	require.NoError(t, err)
	// Attach does not own the fd in this test; drop only the mapping
	defer func() { b.f = nil; b.Close() }()

	b.Worker(1).AddOps(42)
	assert.Equal(t, uint64(42), a.Worker(1).Ops())

	a.StopFlag().Raise(StopSignal)
	assert.True(t, b.StopFlag().Stopped())
}

func TestAttachInstanceMismatch(t *testing.T) {
	a := newTestArena(t, 2)
	_, err := Attach(a.File(), 3)
	assert.Error(t, err)
}

func TestMetricArithmetic(t *testing.T) {
	a := newTestArena(t, 1)
	m, err := a.Metric("latency", PolicyArithmetic)
	require.NoError(t, err)

	for _, v := range []float64{1, 2, 3, 4} {
		m.Observe(v)
	}
	views := a.Metrics()
	require.Len(t, views, 1)
	assert.Equal(t, "latency", views[0].Name)
	assert.Equal(t, uint64(4), views[0].Count)
	assert.InDelta(t, 2.5, views[0].Value(), 1e-9)
}

func TestMetricHarmonic(t *testing.T) {
	a := newTestArena(t, 1)
	m, err := a.Metric("rate", PolicyHarmonic)
	require.NoError(t, err)

	samples := []float64{10, 20, 40}
	for _, v := range samples {
		m.Observe(v)
	}
	var inv float64
	for _, v := range samples {
		inv += 1 / v
	}
	want := float64(len(samples)) / inv

	views := a.Metrics()
	require.Len(t, views, 1)
	assert.InDelta(t, want, views[0].Value(), 1e-9)
}

func TestMetricGeometric(t *testing.T) {
	a := newTestArena(t, 1)
	m, err := a.Metric("ratio", PolicyGeometric)
	require.NoError(t, err)

	m.Observe(2)
	m.Observe(8)

	views := a.Metrics()
	require.Len(t, views, 1)
	assert.InDelta(t, 4, views[0].Value(), 1e-9) // sqrt(2*8)
}

func TestMetricSingleSample(t *testing.T) {
	// n=1 must return the sample itself under every policy
	for _, p := range []Policy{PolicyArithmetic, PolicyHarmonic, PolicyGeometric} {
		a := newTestArena(t, 1)
		m, err := a.Metric("one", p)
		require.NoError(t, err)
		m.Observe(7.5)
		views := a.Metrics()
		require.Len(t, views, 1)
		assert.InDelta(t, 7.5, views[0].Value(), 1e-9, "policy %v", p)
		a.Close()
	}
}

func TestMetricPolicyFixedAtFirstReport(t *testing.T) {
	a := newTestArena(t, 1)
	_, err := a.Metric("m", PolicyArithmetic)
	require.NoError(t, err)

	_, err = a.Metric("m", PolicyHarmonic)
	assert.Error(t, err)

	// same policy is a lookup, not a duplicate
	m, err := a.Metric("m", PolicyArithmetic)
	require.NoError(t, err)
	m.Observe(1)
	assert.Len(t, a.Metrics(), 1)
}

func TestMetricTableFull(t *testing.T) {
	a := newTestArena(t, 1)
	for i := 0; i < MaxMetrics; i++ {
		_, err := a.Metric(metricName(i), PolicyArithmetic)
		require.NoError(t, err)
	}
	_, err := a.Metric("overflow", PolicyArithmetic)
	assert.Error(t, err)
}

func metricName(i int) string {
	return "metric-" + string(rune('a'+i%26)) + string(rune('a'+i/26))
}

func TestMetricNaNFreeAggregate(t *testing.T) {
	a := newTestArena(t, 1)
	m, err := a.Metric("v", PolicyGeometric)
	require.NoError(t, err)
	m.Observe(1)
	v := a.Metrics()[0].Value()
	assert.False(t, math.IsNaN(v))
	assert.InDelta(t, 1.0, v, 1e-9)
}
