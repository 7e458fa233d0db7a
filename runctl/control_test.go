//go:build linux

package runctl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stresskit/stresskit/pkg/arena"
)

func testArena(t *testing.T) *arena.Arena {
	t.Helper()
	a, err := arena.New("runctl-test", 1)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestShouldContinueOpLimit(t *testing.T) {
	a := testArena(t)
	slot := a.Worker(0)
	ctl := NewControl(a.StopFlag(), slot, 100, time.Time{})

	// run the loop the way a stressor body does: check, work, count
	iterations := 0
	for ctl.ShouldContinue() {
		slot.AddOps(1)
		iterations++
	}
	assert.Equal(t, 100, iterations)
	assert.Equal(t, uint64(100), slot.Ops())
}

func TestShouldContinueStopFlagWins(t *testing.T) {
	a := testArena(t)
	ctl := NewControl(a.StopFlag(), a.Worker(0), 0, time.Time{})

	assert.True(t, ctl.ShouldContinue())
	assert.True(t, ctl.RequestStop(arena.StopDeadline))
	assert.False(t, ctl.ShouldContinue())

	// edge triggered: raising again changes nothing
	assert.False(t, ctl.RequestStop(arena.StopSignal))
	assert.False(t, ctl.ShouldContinue())
}

func TestShouldContinueUnboundedOps(t *testing.T) {
	a := testArena(t)
	slot := a.Worker(0)
	ctl := NewControl(a.StopFlag(), slot, 0, time.Time{})
	slot.AddOps(1 << 20)
	assert.True(t, ctl.ShouldContinue())
}

func TestDeadlineExceeded(t *testing.T) {
	a := testArena(t)
	ctl := NewControl(a.StopFlag(), a.Worker(0), 0, time.Now().Add(-time.Second))
	assert.True(t, ctl.DeadlineExceeded())

	ctl = NewControl(a.StopFlag(), a.Worker(0), 0, time.Now().Add(time.Hour))
	assert.False(t, ctl.DeadlineExceeded())

	ctl = NewControl(a.StopFlag(), a.Worker(0), 0, time.Time{})
	assert.False(t, ctl.DeadlineExceeded())
}

func TestConfigValidate(t *testing.T) {
	specs := []Tunable{
		{Name: "bytes", Min: 4096, Max: 1 << 30, Default: 1 << 20},
	}

	cfg := Config{Stressor: "mmap", Instances: 2, Timeout: time.Second}
	require.NoError(t, cfg.Validate(specs))
	assert.Equal(t, int64(1<<20), cfg.Tunable("bytes"))

	cfg = Config{Stressor: "mmap", Instances: 2, Timeout: time.Second,
		Tunables: map[string]int64{"bytes": 8192}}
	require.NoError(t, cfg.Validate(specs))
	assert.Equal(t, int64(8192), cfg.Tunable("bytes"))

	// no timeout and no op limit: unbounded, terminated by signal only
	cfg = Config{Stressor: "mmap", Instances: 1}
	require.NoError(t, cfg.Validate(specs))
}

func TestConfigValidateErrors(t *testing.T) {
	specs := []Tunable{
		{Name: "bytes", Min: 4096, Max: 1 << 30, Default: 1 << 20},
	}
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no stressor", Config{Instances: 1, Timeout: time.Second}},
		{"zero instances", Config{Stressor: "mmap", Timeout: time.Second}},
		{"negative timeout", Config{Stressor: "mmap", Instances: 1, Timeout: -time.Second}},
		{"unknown tunable", Config{Stressor: "mmap", Instances: 1, Timeout: time.Second,
			Tunables: map[string]int64{"nope": 1}}},
		{"below min", Config{Stressor: "mmap", Instances: 1, Timeout: time.Second,
			Tunables: map[string]int64{"bytes": 1}}},
		{"above max", Config{Stressor: "mmap", Instances: 1, Timeout: time.Second,
			Tunables: map[string]int64{"bytes": 1 << 40}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			assert.Error(t, cfg.Validate(specs))
		})
	}
}

func TestTunableUndeclaredPanics(t *testing.T) {
	cfg := Config{Stressor: "mmap", Instances: 1, Timeout: time.Second}
	require.NoError(t, cfg.Validate(nil))
	assert.Panics(t, func() { cfg.Tunable("ghost") })
}
