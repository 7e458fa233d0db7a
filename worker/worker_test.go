//go:build linux

package worker

import (
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stresskit/stresskit/pkg/arena"
	"github.com/stresskit/stresskit/reaper"
	"github.com/stresskit/stresskit/runctl"
	"github.com/stresskit/stresskit/runner"
	"github.com/stresskit/stresskit/stressor"
)

// TestMain lets the test binary double as the worker executable: a
// spawned copy enters Init, recognizes its argv and never reaches the
// test runner.
func TestMain(m *testing.M) {
	Init()
	os.Exit(m.Run())
}

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func testConfig(t *testing.T, name string, instances int, maxOps uint64, timeout time.Duration) *runctl.Config {
	t.Helper()
	info, ok := stressor.Lookup(name)
	require.True(t, ok)
	cfg := &runctl.Config{
		Stressor:  name,
		Instances: instances,
		Timeout:   timeout,
		MaxOps:    maxOps,
		Verify:    true,
		PageSize:  os.Getpagesize(),
		Tunables:  map[string]int64{"cpu-loops": 1 << 10},
	}
	require.NoError(t, cfg.Validate(info.Tunables))
	return cfg
}

func TestWorkerOpLimit(t *testing.T) {
	cfg := testConfig(t, "cpu", 1, 50, 0)

	a, err := arena.New("worker-test", 1)
	require.NoError(t, err)
	defer a.Close()

	m, err := NewManager(cfg, a, testLog())
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Spawn())
	results, err := m.Wait()
	require.NoError(t, err)
	require.Len(t, results, 1)

	r := results[0]
	assert.Equal(t, runner.OutcomeSuccess, r.Outcome)
	assert.Equal(t, uint64(50), r.BogoOps)
	assert.Zero(t, r.VerifyFailures)
	assert.Zero(t, r.Restarts)
	assert.Positive(t, r.SetUpTime)
	assert.Equal(t, StateReaped, m.Records()[0].State)
	// the worker publishes its own lifecycle into the shared slot
	assert.Equal(t, uint32(StateExited), a.Worker(0).State())
	assert.Equal(t, runner.ExitSuccess, runner.OverallExit(results))
}

func TestWorkersStopOnFlag(t *testing.T) {
	const instances = 3
	cfg := testConfig(t, "cpu", instances, 0, time.Minute)

	a, err := arena.New("worker-test", instances)
	require.NoError(t, err)
	defer a.Close()

	m, err := NewManager(cfg, a, testLog())
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Spawn())
	timer := time.AfterFunc(300*time.Millisecond, func() {
		a.StopFlag().Raise(arena.StopDeadline)
	})
	defer timer.Stop()

	results, err := m.Wait()
	require.NoError(t, err)
	require.Len(t, results, instances)

	var total uint64
	for i, r := range results {
		assert.Equal(t, runner.OutcomeSuccess, r.Outcome, "worker %d", i)
		assert.Equal(t, StateReaped, m.Records()[i].State, "worker %d", i)
		total += r.BogoOps
	}
	assert.NotZero(t, total)
	assert.Equal(t, arena.StopDeadline, a.StopFlag().Reason())
}

func TestWorkerRespawnAfterKill(t *testing.T) {
	cfg := testConfig(t, "cpu", 1, 0, time.Minute)

	a, err := arena.New("worker-test", 1)
	require.NoError(t, err)
	defer a.Close()

	m, err := NewManager(cfg, a, testLog())
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Spawn())
	rec := m.Records()[0]

	// kill mid-run without raising the stop flag: the manager must read
	// it as a likely OOM kill and bring the instance back
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, syscall.Kill(rec.PID, syscall.SIGKILL))

	timer := time.AfterFunc(2*time.Second, func() {
		a.StopFlag().Raise(arena.StopDeadline)
	})
	defer timer.Stop()

	results, err := m.Wait()
	require.NoError(t, err)
	require.Len(t, results, 1)

	r := results[0]
	assert.Equal(t, runner.OutcomeSuccess, r.Outcome)
	assert.Equal(t, 1, r.Restarts)
	assert.Equal(t, StateReaped, rec.State)
}

func testManager(t *testing.T, cfg *runctl.Config) (*Manager, *arena.Arena) {
	t.Helper()
	a, err := arena.New("worker-test", cfg.Instances)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	m, err := NewManager(cfg, a, testLog())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m, a
}

func TestReapWaitFailure(t *testing.T) {
	cfg := testConfig(t, "cpu", 1, 1, 0)
	m, _ := testManager(t, cfg)

	// a command that was never started: Wait fails and leaves no
	// process state, which must surface as an error, not a crash
	rec := m.Records()[0]
	rec.cmd = exec.Command("/bin/true")

	respawn, err := m.reapOne(rec, time.Now())
	require.Error(t, err)
	assert.False(t, respawn)
}

func TestReapReleasesReportedHandle(t *testing.T) {
	cfg := testConfig(t, "cpu", 1, 1, 0)
	m, _ := testManager(t, cfg)
	rec := m.Records()[0]

	path := filepath.Join(t.TempDir(), "leaked")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0600))

	m.applyResource(rec, &resourceMsg{Index: 0, Kind: reaper.KindTempFile, Name: path})
	require.Len(t, rec.Handles, 1)

	m.reapHandles(rec)
	assert.Empty(t, rec.Handles)
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// reaping again finds nothing outstanding
	m.reapHandles(rec)
	assert.Empty(t, rec.Handles)
}

func TestResourceFreedBeforeExit(t *testing.T) {
	cfg := testConfig(t, "cpu", 1, 1, 0)
	m, _ := testManager(t, cfg)
	rec := m.Records()[0]

	m.applyResource(rec, &resourceMsg{Index: 3, Kind: reaper.KindTempFile, Name: "/nonexistent"})
	m.applyResource(rec, &resourceMsg{Index: 3, Freed: true})
	assert.Empty(t, rec.Handles)
}

func shmObjects(t *testing.T) []string {
	t.Helper()
	names, err := filepath.Glob("/dev/shm/stresskit-*")
	require.NoError(t, err)
	return names
}

func TestKilledWorkerHandlesReaped(t *testing.T) {
	if _, err := os.Stat("/dev/shm"); err != nil {
		t.Skipf("/dev/shm unavailable: %v", err)
	}
	info, ok := stressor.Lookup("shm")
	require.True(t, ok)
	cfg := &runctl.Config{
		Stressor:  "shm",
		Instances: 1,
		Timeout:   time.Minute,
		PageSize:  os.Getpagesize(),
		// large objects so a mid-run kill lands while one is held
		Tunables: map[string]int64{"shm-bytes": 64 << 20, "shm-objs": 4},
	}
	require.NoError(t, cfg.Validate(info.Tunables))

	before := shmObjects(t)
	m, a := testManager(t, cfg)

	require.NoError(t, m.Spawn())
	rec := m.Records()[0]

	time.Sleep(150 * time.Millisecond)
	require.NoError(t, syscall.Kill(rec.PID, syscall.SIGKILL))

	timer := time.AfterFunc(2*time.Second, func() {
		a.StopFlag().Raise(arena.StopDeadline)
	})
	defer timer.Stop()

	results, err := m.Wait()
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].Restarts)
	assert.Empty(t, rec.Handles)

	// nothing the killed worker reported survives the run
	assert.Subset(t, before, shmObjects(t))
}

func TestOverallExitPrecedence(t *testing.T) {
	mk := func(o runner.Outcome, fails uint64) runner.Result {
		return runner.Result{Outcome: o, VerifyFailures: fails}
	}
	assert.Equal(t, runner.ExitSuccess, runner.OverallExit(nil))
	assert.Equal(t, runner.ExitSuccess,
		runner.OverallExit([]runner.Result{mk(runner.OutcomeSuccess, 0)}))
	assert.Equal(t, runner.ExitNotImpl,
		runner.OverallExit([]runner.Result{mk(runner.OutcomeNotImplemented, 0)}))
	assert.Equal(t, runner.ExitNoResource,
		runner.OverallExit([]runner.Result{mk(runner.OutcomeSuccess, 0), mk(runner.OutcomeNoResource, 0)}))
	assert.Equal(t, runner.ExitVerifyFailure,
		runner.OverallExit([]runner.Result{mk(runner.OutcomeFailure, 2)}))
	assert.Equal(t, runner.ExitFailure,
		runner.OverallExit([]runner.Result{mk(runner.OutcomeFailure, 0), mk(runner.OutcomeFailure, 2)}))
	assert.Equal(t, runner.ExitSetupError,
		runner.OverallExit([]runner.Result{mk(runner.OutcomeSetupError, 0), mk(runner.OutcomeFailure, 0)}))
}
