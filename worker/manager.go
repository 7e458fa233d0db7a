//go:build linux

package worker

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/stresskit/stresskit/pkg/arena"
	"github.com/stresskit/stresskit/pkg/memfd"
	"github.com/stresskit/stresskit/pkg/pipe"
	"github.com/stresskit/stresskit/pkg/spawn"
	"github.com/stresskit/stresskit/pkg/sysmem"
	"github.com/stresskit/stresskit/pkg/unixsocket"
	"github.com/stresskit/stresskit/reaper"
	"github.com/stresskit/stresskit/runctl"
	"github.com/stresskit/stresskit/runner"
)

// ReadyTimeout bounds how long the harness waits for a worker to reach
// the start barrier.
const ReadyTimeout = 10 * time.Second

// DefaultMaxRestarts bounds likely-OOM respawns per instance so a
// pathological configuration cannot respawn forever.
const DefaultMaxRestarts = 16

// maxStderr bounds captured worker stderr.
const maxStderr = 16 << 10

// Manager owns the worker processes of one run.
type Manager struct {
	cfg         *runctl.Config
	shm         *arena.Arena
	exe         *os.File
	log         *logrus.Entry
	reap        *reaper.Reaper
	maxRestarts int

	mu      sync.Mutex
	records []*Record
}

// NewManager prepares a manager for cfg.Instances workers sharing shm.
// The running executable is duplicated into a sealed memfd once, so
// every spawn and respawn execs the same image even if the binary on
// disk changes mid-run.
func NewManager(cfg *runctl.Config, shm *arena.Arena, log *logrus.Entry) (*Manager, error) {
	exe, err := memfd.DupCurrentExec("stresskit-exec")
	if err != nil {
		return nil, fmt.Errorf("worker: dup executable: %w", err)
	}
	records := make([]*Record, cfg.Instances)
	for i := range records {
		records[i] = newRecord(i)
	}
	return &Manager{
		cfg:         cfg,
		shm:         shm,
		exe:         exe,
		log:         log,
		reap:        reaper.New(log),
		maxRestarts: DefaultMaxRestarts,
		records:     records,
	}, nil
}

// Close releases the manager's own resources. Workers must already be
// reaped or killed.
func (m *Manager) Close() error {
	return m.exe.Close()
}

// Spawn starts every instance and releases them from the start barrier
// together, so no worker begins stressing while a sibling is still
// paying setup costs.
func (m *Manager) Spawn() error {
	for _, rec := range m.records {
		if err := m.spawnOne(rec); err != nil {
			m.KillAll()
			return fmt.Errorf("worker %d: %w", rec.Index, err)
		}
	}
	for _, rec := range m.records {
		if err := m.awaitReady(rec); err != nil {
			m.KillAll()
			return fmt.Errorf("worker %d: %w", rec.Index, err)
		}
	}
	for _, rec := range m.records {
		if err := m.start(rec); err != nil {
			m.KillAll()
			return fmt.Errorf("worker %d: %w", rec.Index, err)
		}
	}
	return nil
}

func (m *Manager) spawnOne(rec *Record) error {
	parentSock, childSock, err := unixsocket.NewSocketPair()
	if err != nil {
		return err
	}
	childFile, err := childSock.File()
	childSock.Close()
	if err != nil {
		parentSock.Close()
		return fmt.Errorf("worker: socket file: %w", err)
	}

	stderr, err := pipe.NewBuffer(maxStderr)
	if err != nil {
		parentSock.Close()
		childFile.Close()
		return err
	}

	cmd := spawn.Cmd{
		Path:   spawn.MemfdExecPath(1),
		Args:   []string{WorkerArg},
		Files:  []*os.File{childFile, m.exe},
		Stderr: stderr.W,
	}
	proc, err := cmd.Start()
	childFile.Close()
	stderr.W.Close()
	if err != nil {
		parentSock.Close()
		return fmt.Errorf("worker: spawn: %w", err)
	}

	err = sendCommand(parentSock, &command{
		Handoff: &handoff{Config: *m.cfg, Index: rec.Index},
	}, unixsocket.Msg{Fds: []int{int(m.shm.File().Fd())}})
	if err != nil {
		proc.Process.Kill()
		proc.Wait()
		parentSock.Close()
		return err
	}

	m.mu.Lock()
	rec.cmd = proc
	rec.socket = parentSock
	rec.stderr = stderr
	rec.PID = proc.Process.Pid
	rec.State = StateSpawned
	rec.spawnedAt = time.Now()
	m.mu.Unlock()

	m.log.Debugf("worker %d spawned as pid %d", rec.Index, rec.PID)
	return nil
}

func (m *Manager) awaitReady(rec *Record) error {
	msg, err := recvMessageTimeout(rec.socket, ReadyTimeout)
	if err != nil {
		return fmt.Errorf("waiting for ready: %w%s", err, stderrTail(rec))
	}
	if !msg.Ready {
		return fmt.Errorf("unexpected message before ready")
	}
	m.mu.Lock()
	rec.State = StateSyncWait
	m.mu.Unlock()
	return nil
}

func (m *Manager) start(rec *Record) error {
	if err := sendCommand(rec.socket, &command{Start: true}, unixsocket.Msg{}); err != nil {
		return err
	}
	m.mu.Lock()
	rec.State = StateRunning
	rec.setup += time.Since(rec.spawnedAt)
	m.mu.Unlock()
	return nil
}

// Wait serves every worker until it is reaped for the last time, then
// returns the per-instance results ordered by index. Respawns after
// likely OOM kills happen inside; harness level errors (not stressor
// faults) are returned.
func (m *Manager) Wait() ([]runner.Result, error) {
	var g errgroup.Group
	for _, rec := range m.records {
		rec := rec
		g.Go(func() error { return m.serve(rec) })
	}
	err := g.Wait()

	results := make([]runner.Result, len(m.records))
	for i, rec := range m.records {
		results[i] = rec.Result
	}
	return results, err
}

// serve drains one worker's resource stream, reaps it on exit and
// respawns it when the exit looks like an OOM kill.
func (m *Manager) serve(rec *Record) error {
	runStart := time.Now()
	for {
		msg, err := recvMessage(rec.socket)
		if err != nil {
			// stream closed: the worker exited (or the socket broke,
			// which wait status will surface)
			respawn, rerr := m.reapOne(rec, runStart)
			if rerr != nil {
				// harness failure: stop siblings rather than run degraded
				m.shm.StopFlag().Raise(arena.StopFatal)
				return fmt.Errorf("worker %d: %w", rec.Index, rerr)
			}
			if !respawn {
				return nil
			}
			continue
		}
		if msg.Resource != nil {
			m.applyResource(rec, msg.Resource)
		}
	}
}

func (m *Manager) applyResource(rec *Record, r *resourceMsg) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.Freed {
		delete(rec.Handles, r.Index)
		return
	}
	rec.Handles[r.Index] = r.handle()
}

// likelyOOM reports whether sig points at the kernel killing the worker
// for memory, not at an orderly stop.
func likelyOOM(sig syscall.Signal) bool {
	return sig == syscall.SIGKILL || sig == syscall.SIGSEGV || sig == syscall.SIGBUS
}

func (m *Manager) reapOne(rec *Record, runStart time.Time) (respawn bool, err error) {
	waitErr := rec.cmd.Wait()
	if rec.cmd.ProcessState == nil {
		// wait itself failed, there is no status to classify
		if waitErr == nil {
			waitErr = fmt.Errorf("no process state")
		}
		return false, fmt.Errorf("wait: %w", waitErr)
	}
	ws, ok := rec.cmd.ProcessState.Sys().(syscall.WaitStatus)
	if !ok {
		return false, fmt.Errorf("wait: unexpected status type for pid %d", rec.PID)
	}
	stopped := m.shm.StopFlag().Stopped()

	m.mu.Lock()
	rec.State = StateExited
	m.mu.Unlock()

	slot := m.shm.Worker(rec.Index)
	if ws.Signaled() {
		sig := ws.Signal()
		if !stopped && likelyOOM(sig) && rec.Restarts < m.maxRestarts {
			log := m.log.WithField("worker", rec.Index)
			if info, merr := sysmem.Read(); merr == nil {
				log.Warnf("pid %d killed by %v before the run stopped, likely OOM; %v", rec.PID, sig, info)
			} else {
				log.Warnf("pid %d killed by %v before the run stopped, likely OOM", rec.PID, sig)
			}
			m.reapHandles(rec)
			rec.Restarts++

			rec.closeProc()
			if err := m.spawnOne(rec); err != nil {
				m.finalize(rec, runner.OutcomeFailure, int(sig), "respawn failed: "+err.Error(), runStart)
				return false, err
			}
			if err := m.awaitReady(rec); err != nil {
				m.finalize(rec, runner.OutcomeFailure, int(sig), "respawn failed: "+err.Error(), runStart)
				return false, err
			}
			// no global barrier on respawn: siblings are already running
			if err := m.start(rec); err != nil {
				m.finalize(rec, runner.OutcomeFailure, int(sig), "respawn failed: "+err.Error(), runStart)
				return false, err
			}
			return true, nil
		}

		outcome := runner.OutcomeFailure
		detail := fmt.Sprintf("killed by %v%s", sig, stderrTail(rec))
		if stopped {
			// killed during teardown, likely our own backstop
			outcome = runner.OutcomeSuccess
			detail = ""
		}
		m.finalize(rec, outcome, int(sig), detail, runStart)
		return false, nil
	}

	code := ws.ExitStatus()
	outcome := runner.OutcomeFromExitCode(code)
	detail := ""
	if outcome != runner.OutcomeSuccess {
		detail = stderrTail(rec)
	}
	if slot.Fails() > 0 && outcome == runner.OutcomeSuccess {
		outcome = runner.OutcomeFailure
	}
	m.finalize(rec, outcome, code, strings.TrimSpace(detail), runStart)
	return false, nil
}

// finalize releases outstanding handles and records the instance result.
func (m *Manager) finalize(rec *Record, outcome runner.Outcome, status int, detail string, runStart time.Time) {
	m.reapHandles(rec)
	slot := m.shm.Worker(rec.Index)

	m.mu.Lock()
	rec.Result = runner.Result{
		Outcome:        outcome,
		ExitStatus:     status,
		Error:          detail,
		BogoOps:        slot.Ops(),
		VerifyFailures: slot.Fails(),
		Restarts:       rec.Restarts,
		SetUpTime:      rec.setup,
		RunningTime:    time.Since(runStart),
	}
	rec.State = StateReaped
	m.mu.Unlock()
	rec.closeProc()
}

func (m *Manager) reapHandles(rec *Record) {
	m.mu.Lock()
	handles := rec.Handles
	rec.Handles = make(map[int]reaper.Handle)
	m.mu.Unlock()
	if len(handles) == 0 {
		return
	}
	released, failed := m.reap.Reap(handles)
	m.log.WithField("worker", rec.Index).
		Infof("reaped %d leaked handles, %d failed", released, failed)
}

// KillAll force kills every worker still alive. Used as the grace period
// backstop after the stop flag went up, and on spawn failure.
func (m *Manager) KillAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.cmd != nil && rec.cmd.Process != nil &&
			(rec.State == StateSpawned || rec.State == StateSyncWait || rec.State == StateRunning) {
			rec.cmd.Process.Kill()
		}
	}
}

// Records exposes the instance records for reporting.
func (m *Manager) Records() []*Record {
	return m.records
}

func stderrTail(rec *Record) string {
	if rec.stderr == nil {
		return ""
	}
	select {
	case <-rec.stderr.Done:
	case <-time.After(100 * time.Millisecond):
	}
	s := strings.TrimSpace(rec.stderr.Buffer.String())
	if s == "" {
		return ""
	}
	return "; stderr: " + s
}
