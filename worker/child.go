//go:build linux

package worker

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stresskit/stresskit/pkg/arena"
	"github.com/stresskit/stresskit/pkg/seccomp"
	"github.com/stresskit/stresskit/pkg/unixsocket"
	"github.com/stresskit/stresskit/reaper"
	"github.com/stresskit/stresskit/runctl"
	"github.com/stresskit/stresskit/runner"
	"github.com/stresskit/stresskit/stressor"
)

// Init hijacks process startup when this binary was spawned as a worker
// or as a fork stressor child. It must be called at the very beginning
// of main, before any flag parsing or logging setup.
func Init() {
	// fork stressor children only prove they can be spawned
	if len(os.Args) > 1 && os.Args[1] == stressor.ExitArg {
		os.Exit(0)
	}
	if len(os.Args) == 0 || os.Args[0] != WorkerArg {
		return
	}
	os.Exit(childMain())
}

// childMain is the worker side of the coordination protocol: receive the
// handoff on fd 3, attach the arena, confine, hold at the barrier, run
// the stressor, exit with the outcome's code.
func childMain() (exit int) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "worker: panic: %v\n", r)
			exit = runner.ExitSetupError
		}
	}()

	s, err := unixsocket.NewSocket(3)
	if err != nil {
		return setupFail("coordination socket", err)
	}
	defer s.Close()

	cmd, msg, err := recvCommand(s)
	if err != nil {
		return setupFail("handoff", err)
	}
	if cmd.Handoff == nil || len(msg.Fds) != 1 {
		return setupFail("handoff", fmt.Errorf("malformed handoff: %d fds", len(msg.Fds)))
	}
	h := cmd.Handoff
	cfg := h.Config

	arenaFile := os.NewFile(uintptr(msg.Fds[0]), "arena")
	shm, err := arena.Attach(arenaFile, cfg.Instances)
	if err != nil {
		arenaFile.Close()
		return setupFail("arena", err)
	}
	defer shm.Close()
	slot := shm.Worker(h.Index)
	slot.SetState(uint32(StateSpawned))
	defer slot.SetState(uint32(StateExited))

	logger := logrus.New()
	log := logger.WithFields(logrus.Fields{
		"stressor": cfg.Stressor,
		"worker":   h.Index,
	})

	info, ok := stressor.Lookup(cfg.Stressor)
	if !ok {
		log.Errorf("unknown stressor %q", cfg.Stressor)
		return runner.ExitNotImpl
	}

	if err := cfg.RLimits.Apply(); err != nil {
		return setupFail("rlimit", err)
	}
	if cfg.Seccomp {
		if !seccomp.Supported() {
			log.Warn("seccomp requested but not supported, running unconfined")
		} else if err := seccomp.ConfineWorker(); err != nil {
			return setupFail("seccomp", err)
		}
	}

	slot.SetState(uint32(StateSyncWait))
	if err := sendMessage(s, &message{Ready: true}); err != nil {
		return setupFail("ready", err)
	}
	start, _, err := recvCommand(s)
	if err != nil {
		return setupFail("barrier", err)
	}
	if !start.Start {
		return setupFail("barrier", fmt.Errorf("unexpected command at the barrier"))
	}
	slot.SetState(uint32(StateRunning))

	var deadline time.Time
	if cfg.Timeout > 0 {
		deadline = time.Now().Add(cfg.Timeout)
	}
	ctl := runctl.NewControl(shm.StopFlag(), slot, cfg.MaxOps, deadline)
	ctx := stressor.NewContext(&cfg, ctl, slot, shm, &socketReporter{s: s}, log, h.Index)

	out := info.Entry(ctx)
	if out == runner.OutcomeSuccess && slot.Fails() > 0 {
		return runner.ExitVerifyFailure
	}
	return out.ExitCode()
}

func setupFail(stage string, err error) int {
	fmt.Fprintf(os.Stderr, "worker: %s: %v\n", stage, err)
	return runner.ExitSetupError
}

// socketReporter streams resource handle reports to the parent. Sends
// are ordered, matching the reaper's FIFO delivery assumption.
type socketReporter struct {
	s *unixsocket.Socket
}

func (r *socketReporter) ReportAlloc(h reaper.Handle) error {
	return sendMessage(r.s, &message{Resource: &resourceMsg{
		Index: h.Index,
		Kind:  h.Kind,
		ID:    h.ID,
		Name:  h.Name,
	}})
}

func (r *socketReporter) ReportFree(index int) error {
	return sendMessage(r.s, &message{Resource: &resourceMsg{
		Index: index,
		Freed: true,
	}})
}
