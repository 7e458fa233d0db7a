//go:build linux

package worker

import (
	"os/exec"
	"time"

	"github.com/stresskit/stresskit/pkg/pipe"
	"github.com/stresskit/stresskit/pkg/unixsocket"
	"github.com/stresskit/stresskit/reaper"
	"github.com/stresskit/stresskit/runner"
)

// State is the lifecycle of one worker instance as the harness sees it.
type State int

const (
	StateInvalid State = iota
	StateSpawned       // process started, setup in progress
	StateSyncWait      // ready received, held at the barrier
	StateRunning       // start sent
	StateExited        // process gone, not yet reaped
	StateReaped        // wait status collected, handles released
)

var stateString = []string{
	"invalid",
	"spawned",
	"sync-wait",
	"running",
	"exited",
	"reaped",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateString) {
		return stateString[s]
	}
	return "unknown"
}

// Record tracks one worker instance across its (possibly respawned)
// lifetime. The serving goroutine owns all mutable fields; the manager
// only reads PID for the kill backstop, under the manager mutex.
type Record struct {
	Index    int
	PID      int
	State    State
	Restarts int

	// Handles are the resource allocations reported and not yet freed.
	Handles map[int]reaper.Handle

	// Result is filled when the instance is reaped for the last time.
	Result runner.Result

	cmd    *exec.Cmd
	socket *unixsocket.Socket
	stderr *pipe.Buffer

	// setup accounting: spawnedAt marks the last spawn, setup
	// accumulates spawn-to-start time across respawns
	spawnedAt time.Time
	setup     time.Duration
}

func newRecord(index int) *Record {
	return &Record{
		Index:   index,
		State:   StateInvalid,
		Handles: make(map[int]reaper.Handle),
	}
}

// closeProc drops the per-spawn process resources, keeping handle and
// restart accounting for the next spawn.
func (r *Record) closeProc() {
	if r.socket != nil {
		r.socket.Close()
		r.socket = nil
	}
	r.cmd = nil
}
