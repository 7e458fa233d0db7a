//go:build linux

// Package worker manages the stressor worker processes: spawning them
// from a sealed memfd copy of the harness binary, the ready / start
// barrier, the per-worker resource handle stream and the exit
// classification with likely-OOM respawn.
//
// Coordination runs over one SOCK_SEQPACKET socketpair per worker,
// carrying gob-encoded messages; the shared arena fd rides along the
// handoff as a unix right.
package worker

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"time"

	"github.com/stresskit/stresskit/pkg/unixsocket"
	"github.com/stresskit/stresskit/reaper"
	"github.com/stresskit/stresskit/runctl"
)

// WorkerArg is argv[0] of spawned worker processes; Init recognizes it
// before the harness CLI ever parses arguments.
const WorkerArg = "stresskit-worker"

const bufferSize = 16 << 10

// command is sent from the harness to a worker.
type command struct {
	// Handoff delivers the run configuration; the arena fd accompanies
	// it as out-of-band rights.
	Handoff *handoff

	// Start releases the worker from the barrier.
	Start bool
}

type handoff struct {
	Config runctl.Config
	Index  int
}

// message is sent from a worker to the harness.
type message struct {
	// Ready reports the worker finished setup and waits at the barrier.
	Ready bool

	// Resource reports one handle allocation or release, in order.
	Resource *resourceMsg
}

type resourceMsg struct {
	Index int
	Kind  reaper.Kind
	ID    int
	Name  string
	Freed bool
}

func (r *resourceMsg) handle() reaper.Handle {
	return reaper.Handle{Index: r.Index, Kind: r.Kind, ID: r.ID, Name: r.Name}
}

func sendCommand(s *unixsocket.Socket, cmd *command, msg unixsocket.Msg) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cmd); err != nil {
		return fmt.Errorf("worker: encode command: %w", err)
	}
	if err := s.SendMsg(buf.Bytes(), msg); err != nil {
		return fmt.Errorf("worker: send command: %w", err)
	}
	return nil
}

func recvCommand(s *unixsocket.Socket) (*command, unixsocket.Msg, error) {
	buf := make([]byte, bufferSize)
	n, msg, err := s.RecvMsg(buf)
	if err != nil {
		return nil, msg, fmt.Errorf("worker: recv command: %w", err)
	}
	var cmd command
	if err := gob.NewDecoder(bytes.NewReader(buf[:n])).Decode(&cmd); err != nil {
		return nil, msg, fmt.Errorf("worker: decode command: %w", err)
	}
	return &cmd, msg, nil
}

func sendMessage(s *unixsocket.Socket, m *message) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return fmt.Errorf("worker: encode message: %w", err)
	}
	if err := s.SendMsg(buf.Bytes(), unixsocket.Msg{}); err != nil {
		return fmt.Errorf("worker: send message: %w", err)
	}
	return nil
}

func recvMessage(s *unixsocket.Socket) (*message, error) {
	buf := make([]byte, bufferSize)
	n, _, err := s.RecvMsg(buf)
	if err != nil {
		// raw error: callers distinguish EOF from decode problems
		return nil, err
	}
	if n == 0 {
		// zero read on a seqpacket socket means the peer is gone
		return nil, io.EOF
	}
	var m message
	if err := gob.NewDecoder(bytes.NewReader(buf[:n])).Decode(&m); err != nil {
		return nil, fmt.Errorf("worker: decode message: %w", err)
	}
	return &m, nil
}

func recvMessageTimeout(s *unixsocket.Socket, timeout time.Duration) (*message, error) {
	buf := make([]byte, bufferSize)
	n, _, err := s.RecvMsgTimeout(buf, timeout)
	if err != nil {
		return nil, err
	}
	var m message
	if err := gob.NewDecoder(bytes.NewReader(buf[:n])).Decode(&m); err != nil {
		return nil, fmt.Errorf("worker: decode message: %w", err)
	}
	return &m, nil
}
