//go:build linux

// Package spawn starts worker processes for the harness. The general
// path re-executes the harness binary (preferably from a sealed memfd so
// a run survives on-disk binary replacement) with inherited coordination
// descriptors. A separate fast path exists for the fork-rate stressor.
package spawn

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ForkRetries is the default bounded retry budget for EAGAIN on spawn.
const ForkRetries = 5

// RetryBackoff is the base delay between spawn retries; it doubles on
// each attempt.
const RetryBackoff = 10 * time.Millisecond

// Cmd describes a worker process to start.
type Cmd struct {
	// Path is the executable path. Use MemfdExecPath(n) together with an
	// entry in Files to exec a memfd inherited at that position.
	Path string

	// Args is argv, Args[0] included.
	Args []string

	// Env is the environment, nil for empty.
	Env []string

	// Files are inherited in order starting at fd 3.
	Files []*os.File

	// Stderr receives the worker's stderr.
	Stderr io.Writer
}

// MemfdExecPath returns the path that makes execve load the memfd
// inherited as extra file n (counting from 0, i.e. child fd 3+n).
func MemfdExecPath(n int) string {
	return "/proc/self/fd/" + itoa(3+n)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b [20]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	return string(b[i:])
}

// Start launches the process, retrying transient spawn failures within
// the bounded budget.
func (c *Cmd) Start() (*exec.Cmd, error) {
	cmd := exec.Command(c.Path)
	cmd.Args = c.Args
	cmd.Env = c.Env
	cmd.ExtraFiles = c.Files
	cmd.Stderr = c.Stderr

	err := Retry(ForkRetries, RetryBackoff, cmd.Start)
	if err != nil {
		return nil, err
	}
	return cmd, nil
}

// Retry runs f, retrying while it fails with EAGAIN or EINTR, sleeping
// with exponential backoff between attempts. The budget is bounded to
// avoid spinning under resource exhaustion; the last error is returned
// once it is spent.
func Retry(budget int, backoff time.Duration, f func() error) error {
	var err error
	for i := 0; i < budget; i++ {
		err = f()
		if err == nil {
			return nil
		}
		if !Transient(err) {
			return err
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	return err
}

// Transient reports whether err is a retryable spawn / wait error.
func Transient(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR)
}

// Fast starts a process with the minimal setup the fork-rate stressor
// needs: no pipes, no extra files, no signal handler installation in the
// child. Cancellation of callers is polling-only. The caller must reap
// the pid with WaitPid.
func Fast(path string, args, env []string) (int, error) {
	return syscall.ForkExec(path, args, &syscall.ProcAttr{Env: env})
}

// WaitPid blocks until pid exits, retrying EINTR in place.
func WaitPid(pid int) (unix.WaitStatus, error) {
	var ws unix.WaitStatus
	for {
		_, err := unix.Wait4(pid, &ws, 0, nil)
		if err != unix.EINTR {
			return ws, err
		}
	}
}
