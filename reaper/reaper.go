//go:build linux

// Package reaper frees kernel objects left behind by dead workers. A
// worker reports every allocation over its coordination socket before
// touching the object; if the worker is killed before reporting the
// matching free, the parent releases the object here. Releases are
// idempotent: the worker's own cleanup may have raced ahead, so
// "already gone" errors are silently tolerated.
package reaper

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Kind identifies the kernel object class a handle names.
type Kind int

const (
	KindInvalid Kind = iota
	KindSysvShm      // SysV shared memory segment id
	KindPosixShm     // POSIX shared memory object name
	KindTempFile     // path of an unlinkable temp file
)

func (k Kind) String() string {
	switch k {
	case KindSysvShm:
		return "sysv-shm"
	case KindPosixShm:
		return "posix-shm"
	case KindTempFile:
		return "temp-file"
	}
	return "invalid"
}

// shmDir is where POSIX shared memory objects live on Linux.
const shmDir = "/dev/shm/"

// ShmPath maps a POSIX shared memory object name to its tmpfs path.
func ShmPath(name string) string {
	return shmDir + name
}

// Handle names one kernel object a worker has allocated.
type Handle struct {
	Index int    // worker-assigned slot, delivery is FIFO per worker
	Kind  Kind   // object class
	ID    int    // SysV id
	Name  string // POSIX shm name or file path
}

func (h Handle) String() string {
	switch h.Kind {
	case KindSysvShm:
		return fmt.Sprintf("%v[%d]", h.Kind, h.ID)
	default:
		return fmt.Sprintf("%v[%s]", h.Kind, h.Name)
	}
}

// Release frees the object. Objects that are already gone are not an
// error: the dying worker may have partially cleaned up first.
func (h Handle) Release() error {
	switch h.Kind {
	case KindSysvShm:
		_, err := unix.SysvShmCtl(h.ID, unix.IPC_RMID, nil)
		if gone(err) {
			return nil
		}
		return err

	case KindPosixShm:
		return removeQuiet(shmDir + h.Name)

	case KindTempFile:
		return removeQuiet(h.Name)
	}
	return fmt.Errorf("reaper: unknown handle kind %d", h.Kind)
}

func removeQuiet(path string) error {
	err := os.Remove(path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

func gone(err error) bool {
	return err == nil ||
		errors.Is(err, unix.EIDRM) ||
		errors.Is(err, unix.EINVAL) ||
		errors.Is(err, unix.ENOENT)
}

// Reaper releases the outstanding handles of dead workers.
type Reaper struct {
	log *logrus.Entry
}

// New creates a reaper logging through log.
func New(log *logrus.Entry) *Reaper {
	return &Reaper{log: log}
}

// Reap releases every handle still marked allocated. Failed releases are
// logged and surfaced in the return count but never abort the run:
// leaked kernel objects are reported, not fatal.
func (r *Reaper) Reap(handles map[int]Handle) (released, failed int) {
	for _, h := range handles {
		if err := h.Release(); err != nil {
			failed++
			r.log.WithError(err).Warnf("failed to release %v", h)
			continue
		}
		released++
	}
	return released, failed
}
