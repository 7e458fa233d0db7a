//go:build linux

package stressor

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/stresskit/stresskit/reaper"
	"github.com/stresskit/stresskit/runctl"
	"github.com/stresskit/stresskit/runner"
	"github.com/stresskit/stresskit/verify"
)

func init() {
	Register(Info{
		Name:  "shm",
		Help:  "exercise POSIX shared memory objects",
		Class: ClassOS,
		Entry: stressShm,
		Tunables: []runctl.Tunable{
			{Name: "shm-bytes", Min: 4096, Max: 1 << 32, Default: 8 << 20,
				Help: "size of each shared memory object"},
			{Name: "shm-objs", Min: 1, Max: 128, Default: 4,
				Help: "objects created per bogo operation"},
		},
	})
	Register(Info{
		Name:  "sysvshm",
		Help:  "exercise System V shared memory segments",
		Class: ClassOS,
		Entry: stressSysvShm,
		Tunables: []runctl.Tunable{
			{Name: "sysvshm-bytes", Min: 4096, Max: 1 << 32, Default: 8 << 20,
				Help: "size of each segment"},
		},
	})
}

func stressShm(ctx *Context) runner.Outcome {
	size := int64(ctx.Tunable("shm-bytes"))
	objs := int(ctx.Tunable("shm-objs"))
	seed := uint64(ctx.Instance()) + 1
	serial := 0

	for ctx.ShouldContinue() {
		for i := 0; i < objs; i++ {
			name := fmt.Sprintf("stresskit-%d-%d-%d", os.Getpid(), ctx.Instance(), serial)
			serial++

			// the parent learns the name before the object exists, so a
			// crash at any later point still gets it reaped
			idx, err := ctx.ReportAlloc(reaper.KindPosixShm, 0, name)
			if err != nil {
				ctx.Log().WithError(err).Error("resource report failed")
				return runner.OutcomeFailure
			}

			out := shmCycle(ctx, reaper.ShmPath(name), size, seed)
			if out != runner.OutcomeSuccess {
				return out
			}
			if err := ctx.ReportFree(idx); err != nil {
				ctx.Log().WithError(err).Error("resource report failed")
				return runner.OutcomeFailure
			}
			seed++
		}
		ctx.BogoInc()
	}
	return runner.OutcomeSuccess
}

// shmCycle creates, fills, verifies and removes one tmpfs-backed object.
func shmCycle(ctx *Context, path string, size int64, seed uint64) runner.Outcome {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		if errors.Is(err, unix.ENOSPC) || errors.Is(err, unix.ENOMEM) {
			return runner.OutcomeNoResource
		}
		ctx.Log().WithError(err).Error("shm create failed")
		return runner.OutcomeFailure
	}
	defer os.Remove(path)
	defer f.Close()

	if err := f.Truncate(size); err != nil {
		return runner.OutcomeNoResource
	}
	b, err := unix.Mmap(int(f.Fd()), 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return runner.OutcomeNoResource
	}
	defer unix.Munmap(b)

	verify.FillPattern(b, seed)
	if ctx.Verify() {
		if err := verify.CheckPattern(b, seed); err != nil {
			ctx.VerifyFail(err)
		}
	}
	return runner.OutcomeSuccess
}

func stressSysvShm(ctx *Context) runner.Outcome {
	size := int(ctx.Tunable("sysvshm-bytes"))
	seed := uint64(ctx.Instance()) + 1

	for ctx.ShouldContinue() {
		id, err := unix.SysvShmGet(unix.IPC_PRIVATE, size, unix.IPC_CREAT|0600)
		if err != nil {
			if errors.Is(err, unix.ENOMEM) || errors.Is(err, unix.ENOSPC) {
				return runner.OutcomeNoResource
			}
			ctx.Log().WithError(err).Error("shmget failed")
			return runner.OutcomeFailure
		}

		// report before attaching: segments outlive their creator, so a
		// kill between attach and RMID would otherwise leak kernel memory
		idx, err := ctx.ReportAlloc(reaper.KindSysvShm, id, "")
		if err != nil {
			unix.SysvShmCtl(id, unix.IPC_RMID, nil)
			ctx.Log().WithError(err).Error("resource report failed")
			return runner.OutcomeFailure
		}

		b, err := unix.SysvShmAttach(id, 0, 0)
		if err == nil {
			verify.FillPattern(b[:size], seed)
			if ctx.Verify() {
				if err := verify.CheckPattern(b[:size], seed); err != nil {
					ctx.VerifyFail(err)
				}
			}
			unix.SysvShmDetach(b)
		}

		if _, err := unix.SysvShmCtl(id, unix.IPC_RMID, nil); err != nil {
			ctx.Log().WithError(err).Error("shmctl RMID failed")
			return runner.OutcomeFailure
		}
		if err := ctx.ReportFree(idx); err != nil {
			ctx.Log().WithError(err).Error("resource report failed")
			return runner.OutcomeFailure
		}
		ctx.BogoInc()
		seed++
	}
	return runner.OutcomeSuccess
}
