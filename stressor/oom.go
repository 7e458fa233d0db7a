//go:build linux

package stressor

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stresskit/stresskit/pkg/sysmem"
	"github.com/stresskit/stresskit/runctl"
	"github.com/stresskit/stresskit/runner"
)

func init() {
	Register(Info{
		Name:  "oom",
		Help:  "grow resident memory until stopped or killed",
		Class: ClassMemory,
		Entry: stressOOM,
		Tunables: []runctl.Tunable{
			{Name: "oom-chunk-bytes", Min: 1 << 20, Max: 1 << 30, Default: 64 << 20,
				Help: "allocation growth per bogo operation"},
			{Name: "oom-max-bytes", Min: 0, Max: 1 << 40, Default: 0,
				Help: "cap on total resident growth, 0 for unbounded"},
		},
	})
}

// waitError describes a child that did not exit cleanly.
func waitError(pid int, ws unix.WaitStatus) error {
	if ws.Signaled() {
		return fmt.Errorf("child %d killed by %v", pid, ws.Signal())
	}
	return fmt.Errorf("child %d exited with status %d", pid, ws.ExitStatus())
}

// stressOOM maps and dirties memory a chunk at a time. Getting killed by
// the kernel is an expected end state here; the harness classifies the
// SIGKILL, logs system memory and respawns the instance.
func stressOOM(ctx *Context) runner.Outcome {
	chunk := int(ctx.Tunable("oom-chunk-bytes"))
	max := uint64(ctx.Tunable("oom-max-bytes"))
	page := ctx.PageSize()

	if info, err := sysmem.Read(); err == nil {
		ctx.Log().Infof("starting memory pressure, %v", info)
	}

	var held [][]byte
	total := uint64(0)
	for ctx.ShouldContinue() {
		if max != 0 && total+uint64(chunk) > max {
			// hold at the cap rather than exiting so pressure persists
			// for the rest of the run
			time.Sleep(10 * time.Millisecond)
			continue
		}
		b, err := unix.Mmap(-1, 0, chunk, unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		if err != nil {
			// commit refused before the killer fired: release and retry
			// until the deadline stops us
			if len(held) > 0 {
				unix.Munmap(held[len(held)-1])
				held = held[:len(held)-1]
				total -= uint64(chunk)
				continue
			}
			return runner.OutcomeNoResource
		}
		for off := 0; off < chunk; off += page {
			b[off] = byte(off >> 12)
		}
		held = append(held, b)
		total += uint64(chunk)
		ctx.BogoInc()
	}
	for _, b := range held {
		unix.Munmap(b)
	}
	return runner.OutcomeSuccess
}
