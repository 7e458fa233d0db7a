//go:build linux

package stressor

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stresskit/stresskit/pkg/arena"
	"github.com/stresskit/stresskit/runctl"
	"github.com/stresskit/stresskit/runner"
	"github.com/stresskit/stresskit/verify"
)

func init() {
	Register(Info{
		Name:  "mmap",
		Help:  "map, touch, verify and unmap anonymous memory",
		Class: ClassMemory,
		Entry: stressMmap,
		Tunables: []runctl.Tunable{
			{Name: "mmap-bytes", Min: 4096, Max: 1 << 34, Default: 64 << 20,
				Help: "bytes mapped per bogo operation"},
		},
	})
}

func stressMmap(ctx *Context) runner.Outcome {
	size := int(ctx.Tunable("mmap-bytes"))
	page := ctx.PageSize()
	seed := uint64(ctx.Instance()) + 1

	for ctx.ShouldContinue() {
		start := time.Now()
		b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		if err != nil {
			if errors.Is(err, unix.ENOMEM) || errors.Is(err, unix.EAGAIN) {
				return runner.OutcomeNoResource
			}
			ctx.Log().WithError(err).Error("mmap failed")
			return runner.OutcomeFailure
		}

		if ctx.Verify() {
			// fresh anonymous pages must read back as zero; check one
			// byte per page before dirtying anything
			for off := 0; off < size; off += page {
				if b[off] != 0 {
					ctx.VerifyFail(verify.CheckZero(b[off : off+1]))
					break
				}
			}
		}
		verify.FillPattern(b, seed)
		if ctx.Verify() {
			if err := verify.CheckPattern(b, seed); err != nil {
				ctx.VerifyFail(err)
			}
		}

		if err := unix.Munmap(b); err != nil {
			ctx.Log().WithError(err).Error("munmap failed")
			return runner.OutcomeFailure
		}
		if us := time.Since(start).Microseconds(); us > 0 {
			ctx.Metric("mmap-mb-per-sec", arena.PolicyHarmonic,
				float64(size)/(1<<20)/(float64(us)/1e6))
		}
		ctx.BogoInc()
		seed++
	}
	return runner.OutcomeSuccess
}
