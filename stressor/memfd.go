//go:build linux

package stressor

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"

	"github.com/stresskit/stresskit/pkg/memfd"
	"github.com/stresskit/stresskit/runctl"
	"github.com/stresskit/stresskit/runner"
	"github.com/stresskit/stresskit/verify"
)

func init() {
	Register(Info{
		Name:  "memfd",
		Help:  "cycle anonymous memfd files through map, write, verify",
		Class: ClassMemory,
		Entry: stressMemfd,
		Tunables: []runctl.Tunable{
			{Name: "memfd-bytes", Min: 4096, Max: 1 << 32, Default: 16 << 20,
				Help: "size of each memfd"},
			{Name: "memfd-fds", Min: 1, Max: 1024, Default: 8,
				Help: "memfds held open per bogo operation"},
		},
	})
}

func stressMemfd(ctx *Context) runner.Outcome {
	size := int64(ctx.Tunable("memfd-bytes"))
	count := int(ctx.Tunable("memfd-fds"))
	seed := uint64(ctx.Instance()) + 1

	for ctx.ShouldContinue() {
		// hold the whole batch open so the pages stay committed until
		// every memfd has been written
		files := make([]*os.File, 0, count)
		fail := runner.OutcomeInvalid
		for i := 0; i < count; i++ {
			f, err := memfd.New("stress", size)
			if err != nil {
				if errors.Is(err, unix.ENOMEM) || errors.Is(err, unix.EMFILE) || errors.Is(err, unix.ENFILE) {
					fail = runner.OutcomeNoResource
				} else {
					ctx.Log().WithError(err).Error("memfd create failed")
					fail = runner.OutcomeFailure
				}
				break
			}

			b, err := unix.Mmap(int(f.Fd()), 0, int(size),
				unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
			if err != nil {
				f.Close()
				fail = runner.OutcomeNoResource
				break
			}
			verify.FillPattern(b, seed)
			if ctx.Verify() {
				if err := verify.CheckPattern(b, seed); err != nil {
					ctx.VerifyFail(err)
				}
			}
			unix.Munmap(b)

			files = append(files, f)
			seed++
		}
		for _, f := range files {
			f.Close()
		}
		if len(files) == 0 && fail != runner.OutcomeInvalid {
			return fail
		}
		ctx.BogoInc()
	}
	return runner.OutcomeSuccess
}
