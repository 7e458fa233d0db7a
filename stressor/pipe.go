//go:build linux

package stressor

import (
	"io"
	"os"
	"time"

	"github.com/stresskit/stresskit/pkg/arena"
	"github.com/stresskit/stresskit/runctl"
	"github.com/stresskit/stresskit/runner"
	"github.com/stresskit/stresskit/verify"
)

func init() {
	Register(Info{
		Name:  "pipe",
		Help:  "push data through a pipe between two goroutines",
		Class: ClassScheduler,
		Entry: stressPipe,
		Tunables: []runctl.Tunable{
			{Name: "pipe-size", Min: 64, Max: 1 << 16, Default: 4096,
				Help: "bytes per pipe write"},
			{Name: "pipe-writes", Min: 1, Max: 1 << 16, Default: 1 << 10,
				Help: "writes per bogo operation"},
		},
	})
}

func stressPipe(ctx *Context) runner.Outcome {
	size := int(ctx.Tunable("pipe-size"))
	writes := int(ctx.Tunable("pipe-writes"))
	seed := uint64(ctx.Instance()) + 1

	r, w, err := os.Pipe()
	if err != nil {
		ctx.Log().WithError(err).Error("pipe failed")
		return runner.OutcomeSetupError
	}
	defer r.Close()

	out := make([]byte, size)
	in := make([]byte, size)

	// the writer side runs on its own goroutine so reads and writes
	// overlap the way two pipe-connected processes would
	done := make(chan error, 1)
	go func() {
		defer w.Close()
		for ctx.ShouldContinue() {
			verify.FillPattern(out, seed)
			for i := 0; i < writes; i++ {
				if _, err := w.Write(out); err != nil {
					done <- err
					return
				}
			}
			seed++
		}
		done <- nil
	}()

	bytes := uint64(0)
	opStart := time.Now()
	for {
		if _, err := io.ReadFull(r, in); err != nil {
			// writer closed the pipe after the stop flag went up
			break
		}
		bytes += uint64(size)
		if bytes >= uint64(size*writes) {
			ctx.BogoInc()
			if us := time.Since(opStart).Microseconds(); us > 0 {
				ctx.Metric("pipe-mb-per-sec", arena.PolicyHarmonic,
					float64(bytes)/(1<<20)/(float64(us)/1e6))
			}
			bytes = 0
			opStart = time.Now()
		}
	}
	if err := <-done; err != nil {
		ctx.Log().WithError(err).Error("pipe write failed")
		return runner.OutcomeFailure
	}
	return runner.OutcomeSuccess
}
