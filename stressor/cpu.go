//go:build linux

package stressor

import (
	"fmt"
	"math"
	"time"

	"github.com/stresskit/stresskit/pkg/arena"
	"github.com/stresskit/stresskit/runctl"
	"github.com/stresskit/stresskit/runner"
)

func init() {
	Register(Info{
		Name:  "cpu",
		Help:  "spin on floating point and integer work",
		Class: ClassCPU,
		Entry: stressCPU,
		Tunables: []runctl.Tunable{
			{Name: "cpu-loops", Min: 1 << 8, Max: 1 << 24, Default: 1 << 16,
				Help: "inner loop length of one bogo operation"},
		},
	})
}

// cpuRound is one bogo operation worth of work. The result depends on
// every inner iteration, so the compiler cannot dead-code it and verify
// mode can compare rounds against each other.
func cpuRound(loops int) float64 {
	sum := 0.0
	x := uint64(0x9e3779b97f4a7c15)
	for i := 1; i <= loops; i++ {
		sum += math.Sqrt(float64(i))
		x ^= x << 13
		x ^= x >> 7
		x ^= x << 17
		sum += float64(x&0xff) * 1e-9
	}
	return sum
}

func stressCPU(ctx *Context) runner.Outcome {
	loops := int(ctx.Tunable("cpu-loops"))

	want := cpuRound(loops)
	for ctx.ShouldContinue() {
		start := time.Now()
		got := cpuRound(loops)
		if ctx.Verify() && got != want {
			ctx.VerifyFail(fmt.Errorf("cpu round mismatch: got %v, want %v", got, want))
		}
		if us := time.Since(start).Microseconds(); us > 0 {
			ctx.Metric("cpu-ops-per-sec", arena.PolicyHarmonic, 1e6/float64(us))
		}
		ctx.BogoInc()
	}
	return runner.OutcomeSuccess
}
