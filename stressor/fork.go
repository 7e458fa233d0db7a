//go:build linux

package stressor

import (
	"os"
	"time"

	"github.com/stresskit/stresskit/pkg/arena"
	"github.com/stresskit/stresskit/pkg/spawn"
	"github.com/stresskit/stresskit/runctl"
	"github.com/stresskit/stresskit/runner"
)

func init() {
	Register(Info{
		Name:  "fork",
		Help:  "spawn and reap short-lived processes",
		Class: ClassScheduler,
		Entry: stressFork,
		Tunables: []runctl.Tunable{
			{Name: "fork-procs", Min: 1, Max: 256, Default: 8,
				Help: "processes spawned per bogo operation"},
		},
	})
}

func stressFork(ctx *Context) runner.Outcome {
	procs := int(ctx.Tunable("fork-procs"))

	// the spawned copies hit worker.Init, see the exit marker and quit
	// before any harness setup runs
	args := []string{os.Args[0], ExitArg}

	for ctx.ShouldContinue() {
		// cancellation here is polling-only: the children install no
		// handlers and the shared flag plus the wall clock are the only
		// stop sources between bursts
		if ctx.DeadlineExceeded() {
			break
		}
		start := time.Now()
		pids := make([]int, 0, procs)
		for i := 0; i < procs; i++ {
			var pid int
			err := spawn.Retry(spawn.ForkRetries, spawn.RetryBackoff, func() error {
				var err error
				pid, err = spawn.Fast("/proc/self/exe", args, nil)
				return err
			})
			if err != nil {
				for _, p := range pids {
					spawn.WaitPid(p)
				}
				if spawn.Transient(err) {
					return runner.OutcomeNoResource
				}
				ctx.Log().WithError(err).Error("fork failed")
				return runner.OutcomeFailure
			}
			pids = append(pids, pid)
		}
		for _, pid := range pids {
			ws, err := spawn.WaitPid(pid)
			if err != nil {
				ctx.Log().WithError(err).Error("wait failed")
				return runner.OutcomeFailure
			}
			if ctx.Verify() && (!ws.Exited() || ws.ExitStatus() != 0) {
				ctx.VerifyFail(waitError(pid, ws))
			}
		}
		if us := time.Since(start).Microseconds(); us > 0 {
			ctx.Metric("forks-per-sec", arena.PolicyHarmonic,
				float64(procs)/(float64(us)/1e6))
		}
		ctx.BogoInc()
	}
	return runner.OutcomeSuccess
}
