package runner

import (
	"fmt"
	"time"
)

// Result is the final accounting for one stressor instance.
type Result struct {
	Outcome           // final classification
	ExitStatus int    // exit code (signal number if signalled)
	Error      string // detailed error message for harness errors

	BogoOps        uint64 // completed operations
	VerifyFailures uint64 // verification mismatches observed
	Restarts       int    // respawns after likely OOM kills

	SetUpTime   time.Duration
	RunningTime time.Duration
}

// OverallExit folds per-instance results into the harness exit code.
// Setup errors outrank stressor failures, which outrank verification
// failures, which outrank resource exhaustion; a run where every
// instance was skipped reports not-implemented.
func OverallExit(results []Result) int {
	if len(results) == 0 {
		return ExitSuccess
	}
	var setup, fail, verify, nores bool
	skipped := true
	for _, r := range results {
		if !r.Skipped() {
			skipped = false
		}
		switch r.Outcome {
		case OutcomeSetupError:
			setup = true
		case OutcomeFailure:
			if r.VerifyFailures > 0 {
				verify = true
			} else {
				fail = true
			}
		case OutcomeNoResource:
			nores = true
		}
	}
	switch {
	case setup:
		return ExitSetupError
	case fail:
		return ExitFailure
	case verify:
		return ExitVerifyFailure
	case nores:
		return ExitNoResource
	case skipped:
		return ExitNotImpl
	}
	return ExitSuccess
}

func (r Result) String() string {
	switch r.Outcome {
	case OutcomeSuccess:
		return fmt.Sprintf("Result[%d ops %d verify-fails %d restarts][%v %v]",
			r.BogoOps, r.VerifyFailures, r.Restarts, r.SetUpTime, r.RunningTime)

	case OutcomeSetupError:
		return fmt.Sprintf("Result[SetupFailed(%s)][%v %v]", r.Error, r.SetUpTime, r.RunningTime)

	default:
		return fmt.Sprintf("Result[%v(%s %d)][%d ops][%v %v]",
			r.Outcome, r.Error, r.ExitStatus, r.BogoOps, r.SetUpTime, r.RunningTime)
	}
}
