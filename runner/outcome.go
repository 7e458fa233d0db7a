package runner

import "fmt"

// Outcome classifies how a stressor instance finished.
type Outcome int

// Outcome values, from invalid to setup error.
const (
	OutcomeInvalid Outcome = iota
	OutcomeSuccess
	OutcomeFailure
	OutcomeNoResource
	OutcomeNotImplemented
	OutcomeSetupError
)

var outcomeString = []string{
	"Invalid",
	"Success",
	"Failure",
	"NoResource",
	"NotImplemented",
	"SetupError",
}

func (o Outcome) String() string {
	if o >= 0 && int(o) < len(outcomeString) {
		return outcomeString[o]
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Error makes Outcome a error
func (o Outcome) Error() string {
	return o.String()
}

// Worker process exit codes. A worker's outcome round-trips through its
// exit status so the parent can recover it from wait.
const (
	ExitSuccess       = 0
	ExitSetupError    = 1
	ExitVerifyFailure = 2
	ExitNoResource    = 3
	ExitFailure       = 4
	ExitNotImpl       = 5
)

// ExitCode maps the outcome to the worker process exit code.
func (o Outcome) ExitCode() int {
	switch o {
	case OutcomeSuccess:
		return ExitSuccess
	case OutcomeFailure:
		return ExitFailure
	case OutcomeNoResource:
		return ExitNoResource
	case OutcomeNotImplemented:
		return ExitNotImpl
	case OutcomeSetupError:
		return ExitSetupError
	}
	return ExitFailure
}

// OutcomeFromExitCode recovers a worker's outcome from its exit status.
// Verification failure exits map to OutcomeFailure; the failure counter
// in the shared arena carries the detail.
func OutcomeFromExitCode(code int) Outcome {
	switch code {
	case ExitSuccess:
		return OutcomeSuccess
	case ExitSetupError:
		return OutcomeSetupError
	case ExitVerifyFailure:
		return OutcomeFailure
	case ExitNoResource:
		return OutcomeNoResource
	case ExitFailure:
		return OutcomeFailure
	case ExitNotImpl:
		return OutcomeNotImplemented
	}
	return OutcomeFailure
}

// Skipped reports whether the outcome marks a platform skip rather than
// a fault.
func (o Outcome) Skipped() bool {
	return o == OutcomeNotImplemented
}
