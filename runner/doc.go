// Package runner provides the common result types shared between the
// harness and worker processes: Outcome, Result and Size.
//
// # Outcome
//
// Outcome classifies how a stressor instance finished:
//
//	Success
//	Failure (stressor-detected fault)
//	No Resource (allocation / spawn budget exhausted)
//	Not Implemented (platform skip)
//	Setup Error
//
// Outcomes round-trip through worker process exit codes so the parent can
// recover them from wait status.
//
// # Size
//
// Size defines size in bytes, underlying type is uint64. It parses the
// k/m/g suffix forms used by stressor tunables.
package runner
