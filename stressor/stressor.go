//go:build linux

// Package stressor defines the contract between the harness and the
// units of repeated work it drives, and ships the built-in stressor
// catalog. A stressor body is a plain function that loops until the run
// control says stop, incrementing the shared bogo-op counter once per
// completed iteration.
package stressor

import (
	"fmt"
	"sort"

	"github.com/stresskit/stresskit/runctl"
	"github.com/stresskit/stresskit/runner"
)

// ExitArg is the argv[1] marker that makes a spawned copy of the harness
// binary exit immediately. The fork-rate stressor execs it in a tight
// loop to measure process creation throughput.
const ExitArg = "stresskit-exit"

// Class groups stressors by the subsystem they pressure.
type Class int

const (
	ClassCPU Class = iota
	ClassMemory
	ClassOS
	ClassScheduler
)

func (c Class) String() string {
	switch c {
	case ClassCPU:
		return "cpu"
	case ClassMemory:
		return "memory"
	case ClassOS:
		return "os"
	case ClassScheduler:
		return "scheduler"
	}
	return "unknown"
}

// Func is a stressor body. It must consult ctx.ShouldContinue every
// iteration and report progress through ctx; it runs inside a dedicated
// worker process so a crash cannot corrupt siblings.
type Func func(ctx *Context) runner.Outcome

// Info describes one registered stressor.
type Info struct {
	Name     string
	Help     string
	Class    Class
	Entry    Func
	Tunables []runctl.Tunable
}

var registry = make(map[string]*Info)

// Register adds a stressor to the catalog. Called from init functions;
// duplicate names are a programming error.
func Register(info Info) {
	if _, ok := registry[info.Name]; ok {
		panic(fmt.Sprintf("stressor: duplicate registration of %q", info.Name))
	}
	registry[info.Name] = &info
}

// Lookup finds a stressor by name.
func Lookup(name string) (*Info, bool) {
	info, ok := registry[name]
	return info, ok
}

// All returns the catalog sorted by name.
func All() []*Info {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	infos := make([]*Info, 0, len(names))
	for _, name := range names {
		infos = append(infos, registry[name])
	}
	return infos
}

// Unimplemented builds the stub entry for a stressor that cannot run on
// this platform. The harness treats the outcome as a skip, not a
// failure.
func Unimplemented(reason string) Func {
	return func(ctx *Context) runner.Outcome {
		ctx.Log().Infof("skipped: %s", reason)
		return runner.OutcomeNotImplemented
	}
}
