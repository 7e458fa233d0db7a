//go:build linux

// Package runctl owns the run control surface shared by the harness and
// its workers: the per-instance Config handed to every worker at spawn
// time, and the Control every stressor loop consults each iteration.
package runctl

import (
	"fmt"
	"time"

	"github.com/stresskit/stresskit/pkg/rlimit"
)

// Tunable declares one named stressor parameter with its valid range.
type Tunable struct {
	Name    string
	Min     int64
	Max     int64
	Default int64
	Help    string
}

// Config is the immutable per-instance run configuration. It is built
// once before workers are spawned, validated, gob-encoded into the
// worker handoff and read-only afterwards.
type Config struct {
	// Stressor is the registered stressor name.
	Stressor string

	// Instances is the number of concurrent worker processes.
	Instances int

	// Timeout bounds the run wall-clock time; 0 means unbounded.
	Timeout time.Duration

	// MaxOps stops a worker after this many bogo operations; 0 means
	// unbounded.
	MaxOps uint64

	// Verify enables post-operation data verification.
	Verify bool

	// Seccomp confines workers with a spawn-denying syscall filter.
	Seccomp bool

	// PageSize is the system page size, captured once by the parent.
	PageSize int

	// Tunables are the validated stressor parameters.
	Tunables map[string]int64

	// RLimits are applied by each worker to itself before the stressor
	// body runs.
	RLimits rlimit.RLimits
}

// Validate checks the config against the stressor's tunable specs and
// fills defaults for tunables not explicitly set.
func (c *Config) Validate(specs []Tunable) error {
	if c.Stressor == "" {
		return fmt.Errorf("runctl: no stressor name")
	}
	if c.Instances <= 0 {
		return fmt.Errorf("runctl: instances must be positive, got %d", c.Instances)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("runctl: negative timeout %v", c.Timeout)
	}
	// Timeout == 0 && MaxOps == 0 is a valid unbounded run, stopped only
	// by an external signal.

	known := make(map[string]Tunable, len(specs))
	for _, s := range specs {
		known[s.Name] = s
	}
	for name, v := range c.Tunables {
		s, ok := known[name]
		if !ok {
			return fmt.Errorf("runctl: unknown tunable %q for stressor %s", name, c.Stressor)
		}
		if v < s.Min || v > s.Max {
			return fmt.Errorf("runctl: tunable %s=%d out of range [%d,%d]", name, v, s.Min, s.Max)
		}
	}
	if c.Tunables == nil {
		c.Tunables = make(map[string]int64, len(specs))
	}
	for _, s := range specs {
		if _, ok := c.Tunables[s.Name]; !ok {
			c.Tunables[s.Name] = s.Default
		}
	}
	return nil
}

// Tunable returns a validated tunable value. Missing names panic: they
// indicate a stressor reading a tunable it never declared.
func (c *Config) Tunable(name string) int64 {
	v, ok := c.Tunables[name]
	if !ok {
		panic(fmt.Sprintf("runctl: tunable %q not declared by stressor %s", name, c.Stressor))
	}
	return v
}
