//go:build linux

package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/stresskit/stresskit/config"
	"github.com/stresskit/stresskit/runctl"
	"github.com/stresskit/stresskit/runner"
	"github.com/stresskit/stresskit/sched"
	"github.com/stresskit/stresskit/stressor"
)

var runFlags struct {
	stressor  string
	instances int
	timeout   time.Duration
	ops       uint64
	verify    bool
	seccomp   bool
	jobFile   string
	set       []string
	grace     time.Duration

	rlimitCPU uint64
	rlimitAS  string
	noCore    bool
}

// exitCode is the worst outcome over all executed jobs.
var exitCode int

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run one stressor, or a job file of them",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgs, err := buildConfigs()
		if err != nil {
			return err
		}
		for _, cfg := range cfgs {
			rep, err := sched.Run(cfg, log, runFlags.grace)
			if err != nil {
				return err
			}
			exitCode = worse(exitCode, rep.ExitCode())
		}
		return nil
	},
}

// worse picks the higher precedence exit code of two jobs.
func worse(a, b int) int {
	rank := map[int]int{
		runner.ExitSuccess:       0,
		runner.ExitNotImpl:       1,
		runner.ExitNoResource:    2,
		runner.ExitVerifyFailure: 3,
		runner.ExitFailure:       4,
		runner.ExitSetupError:    5,
	}
	if rank[a] >= rank[b] {
		return a
	}
	return b
}

func buildConfigs() ([]*runctl.Config, error) {
	if runFlags.jobFile != "" {
		if runFlags.stressor != "" {
			return nil, fmt.Errorf("--jobs and --stressor are mutually exclusive")
		}
		f, err := config.Load(runFlags.jobFile)
		if err != nil {
			return nil, err
		}
		return f.Configs(os.Getpagesize())
	}

	if runFlags.stressor == "" {
		return nil, fmt.Errorf("need --stressor or --jobs")
	}
	info, ok := stressor.Lookup(runFlags.stressor)
	if !ok {
		return nil, fmt.Errorf("unknown stressor %q, see list", runFlags.stressor)
	}

	tunables, err := parseSet(runFlags.set)
	if err != nil {
		return nil, err
	}

	cfg := &runctl.Config{
		Stressor:  runFlags.stressor,
		Instances: runFlags.instances,
		Timeout:   runFlags.timeout,
		MaxOps:    runFlags.ops,
		Verify:    runFlags.verify,
		Seccomp:   runFlags.seccomp,
		PageSize:  os.Getpagesize(),
		Tunables:  tunables,
	}
	cfg.RLimits.CPU = runFlags.rlimitCPU
	cfg.RLimits.DisableCore = runFlags.noCore
	if runFlags.rlimitAS != "" {
		var sz runner.Size
		if err := sz.Set(runFlags.rlimitAS); err != nil {
			return nil, fmt.Errorf("bad --rlimit-as: %w", err)
		}
		cfg.RLimits.AddressSpace = sz.Byte()
	}
	if err := cfg.Validate(info.Tunables); err != nil {
		return nil, err
	}
	return []*runctl.Config{cfg}, nil
}

// parseSet turns --set name=value pairs into tunables. Values accept the
// k/m/g size suffixes.
func parseSet(pairs []string) (map[string]int64, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]int64, len(pairs))
	for _, p := range pairs {
		name, val, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("bad --set %q, want name=value", p)
		}
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			out[name] = n
			continue
		}
		var sz runner.Size
		if err := sz.Set(val); err != nil {
			return nil, fmt.Errorf("bad --set %q: %w", p, err)
		}
		out[name] = int64(sz.Byte())
	}
	return out, nil
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runFlags.stressor, "stressor", "s", "", "stressor to run")
	f.IntVarP(&runFlags.instances, "instances", "c", 1, "concurrent worker processes")
	f.DurationVarP(&runFlags.timeout, "timeout", "t", 0, "stop the run after this long")
	f.Uint64Var(&runFlags.ops, "ops", 0, "stop each worker after this many bogo operations")
	f.BoolVar(&runFlags.verify, "verify", false, "verify data after each operation")
	f.BoolVar(&runFlags.seccomp, "seccomp", false, "confine workers with a spawn-denying seccomp filter")
	f.StringVarP(&runFlags.jobFile, "jobs", "f", "", "YAML job file to run instead of flags")
	f.StringSliceVar(&runFlags.set, "set", nil, "stressor tunable, name=value (repeatable)")
	f.DurationVar(&runFlags.grace, "grace", sched.DefaultGrace, "kill workers this long after the stop flag")
	f.Uint64Var(&runFlags.rlimitCPU, "rlimit-cpu", 0, "per-worker CPU time limit in seconds")
	f.StringVar(&runFlags.rlimitAS, "rlimit-as", "", "per-worker address space limit (k/m/g suffixes)")
	f.BoolVar(&runFlags.noCore, "no-core", false, "disable core dumps in workers")
}
