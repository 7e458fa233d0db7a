//go:build linux

// Package config loads YAML job files describing a sequence of stress
// runs. File-level defaults apply to every job unless the job overrides
// them; every job is validated against the stressor's declared tunables
// before anything spawns.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stresskit/stresskit/pkg/rlimit"
	"github.com/stresskit/stresskit/runctl"
	"github.com/stresskit/stresskit/runner"
	"github.com/stresskit/stresskit/stressor"
)

// File is a parsed job file.
type File struct {
	Defaults Defaults `yaml:"defaults"`
	Jobs     []Job    `yaml:"jobs"`
}

// Defaults apply to every job that does not set the field itself.
type Defaults struct {
	Instances int    `yaml:"instances"`
	Timeout   string `yaml:"timeout"`
	Verify    bool   `yaml:"verify"`
	Seccomp   bool   `yaml:"seccomp"`
}

// Job describes one stress run.
type Job struct {
	Stressor  string           `yaml:"stressor"`
	Instances int              `yaml:"instances"`
	Timeout   string           `yaml:"timeout"`
	Ops       uint64           `yaml:"ops"`
	Verify    *bool            `yaml:"verify"`
	Seccomp   *bool            `yaml:"seccomp"`
	Tunables  map[string]int64 `yaml:"tunables"`
	RLimits   RLimitSpec       `yaml:"rlimits"`
}

// RLimitSpec is the job file shape of worker resource limits. Byte
// valued fields accept the k/m/g suffixes.
type RLimitSpec struct {
	CPUSeconds   uint64 `yaml:"cpu-seconds"`
	Data         string `yaml:"data"`
	FileSize     string `yaml:"file-size"`
	Stack        string `yaml:"stack"`
	AddressSpace string `yaml:"address-space"`
	OpenFiles    uint64 `yaml:"open-files"`
	DisableCore  bool   `yaml:"disable-core"`
}

func (s *RLimitSpec) rlimits() (rlimit.RLimits, error) {
	r := rlimit.RLimits{
		CPU:         s.CPUSeconds,
		OpenFile:    s.OpenFiles,
		DisableCore: s.DisableCore,
	}
	for _, f := range []struct {
		name string
		in   string
		out  *uint64
	}{
		{"data", s.Data, &r.Data},
		{"file-size", s.FileSize, &r.FileSize},
		{"stack", s.Stack, &r.Stack},
		{"address-space", s.AddressSpace, &r.AddressSpace},
	} {
		if f.in == "" {
			continue
		}
		var sz runner.Size
		if err := sz.Set(f.in); err != nil {
			return r, fmt.Errorf("config: rlimit %s: %w", f.name, err)
		}
		*f.out = sz.Byte()
	}
	return r, nil
}

// Load reads and parses a job file.
func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(b)
}

// Parse parses job file content.
func Parse(b []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if len(f.Jobs) == 0 {
		return nil, fmt.Errorf("config: no jobs defined")
	}
	return &f, nil
}

// Configs turns the jobs into validated run configurations, applying
// file defaults and the stressor's tunable declarations.
func (f *File) Configs(pageSize int) ([]*runctl.Config, error) {
	cfgs := make([]*runctl.Config, 0, len(f.Jobs))
	for i := range f.Jobs {
		cfg, err := f.jobConfig(&f.Jobs[i], pageSize)
		if err != nil {
			return nil, fmt.Errorf("config: job %d (%s): %w", i, f.Jobs[i].Stressor, err)
		}
		cfgs = append(cfgs, cfg)
	}
	return cfgs, nil
}

func (f *File) jobConfig(j *Job, pageSize int) (*runctl.Config, error) {
	info, ok := stressor.Lookup(j.Stressor)
	if !ok {
		return nil, fmt.Errorf("unknown stressor %q", j.Stressor)
	}

	instances := j.Instances
	if instances == 0 {
		instances = f.Defaults.Instances
	}
	if instances == 0 {
		instances = 1
	}

	timeout, err := pickTimeout(j.Timeout, f.Defaults.Timeout)
	if err != nil {
		return nil, err
	}

	verify := f.Defaults.Verify
	if j.Verify != nil {
		verify = *j.Verify
	}
	sec := f.Defaults.Seccomp
	if j.Seccomp != nil {
		sec = *j.Seccomp
	}

	limits, err := j.RLimits.rlimits()
	if err != nil {
		return nil, err
	}

	tunables := make(map[string]int64, len(j.Tunables))
	for k, v := range j.Tunables {
		tunables[k] = v
	}

	cfg := &runctl.Config{
		Stressor:  j.Stressor,
		Instances: instances,
		Timeout:   timeout,
		MaxOps:    j.Ops,
		Verify:    verify,
		Seccomp:   sec,
		PageSize:  pageSize,
		Tunables:  tunables,
		RLimits:   limits,
	}
	if err := cfg.Validate(info.Tunables); err != nil {
		return nil, err
	}
	return cfg, nil
}

func pickTimeout(job, def string) (time.Duration, error) {
	s := job
	if s == "" {
		s = def
	}
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("bad timeout %q: %w", s, err)
	}
	return d, nil
}
