//go:build linux

// Package rlimit provides data structure for resource limits applied to
// worker processes by the setrlimit syscall on linux.
package rlimit

import (
	"fmt"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/stresskit/stresskit/runner"
)

// RLimits defines the rlimit applied to a worker process before the
// stressor body starts. Zero fields are skipped.
type RLimits struct {
	CPU          uint64 // in s
	CPUHard      uint64 // in s
	Data         uint64 // in bytes
	FileSize     uint64 // in bytes
	Stack        uint64 // in bytes
	AddressSpace uint64 // in bytes
	OpenFile     uint64 // count
	DisableCore  bool   // set core to 0
}

// RLimit is the resource limit defined by Linux setrlimit
type RLimit struct {
	// Res is the resource type (e.g. syscall.RLIMIT_CPU)
	Res int
	// Rlim is the limit applied to that resource
	Rlim syscall.Rlimit
}

func getRlimit(cur, max uint64) syscall.Rlimit {
	return syscall.Rlimit{Cur: cur, Max: max}
}

// PrepareRLimit creates rlimit structures for the worker
// TimeLimit in s, SizeLimit in byte
func (r *RLimits) PrepareRLimit() []RLimit {
	var ret []RLimit
	if r.CPU > 0 {
		cpuHard := r.CPUHard
		if cpuHard < r.CPU {
			cpuHard = r.CPU
		}
		ret = append(ret, RLimit{
			Res:  syscall.RLIMIT_CPU,
			Rlim: getRlimit(r.CPU, cpuHard),
		})
	}
	if r.Data > 0 {
		ret = append(ret, RLimit{
			Res:  syscall.RLIMIT_DATA,
			Rlim: getRlimit(r.Data, r.Data),
		})
	}
	if r.FileSize > 0 {
		ret = append(ret, RLimit{
			Res:  syscall.RLIMIT_FSIZE,
			Rlim: getRlimit(r.FileSize, r.FileSize),
		})
	}
	if r.Stack > 0 {
		ret = append(ret, RLimit{
			Res:  syscall.RLIMIT_STACK,
			Rlim: getRlimit(r.Stack, r.Stack),
		})
	}
	if r.AddressSpace > 0 {
		ret = append(ret, RLimit{
			Res:  syscall.RLIMIT_AS,
			Rlim: getRlimit(r.AddressSpace, r.AddressSpace),
		})
	}
	if r.OpenFile > 0 {
		ret = append(ret, RLimit{
			Res:  syscall.RLIMIT_NOFILE,
			Rlim: getRlimit(r.OpenFile, r.OpenFile),
		})
	}
	if r.DisableCore {
		ret = append(ret, RLimit{
			Res:  syscall.RLIMIT_CORE,
			Rlim: getRlimit(0, 0),
		})
	}
	return ret
}

// Apply applies the limits to the calling process. Workers call this on
// themselves after the handoff, before the stressor body runs.
func (r *RLimits) Apply() error {
	for _, rl := range r.PrepareRLimit() {
		lim := unix.Rlimit{Cur: rl.Rlim.Cur, Max: rl.Rlim.Max}
		if err := unix.Setrlimit(rl.Res, &lim); err != nil {
			return fmt.Errorf("rlimit: setrlimit %s: %w", resName(rl.Res), err)
		}
	}
	return nil
}

func resName(res int) string {
	switch res {
	case syscall.RLIMIT_CPU:
		return "CPU"
	case syscall.RLIMIT_DATA:
		return "Data"
	case syscall.RLIMIT_FSIZE:
		return "File"
	case syscall.RLIMIT_STACK:
		return "Stack"
	case syscall.RLIMIT_AS:
		return "AddressSpace"
	case syscall.RLIMIT_NOFILE:
		return "OpenFile"
	case syscall.RLIMIT_CORE:
		return "Core"
	}
	return "Unknown"
}

func (r RLimit) String() string {
	if r.Res == syscall.RLIMIT_CPU {
		return fmt.Sprintf("CPU[%d s:%d s]", r.Rlim.Cur, r.Rlim.Max)
	}
	if r.Res == syscall.RLIMIT_NOFILE {
		return fmt.Sprintf("OpenFile[%d:%d]", r.Rlim.Cur, r.Rlim.Max)
	}
	return fmt.Sprintf("%s[%v:%v]", resName(r.Res), runner.Size(r.Rlim.Cur), runner.Size(r.Rlim.Max))
}

func (r RLimits) String() string {
	var sb strings.Builder
	sb.WriteString("RLimits[")
	for i, rl := range r.PrepareRLimit() {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(rl.String())
	}
	sb.WriteString("]")
	return sb.String()
}
