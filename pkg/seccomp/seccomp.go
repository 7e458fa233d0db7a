//go:build linux

// Package seccomp confines worker processes with a BPF syscall filter.
// A confined worker cannot spawn further processes or re-exec, which
// keeps a misbehaving stressor from escaping the harness's process
// accounting. Filters are built and loaded with go-seccomp-bpf.
package seccomp

import (
	"fmt"

	libseccomp "github.com/elastic/go-seccomp-bpf"
)

// spawnSyscalls are denied for confined workers. Returning EPERM rather
// than killing keeps the deny observable to the stressor body.
var spawnSyscalls = []string{
	"fork",
	"vfork",
	"execve",
	"execveat",
}

// Supported reports whether the kernel supports seccomp filtering.
func Supported() bool {
	return libseccomp.Supported()
}

// ConfineWorker installs a filter on the calling process that denies
// process spawning. Applies to all threads and cannot be removed.
func ConfineWorker() error {
	filter := libseccomp.Filter{
		NoNewPrivs: true,
		Flag:       libseccomp.FilterFlagTSync,
		Policy: libseccomp.Policy{
			DefaultAction: libseccomp.ActionAllow,
			Syscalls: []libseccomp.SyscallGroup{
				{
					Action: libseccomp.ActionErrno,
					Names:  spawnSyscalls,
				},
			},
		},
	}
	if err := libseccomp.LoadFilter(filter); err != nil {
		return fmt.Errorf("seccomp: load filter: %w", err)
	}
	return nil
}
