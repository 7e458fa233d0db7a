//go:build linux

// Package arena implements the shared progress channel between the
// harness and its worker processes: a memfd backed mapping holding the
// termination flag, per-worker bogo-op counters and named metric slots.
//
// The mapping is created by the parent, the fd is passed to each worker
// over the coordination socket and mapped again there, so both sides see
// the same pages. Counter fields follow single-writer / multiple-reader
// discipline (the owning worker stores, the parent loads); the only
// multi-writer state is the metric slot table, guarded by a spinlock
// word with bounded critical sections.
package arena

import (
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/stresskit/stresskit/pkg/memfd"
)

const (
	magic = 0x53545253_4b495431 // "STRSKIT1"

	headerSize     = 64
	workerSlotSize = 64
	metricSlotSize = 96
	metricNameSize = 64

	// MaxMetrics bounds the named metric table.
	MaxMetrics = 64
)

// header field offsets
const (
	offMagic      = 0
	offStop       = 8  // uint32, termination flag
	offStopReason = 12 // uint32
	offInstances  = 16 // uint32
	offMetricLock = 20 // uint32 spinlock guarding slot registration
)

// worker slot field offsets
const (
	offOps     = 0 // uint64
	offFails   = 8 // uint64
	offState   = 16
	offPadding = 20
)

// metric slot field offsets
const (
	offName   = 0  // 64 bytes, NUL terminated
	offPolicy = 64 // uint32
	offMLock  = 68 // uint32 spinlock
	offCount  = 72 // uint64
	offAcc    = 80 // float64 bits
)

// StopReason records why the termination flag was raised.
type StopReason uint32

const (
	StopNone     StopReason = iota
	StopDeadline            // run deadline expired
	StopSignal              // external signal (SIGINT / SIGTERM)
	StopFatal               // fatal harness condition
)

func (r StopReason) String() string {
	switch r {
	case StopDeadline:
		return "deadline"
	case StopSignal:
		return "signal"
	case StopFatal:
		return "fatal"
	}
	return "none"
}

// Arena is a mapped shared memory region.
type Arena struct {
	b         []byte
	f         *os.File
	instances int
}

// Bytes computes the arena size for the given instance count.
func size(instances int) int64 {
	return int64(headerSize + instances*workerSlotSize + MaxMetrics*metricSlotSize)
}

// New creates and maps a fresh arena for instances workers.
func New(name string, instances int) (*Arena, error) {
	if instances <= 0 {
		return nil, fmt.Errorf("arena: invalid instance count %d", instances)
	}
	f, err := memfd.New(name, size(instances))
	if err != nil {
		return nil, fmt.Errorf("arena: %w", err)
	}
	a, err := mapFile(f, instances)
	if err != nil {
		f.Close()
		return nil, err
	}
	*a.u64(offMagic) = magic
	atomic.StoreUint32(a.u32(offInstances), uint32(instances))
	return a, nil
}

// Attach maps an existing arena fd received from the parent.
func Attach(f *os.File, instances int) (*Arena, error) {
	a, err := mapFile(f, instances)
	if err != nil {
		return nil, err
	}
	if *a.u64(offMagic) != magic {
		a.Close()
		return nil, fmt.Errorf("arena: bad magic in shared mapping")
	}
	if got := atomic.LoadUint32(a.u32(offInstances)); got != uint32(instances) {
		a.Close()
		return nil, fmt.Errorf("arena: instance count mismatch: mapped %d, expected %d", got, instances)
	}
	return a, nil
}

func mapFile(f *os.File, instances int) (*Arena, error) {
	b, err := unix.Mmap(int(f.Fd()), 0, int(size(instances)),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("arena: mmap: %w", err)
	}
	return &Arena{b: b, f: f, instances: instances}, nil
}

// File returns the backing memfd, to be passed to workers.
func (a *Arena) File() *os.File {
	return a.f
}

// Instances returns the worker slot count.
func (a *Arena) Instances() int {
	return a.instances
}

// Close unmaps the arena and closes the backing fd.
func (a *Arena) Close() error {
	if a.b == nil {
		return nil
	}
	err := unix.Munmap(a.b)
	a.b = nil
	if a.f != nil {
		a.f.Close()
	}
	return err
}

func (a *Arena) u32(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&a.b[off]))
}

func (a *Arena) u64(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&a.b[off]))
}

// StopFlag returns the shared termination flag.
func (a *Arena) StopFlag() *StopFlag {
	return &StopFlag{
		word:   a.u32(offStop),
		reason: a.u32(offStopReason),
	}
}

// Worker returns the slot owned by worker i.
func (a *Arena) Worker(i int) *WorkerSlot {
	if i < 0 || i >= a.instances {
		panic(fmt.Sprintf("arena: worker index %d out of range [0,%d)", i, a.instances))
	}
	base := headerSize + i*workerSlotSize
	return &WorkerSlot{
		ops:   a.u64(base + offOps),
		fails: a.u64(base + offFails),
		state: a.u32(base + offState),
	}
}

// StopFlag is the edge-triggered termination signal: raised exactly once,
// never cleared, readable with a single relaxed load.
type StopFlag struct {
	word   *uint32
	reason *uint32
}

// Stopped reports whether termination has been requested.
func (f *StopFlag) Stopped() bool {
	return atomic.LoadUint32(f.word) != 0
}

// Raise sets the flag. Only the first call wins; it returns whether this
// call was the one that raised it.
func (f *StopFlag) Raise(r StopReason) bool {
	if !atomic.CompareAndSwapUint32(f.word, 0, 1) {
		return false
	}
	atomic.StoreUint32(f.reason, uint32(r))
	return true
}

// Reason returns why the run stopped, StopNone if still running.
func (f *StopFlag) Reason() StopReason {
	return StopReason(atomic.LoadUint32(f.reason))
}

// WorkerSlot is the per-worker region of the arena. Exactly one process
// increments the counters; the parent only reads.
type WorkerSlot struct {
	ops   *uint64
	fails *uint64
	state *uint32
}

// AddOps adds completed bogo operations.
func (w *WorkerSlot) AddOps(n uint64) {
	atomic.AddUint64(w.ops, n)
}

// Ops returns completed bogo operations.
func (w *WorkerSlot) Ops() uint64 {
	return atomic.LoadUint64(w.ops)
}

// AddFail counts one verification failure.
func (w *WorkerSlot) AddFail() {
	atomic.AddUint64(w.fails, 1)
}

// Fails returns the verification failure count.
func (w *WorkerSlot) Fails() uint64 {
	return atomic.LoadUint64(w.fails)
}

// SetState publishes the worker lifecycle state word.
func (w *WorkerSlot) SetState(s uint32) {
	atomic.StoreUint32(w.state, s)
}

// State reads the worker lifecycle state word.
func (w *WorkerSlot) State() uint32 {
	return atomic.LoadUint32(w.state)
}

// lock acquires a one-word spinlock living in the shared mapping.
func lock(word *uint32) {
	for !atomic.CompareAndSwapUint32(word, 0, 1) {
		runtime.Gosched()
	}
}

func unlock(word *uint32) {
	atomic.StoreUint32(word, 0)
}
