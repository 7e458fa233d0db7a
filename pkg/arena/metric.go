//go:build linux

package arena

import (
	"fmt"
	"math"
	"sync/atomic"
)

// Policy selects how samples of a named metric aggregate across workers.
// Harmonic mean is the statistically correct aggregate for rate-like
// metrics sampled over unequal durations.
type Policy uint32

const (
	PolicyInvalid Policy = iota
	PolicyArithmetic
	PolicyHarmonic
	PolicyGeometric
)

func (p Policy) String() string {
	switch p {
	case PolicyArithmetic:
		return "arithmetic"
	case PolicyHarmonic:
		return "harmonic"
	case PolicyGeometric:
		return "geometric"
	}
	return "invalid"
}

// MetricSlot accumulates samples of one named metric. The accumulator
// holds the policy-transformed partial sum (plain values, reciprocals or
// logs), so aggregation at shutdown is a single division.
type MetricSlot struct {
	policy Policy
	lock   *uint32
	count  *uint64
	acc    *uint64 // float64 bits
}

// Metric finds or registers the slot for name with the given policy.
// The policy is fixed at first registration; a later mismatch is an error.
func (a *Arena) Metric(name string, policy Policy) (*MetricSlot, error) {
	if len(name) == 0 || len(name) >= metricNameSize {
		return nil, fmt.Errorf("arena: metric name %q invalid", name)
	}
	if policy == PolicyInvalid {
		return nil, fmt.Errorf("arena: metric %q: invalid policy", name)
	}

	lock(a.u32(offMetricLock))
	defer unlock(a.u32(offMetricLock))

	metricBase := headerSize + a.instances*workerSlotSize
	for i := 0; i < MaxMetrics; i++ {
		base := metricBase + i*metricSlotSize
		stored := a.slotName(base)
		if stored == name {
			got := Policy(atomic.LoadUint32(a.u32(base + offPolicy)))
			if got != policy {
				return nil, fmt.Errorf("arena: metric %q registered with policy %v, requested %v", name, got, policy)
			}
			return a.metricAt(base, policy), nil
		}
		if stored == "" {
			copy(a.b[base+offName:base+offName+metricNameSize-1], name)
			atomic.StoreUint32(a.u32(base+offPolicy), uint32(policy))
			return a.metricAt(base, policy), nil
		}
	}
	return nil, fmt.Errorf("arena: metric table full (%d slots)", MaxMetrics)
}

func (a *Arena) slotName(base int) string {
	b := a.b[base+offName : base+offName+metricNameSize]
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

func (a *Arena) metricAt(base int, policy Policy) *MetricSlot {
	return &MetricSlot{
		policy: policy,
		lock:   a.u32(base + offMLock),
		count:  a.u64(base + offCount),
		acc:    a.u64(base + offAcc),
	}
}

// Observe adds one sample under the slot's aggregation policy.
func (m *MetricSlot) Observe(v float64) {
	var t float64
	switch m.policy {
	case PolicyHarmonic:
		t = 1 / v
	case PolicyGeometric:
		t = math.Log(v)
	default:
		t = v
	}

	lock(m.lock)
	acc := math.Float64frombits(atomic.LoadUint64(m.acc))
	atomic.StoreUint64(m.acc, math.Float64bits(acc+t))
	atomic.AddUint64(m.count, 1)
	unlock(m.lock)
}

// MetricView is a parent-side read of one metric slot at shutdown.
type MetricView struct {
	Name   string
	Policy Policy
	Count  uint64
	acc    float64
}

// Value aggregates the samples under the policy. Undefined for zero
// samples; callers must skip Count == 0 views.
func (v MetricView) Value() float64 {
	n := float64(v.Count)
	switch v.Policy {
	case PolicyHarmonic:
		return n / v.acc
	case PolicyGeometric:
		return math.Exp(v.acc / n)
	default:
		return v.acc / n
	}
}

// Metrics snapshots all registered metric slots. Intended for the parent
// after all workers have been reaped.
func (a *Arena) Metrics() []MetricView {
	lock(a.u32(offMetricLock))
	defer unlock(a.u32(offMetricLock))

	var views []MetricView
	metricBase := headerSize + a.instances*workerSlotSize
	for i := 0; i < MaxMetrics; i++ {
		base := metricBase + i*metricSlotSize
		name := a.slotName(base)
		if name == "" {
			break
		}
		views = append(views, MetricView{
			Name:   name,
			Policy: Policy(atomic.LoadUint32(a.u32(base + offPolicy))),
			Count:  atomic.LoadUint64(a.u64(base + offCount)),
			acc:    math.Float64frombits(atomic.LoadUint64(a.u64(base + offAcc))),
		})
	}
	return views
}
