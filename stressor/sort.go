//go:build linux

package stressor

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/stresskit/stresskit/runctl"
	"github.com/stresskit/stresskit/runner"
	"github.com/stresskit/stresskit/verify"
)

func init() {
	Register(Info{
		Name:  "qsort",
		Help:  "sort pseudo-random integer arrays",
		Class: ClassCPU,
		Entry: stressQsort,
		Tunables: []runctl.Tunable{
			{Name: "qsort-size", Min: 1 << 6, Max: 1 << 24, Default: 1 << 14,
				Help: "number of integers sorted per bogo operation"},
		},
	})
	Register(Info{
		Name:  "bsearch",
		Help:  "binary search over a sorted integer array",
		Class: ClassCPU,
		Entry: stressBsearch,
		Tunables: []runctl.Tunable{
			{Name: "bsearch-size", Min: 1 << 6, Max: 1 << 24, Default: 1 << 16,
				Help: "size of the searched array"},
			{Name: "bsearch-lookups", Min: 1, Max: 1 << 20, Default: 1 << 12,
				Help: "lookups per bogo operation"},
		},
	})
}

func stressQsort(ctx *Context) runner.Outcome {
	n := int(ctx.Tunable("qsort-size"))
	rng := rand.New(rand.NewSource(int64(ctx.Instance()) + 1))
	xs := make([]uint64, n)

	for ctx.ShouldContinue() {
		for i := range xs {
			xs[i] = rng.Uint64()
		}
		before := verify.Checksum(xs)
		sort.Slice(xs, func(i, j int) bool { return xs[i] < xs[j] })
		if ctx.Verify() {
			if err := verify.CheckSorted(xs); err != nil {
				ctx.VerifyFail(err)
			}
			if after := verify.Checksum(xs); after != before {
				ctx.VerifyFail(fmt.Errorf("sort corrupted data: checksum %#x != %#x", after, before))
			}
		}
		ctx.BogoInc()
	}
	return runner.OutcomeSuccess
}

func stressBsearch(ctx *Context) runner.Outcome {
	n := int(ctx.Tunable("bsearch-size"))
	lookups := int(ctx.Tunable("bsearch-lookups"))
	rng := rand.New(rand.NewSource(int64(ctx.Instance()) + 1))

	// strictly increasing so every element is findable and unique
	xs := make([]uint64, n)
	v := uint64(0)
	for i := range xs {
		v += uint64(rng.Intn(1000)) + 1
		xs[i] = v
	}

	for ctx.ShouldContinue() {
		for l := 0; l < lookups; l++ {
			want := rng.Intn(n)
			got := sort.Search(n, func(i int) bool { return xs[i] >= xs[want] })
			if ctx.Verify() && got != want {
				ctx.VerifyFail(fmt.Errorf("bsearch found index %d, want %d", got, want))
			}
		}
		ctx.BogoInc()
	}
	return runner.OutcomeSuccess
}
