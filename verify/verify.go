// Package verify holds the data checkers stressor bodies run after an
// operation when verification mode is enabled: pattern fills, zero-fill
// checks and ordering checks. A mismatch is reported through the
// worker's failure counter; it marks the run as faulted but does not
// kill sibling workers.
package verify

import (
	"fmt"
)

// patternAt derives the expected byte for offset i under seed. The
// multiplier spreads the seed so adjacent pages differ.
func patternAt(seed uint64, i int) byte {
	return byte((seed*2654435761 + uint64(i)) >> 3)
}

// FillPattern writes the seeded pattern over buf.
func FillPattern(buf []byte, seed uint64) {
	for i := range buf {
		buf[i] = patternAt(seed, i)
	}
}

// CheckPattern verifies buf still carries the seeded pattern.
func CheckPattern(buf []byte, seed uint64) error {
	for i := range buf {
		if buf[i] != patternAt(seed, i) {
			return fmt.Errorf("verify: pattern mismatch at offset %d: got %#x, want %#x",
				i, buf[i], patternAt(seed, i))
		}
	}
	return nil
}

// CheckZero verifies buf is zero filled, as fresh anonymous mappings
// must be.
func CheckZero(buf []byte) error {
	for i := range buf {
		if buf[i] != 0 {
			return fmt.Errorf("verify: non-zero byte %#x at offset %d of fresh mapping", buf[i], i)
		}
	}
	return nil
}

// CheckSorted verifies xs is in non-decreasing order.
func CheckSorted(xs []uint64) error {
	for i := 1; i < len(xs); i++ {
		if xs[i-1] > xs[i] {
			return fmt.Errorf("verify: order violation at index %d: %d > %d", i, xs[i-1], xs[i])
		}
	}
	return nil
}

// Checksum folds buf into a 64-bit value, used to confirm sorting
// permuted rather than corrupted the data.
func Checksum(xs []uint64) uint64 {
	var sum uint64
	for _, x := range xs {
		sum += x
	}
	return sum
}
