// Package util collects small numeric and timing helpers shared by
// the raft package.
package util

import (
	"math/rand"
	"time"

	"golang.org/x/exp/constraints"
)

// Min returns the smaller of a and b.
func Min[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max[T constraints.Ordered](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// RandomTimeout returns a duration chosen uniformly from [min, max).
// max must be greater than min.
func RandomTimeout(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	delta := int64(max - min)
	return min + time.Duration(rand.Int63n(delta))
}
