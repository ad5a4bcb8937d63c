// Package mev implements the surplus-splitting rule applied to extracted
// value before it is deposited into the reward pool: a proposer keeps value
// up to a threshold and the excess is pooled for redistribution.
package mev

import "sort"

// Split divides a block's extracted value at the threshold. The proposer
// keeps min(value, threshold); anything above it is surplus bound for the
// pool.
func Split(value, threshold uint64) (keep, surplus uint64) {
	if value <= threshold {
		return value, 0
	}
	return threshold, value - threshold
}

// MedianThreshold returns the median of the observed values, the reference
// choice of pooling threshold. For an even count it returns the floor of the
// mean of the two middle values; for no values it returns 0.
func MedianThreshold(values []uint64) uint64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := make([]uint64, n)
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	if n%2 == 1 {
		return sorted[n/2]
	}
	a, b := sorted[n/2-1], sorted[n/2]
	// Overflow-safe mean of two uint64s.
	return a/2 + b/2 + (a%2+b%2)/2
}
