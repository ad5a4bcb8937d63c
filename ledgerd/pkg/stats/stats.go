// Package stats summarizes payout distributions for reporting. Unlike the
// ledger itself, which is strictly integer-valued, these summaries are
// observational and use floating point.
package stats

import (
	"math"
	"sort"
)

// Summary describes the shape of a payout distribution.
type Summary struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Gini   float64 `json:"gini"`
}

// Summarize computes the distribution summary of the given amounts.
func Summarize(amounts []uint64) Summary {
	return Summary{
		Count:  len(amounts),
		Mean:   Mean(amounts),
		StdDev: StdDev(amounts),
		Gini:   Gini(amounts),
	}
}

// Mean returns the arithmetic mean, or 0 for an empty input.
func Mean(amounts []uint64) float64 {
	if len(amounts) == 0 {
		return 0
	}
	var sum float64
	for _, a := range amounts {
		sum += float64(a)
	}
	return sum / float64(len(amounts))
}

// StdDev returns the population standard deviation, or 0 for an empty input.
func StdDev(amounts []uint64) float64 {
	if len(amounts) == 0 {
		return 0
	}
	mean := Mean(amounts)
	var sum float64
	for _, a := range amounts {
		d := float64(a) - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(amounts)))
}

// Gini returns the Gini coefficient of the amounts: 0 for perfect equality,
// approaching 1 as a single participant captures everything. Returns 0 for
// fewer than two values or an all-zero input.
func Gini(amounts []uint64) float64 {
	n := len(amounts)
	if n < 2 {
		return 0
	}
	sorted := make([]float64, n)
	for i, a := range amounts {
		sorted[i] = float64(a)
	}
	sort.Float64s(sorted)

	var cum, weighted float64
	for i, v := range sorted {
		cum += v
		weighted += float64(i+1) * v
	}
	if cum == 0 {
		return 0
	}
	return (2*weighted - float64(n+1)*cum) / (float64(n) * cum)
}
