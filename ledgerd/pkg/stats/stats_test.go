package stats_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openmev/surplus/ledgerd/pkg/stats"
)

func TestSurplus_Stats_Mean(t *testing.T) {
	t.Parallel()

	require.Zero(t, stats.Mean(nil))
	require.InDelta(t, 5.0, stats.Mean([]uint64{3, 7}), 1e-9)
	require.InDelta(t, 4.0, stats.Mean([]uint64{4, 4, 4}), 1e-9)
}

func TestSurplus_Stats_StdDev(t *testing.T) {
	t.Parallel()

	require.Zero(t, stats.StdDev(nil))
	require.InDelta(t, 0.0, stats.StdDev([]uint64{4, 4, 4}), 1e-9)
	require.InDelta(t, 2.0, stats.StdDev([]uint64{3, 7}), 1e-9)
}

func TestSurplus_Stats_Gini(t *testing.T) {
	t.Parallel()

	require.Zero(t, stats.Gini(nil))
	require.Zero(t, stats.Gini([]uint64{10}))
	require.Zero(t, stats.Gini([]uint64{0, 0, 0}))

	// Perfect equality.
	require.InDelta(t, 0.0, stats.Gini([]uint64{5, 5, 5, 5}), 1e-9)

	// One participant captures everything: (n-1)/n for n participants.
	require.InDelta(t, 0.75, stats.Gini([]uint64{0, 0, 0, 100}), 1e-9)

	// Known hand-computed case.
	require.InDelta(t, 0.1, stats.Gini([]uint64{40, 60}), 1e-9)
}

func TestSurplus_Stats_Summarize(t *testing.T) {
	t.Parallel()

	s := stats.Summarize([]uint64{3, 7})
	require.Equal(t, 2, s.Count)
	require.InDelta(t, 5.0, s.Mean, 1e-9)
	require.InDelta(t, 2.0, s.StdDev, 1e-9)
	require.InDelta(t, 0.1, s.Gini, 1e-9)
}
