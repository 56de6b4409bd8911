package memutils

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetailedStatisticsClear(t *testing.T) {
	var stats DetailedStatistics
	stats.Clear()

	require.Equal(t, 0, stats.BlockCount)
	require.Equal(t, 0, stats.AllocationCount)
	require.Equal(t, math.MaxInt, stats.AllocationSizeMin)
	require.Equal(t, 0, stats.AllocationSizeMax)
	require.Equal(t, math.MaxInt, stats.UnusedRangeSizeMin)
}

func TestDetailedStatisticsAddAllocation(t *testing.T) {
	var stats DetailedStatistics
	stats.Clear()

	stats.AddAllocation(100)
	stats.AddAllocation(300)

	require.Equal(t, 2, stats.AllocationCount)
	require.Equal(t, 400, stats.AllocationBytes)
	require.Equal(t, 100, stats.AllocationSizeMin)
	require.Equal(t, 300, stats.AllocationSizeMax)
}

func TestDetailedStatisticsMerge(t *testing.T) {
	var left, right DetailedStatistics
	left.Clear()
	right.Clear()

	left.AddAllocation(64)
	left.AddUnusedRange(512)
	right.AddAllocation(1024)
	right.AddUnusedRange(16)

	left.AddDetailedStatistics(&right)

	require.Equal(t, 2, left.AllocationCount)
	require.Equal(t, 1088, left.AllocationBytes)
	require.Equal(t, 64, left.AllocationSizeMin)
	require.Equal(t, 1024, left.AllocationSizeMax)
	require.Equal(t, 2, left.UnusedRangeCount)
	require.Equal(t, 16, left.UnusedRangeSizeMin)
	require.Equal(t, 512, left.UnusedRangeSizeMax)
}
