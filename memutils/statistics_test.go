package memutils

import (
	"math"
	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
)

func TestDetailedStatisticsMerge(t *testing.T) {
	var empty DetailedStatistics
	empty.Clear()

	var stats DetailedStatistics
	stats.Clear()
	stats.BlockCount = 1
	stats.BlockBytes = 1024
	stats.AddAllocation(64)
	stats.AddAllocation(512)
	stats.AddUnusedRange(448)

	var total DetailedStatistics
	total.Clear()
	total.AddDetailedStatistics(&empty)
	require.Equal(t, math.MaxInt, total.AllocationSizeMin)
	require.Equal(t, 0, total.AllocationSizeMax)

	total.AddDetailedStatistics(&stats)
	total.AddDetailedStatistics(&empty)
	require.Equal(t, DetailedStatistics{
		Statistics: Statistics{
			BlockCount:      1,
			AllocationCount: 2,
			BlockBytes:      1024,
			AllocationBytes: 576,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  64,
		AllocationSizeMax:  512,
		UnusedRangeSizeMin: 448,
		UnusedRangeSizeMax: 448,
	}, total)
	require.Equal(t, 448, total.UnusedBytes())

	writer := jwriter.NewWriter()
	obj := writer.Object()
	empty.WriteJson(&obj)
	obj.End()
	require.JSONEq(t, `{"BlockCount":0,"BlockBytes":0,"AllocationCount":0,"AllocationBytes":0,"UnusedRangeCount":0}`, string(writer.Bytes()))
}
