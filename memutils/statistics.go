package memutils

import (
	"math"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// Statistics summarizes the pools and reservations of some portion of a memory system. BlockCount and
// BlockBytes count pools (physical allocations), AllocationCount and AllocationBytes count the
// reservations made within them.
type Statistics struct {
	BlockCount      int
	AllocationCount int
	BlockBytes      int
	AllocationBytes int
}

func (s *Statistics) Clear() {
	*s = Statistics{}
}

// UnusedBytes is the number of pool bytes that have not been reserved
func (s *Statistics) UnusedBytes() int {
	return s.BlockBytes - s.AllocationBytes
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.BlockCount += other.BlockCount
	s.AllocationCount += other.AllocationCount
	s.BlockBytes += other.BlockBytes
	s.AllocationBytes += other.AllocationBytes
}

func (s *Statistics) WriteJson(json *jwriter.ObjectState) {
	json.Name("BlockCount").Int(s.BlockCount)
	json.Name("BlockBytes").Int(s.BlockBytes)
	json.Name("AllocationCount").Int(s.AllocationCount)
	json.Name("AllocationBytes").Int(s.AllocationBytes)
}

// sizeRange tracks the smallest and largest of a series of sizes. An empty range has a minimum of
// math.MaxInt and a maximum of 0.
type sizeRange struct {
	min, max int
}

func (r *sizeRange) add(size int) {
	r.merge(sizeRange{min: size, max: size})
}

func (r *sizeRange) merge(other sizeRange) {
	if other.min < r.min {
		r.min = other.min
	}
	if other.max > r.max {
		r.max = other.max
	}
}

// DetailedStatistics extends Statistics with size ranges for reservations and unused ranges
type DetailedStatistics struct {
	Statistics
	UnusedRangeCount   int
	AllocationSizeMin  int
	AllocationSizeMax  int
	UnusedRangeSizeMin int
	UnusedRangeSizeMax int
}

func (s *DetailedStatistics) Clear() {
	*s = DetailedStatistics{
		AllocationSizeMin:  math.MaxInt,
		UnusedRangeSizeMin: math.MaxInt,
	}
}

func (s *DetailedStatistics) allocationRange() *sizeRange {
	return &sizeRange{min: s.AllocationSizeMin, max: s.AllocationSizeMax}
}

func (s *DetailedStatistics) unusedRange() *sizeRange {
	return &sizeRange{min: s.UnusedRangeSizeMin, max: s.UnusedRangeSizeMax}
}

func (s *DetailedStatistics) setRanges(allocations, unused *sizeRange) {
	s.AllocationSizeMin, s.AllocationSizeMax = allocations.min, allocations.max
	s.UnusedRangeSizeMin, s.UnusedRangeSizeMax = unused.min, unused.max
}

// AddUnusedRange records a gap of size bytes that no reservation covers
func (s *DetailedStatistics) AddUnusedRange(size int) {
	s.UnusedRangeCount++

	unused := s.unusedRange()
	unused.add(size)
	s.setRanges(s.allocationRange(), unused)
}

// AddAllocation records a reservation of size bytes
func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size

	allocations := s.allocationRange()
	allocations.add(size)
	s.setRanges(allocations, s.unusedRange())
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.UnusedRangeCount += other.UnusedRangeCount

	allocations, unused := s.allocationRange(), s.unusedRange()
	allocations.merge(*other.allocationRange())
	unused.merge(*other.unusedRange())
	s.setRanges(allocations, unused)
}

// WriteJson populates a json object with the contents of these statistics. Size ranges are only
// written when at least one item of that kind has been recorded.
func (s *DetailedStatistics) WriteJson(json *jwriter.ObjectState) {
	s.Statistics.WriteJson(json)
	json.Name("UnusedRangeCount").Int(s.UnusedRangeCount)

	if s.AllocationCount > 0 {
		json.Name("AllocationSizeMin").Int(s.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(s.AllocationSizeMax)
	}

	if s.UnusedRangeCount > 0 {
		json.Name("UnusedRangeSizeMin").Int(s.UnusedRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(s.UnusedRangeSizeMax)
	}
}
