package metadata

import (
	"sort"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/vkpack/memutils"
)

// BumpBlockMetadata is a BlockMetadata implementation that represents a build-time memory arena.
// Reservations are always placed at the high-water mark, aligned up to the requested alignment,
// and are never released individually. Placement is fully determined by the sequence of requests,
// so PlanBumpLayout can compute the exact size a block needs before it is created.
type BumpBlockMetadata struct {
	BlockMetadataBase

	highWaterMark  int
	suballocations []Suballocation
}

var _ BlockMetadata = &BumpBlockMetadata{}

// NewBumpBlockMetadata creates a new, uninitialized BumpBlockMetadata
func NewBumpBlockMetadata() *BumpBlockMetadata {
	return &BumpBlockMetadata{
		suballocations: []Suballocation{},
	}
}

// Init prepares this structure for reservations and sizes the block in bytes based on the parameter size.
func (m *BumpBlockMetadata) Init(size int) {
	m.BlockMetadataBase.Init(size)
	m.highWaterMark = 0
	m.suballocations = m.suballocations[:0]
}

// HighWaterMark is the offset of the first byte that has never been reserved
func (m *BumpBlockMetadata) HighWaterMark() int {
	return m.highWaterMark
}

// SumFreeSize returns the number of bytes above the high-water mark
func (m *BumpBlockMetadata) SumFreeSize() int {
	return m.size - m.highWaterMark
}

func (m *BumpBlockMetadata) AllocationCount() int {
	return len(m.suballocations)
}

func (m *BumpBlockMetadata) IsEmpty() bool {
	return len(m.suballocations) == 0
}

// Suballocations returns a copy of the reservations in this block in offset order
func (m *BumpBlockMetadata) Suballocations() []Suballocation {
	result := make([]Suballocation, len(m.suballocations))
	copy(result, m.suballocations)
	return result
}

// Validate performs internal consistency checks on the metadata
func (m *BumpBlockMetadata) Validate() error {
	if m.highWaterMark < 0 || m.highWaterMark > m.size {
		return errors.Errorf("the high-water mark %d is outside the block, which is size %d", m.highWaterMark, m.size)
	}

	lastEnd := 0
	for i, suballoc := range m.suballocations {
		if suballoc.Type == 0 {
			return errors.Errorf("reservation %d has the free type", i)
		}

		if suballoc.Size < suballoc.RequestedSize || suballoc.RequestedSize <= 0 {
			return errors.Errorf("reservation %d has size %d but requested size %d", i, suballoc.Size, suballoc.RequestedSize)
		}

		if suballoc.Offset < lastEnd {
			return errors.Errorf("reservation %d at offset %d overlaps the previous reservation, which ends at %d", i, suballoc.Offset, lastEnd)
		}

		lastEnd = suballoc.End() + memutils.DebugMargin
	}

	if lastEnd != m.highWaterMark {
		return errors.Errorf("the last reservation ends at %d but the high-water mark is %d", lastEnd, m.highWaterMark)
	}

	return nil
}

// VisitAllRegions will call the provided callback once for each reservation and unused region in
// the block, in offset order. Alignment gaps and debug margins are reported as unused regions.
func (m *BumpBlockMetadata) VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error {
	lastEnd := 0

	for _, suballoc := range m.suballocations {
		if suballoc.Offset > lastEnd {
			err := handleBlock(NoAllocation, lastEnd, suballoc.Offset-lastEnd, nil, true)
			if err != nil {
				return err
			}
		}

		err := handleBlock(BlockAllocationHandle(suballoc.Offset+1), suballoc.Offset, suballoc.Size, suballoc.UserData, false)
		if err != nil {
			return err
		}

		lastEnd = suballoc.End()
	}

	if lastEnd < m.size {
		return handleBlock(NoAllocation, lastEnd, m.size-lastEnd, nil, true)
	}

	return nil
}

func (m *BumpBlockMetadata) findSuballocation(allocHandle BlockAllocationHandle) (*Suballocation, error) {
	if allocHandle == NoAllocation || allocHandle == 0 {
		return nil, errors.New("attempted to look up an invalid handle")
	}

	offset := int(allocHandle) - 1
	index := sort.Search(len(m.suballocations), func(i int) bool {
		return m.suballocations[i].Offset >= offset
	})

	if index >= len(m.suballocations) || m.suballocations[index].Offset != offset {
		return nil, errors.Errorf("there is no reservation at offset %d", offset)
	}

	return &m.suballocations[index], nil
}

func (m *BumpBlockMetadata) AllocationOffset(allocHandle BlockAllocationHandle) (int, error) {
	suballoc, err := m.findSuballocation(allocHandle)
	if err != nil {
		return 0, err
	}

	return suballoc.Offset, nil
}

func (m *BumpBlockMetadata) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	suballoc, err := m.findSuballocation(allocHandle)
	if err != nil {
		return nil, err
	}

	return suballoc.UserData, nil
}

// AddDetailedStatistics sums this block's statistics into the statistics currently present
// in the provided memutils.DetailedStatistics object.
func (m *BumpBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.Statistics.BlockCount++
	stats.Statistics.BlockBytes += m.Size()

	_ = m.VisitAllRegions(
		func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			if free {
				stats.AddUnusedRange(size)
			} else {
				stats.AddAllocation(size)
			}

			return nil
		})
}

// AddStatistics sums this block's statistics into the statistics currently present in the
// provided memutils.Statistics object.
func (m *BumpBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += m.Size()
	stats.AllocationCount += len(m.suballocations)

	for _, suballoc := range m.suballocations {
		stats.AllocationBytes += suballoc.Size
	}
}

// BlockJsonData populates a json object with information about this block
func (m *BumpBlockMetadata) BlockJsonData(json *jwriter.ObjectState) {
	var unusedRangeCount, usedBytes int

	_ = m.VisitAllRegions(
		func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			if free {
				unusedRangeCount++
			} else {
				usedBytes += size
			}

			return nil
		})

	m.WriteBlockJson(json, m.Size()-usedBytes, len(m.suballocations), unusedRangeCount)
	json.Name("HighWaterMark").Int(m.highWaterMark)
}

// Clear instantly forgets all reservations and resets the high-water mark
func (m *BumpBlockMetadata) Clear() {
	m.highWaterMark = 0
	m.suballocations = m.suballocations[:0]
}

// CheckCorruption accepts the mapped bytes of the underlying memory that this block manages. It will
// return nil if anti-corruption memory markers are present after every reservation in the block.
func (m *BumpBlockMetadata) CheckCorruption(blockData []byte) error {
	for _, suballoc := range m.suballocations {
		if !memutils.ValidateMagicValue(blockData, suballoc.End()) {
			return errors.Wrapf(memutils.CorruptionError, "reservation at offset %d", suballoc.Offset)
		}
	}

	return nil
}

// CreateAllocationRequest retrieves an AllocationRequest object indicating where the block would
// place the requested reservation. The boolean return value is false if the reservation does not
// fit in the remaining space.
func (m *BumpBlockMetadata) CreateAllocationRequest(allocSize int, allocAlignment uint, allocType uint32) (bool, AllocationRequest, error) {
	if allocSize <= 0 {
		return false, AllocationRequest{}, errors.New("allocation size must be greater than 0")
	}
	if allocType == 0 {
		return false, AllocationRequest{}, errors.New("allocation type cannot be the free type")
	}
	if allocAlignment == 0 {
		allocAlignment = 1
	}
	if err := memutils.CheckPow2(allocAlignment, "allocAlignment"); err != nil {
		return false, AllocationRequest{}, err
	}
	memutils.DebugValidate(m)

	offset, paddedSize := bumpPlacement(m.highWaterMark, allocSize, allocAlignment)
	if offset+allocSize+memutils.DebugMargin > m.size {
		return false, AllocationRequest{}, nil
	}

	// The padded tail never extends past the end of the block
	if limit := m.size - memutils.DebugMargin - offset; paddedSize > limit {
		paddedSize = limit
	}

	return true, AllocationRequest{
		BlockAllocationHandle: BlockAllocationHandle(offset + 1),
		Size:                  paddedSize,
		Item: Suballocation{
			Offset:        offset,
			Size:          paddedSize,
			RequestedSize: allocSize,
			Type:          allocType,
		},
		Type:      AllocationRequestEndOfBlock,
		AllocType: allocType,
	}, nil
}

// Alloc commits an AllocationRequest object. An error is returned if another reservation was committed
// after the request was created, or if the request no longer fits.
func (m *BumpBlockMetadata) Alloc(req AllocationRequest, allocType uint32, userData any) error {
	if req.Type != AllocationRequestEndOfBlock {
		return errors.Errorf("attempted to allocate a request of type %s, but that type isn't supported by the Bump metadata", req.Type)
	}

	offset := int(req.BlockAllocationHandle) - 1
	if offset != req.Item.Offset {
		return errors.Errorf("the request handle points at offset %d, but the request item is at offset %d", offset, req.Item.Offset)
	}

	if offset < m.highWaterMark {
		return errors.Errorf("attempted to reserve memory at offset %d, below the high-water mark %d", offset, m.highWaterMark)
	}

	end := offset + req.Size + memutils.DebugMargin
	if end > m.size {
		return errors.Errorf("attempted to reserve memory up to offset %d, past the end of the block, which is size %d", end, m.size)
	}

	m.suballocations = append(m.suballocations, Suballocation{
		Offset:        offset,
		Size:          req.Size,
		RequestedSize: req.Item.RequestedSize,
		UserData:      userData,
		Type:          allocType,
	})
	m.highWaterMark = end

	return nil
}
