package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/vkpack/memutils"
)

// BlockMetadata is the reservation bookkeeping for one pool. Reservations are requested with
// CreateAllocationRequest and committed with Alloc. They are never returned individually: the pool
// is released as a unit, and Clear forgets everything at once.
type BlockMetadata interface {
	// Init sizes the block and must be called before any other method
	Init(size int)
	Size() int

	// Validate checks internal consistency. An error always indicates a bug in the implementation.
	Validate() error
	AllocationCount() int
	// SumFreeSize is the number of bytes that can still be reserved
	SumFreeSize() int
	IsEmpty() bool

	// VisitAllRegions calls handleBlock for each reservation and each unused gap, in offset order.
	// Iteration stops at the first error, which is returned.
	VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error

	AllocationOffset(allocHandle BlockAllocationHandle) (int, error)
	AllocationUserData(allocHandle BlockAllocationHandle) (any, error)

	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	AddStatistics(stats *memutils.Statistics)

	Clear()
	BlockJsonData(json *jwriter.ObjectState)

	// CheckCorruption inspects the mapped contents of the block for overwritten guard bytes after
	// each reservation. Guards only exist in builds with the debug_mem_utils tag; the owner writes them
	// with memutils.WriteMagicValue after committing each reservation.
	CheckCorruption(blockData []byte) error

	// CreateAllocationRequest reports where a reservation of allocSize bytes would be placed, or false if
	// it does not fit. allocType is stored with the reservation and must not be 0.
	CreateAllocationRequest(allocSize int, allocAlignment uint, allocType uint32) (bool, AllocationRequest, error)
	// Alloc commits a request. It fails if the request was invalidated by a reservation committed after
	// it was created.
	Alloc(request AllocationRequest, allocType uint32, userData any) error
}

// BlockMetadataBase holds the block size for BlockMetadata implementations
type BlockMetadataBase struct {
	size int
}

func (m *BlockMetadataBase) Init(size int) {
	m.size = size
}

func (m *BlockMetadataBase) Size() int { return m.size }

// WriteBlockJson writes the summary fields every block reports
func (m *BlockMetadataBase) WriteBlockJson(json *jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(m.size)
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}
