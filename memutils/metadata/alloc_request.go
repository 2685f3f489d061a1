package metadata

// AllocationRequestType records how a request was placed
type AllocationRequestType uint32

const (
	// AllocationRequestEndOfBlock places the reservation at the block's high-water mark
	AllocationRequestEndOfBlock AllocationRequestType = iota
)

var allocationRequestMapping = map[AllocationRequestType]string{
	AllocationRequestEndOfBlock: "EndOfBlock",
}

func (t AllocationRequestType) String() string {
	return allocationRequestMapping[t]
}

// AllocationRequest is a planned reservation. It is produced by BlockMetadata.CreateAllocationRequest,
// applied to native memory by the caller, then committed with BlockMetadata.Alloc.
type AllocationRequest struct {
	BlockAllocationHandle BlockAllocationHandle
	// Size includes alignment padding and may exceed the requested size
	Size int
	Item Suballocation
	Type AllocationRequestType

	AllocType uint32
}
