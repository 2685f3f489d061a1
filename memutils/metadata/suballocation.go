package metadata

import "math"

// BlockAllocationHandle identifies a single reservation within a BlockMetadata implementation
type BlockAllocationHandle uint64

const (
	NoAllocation BlockAllocationHandle = math.MaxUint64
)

// Suballocation is a single reservation within a block. Size includes the alignment padding
// that the reservation owns, RequestedSize does not.
type Suballocation struct {
	Offset        int
	Size          int
	RequestedSize int
	UserData      any
	Type          uint32
}

// End is the offset of the first byte following the reservation
func (s Suballocation) End() int {
	return s.Offset + s.Size
}
