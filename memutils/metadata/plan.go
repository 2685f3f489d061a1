package metadata

import (
	"github.com/pkg/errors"
	"github.com/vkngwrapper/vkpack/memutils"
)

// BumpRequest is a single reservation in a planned bump layout
type BumpRequest struct {
	Size      int
	Alignment uint
}

// BumpLayout is the result of PlanBumpLayout: the offset each request will be placed at, and the
// smallest block size that can hold every request.
type BumpLayout struct {
	Offsets  []int
	Capacity int
}

func bumpPlacement(highWaterMark int, size int, alignment uint) (offset int, paddedSize int) {
	return memutils.AlignUp(highWaterMark, alignment), memutils.AlignUp(size, alignment)
}

// PlanBumpLayout walks the requests in order with the same placement rule BumpBlockMetadata uses,
// so a block initialized with the returned Capacity will accept every request at the returned offset.
func PlanBumpLayout(requests []BumpRequest) (BumpLayout, error) {
	layout := BumpLayout{
		Offsets: make([]int, len(requests)),
	}

	for i, request := range requests {
		alignment := request.Alignment
		if alignment == 0 {
			alignment = 1
		}

		if request.Size <= 0 {
			return BumpLayout{}, errors.Errorf("request %d has size %d, but sizes must be greater than 0", i, request.Size)
		}
		if err := memutils.CheckPow2(alignment, "alignment"); err != nil {
			return BumpLayout{}, errors.Wrapf(err, "request %d", i)
		}

		offset, paddedSize := bumpPlacement(layout.Capacity, request.Size, alignment)
		layout.Offsets[i] = offset
		layout.Capacity = offset + paddedSize + memutils.DebugMargin
	}

	return layout, nil
}
