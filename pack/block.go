package pack

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/vkpack/gpu"
)

// Block is a single resource bound to a range of a pool. The only implementations are *BufferBlock
// and *ImageBlock.
type Block interface {
	Name() string
	Type() ResourceType
	Kind() MemoryKind
	Pool() *MemoryPool
	// Range is the byte range of the pool the resource is bound to. Size is the resource's bound
	// length: the buffer size for buffers and the required memory size for images. The reservation
	// behind it may be larger.
	Range() MemoryRange
	Payload() Payload
	Resource() gpu.Resource

	destroy()
}

type blockData struct {
	name    string
	pool    *MemoryPool
	offset  int
	size    int
	payload Payload
}

func (b *blockData) Name() string       { return b.name }
func (b *blockData) Kind() MemoryKind   { return b.pool.Kind() }
func (b *blockData) Pool() *MemoryPool  { return b.pool }
func (b *blockData) Payload() Payload   { return b.payload }
func (b *blockData) Range() MemoryRange { return MemoryRange{Offset: b.offset, Size: b.size} }

// BufferBlock is a buffer bound to a range of a pool
type BufferBlock struct {
	blockData
	buffer gpu.Buffer
}

var _ Block = &BufferBlock{}

func (b *BufferBlock) Type() ResourceType     { return ResourceBuffer }
func (b *BufferBlock) Buffer() gpu.Buffer     { return b.buffer }
func (b *BufferBlock) Resource() gpu.Resource { return b.buffer }

// Size is the size of the buffer that was created, which is never larger than the bound range
func (b *BufferBlock) Size() int {
	return b.buffer.Size()
}

// DynamicOffset returns the byte offset within the buffer of element n of a dynamic uniform payload
func (b *BufferBlock) DynamicOffset(n int) (int, error) {
	if b.payload.Kind != PayloadDynamicUniform {
		return 0, errors.Newf("block %q has a %s payload, not a dynamic uniform payload", b.name, b.payload.Kind)
	}
	if n < 0 || n >= b.payload.Count {
		return 0, errors.Wrapf(ErrOutOfRange, "element %d is outside block %q, which has %d elements", n, b.name, b.payload.Count)
	}

	return n * b.payload.Stride, nil
}

func (b *BufferBlock) destroy() {
	b.buffer.Destroy()
}

// ImageBlock is an image bound to a range of a pool. It tracks the layout the image was left in by
// the last completed transfer.
type ImageBlock struct {
	blockData
	image       gpu.Image
	finalLayout gpu.ImageLayout

	layoutMutex sync.Mutex
	layout      gpu.ImageLayout
}

var _ Block = &ImageBlock{}

func (b *ImageBlock) Type() ResourceType     { return ResourceImage }
func (b *ImageBlock) Image() gpu.Image       { return b.image }
func (b *ImageBlock) Resource() gpu.Resource { return b.image }

// FinalLayout is the layout transfers into the image leave it in
func (b *ImageBlock) FinalLayout() gpu.ImageLayout { return b.finalLayout }

// Layout is the layout the image is in after the last completed transfer
func (b *ImageBlock) Layout() gpu.ImageLayout {
	b.layoutMutex.Lock()
	defer b.layoutMutex.Unlock()

	return b.layout
}

// SetLayout records a layout transition performed outside this module
func (b *ImageBlock) SetLayout(layout gpu.ImageLayout) {
	b.layoutMutex.Lock()
	defer b.layoutMutex.Unlock()

	b.layout = layout
}

func (b *ImageBlock) destroy() {
	b.image.Destroy()
}

// BufferSlice is a byte range of a buffer block
type BufferSlice struct {
	Block *BufferBlock
	// Range is relative to the start of the buffer
	Range MemoryRange
}

// Buffer is the native buffer the slice belongs to
func (s BufferSlice) Buffer() gpu.Buffer {
	return s.Block.buffer
}

// PoolRange is the slice's range relative to the start of its pool
func (s BufferSlice) PoolRange() MemoryRange {
	return MemoryRange{Offset: s.Block.offset + s.Range.Offset, Size: s.Range.Size}
}

// sliceBlock checks that byteRange lies within the block's bound length
func sliceBlock(block *BufferBlock, byteRange MemoryRange) (BufferSlice, error) {
	bound := MemoryRange{Size: block.size}
	if byteRange.Offset < 0 || byteRange.Size < 0 || !bound.Contains(byteRange) {
		return BufferSlice{}, errors.Wrapf(ErrOutOfRange, "range at offset %d with size %d is outside block %q, which is size %d", byteRange.Offset, byteRange.Size, block.name, block.size)
	}

	return BufferSlice{Block: block, Range: byteRange}, nil
}
