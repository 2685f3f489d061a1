package gpu

import "fmt"

// ImageLayout is the arrangement of an image's texels in memory. Values match the native layouts.
type ImageLayout int32

const (
	ImageLayoutUndefined ImageLayout = iota
	ImageLayoutGeneral
	ImageLayoutColorAttachmentOptimal
	ImageLayoutDepthStencilAttachmentOptimal
	ImageLayoutDepthStencilReadOnlyOptimal
	ImageLayoutShaderReadOnlyOptimal
	ImageLayoutTransferSrcOptimal
	ImageLayoutTransferDstOptimal
	ImageLayoutPreinitialized
)

var imageLayoutMapping = map[ImageLayout]string{
	ImageLayoutUndefined:                     "Undefined",
	ImageLayoutGeneral:                       "General",
	ImageLayoutColorAttachmentOptimal:        "ColorAttachmentOptimal",
	ImageLayoutDepthStencilAttachmentOptimal: "DepthStencilAttachmentOptimal",
	ImageLayoutDepthStencilReadOnlyOptimal:   "DepthStencilReadOnlyOptimal",
	ImageLayoutShaderReadOnlyOptimal:         "ShaderReadOnlyOptimal",
	ImageLayoutTransferSrcOptimal:            "TransferSrcOptimal",
	ImageLayoutTransferDstOptimal:            "TransferDstOptimal",
	ImageLayoutPreinitialized:                "Preinitialized",
}

func (l ImageLayout) String() string {
	return imageLayoutMapping[l]
}

// ImageTiling is the texel arrangement an image is created with
type ImageTiling int32

const (
	ImageTilingOptimal ImageTiling = iota
	ImageTilingLinear
)

func (t ImageTiling) String() string {
	if t == ImageTilingLinear {
		return "Linear"
	}
	return "Optimal"
}

// Format is a texel format. Values match the native format enumeration.
type Format int32

const (
	FormatUndefined          Format = 0
	FormatR8UNorm            Format = 9
	FormatR8G8B8A8UNorm      Format = 37
	FormatR8G8B8A8SRGB       Format = 43
	FormatB8G8R8A8UNorm      Format = 44
	FormatR16G16B16A16SFloat Format = 97
	FormatR32SFloat          Format = 100
	FormatR32G32B32A32SFloat Format = 109
	FormatD32SFloat          Format = 126
)

var formatTexelSizes = map[Format]int{
	FormatR8UNorm:            1,
	FormatR8G8B8A8UNorm:      4,
	FormatR8G8B8A8SRGB:       4,
	FormatB8G8R8A8UNorm:      4,
	FormatR16G16B16A16SFloat: 8,
	FormatR32SFloat:          4,
	FormatR32G32B32A32SFloat: 16,
	FormatD32SFloat:          4,
}

// TexelSize is the number of bytes one texel of the format occupies, or 0 for unsupported formats
func (f Format) TexelSize() int {
	return formatTexelSizes[f]
}

// IsDepth returns true for depth formats, which are copied through the depth aspect
func (f Format) IsDepth() bool {
	return f == FormatD32SFloat
}

// QueueRole is the capability a queue was acquired for. The set of roles is closed.
type QueueRole int32

const (
	QueueRoleGraphics QueueRole = iota
	QueueRoleTransfer
	QueueRolePresent
)

var queueRoleMapping = map[QueueRole]string{
	QueueRoleGraphics: "Graphics",
	QueueRoleTransfer: "Transfer",
	QueueRolePresent:  "Present",
}

func (r QueueRole) String() string {
	str, ok := queueRoleMapping[r]
	if !ok {
		return fmt.Sprintf("QueueRole(%d)", int32(r))
	}
	return str
}

// TransferCapable returns true if copy commands may be submitted to queues of this role
func (r QueueRole) TransferCapable() bool {
	return r == QueueRoleGraphics || r == QueueRoleTransfer
}

// MemoryType is a single memory type exposed by a device
type MemoryType struct {
	PropertyFlags MemoryPropertyFlags
	HeapIndex     int
}

// MemoryHeap is a single memory heap exposed by a device
type MemoryHeap struct {
	Size        int
	DeviceLocal bool
}

type MemoryProperties struct {
	MemoryTypes []MemoryType
	MemoryHeaps []MemoryHeap
}

// Limits are the device limits that affect placement of resources in memory
type Limits struct {
	BufferImageGranularity          int
	NonCoherentAtomSize             int
	MinUniformBufferOffsetAlignment int
	MaxMemoryAllocationCount        int
}

// MemoryRequirements are reported by a resource before it is bound
type MemoryRequirements struct {
	Size           int
	Alignment      int
	MemoryTypeBits uint32
}

type Extent3D struct {
	Width  int
	Height int
	Depth  int
}

// Texels returns the number of texels in the extent
func (e Extent3D) Texels() int {
	return e.Width * e.Height * e.Depth
}

type Offset3D struct {
	X int
	Y int
	Z int
}

type BufferCreateInfo struct {
	Size  int
	Usage BufferUsageFlags
}

type ImageCreateInfo struct {
	Extent Extent3D
	Format Format
	Tiling ImageTiling
	Usage  ImageUsageFlags
}

type BufferCopy struct {
	SrcOffset int
	DstOffset int
	Size      int
}

// BufferImageCopy copies tightly packed texels between a buffer and a region of an image
type BufferImageCopy struct {
	BufferOffset int
	ImageOffset  Offset3D
	ImageExtent  Extent3D
}

// BufferBarrier orders accesses to a range of a buffer
type BufferBarrier struct {
	Buffer    Buffer
	Offset    int
	Size      int
	SrcAccess AccessFlags
	DstAccess AccessFlags
}

// ImageBarrier orders accesses to an image and optionally transitions its layout
type ImageBarrier struct {
	Image     Image
	OldLayout ImageLayout
	NewLayout ImageLayout
	SrcAccess AccessFlags
	DstAccess AccessFlags
}
