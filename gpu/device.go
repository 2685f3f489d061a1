package gpu

//go:generate mockgen -destination=mocks/mocks.go github.com/vkngwrapper/vkpack/gpu Buffer,CommandBuffer,Device,Fence,Image,Memory,Queue

import "time"

// Device is the native device the memory system allocates from. Implementations wrap a real
// graphics API device or simulate one in host memory.
type Device interface {
	Limits() Limits
	MemoryProperties() MemoryProperties

	// AllocateMemory creates a single physical allocation of size bytes from the memory type
	AllocateMemory(memoryTypeIndex int, size int) (Memory, error)
	CreateBuffer(info BufferCreateInfo) (Buffer, error)
	CreateImage(info ImageCreateInfo) (Image, error)
	CreateFence() (Fence, error)
	// CreateCommandBuffer allocates a primary command buffer that can be submitted to queues of the
	// provided role
	CreateCommandBuffer(role QueueRole) (CommandBuffer, error)
	// Queue returns the queue acquired for the role, or ErrQueueRoleUnsupported
	Queue(role QueueRole) (Queue, error)

	WaitIdle() error
}

// Memory is a single physical allocation
type Memory interface {
	Size() int
	MemoryTypeIndex() int

	// Map returns a host view of size bytes starting at offset. A size of -1 maps to the end of
	// the allocation. Mapping memory that is not host visible fails.
	Map(offset, size int) ([]byte, error)
	Unmap()
	// Flush makes host writes to the range visible to the device. It is only required for memory
	// types that are not host coherent.
	Flush(offset, size int) error
	// Invalidate makes device writes to the range visible to the host. It is only required for
	// memory types that are not host coherent.
	Invalidate(offset, size int) error

	Free()
}

// Resource is a buffer or image that must be bound to memory before use
type Resource interface {
	Requirements() MemoryRequirements
	Bind(memory Memory, offset int) error
	Destroy()
}

type Buffer interface {
	Resource
	Size() int
	Usage() BufferUsageFlags
}

type Image interface {
	Resource
	Extent() Extent3D
	Format() Format
	Tiling() ImageTiling
	Usage() ImageUsageFlags
}

// CommandBuffer records copy and barrier commands for submission to a queue
type CommandBuffer interface {
	Begin() error
	CopyBuffer(src Buffer, dst Buffer, regions []BufferCopy) error
	CopyBufferToImage(src Buffer, dst Image, dstLayout ImageLayout, regions []BufferImageCopy) error
	CopyImageToBuffer(src Image, srcLayout ImageLayout, dst Buffer, regions []BufferImageCopy) error
	PipelineBarrier(srcStage, dstStage PipelineStageFlags, buffers []BufferBarrier, images []ImageBarrier) error
	End() error

	// Reset discards everything recorded since Begin
	Reset() error
	Free()
}

// Queue executes submitted command buffers. Every queue was acquired for exactly one role.
type Queue interface {
	Role() QueueRole
	Family() int
	// Submit queues the command buffers for execution and signals the fence once they complete.
	// It does not wait for execution.
	Submit(commandBuffers []CommandBuffer, fence Fence) error
	WaitIdle() error
}

// Fence is a device-to-host completion signal
type Fence interface {
	// Wait blocks until the fence signals or the timeout elapses, in which case ErrFenceTimeout
	// is returned
	Wait(timeout time.Duration) error
	Signaled() (bool, error)
	Reset() error
	Destroy()
}
