package fakegpu_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/vkpack/gpu"
	"github.com/vkngwrapper/vkpack/gpu/fakegpu"
)

func TestMapRequiresHostVisible(t *testing.T) {
	device := fakegpu.New(fakegpu.Options{})

	deviceLocal, err := device.AllocateMemory(0, 1024)
	require.NoError(t, err)
	_, err = deviceLocal.Map(0, -1)
	require.Error(t, err)

	hostVisible, err := device.AllocateMemory(1, 1024)
	require.NoError(t, err)
	data, err := hostVisible.Map(0, -1)
	require.NoError(t, err)
	require.Len(t, data, 1024)

	_, err = hostVisible.Map(0, -1)
	require.Error(t, err, "memory cannot be mapped twice")

	hostVisible.Unmap()
	deviceLocal.Free()
	hostVisible.Free()
	require.Equal(t, 0, device.LiveObjects())
}

func TestFlushRequiresAtomAlignment(t *testing.T) {
	device := fakegpu.New(fakegpu.Options{})

	memory, err := device.AllocateMemory(2, 1000)
	require.NoError(t, err)
	_, err = memory.Map(0, -1)
	require.NoError(t, err)

	require.NoError(t, memory.Flush(64, 128))
	require.Error(t, memory.Flush(10, 64))
	require.Error(t, memory.Flush(0, 10))
	// The end of the allocation is always a valid end of range
	require.NoError(t, memory.Flush(960, 40))
	require.NoError(t, memory.Invalidate(0, -1))
}

func TestBindChecksRequirements(t *testing.T) {
	device := fakegpu.New(fakegpu.Options{})
	device.RestrictMemoryTypes(gpu.BufferUsageVertexBuffer, 0b0001)

	memory, err := device.AllocateMemory(1, 1024)
	require.NoError(t, err)

	buffer, err := device.CreateBuffer(gpu.BufferCreateInfo{Size: 10, Usage: gpu.BufferUsageVertexBuffer})
	require.NoError(t, err)
	require.Equal(t, gpu.MemoryRequirements{Size: 12, Alignment: 4, MemoryTypeBits: 0b0001}, buffer.Requirements())
	require.Error(t, buffer.Bind(memory, 0), "memory type 1 is excluded by the restriction")

	other, err := device.CreateBuffer(gpu.BufferCreateInfo{Size: 10, Usage: gpu.BufferUsageUniformBuffer})
	require.NoError(t, err)
	require.Error(t, other.Bind(memory, 2), "offset is not aligned")
	require.Error(t, other.Bind(memory, 1020), "buffer does not fit")
	require.NoError(t, other.Bind(memory, 1012))
	require.Error(t, other.Bind(memory, 0), "buffer is already bound")
}

func TestImageCopyAndLayouts(t *testing.T) {
	device := fakegpu.New(fakegpu.Options{})

	memory, err := device.AllocateMemory(1, 4096)
	require.NoError(t, err)
	data, err := memory.Map(0, -1)
	require.NoError(t, err)

	staging, err := device.CreateBuffer(gpu.BufferCreateInfo{Size: 64, Usage: gpu.BufferUsageTransferSrc})
	require.NoError(t, err)
	require.NoError(t, staging.Bind(memory, 0))

	image, err := device.CreateImage(gpu.ImageCreateInfo{
		Extent: gpu.Extent3D{Width: 4, Height: 4, Depth: 1},
		Format: gpu.FormatR8G8B8A8UNorm,
		Usage:  gpu.ImageUsageTransferDst,
	})
	require.NoError(t, err)
	require.NoError(t, image.Bind(memory, 256))

	for i := 0; i < 64; i++ {
		data[i] = byte(i)
	}

	queue, err := device.Queue(gpu.QueueRoleTransfer)
	require.NoError(t, err)
	commandBuffer, err := device.CreateCommandBuffer(gpu.QueueRoleTransfer)
	require.NoError(t, err)
	fence, err := device.CreateFence()
	require.NoError(t, err)

	require.NoError(t, commandBuffer.Begin())
	require.NoError(t, commandBuffer.PipelineBarrier(gpu.PipelineStageTopOfPipe, gpu.PipelineStageTransfer, nil, []gpu.ImageBarrier{
		{Image: image, OldLayout: gpu.ImageLayoutUndefined, NewLayout: gpu.ImageLayoutTransferDstOptimal, DstAccess: gpu.AccessTransferWrite},
	}))
	require.NoError(t, commandBuffer.CopyBufferToImage(staging, image, gpu.ImageLayoutTransferDstOptimal, []gpu.BufferImageCopy{
		{ImageExtent: gpu.Extent3D{Width: 4, Height: 4, Depth: 1}},
	}))
	require.NoError(t, commandBuffer.End())
	require.NoError(t, queue.Submit([]gpu.CommandBuffer{commandBuffer}, fence))
	require.NoError(t, fence.Wait(time.Second))

	fakeImage := image.(*fakegpu.Image)
	require.Equal(t, gpu.ImageLayoutTransferDstOptimal, fakeImage.Layout())
	require.Equal(t, data[:64], fakeImage.Bytes())
	require.Empty(t, device.ValidationErrors())

	// Copying while claiming the wrong layout is reported when the work executes
	require.NoError(t, commandBuffer.Reset())
	require.NoError(t, fence.Reset())
	require.NoError(t, commandBuffer.Begin())
	require.NoError(t, commandBuffer.CopyImageToBuffer(image, gpu.ImageLayoutTransferSrcOptimal, staging, []gpu.BufferImageCopy{
		{ImageExtent: gpu.Extent3D{Width: 4, Height: 4, Depth: 1}},
	}))
	require.NoError(t, commandBuffer.End())
	require.NoError(t, queue.Submit([]gpu.CommandBuffer{commandBuffer}, fence))
	require.NoError(t, fence.Wait(time.Second))
	require.Len(t, device.ValidationErrors(), 1)
}

func TestDeferredExecution(t *testing.T) {
	device := fakegpu.New(fakegpu.Options{DeferExecution: true})

	memory, err := device.AllocateMemory(1, 256)
	require.NoError(t, err)
	src, err := device.CreateBuffer(gpu.BufferCreateInfo{Size: 16})
	require.NoError(t, err)
	require.NoError(t, src.Bind(memory, 0))
	dst, err := device.CreateBuffer(gpu.BufferCreateInfo{Size: 16})
	require.NoError(t, err)
	require.NoError(t, dst.Bind(memory, 128))
	copy(src.(*fakegpu.Buffer).Bytes(), "0123456789abcdef")

	queue, err := device.Queue(gpu.QueueRoleGraphics)
	require.NoError(t, err)
	commandBuffer, err := device.CreateCommandBuffer(gpu.QueueRoleGraphics)
	require.NoError(t, err)
	fence, err := device.CreateFence()
	require.NoError(t, err)

	require.NoError(t, commandBuffer.Begin())
	require.NoError(t, commandBuffer.CopyBuffer(src, dst, []gpu.BufferCopy{{Size: 16}}))
	require.NoError(t, commandBuffer.End())
	require.NoError(t, queue.Submit([]gpu.CommandBuffer{commandBuffer}, fence))

	require.ErrorIs(t, fence.Wait(time.Millisecond), gpu.ErrFenceTimeout)
	signaled, err := fence.Signaled()
	require.NoError(t, err)
	require.False(t, signaled)
	require.Equal(t, 1, device.PendingSubmissions())

	require.True(t, device.ExecuteNext())
	require.NoError(t, fence.Wait(0))
	require.Equal(t, "0123456789abcdef", string(dst.(*fakegpu.Buffer).Bytes()))
	require.False(t, device.ExecuteNext())
}

func TestFenceDestroyedWhileWaiting(t *testing.T) {
	device := fakegpu.New(fakegpu.Options{})

	fence, err := device.CreateFence()
	require.NoError(t, err)
	fakeFence := fence.(*fakegpu.Fence)

	waited := make(chan error)
	go func() {
		waited <- fence.Wait(100 * time.Millisecond)
	}()

	require.Eventually(t, func() bool { return fakeFence.Waiters() == 1 }, time.Second, time.Millisecond)
	fence.Destroy()
	require.Len(t, device.ValidationErrors(), 1)

	require.ErrorIs(t, <-waited, gpu.ErrFenceTimeout)
	require.Equal(t, 0, fakeFence.Waiters())

	require.Error(t, fence.Wait(0))
	_, err = fence.Signaled()
	require.Error(t, err)
	require.Len(t, device.ValidationErrors(), 3)
	require.Equal(t, 0, device.LiveObjects())
}

func TestQueueRoles(t *testing.T) {
	device := fakegpu.New(fakegpu.Options{Roles: []gpu.QueueRole{gpu.QueueRoleGraphics, gpu.QueueRolePresent}})

	_, err := device.Queue(gpu.QueueRoleTransfer)
	require.ErrorIs(t, err, gpu.ErrQueueRoleUnsupported)

	present, err := device.Queue(gpu.QueueRolePresent)
	require.NoError(t, err)
	require.ErrorIs(t, present.Submit(nil, nil), gpu.ErrQueueRoleUnsupported)

	graphics, err := device.Queue(gpu.QueueRoleGraphics)
	require.NoError(t, err)
	require.Equal(t, 0, graphics.Family())
	require.Equal(t, 1, present.Family())
}

func TestInjectedFailures(t *testing.T) {
	device := fakegpu.New(fakegpu.Options{})
	injected := fakegpu.ErrInjected

	device.InjectFailure(fakegpu.FailAllocateMemory, injected)
	_, err := device.AllocateMemory(0, 64)
	require.ErrorIs(t, err, injected)
	_, err = device.AllocateMemory(0, 64)
	require.NoError(t, err, "failures are consumed by the first operation")

	commandBuffer, err := device.CreateCommandBuffer(gpu.QueueRoleTransfer)
	require.NoError(t, err)
	require.NoError(t, commandBuffer.Begin())
	device.InjectFailure(fakegpu.FailRecord, injected)
	require.ErrorIs(t, commandBuffer.End(), injected)

	queue, err := device.Queue(gpu.QueueRoleTransfer)
	require.NoError(t, err)
	require.Error(t, queue.Submit([]gpu.CommandBuffer{commandBuffer}, nil), "a failed recording is not executable")
}
