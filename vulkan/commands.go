package vulkan

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/vkpack/gpu"
	"github.com/vkngwrapper/vkpack/internal/utils"
)

func asBuffer(buffer gpu.Buffer) (core1_0.Buffer, error) {
	vulkanBuffer, ok := buffer.(*Buffer)
	if !ok {
		return nil, errors.Newf("buffer of type %T did not come from a vulkan device", buffer)
	}
	return vulkanBuffer.buffer, nil
}

func asImage(image gpu.Image) (*Image, error) {
	vulkanImage, ok := image.(*Image)
	if !ok {
		return nil, errors.Newf("image of type %T did not come from a vulkan device", image)
	}
	return vulkanImage, nil
}

func imageCopies(image *Image, regions []gpu.BufferImageCopy) []core1_0.BufferImageCopy {
	copies := make([]core1_0.BufferImageCopy, 0, len(regions))
	for _, region := range regions {
		copies = append(copies, core1_0.BufferImageCopy{
			BufferOffset: region.BufferOffset,
			ImageSubresource: core1_0.ImageSubresourceLayers{
				AspectMask: image.aspect(),
				LayerCount: 1,
			},
			ImageOffset: core1_0.Offset3D{X: region.ImageOffset.X, Y: region.ImageOffset.Y, Z: region.ImageOffset.Z},
			ImageExtent: core1_0.Extent3D{Width: region.ImageExtent.Width, Height: region.ImageExtent.Height, Depth: region.ImageExtent.Depth},
		})
	}
	return copies
}

// CommandBuffer is a primary command buffer from the command pool of its queue's family
type CommandBuffer struct {
	device        *Device
	role          gpu.QueueRole
	family        int
	commandBuffer core1_0.CommandBuffer
	freed         bool
}

var _ gpu.CommandBuffer = &CommandBuffer{}

func (c *CommandBuffer) VulkanCommandBuffer() core1_0.CommandBuffer { return c.commandBuffer }

func (c *CommandBuffer) Begin() error {
	_, err := c.commandBuffer.Begin(core1_0.CommandBufferBeginInfo{
		Flags: core1_0.CommandBufferUsageOneTimeSubmit,
	})
	return err
}

func (c *CommandBuffer) CopyBuffer(src gpu.Buffer, dst gpu.Buffer, regions []gpu.BufferCopy) error {
	srcBuffer, err := asBuffer(src)
	if err != nil {
		return err
	}
	dstBuffer, err := asBuffer(dst)
	if err != nil {
		return err
	}

	copies := make([]core1_0.BufferCopy, 0, len(regions))
	for _, region := range regions {
		copies = append(copies, core1_0.BufferCopy{
			SrcOffset: region.SrcOffset,
			DstOffset: region.DstOffset,
			Size:      region.Size,
		})
	}

	return c.commandBuffer.CmdCopyBuffer(srcBuffer, dstBuffer, copies)
}

func (c *CommandBuffer) CopyBufferToImage(src gpu.Buffer, dst gpu.Image, dstLayout gpu.ImageLayout, regions []gpu.BufferImageCopy) error {
	srcBuffer, err := asBuffer(src)
	if err != nil {
		return err
	}
	dstImage, err := asImage(dst)
	if err != nil {
		return err
	}

	return c.commandBuffer.CmdCopyBufferToImage(srcBuffer, dstImage.image, core1_0.ImageLayout(dstLayout), imageCopies(dstImage, regions))
}

func (c *CommandBuffer) CopyImageToBuffer(src gpu.Image, srcLayout gpu.ImageLayout, dst gpu.Buffer, regions []gpu.BufferImageCopy) error {
	srcImage, err := asImage(src)
	if err != nil {
		return err
	}
	dstBuffer, err := asBuffer(dst)
	if err != nil {
		return err
	}

	return c.commandBuffer.CmdCopyImageToBuffer(srcImage.image, core1_0.ImageLayout(srcLayout), dstBuffer, imageCopies(srcImage, regions))
}

// PipelineBarrier records the barriers without queue family ownership transfers. Both family indices
// are the command buffer's own family.
func (c *CommandBuffer) PipelineBarrier(srcStage, dstStage gpu.PipelineStageFlags, buffers []gpu.BufferBarrier, images []gpu.ImageBarrier) error {
	bufferBarriers := make([]core1_0.BufferMemoryBarrier, 0, len(buffers))
	for _, barrier := range buffers {
		buffer, err := asBuffer(barrier.Buffer)
		if err != nil {
			return err
		}

		bufferBarriers = append(bufferBarriers, core1_0.BufferMemoryBarrier{
			SrcAccessMask:       core1_0.AccessFlags(barrier.SrcAccess),
			DstAccessMask:       core1_0.AccessFlags(barrier.DstAccess),
			SrcQueueFamilyIndex: c.family,
			DstQueueFamilyIndex: c.family,
			Buffer:              buffer,
			Offset:              barrier.Offset,
			Size:                barrier.Size,
		})
	}

	imageBarriers := make([]core1_0.ImageMemoryBarrier, 0, len(images))
	for _, barrier := range images {
		image, err := asImage(barrier.Image)
		if err != nil {
			return err
		}

		imageBarriers = append(imageBarriers, core1_0.ImageMemoryBarrier{
			SrcAccessMask:       core1_0.AccessFlags(barrier.SrcAccess),
			DstAccessMask:       core1_0.AccessFlags(barrier.DstAccess),
			OldLayout:           core1_0.ImageLayout(barrier.OldLayout),
			NewLayout:           core1_0.ImageLayout(barrier.NewLayout),
			SrcQueueFamilyIndex: c.family,
			DstQueueFamilyIndex: c.family,
			Image:               image.image,
			SubresourceRange: core1_0.ImageSubresourceRange{
				AspectMask: image.aspect(),
				LevelCount: 1,
				LayerCount: 1,
			},
		})
	}

	return c.commandBuffer.CmdPipelineBarrier(
		core1_0.PipelineStageFlags(srcStage),
		core1_0.PipelineStageFlags(dstStage),
		0,
		nil,
		bufferBarriers,
		imageBarriers,
	)
}

func (c *CommandBuffer) End() error {
	_, err := c.commandBuffer.End()
	return err
}

func (c *CommandBuffer) Reset() error {
	if c.freed {
		return errors.New("attempted to reset a freed command buffer")
	}
	_, err := c.commandBuffer.Reset(0)
	return err
}

func (c *CommandBuffer) Free() {
	if c.freed {
		return
	}

	c.device.poolMutex.Lock()
	defer c.device.poolMutex.Unlock()

	c.commandBuffer.Free()
	c.freed = true
}

// Queue is queue 0 of the family acquired for a role. Submissions are serialized.
type Queue struct {
	device *Device
	role   gpu.QueueRole
	family int
	queue  core1_0.Queue
	mutex  utils.OptionalMutex
}

var _ gpu.Queue = &Queue{}

func (q *Queue) VulkanQueue() core1_0.Queue { return q.queue }

func (q *Queue) Role() gpu.QueueRole { return q.role }
func (q *Queue) Family() int         { return q.family }

func (q *Queue) Submit(commandBuffers []gpu.CommandBuffer, fence gpu.Fence) error {
	if !q.role.TransferCapable() {
		return errors.Wrapf(gpu.ErrQueueRoleUnsupported, "copy commands cannot be submitted to the %s queue", q.role)
	}

	vulkanBuffers := make([]core1_0.CommandBuffer, 0, len(commandBuffers))
	for _, commandBuffer := range commandBuffers {
		vulkanBuffer, ok := commandBuffer.(*CommandBuffer)
		if !ok {
			return errors.Newf("command buffer of type %T did not come from a vulkan device", commandBuffer)
		}
		if vulkanBuffer.family != q.family {
			return errors.Newf("command buffer was allocated for queue family %d, not %d", vulkanBuffer.family, q.family)
		}
		vulkanBuffers = append(vulkanBuffers, vulkanBuffer.commandBuffer)
	}

	var vulkanFence core1_0.Fence
	if fence != nil {
		fenceImpl, ok := fence.(*Fence)
		if !ok {
			return errors.Newf("fence of type %T did not come from a vulkan device", fence)
		}
		vulkanFence = fenceImpl.fence
	}

	q.mutex.Lock()
	defer q.mutex.Unlock()

	_, err := q.queue.Submit(vulkanFence, []core1_0.SubmitInfo{
		{CommandBuffers: vulkanBuffers},
	})
	return err
}

func (q *Queue) WaitIdle() error {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	_, err := q.queue.WaitIdle()
	return err
}

type Fence struct {
	device *Device
	fence  core1_0.Fence
}

var _ gpu.Fence = &Fence{}

func (f *Fence) VulkanFence() core1_0.Fence { return f.fence }

func (f *Fence) Wait(timeout time.Duration) error {
	if timeout < 0 {
		timeout = 0
	}

	res, err := f.fence.Wait(timeout)
	if err != nil {
		return err
	}
	if res == core1_0.VKTimeout {
		return errors.Wrapf(gpu.ErrFenceTimeout, "fence did not signal within %s", timeout)
	}
	return nil
}

func (f *Fence) Signaled() (bool, error) {
	res, err := f.fence.Status()
	if err != nil {
		return false, err
	}
	return res == core1_0.VKSuccess, nil
}

func (f *Fence) Reset() error {
	_, err := f.fence.Reset()
	return err
}

func (f *Fence) Destroy() {
	f.fence.Destroy(f.device.allocationCallbacks)
}
