package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/vkpack/gpu"
)

func asMemory(memory gpu.Memory) (*Memory, error) {
	vulkanMemory, ok := memory.(*Memory)
	if !ok {
		return nil, errors.Newf("memory of type %T did not come from a vulkan device", memory)
	}
	return vulkanMemory, nil
}

func convertRequirements(requirements *core1_0.MemoryRequirements) gpu.MemoryRequirements {
	return gpu.MemoryRequirements{
		Size:           requirements.Size,
		Alignment:      requirements.Alignment,
		MemoryTypeBits: requirements.MemoryTypeBits,
	}
}

type Buffer struct {
	device *Device
	buffer core1_0.Buffer
	size   int
	usage  gpu.BufferUsageFlags
}

var _ gpu.Buffer = &Buffer{}

func (b *Buffer) VulkanBuffer() core1_0.Buffer { return b.buffer }

func (b *Buffer) Size() int                   { return b.size }
func (b *Buffer) Usage() gpu.BufferUsageFlags { return b.usage }

func (b *Buffer) Requirements() gpu.MemoryRequirements {
	return convertRequirements(b.buffer.MemoryRequirements())
}

func (b *Buffer) Bind(memory gpu.Memory, offset int) error {
	vulkanMemory, err := asMemory(memory)
	if err != nil {
		return err
	}

	_, err = b.buffer.BindBufferMemory(vulkanMemory.memory, offset)
	return err
}

func (b *Buffer) Destroy() {
	b.buffer.Destroy(b.device.allocationCallbacks)
}

type Image struct {
	device *Device
	image  core1_0.Image
	info   gpu.ImageCreateInfo
}

var _ gpu.Image = &Image{}

func (i *Image) VulkanImage() core1_0.Image { return i.image }

func (i *Image) Extent() gpu.Extent3D       { return i.info.Extent }
func (i *Image) Format() gpu.Format         { return i.info.Format }
func (i *Image) Tiling() gpu.ImageTiling    { return i.info.Tiling }
func (i *Image) Usage() gpu.ImageUsageFlags { return i.info.Usage }

func (i *Image) aspect() core1_0.ImageAspectFlags {
	if i.info.Format.IsDepth() {
		return core1_0.ImageAspectDepth
	}
	return core1_0.ImageAspectColor
}

func (i *Image) Requirements() gpu.MemoryRequirements {
	return convertRequirements(i.image.MemoryRequirements())
}

func (i *Image) Bind(memory gpu.Memory, offset int) error {
	vulkanMemory, err := asMemory(memory)
	if err != nil {
		return err
	}

	_, err = i.image.BindImageMemory(vulkanMemory.memory, offset)
	return err
}

func (i *Image) Destroy() {
	i.image.Destroy(i.device.allocationCallbacks)
}
