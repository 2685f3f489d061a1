package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/vkpack/gpu"
	"github.com/vkngwrapper/vkpack/internal/utils"
	"github.com/vkngwrapper/vkpack/memutils"
	"golang.org/x/exp/slog"
)

// Options contains optional settings when wrapping a device
type Options struct {
	// QueueFamilies maps each role to the queue family that was requested for it when the device was
	// created. Queue 0 of the family is used. Roles that are missing are unsupported.
	QueueFamilies map[gpu.QueueRole]int
	// AllocationCallbacks are passed to every create and destroy call
	AllocationCallbacks *driver.AllocationCallbacks
	// ExternallySynchronized disables the mutex guarding command pools. The consumer must guarantee
	// command buffers are created and freed from one thread at a time.
	ExternallySynchronized bool
}

// Device implements gpu.Device over a vulkan device. Command buffers are allocated from one resettable
// command pool per queue family, created on first use.
type Device struct {
	logger              *slog.Logger
	device              core1_0.Device
	physicalDevice      core1_0.PhysicalDevice
	allocationCallbacks *driver.AllocationCallbacks

	limits           gpu.Limits
	memoryProperties gpu.MemoryProperties

	queues map[gpu.QueueRole]*Queue

	poolMutex    utils.OptionalMutex
	commandPools map[int]core1_0.CommandPool
}

var _ gpu.Device = &Device{}

// New wraps device, which must have been created from physicalDevice with a queue in each family in
// options.QueueFamilies
func New(logger *slog.Logger, physicalDevice core1_0.PhysicalDevice, device core1_0.Device, options Options) (*Device, error) {
	properties, err := physicalDevice.Properties()
	if err != nil {
		return nil, errors.Wrap(err, "failed to query physical device properties")
	}

	err = memutils.CheckPow2(properties.Limits.BufferImageGranularity, "device bufferImageGranularity")
	if err != nil {
		return nil, err
	}
	err = memutils.CheckPow2(properties.Limits.NonCoherentAtomSize, "device nonCoherentAtomSize")
	if err != nil {
		return nil, err
	}

	if len(options.QueueFamilies) == 0 {
		return nil, errors.New("vulkan.Options.QueueFamilies must contain at least one queue role")
	}

	d := &Device{
		logger:              logger,
		device:              device,
		physicalDevice:      physicalDevice,
		allocationCallbacks: options.AllocationCallbacks,

		limits: gpu.Limits{
			BufferImageGranularity:          properties.Limits.BufferImageGranularity,
			NonCoherentAtomSize:             properties.Limits.NonCoherentAtomSize,
			MinUniformBufferOffsetAlignment: properties.Limits.MinUniformBufferOffsetAlignment,
			MaxMemoryAllocationCount:        properties.Limits.MaxMemoryAllocationCount,
		},
		memoryProperties: convertMemoryProperties(physicalDevice.MemoryProperties()),

		queues:       make(map[gpu.QueueRole]*Queue),
		poolMutex:    utils.OptionalMutex{UseMutex: !options.ExternallySynchronized},
		commandPools: make(map[int]core1_0.CommandPool),
	}

	for role, family := range options.QueueFamilies {
		d.queues[role] = &Queue{
			device: d,
			role:   role,
			family: family,
			queue:  device.GetQueue(family, 0),
			mutex:  utils.OptionalMutex{UseMutex: !options.ExternallySynchronized},
		}
	}

	logger.Debug("vulkan device wrapped",
		slog.String("device", properties.DriverName),
		slog.Int("memoryTypes", len(d.memoryProperties.MemoryTypes)),
		slog.Int("queues", len(d.queues)),
	)

	return d, nil
}

func convertMemoryProperties(properties *core1_0.PhysicalDeviceMemoryProperties) gpu.MemoryProperties {
	var converted gpu.MemoryProperties
	for _, memoryType := range properties.MemoryTypes {
		converted.MemoryTypes = append(converted.MemoryTypes, gpu.MemoryType{
			PropertyFlags: gpu.MemoryPropertyFlags(memoryType.PropertyFlags),
			HeapIndex:     memoryType.HeapIndex,
		})
	}
	for _, heap := range properties.MemoryHeaps {
		converted.MemoryHeaps = append(converted.MemoryHeaps, gpu.MemoryHeap{
			Size:        heap.Size,
			DeviceLocal: heap.Flags&core1_0.MemoryHeapDeviceLocal != 0,
		})
	}
	return converted
}

func (d *Device) VulkanDevice() core1_0.Device                 { return d.device }
func (d *Device) VulkanPhysicalDevice() core1_0.PhysicalDevice { return d.physicalDevice }

func (d *Device) Limits() gpu.Limits { return d.limits }

func (d *Device) MemoryProperties() gpu.MemoryProperties {
	properties := gpu.MemoryProperties{
		MemoryTypes: append([]gpu.MemoryType(nil), d.memoryProperties.MemoryTypes...),
		MemoryHeaps: append([]gpu.MemoryHeap(nil), d.memoryProperties.MemoryHeaps...),
	}
	return properties
}

func (d *Device) AllocateMemory(memoryTypeIndex int, size int) (gpu.Memory, error) {
	d.logger.Debug("Device::AllocateMemory")

	if memoryTypeIndex < 0 || memoryTypeIndex >= len(d.memoryProperties.MemoryTypes) {
		return nil, errors.Newf("memory type index %d does not exist", memoryTypeIndex)
	}

	memory, _, err := d.device.AllocateMemory(d.allocationCallbacks, core1_0.MemoryAllocateInfo{
		AllocationSize:  size,
		MemoryTypeIndex: memoryTypeIndex,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to allocate %d bytes from memory type %d", size, memoryTypeIndex)
	}

	return &Memory{
		device:        d,
		memory:        memory,
		size:          size,
		typeIndex:     memoryTypeIndex,
		propertyFlags: d.memoryProperties.MemoryTypes[memoryTypeIndex].PropertyFlags,
	}, nil
}

func (d *Device) CreateBuffer(info gpu.BufferCreateInfo) (gpu.Buffer, error) {
	buffer, _, err := d.device.CreateBuffer(d.allocationCallbacks, core1_0.BufferCreateInfo{
		Size:        info.Size,
		Usage:       core1_0.BufferUsageFlags(info.Usage),
		SharingMode: core1_0.SharingModeExclusive,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create a buffer of %d bytes", info.Size)
	}

	return &Buffer{
		device: d,
		buffer: buffer,
		size:   info.Size,
		usage:  info.Usage,
	}, nil
}

func (d *Device) CreateImage(info gpu.ImageCreateInfo) (gpu.Image, error) {
	imageType := core1_0.ImageType2D
	if info.Extent.Depth > 1 {
		imageType = core1_0.ImageType3D
	}

	image, _, err := d.device.CreateImage(d.allocationCallbacks, core1_0.ImageCreateInfo{
		ImageType: imageType,
		Format:    core1_0.Format(info.Format),
		Extent: core1_0.Extent3D{
			Width:  info.Extent.Width,
			Height: info.Extent.Height,
			Depth:  info.Extent.Depth,
		},
		MipLevels:     1,
		ArrayLayers:   1,
		Samples:       core1_0.Samples1,
		Tiling:        core1_0.ImageTiling(info.Tiling),
		Usage:         core1_0.ImageUsageFlags(info.Usage),
		SharingMode:   core1_0.SharingModeExclusive,
		InitialLayout: core1_0.ImageLayoutUndefined,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create a %dx%dx%d image", info.Extent.Width, info.Extent.Height, info.Extent.Depth)
	}

	return &Image{
		device: d,
		image:  image,
		info:   info,
	}, nil
}

func (d *Device) CreateFence() (gpu.Fence, error) {
	fence, _, err := d.device.CreateFence(d.allocationCallbacks, core1_0.FenceCreateInfo{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fence")
	}

	return &Fence{device: d, fence: fence}, nil
}

func (d *Device) commandPool(family int) (core1_0.CommandPool, error) {
	pool, ok := d.commandPools[family]
	if ok {
		return pool, nil
	}

	pool, _, err := d.device.CreateCommandPool(d.allocationCallbacks, core1_0.CommandPoolCreateInfo{
		Flags:            core1_0.CommandPoolCreateResetBuffer,
		QueueFamilyIndex: family,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create a command pool for queue family %d", family)
	}

	d.commandPools[family] = pool
	return pool, nil
}

func (d *Device) CreateCommandBuffer(role gpu.QueueRole) (gpu.CommandBuffer, error) {
	queue, ok := d.queues[role]
	if !ok {
		return nil, errors.Wrapf(gpu.ErrQueueRoleUnsupported, "device has no %s queue", role)
	}

	d.poolMutex.Lock()
	defer d.poolMutex.Unlock()

	pool, err := d.commandPool(queue.family)
	if err != nil {
		return nil, err
	}

	commandBuffers, _, err := d.device.AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        pool,
		Level:              core1_0.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to allocate a command buffer for the %s queue", role)
	}

	return &CommandBuffer{
		device:        d,
		role:          role,
		family:        queue.family,
		commandBuffer: commandBuffers[0],
	}, nil
}

func (d *Device) Queue(role gpu.QueueRole) (gpu.Queue, error) {
	queue, ok := d.queues[role]
	if !ok {
		return nil, errors.Wrapf(gpu.ErrQueueRoleUnsupported, "device has no %s queue", role)
	}
	return queue, nil
}

func (d *Device) WaitIdle() error {
	_, err := d.device.WaitIdle()
	return err
}

// Destroy frees the command pools. Every command buffer must have been freed, and the vulkan device
// itself is left to the caller.
func (d *Device) Destroy() {
	d.logger.Debug("Device::Destroy")

	d.poolMutex.Lock()
	defer d.poolMutex.Unlock()

	for family, pool := range d.commandPools {
		pool.Destroy(d.allocationCallbacks)
		delete(d.commandPools, family)
	}
}
