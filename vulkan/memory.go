package vulkan

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/vkpack/gpu"
)

// Memory is a single vulkan device memory allocation. It is not safe for concurrent use; the pool
// that owns it serializes access.
type Memory struct {
	device        *Device
	memory        core1_0.DeviceMemory
	size          int
	typeIndex     int
	propertyFlags gpu.MemoryPropertyFlags

	mapped []byte
}

var _ gpu.Memory = &Memory{}

func (m *Memory) VulkanDeviceMemory() core1_0.DeviceMemory { return m.memory }

func (m *Memory) Size() int            { return m.size }
func (m *Memory) MemoryTypeIndex() int { return m.typeIndex }

func (m *Memory) resolveRange(offset, size int) (int, error) {
	if size == -1 {
		size = m.size - offset
	}
	if offset < 0 || size < 0 || offset+size > m.size {
		return 0, errors.Newf("range at offset %d with size %d is outside memory of size %d", offset, size, m.size)
	}
	return size, nil
}

func (m *Memory) Map(offset, size int) ([]byte, error) {
	if m.propertyFlags&gpu.MemoryPropertyHostVisible == 0 {
		return nil, errors.Newf("memory type %d is not host visible", m.typeIndex)
	}
	if m.mapped != nil {
		return nil, errors.New("memory is already mapped")
	}

	size, err := m.resolveRange(offset, size)
	if err != nil {
		return nil, err
	}

	ptr, _, err := m.memory.Map(offset, size, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to map %d bytes at offset %d", size, offset)
	}

	m.mapped = unsafe.Slice((*byte)(ptr), size)
	return m.mapped, nil
}

func (m *Memory) Unmap() {
	if m.mapped == nil {
		return
	}
	m.memory.Unmap()
	m.mapped = nil
}

func (m *Memory) mappedRange(offset, size int) ([]core1_0.MappedMemoryRange, error) {
	size, err := m.resolveRange(offset, size)
	if err != nil {
		return nil, err
	}

	return []core1_0.MappedMemoryRange{
		{
			Memory: m.memory,
			Offset: offset,
			Size:   size,
		},
	}, nil
}

func (m *Memory) Flush(offset, size int) error {
	if m.propertyFlags&gpu.MemoryPropertyHostCoherent != 0 {
		return nil
	}

	ranges, err := m.mappedRange(offset, size)
	if err != nil {
		return err
	}

	_, err = m.device.device.FlushMappedMemoryRanges(ranges)
	return err
}

func (m *Memory) Invalidate(offset, size int) error {
	if m.propertyFlags&gpu.MemoryPropertyHostCoherent != 0 {
		return nil
	}

	ranges, err := m.mappedRange(offset, size)
	if err != nil {
		return err
	}

	_, err = m.device.device.InvalidateMappedMemoryRanges(ranges)
	return err
}

func (m *Memory) Free() {
	m.Unmap()
	m.memory.Free(m.device.allocationCallbacks)
}
