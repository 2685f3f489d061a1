package fakegpu

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/vkpack/gpu"
)

type Memory struct {
	device    *Device
	id        uint64
	typeIndex int
	flags     gpu.MemoryPropertyFlags

	mutex  sync.Mutex
	data   []byte
	mapped bool
	freed  bool

	flushes       int
	invalidations int
}

var _ gpu.Memory = &Memory{}

func (m *Memory) Size() int            { return len(m.data) }
func (m *Memory) MemoryTypeIndex() int { return m.typeIndex }

// Mapped returns true while the memory is mapped
func (m *Memory) Mapped() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.mapped
}

// Freed returns true once Free has been called
func (m *Memory) Freed() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.freed
}

// Flushes returns the number of times Flush was called on non-coherent memory
func (m *Memory) Flushes() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.flushes
}

// Invalidations returns the number of times Invalidate was called on non-coherent memory
func (m *Memory) Invalidations() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.invalidations
}

// Bytes exposes the backing storage directly, for test assertions about device-local memory
func (m *Memory) Bytes() []byte {
	return m.data
}

func (m *Memory) checkRange(offset, size int) (int, error) {
	if size == -1 {
		size = len(m.data) - offset
	}
	if offset < 0 || size < 0 || offset+size > len(m.data) {
		return 0, errors.Newf("range at offset %d with size %d is outside memory of size %d", offset, size, len(m.data))
	}
	return size, nil
}

func (m *Memory) Map(offset, size int) ([]byte, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.freed {
		return nil, errors.New("attempted to map freed memory")
	}
	if m.flags&gpu.MemoryPropertyHostVisible == 0 {
		return nil, errors.Newf("memory type %d is not host visible", m.typeIndex)
	}
	if m.mapped {
		return nil, errors.New("memory is already mapped")
	}
	if err := m.device.takeFailure(FailMap); err != nil {
		return nil, err
	}

	size, err := m.checkRange(offset, size)
	if err != nil {
		return nil, err
	}

	m.mapped = true
	return m.data[offset : offset+size : offset+size], nil
}

func (m *Memory) Unmap() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.mapped = false
}

func (m *Memory) checkCacheRange(offset, size int) error {
	if !m.mapped {
		return errors.New("attempted to flush or invalidate memory that is not mapped")
	}

	size, err := m.checkRange(offset, size)
	if err != nil {
		return err
	}

	atomSize := m.device.options.Limits.NonCoherentAtomSize
	if atomSize > 1 {
		if offset%atomSize != 0 {
			return errors.Newf("offset %d is not a multiple of the non-coherent atom size %d", offset, atomSize)
		}
		if size%atomSize != 0 && offset+size != len(m.data) {
			return errors.Newf("size %d is not a multiple of the non-coherent atom size %d and does not reach the end of memory", size, atomSize)
		}
	}

	return nil
}

func (m *Memory) Flush(offset, size int) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if err := m.checkCacheRange(offset, size); err != nil {
		return err
	}
	m.flushes++
	return nil
}

func (m *Memory) Invalidate(offset, size int) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if err := m.checkCacheRange(offset, size); err != nil {
		return err
	}
	m.invalidations++
	return nil
}

func (m *Memory) Free() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.freed {
		return
	}
	m.freed = true
	m.mapped = false
	m.device.untrack(m.id)
}
