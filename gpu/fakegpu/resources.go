package fakegpu

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/vkpack/gpu"
	"github.com/vkngwrapper/vkpack/memutils"
)

type binding struct {
	memory *Memory
	offset int
}

func (d *Device) bind(current *binding, memory gpu.Memory, offset int, reqs gpu.MemoryRequirements) error {
	if current.memory != nil {
		return errors.New("resource is already bound to memory")
	}

	fakeMemory, ok := memory.(*Memory)
	if !ok || fakeMemory.device != d {
		return errors.New("memory was not allocated from this device")
	}
	if fakeMemory.Freed() {
		return errors.New("attempted to bind freed memory")
	}
	if reqs.MemoryTypeBits&(1<<fakeMemory.typeIndex) == 0 {
		return errors.Newf("memory type %d is not in the resource's memory type bits %b", fakeMemory.typeIndex, reqs.MemoryTypeBits)
	}
	if !memutils.IsAligned(offset, uint(reqs.Alignment)) {
		return errors.Newf("offset %d does not satisfy the required alignment %d", offset, reqs.Alignment)
	}
	if offset < 0 || offset+reqs.Size > fakeMemory.Size() {
		return errors.Newf("resource of size %d at offset %d does not fit in memory of size %d", reqs.Size, offset, fakeMemory.Size())
	}
	if err := d.takeFailure(FailBind); err != nil {
		return err
	}

	current.memory = fakeMemory
	current.offset = offset
	return nil
}

type Buffer struct {
	device *Device
	id     uint64
	size   int
	usage  gpu.BufferUsageFlags

	mutex     sync.Mutex
	binding   binding
	destroyed bool
}

var _ gpu.Buffer = &Buffer{}

func (b *Buffer) Size() int                   { return b.size }
func (b *Buffer) Usage() gpu.BufferUsageFlags { return b.usage }

func (b *Buffer) Requirements() gpu.MemoryRequirements {
	alignment := b.device.options.BufferAlignment
	return gpu.MemoryRequirements{
		Size:           memutils.AlignUp(b.size, uint(alignment)),
		Alignment:      alignment,
		MemoryTypeBits: b.device.bufferTypeBits(b.usage),
	}
}

func (b *Buffer) Bind(memory gpu.Memory, offset int) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.destroyed {
		return errors.New("attempted to bind a destroyed buffer")
	}
	return b.device.bind(&b.binding, memory, offset, b.Requirements())
}

// Memory returns the memory and offset the buffer is bound to, or nil if it is unbound
func (b *Buffer) Memory() (*Memory, int) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.binding.memory, b.binding.offset
}

// Bytes returns the buffer's contents as a view of its bound memory
func (b *Buffer) Bytes() []byte {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.binding.memory == nil {
		return nil
	}
	start := b.binding.offset
	return b.binding.memory.data[start : start+b.size : start+b.size]
}

func (b *Buffer) Destroyed() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.destroyed
}

func (b *Buffer) Destroy() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.destroyed {
		return
	}
	b.destroyed = true
	b.device.untrack(b.id)
}

type Image struct {
	device *Device
	id     uint64
	info   gpu.ImageCreateInfo
	size   int

	mutex     sync.Mutex
	binding   binding
	layout    gpu.ImageLayout
	destroyed bool
}

var _ gpu.Image = &Image{}

func (i *Image) Extent() gpu.Extent3D       { return i.info.Extent }
func (i *Image) Format() gpu.Format         { return i.info.Format }
func (i *Image) Tiling() gpu.ImageTiling    { return i.info.Tiling }
func (i *Image) Usage() gpu.ImageUsageFlags { return i.info.Usage }

func (i *Image) Requirements() gpu.MemoryRequirements {
	alignment := i.device.options.ImageAlignment
	return gpu.MemoryRequirements{
		Size:           memutils.AlignUp(i.size, uint(alignment)),
		Alignment:      alignment,
		MemoryTypeBits: i.device.allTypeBits(),
	}
}

func (i *Image) Bind(memory gpu.Memory, offset int) error {
	i.mutex.Lock()
	defer i.mutex.Unlock()

	if i.destroyed {
		return errors.New("attempted to bind a destroyed image")
	}
	return i.device.bind(&i.binding, memory, offset, i.Requirements())
}

// Layout returns the layout the image is in after all executed work
func (i *Image) Layout() gpu.ImageLayout {
	i.mutex.Lock()
	defer i.mutex.Unlock()

	return i.layout
}

func (i *Image) setLayout(layout gpu.ImageLayout) {
	i.mutex.Lock()
	defer i.mutex.Unlock()

	i.layout = layout
}

// Bytes returns the image's texels, tightly packed in x, y, z order, as a view of its bound memory
func (i *Image) Bytes() []byte {
	i.mutex.Lock()
	defer i.mutex.Unlock()

	if i.binding.memory == nil {
		return nil
	}
	start := i.binding.offset
	return i.binding.memory.data[start : start+i.size : start+i.size]
}

func (i *Image) Destroyed() bool {
	i.mutex.Lock()
	defer i.mutex.Unlock()

	return i.destroyed
}

func (i *Image) Destroy() {
	i.mutex.Lock()
	defer i.mutex.Unlock()

	if i.destroyed {
		return
	}
	i.destroyed = true
	i.device.untrack(i.id)
}

// texelOffset is the byte offset of the texel at the coordinate within the image's memory
func (i *Image) texelOffset(x, y, z int) int {
	extent := i.info.Extent
	return ((z*extent.Height+y)*extent.Width + x) * i.info.Format.TexelSize()
}
