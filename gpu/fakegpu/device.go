// Package fakegpu is a software implementation of the gpu interfaces. Memory lives in host byte
// slices, command buffers record closures that run when a submission executes, and fences signal
// once their submission has executed. Submissions run immediately unless the device was created
// with DeferExecution, in which case they wait for ExecutePending or ExecuteNext so tests can
// interleave host and device work.
package fakegpu

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/vkpack/gpu"
)

// FailurePoint identifies an operation that can be made to fail with InjectFailure
type FailurePoint int32

const (
	FailAllocateMemory FailurePoint = iota
	FailMap
	FailBind
	FailRecord
	FailSubmit
)

// ErrInjected is a convenience error for InjectFailure
var ErrInjected = errors.New("injected failure")

// Options configure a fake device. Zero values are replaced with defaults.
type Options struct {
	Limits           gpu.Limits
	MemoryProperties gpu.MemoryProperties
	// Roles lists the queue roles the device exposes. All three roles are exposed by default.
	Roles []gpu.QueueRole
	// DeferExecution holds submissions until ExecutePending or ExecuteNext is called
	DeferExecution bool

	BufferAlignment int
	ImageAlignment  int
}

func DefaultLimits() gpu.Limits {
	return gpu.Limits{
		BufferImageGranularity:          1024,
		NonCoherentAtomSize:             64,
		MinUniformBufferOffsetAlignment: 256,
		MaxMemoryAllocationCount:        4096,
	}
}

// DiscreteMemoryProperties resembles a discrete card: a device-local type, a coherent upload type,
// a cached but non-coherent readback type, and a small device-local window that the host can map.
func DiscreteMemoryProperties() gpu.MemoryProperties {
	return gpu.MemoryProperties{
		MemoryTypes: []gpu.MemoryType{
			{PropertyFlags: gpu.MemoryPropertyDeviceLocal, HeapIndex: 0},
			{PropertyFlags: gpu.MemoryPropertyHostVisible | gpu.MemoryPropertyHostCoherent, HeapIndex: 1},
			{PropertyFlags: gpu.MemoryPropertyHostVisible | gpu.MemoryPropertyHostCached, HeapIndex: 1},
			{PropertyFlags: gpu.MemoryPropertyDeviceLocal | gpu.MemoryPropertyHostVisible | gpu.MemoryPropertyHostCoherent, HeapIndex: 2},
		},
		MemoryHeaps: []gpu.MemoryHeap{
			{Size: 256 * 1024 * 1024, DeviceLocal: true},
			{Size: 256 * 1024 * 1024},
			{Size: 16 * 1024 * 1024, DeviceLocal: true},
		},
	}
}

// IntegratedMemoryProperties resembles an integrated GPU where every memory type is device local
// and host visible
func IntegratedMemoryProperties() gpu.MemoryProperties {
	return gpu.MemoryProperties{
		MemoryTypes: []gpu.MemoryType{
			{PropertyFlags: gpu.MemoryPropertyDeviceLocal | gpu.MemoryPropertyHostVisible | gpu.MemoryPropertyHostCoherent, HeapIndex: 0},
			{PropertyFlags: gpu.MemoryPropertyDeviceLocal | gpu.MemoryPropertyHostVisible | gpu.MemoryPropertyHostCoherent | gpu.MemoryPropertyHostCached, HeapIndex: 0},
		},
		MemoryHeaps: []gpu.MemoryHeap{
			{Size: 512 * 1024 * 1024, DeviceLocal: true},
		},
	}
}

type typeRestriction struct {
	usage    gpu.BufferUsageFlags
	typeBits uint32
}

type submission struct {
	commandBuffers []*CommandBuffer
	fence          *Fence
}

// Device is a software gpu.Device
type Device struct {
	options Options

	mutex            sync.Mutex
	nextID           uint64
	liveObjects      *swiss.Map[uint64, string]
	queues           map[gpu.QueueRole]*Queue
	pending          []submission
	restrictions     []typeRestriction
	failures         map[FailurePoint]error
	validationErrors []error
	submissions      int
	fenceWaiters     int
}

var _ gpu.Device = &Device{}

func New(options Options) *Device {
	if options.Limits == (gpu.Limits{}) {
		options.Limits = DefaultLimits()
	}
	if len(options.MemoryProperties.MemoryTypes) == 0 {
		options.MemoryProperties = DiscreteMemoryProperties()
	}
	if options.Roles == nil {
		options.Roles = []gpu.QueueRole{gpu.QueueRoleGraphics, gpu.QueueRoleTransfer, gpu.QueueRolePresent}
	}
	if options.BufferAlignment == 0 {
		options.BufferAlignment = 4
	}
	if options.ImageAlignment == 0 {
		options.ImageAlignment = 256
	}

	device := &Device{
		options:     options,
		liveObjects: swiss.NewMap[uint64, string](42),
		queues:      make(map[gpu.QueueRole]*Queue),
		failures:    make(map[FailurePoint]error),
	}

	for family, role := range options.Roles {
		device.queues[role] = &Queue{device: device, role: role, family: family}
	}

	return device
}

func (d *Device) Limits() gpu.Limits {
	return d.options.Limits
}

func (d *Device) MemoryProperties() gpu.MemoryProperties {
	return d.options.MemoryProperties
}

// InjectFailure causes the next operation at the failure point to fail with err
func (d *Device) InjectFailure(point FailurePoint, err error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.failures[point] = err
}

func (d *Device) takeFailure(point FailurePoint) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	err, ok := d.failures[point]
	if !ok {
		return nil
	}
	delete(d.failures, point)
	return err
}

// RestrictMemoryTypes limits the memory types buffers created with any of the usage bits report
// as compatible
func (d *Device) RestrictMemoryTypes(usage gpu.BufferUsageFlags, typeBits uint32) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.restrictions = append(d.restrictions, typeRestriction{usage: usage, typeBits: typeBits})
}

func (d *Device) allTypeBits() uint32 {
	return uint32(1)<<len(d.options.MemoryProperties.MemoryTypes) - 1
}

func (d *Device) bufferTypeBits(usage gpu.BufferUsageFlags) uint32 {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	typeBits := d.allTypeBits()
	for _, restriction := range d.restrictions {
		if restriction.usage&usage != 0 {
			typeBits &= restriction.typeBits
		}
	}
	return typeBits
}

// LiveObjects returns the number of memory allocations, resources, command buffers, and fences
// that have been created but not yet freed or destroyed
func (d *Device) LiveObjects() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.liveObjects.Count()
}

// LiveObjectsOfKind returns the number of live objects of a single kind: "memory", "buffer",
// "image", "fence", or "command buffer"
func (d *Device) LiveObjectsOfKind(kind string) int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	var count int
	d.liveObjects.Iter(func(id uint64, objectKind string) bool {
		if objectKind == kind {
			count++
		}
		return false
	})
	return count
}

// ValidationErrors returns every misuse the device has observed while executing work, such as
// copying into an image that is not in the layout the copy claims
func (d *Device) ValidationErrors() []error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return append([]error(nil), d.validationErrors...)
}

func (d *Device) addFenceWaiters(delta int) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.fenceWaiters += delta
}

// FenceWaiters returns the number of goroutines blocked in Fence.Wait across every fence on the device
func (d *Device) FenceWaiters() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.fenceWaiters
}

// Submissions returns the number of successful queue submissions
func (d *Device) Submissions() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.submissions
}

// PendingSubmissions returns the number of submissions waiting for ExecutePending
func (d *Device) PendingSubmissions() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return len(d.pending)
}

func (d *Device) validationError(err error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.validationErrors = append(d.validationErrors, err)
}

func (d *Device) track(kind string) uint64 {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.nextID++
	d.liveObjects.Put(d.nextID, kind)
	return d.nextID
}

func (d *Device) untrack(id uint64) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.liveObjects.Delete(id)
}

func (d *Device) AllocateMemory(memoryTypeIndex int, size int) (gpu.Memory, error) {
	if memoryTypeIndex < 0 || memoryTypeIndex >= len(d.options.MemoryProperties.MemoryTypes) {
		return nil, errors.Newf("memory type %d does not exist", memoryTypeIndex)
	}
	if size <= 0 {
		return nil, errors.Newf("allocation size must be greater than 0, but was %d", size)
	}
	if err := d.takeFailure(FailAllocateMemory); err != nil {
		return nil, err
	}

	memoryType := d.options.MemoryProperties.MemoryTypes[memoryTypeIndex]
	if size > d.options.MemoryProperties.MemoryHeaps[memoryType.HeapIndex].Size {
		return nil, errors.Newf("allocation of %d bytes is larger than heap %d", size, memoryType.HeapIndex)
	}
	if d.options.Limits.MaxMemoryAllocationCount > 0 && d.LiveObjectsOfKind("memory") >= d.options.Limits.MaxMemoryAllocationCount {
		return nil, errors.New("too many memory allocations")
	}

	return &Memory{
		device:    d,
		id:        d.track("memory"),
		typeIndex: memoryTypeIndex,
		flags:     memoryType.PropertyFlags,
		data:      make([]byte, size),
	}, nil
}

func (d *Device) CreateBuffer(info gpu.BufferCreateInfo) (gpu.Buffer, error) {
	if info.Size <= 0 {
		return nil, errors.Newf("buffer size must be greater than 0, but was %d", info.Size)
	}

	return &Buffer{
		device: d,
		id:     d.track("buffer"),
		size:   info.Size,
		usage:  info.Usage,
	}, nil
}

func (d *Device) CreateImage(info gpu.ImageCreateInfo) (gpu.Image, error) {
	if info.Extent.Width <= 0 || info.Extent.Height <= 0 || info.Extent.Depth <= 0 {
		return nil, errors.Newf("image extent %+v must be positive in every dimension", info.Extent)
	}
	if info.Format.TexelSize() == 0 {
		return nil, errors.Newf("image format %d is not supported", info.Format)
	}

	return &Image{
		device: d,
		id:     d.track("image"),
		info:   info,
		size:   info.Extent.Texels() * info.Format.TexelSize(),
		layout: gpu.ImageLayoutUndefined,
	}, nil
}

func (d *Device) CreateFence() (gpu.Fence, error) {
	return &Fence{
		device: d,
		id:     d.track("fence"),
		done:   make(chan struct{}),
	}, nil
}

func (d *Device) CreateCommandBuffer(role gpu.QueueRole) (gpu.CommandBuffer, error) {
	if _, ok := d.queues[role]; !ok {
		return nil, errors.Wrapf(gpu.ErrQueueRoleUnsupported, "device has no %s queue", role)
	}

	return &CommandBuffer{
		device: d,
		id:     d.track("command buffer"),
		role:   role,
	}, nil
}

func (d *Device) Queue(role gpu.QueueRole) (gpu.Queue, error) {
	queue, ok := d.queues[role]
	if !ok {
		return nil, errors.Wrapf(gpu.ErrQueueRoleUnsupported, "device has no %s queue", role)
	}
	return queue, nil
}

// WaitIdle executes every pending submission
func (d *Device) WaitIdle() error {
	d.ExecutePending()
	return nil
}

// ExecutePending executes every pending submission in submission order and signals their fences
func (d *Device) ExecutePending() {
	for d.ExecuteNext() {
	}
}

// ExecuteNext executes the oldest pending submission, if any, and returns whether one was executed
func (d *Device) ExecuteNext() bool {
	d.mutex.Lock()
	if len(d.pending) == 0 {
		d.mutex.Unlock()
		return false
	}
	next := d.pending[0]
	d.pending = d.pending[1:]
	d.mutex.Unlock()

	d.execute(next)
	return true
}

func (d *Device) enqueue(sub submission) {
	d.mutex.Lock()
	d.submissions++
	if d.options.DeferExecution {
		d.pending = append(d.pending, sub)
		d.mutex.Unlock()
		return
	}
	d.mutex.Unlock()

	d.execute(sub)
}

func (d *Device) execute(sub submission) {
	for _, commandBuffer := range sub.commandBuffers {
		commandBuffer.execute()
	}

	if sub.fence != nil {
		sub.fence.signal()
	}
}
