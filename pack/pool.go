package pack

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/vkpack/gpu"
	"github.com/vkngwrapper/vkpack/internal/utils"
	"github.com/vkngwrapper/vkpack/memutils"
	"github.com/vkngwrapper/vkpack/memutils/metadata"
	"golang.org/x/exp/slog"
)

type suballocationType uint32

const (
	suballocationFree suballocationType = iota
	suballocationReserved
	suballocationBuffer
	suballocationImageLinear
	suballocationImageOptimal
)

var suballocationTypeMapping = map[suballocationType]string{
	suballocationFree:         "SuballocationFree",
	suballocationReserved:     "SuballocationReserved",
	suballocationBuffer:       "SuballocationBuffer",
	suballocationImageLinear:  "SuballocationImageLinear",
	suballocationImageOptimal: "SuballocationImageOptimal",
}

func (s suballocationType) String() string {
	str, ok := suballocationTypeMapping[s]
	if !ok {
		return "unknown SuballocationType"
	}

	return str
}

// MemoryRange is a range of bytes within a pool or a block
type MemoryRange struct {
	Offset int
	Size   int
}

// End is the offset of the first byte following the range
func (r MemoryRange) End() int {
	return r.Offset + r.Size
}

// Contains returns true if other lies entirely within this range
func (r MemoryRange) Contains(other MemoryRange) bool {
	return other.Offset >= r.Offset && other.Size >= 0 && other.End() <= r.End()
}

// Overlaps returns true if the two ranges share at least one byte
func (r MemoryRange) Overlaps(other MemoryRange) bool {
	return r.Size > 0 && other.Size > 0 && r.Offset < other.End() && other.Offset < r.End()
}

// MemoryPool is a single physical allocation of a single memory kind. Reservations are placed at the
// pool's high-water mark and are never released individually: the pool is freed as a unit.
type MemoryPool struct {
	logger              *slog.Logger
	id                  int
	kind                MemoryKind
	memoryTypeIndex     int
	flags               gpu.MemoryPropertyFlags
	atomSize            int
	memory              gpu.Memory
	callbacks           *PoolCallbacks
	corruptionDetection bool

	mutex         utils.OptionalMutex
	metadata      *metadata.BumpBlockMetadata
	mapReferences int
	mapData       []byte
	freeing       bool
	freed         bool
}

func newMemoryPool(logger *slog.Logger, id int, kind MemoryKind, memoryTypeIndex int, flags gpu.MemoryPropertyFlags, atomSize int, memory gpu.Memory, callbacks *PoolCallbacks, useMutex bool, corruptionDetection bool) *MemoryPool {
	md := metadata.NewBumpBlockMetadata()
	md.Init(memory.Size())

	if atomSize < 1 {
		atomSize = 1
	}

	return &MemoryPool{
		logger:              logger,
		id:                  id,
		kind:                kind,
		memoryTypeIndex:     memoryTypeIndex,
		flags:               flags,
		atomSize:            atomSize,
		memory:              memory,
		callbacks:           callbacks,
		corruptionDetection: corruptionDetection && kind.Mappable() && memutils.DebugMargin > 0,

		mutex:    utils.OptionalMutex{UseMutex: useMutex},
		metadata: md,
	}
}

func (p *MemoryPool) ID() int                                { return p.id }
func (p *MemoryPool) Kind() MemoryKind                       { return p.kind }
func (p *MemoryPool) MemoryTypeIndex() int                   { return p.memoryTypeIndex }
func (p *MemoryPool) PropertyFlags() gpu.MemoryPropertyFlags { return p.flags }
func (p *MemoryPool) Memory() gpu.Memory                     { return p.memory }

// Capacity is the size of the pool in bytes
func (p *MemoryPool) Capacity() int {
	return p.metadata.Size()
}

// HighWaterMark is the offset of the first byte that has never been reserved
func (p *MemoryPool) HighWaterMark() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.metadata.HighWaterMark()
}

// Reservations returns the number of reservations made in the pool
func (p *MemoryPool) Reservations() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.metadata.AllocationCount()
}

// MapReferences returns the number of open Mapping objects for this pool
func (p *MemoryPool) MapReferences() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.mapReferences
}

func (p *MemoryPool) Freed() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.freed
}

// Reserve places a reservation of size bytes at the high-water mark, aligned up to alignment, which
// must be a power of two. ErrOutOfMemory is returned if the reservation does not fit.
func (p *MemoryPool) Reserve(size int, alignment uint) (MemoryRange, error) {
	return p.reserve(size, alignment, suballocationReserved, nil)
}

func (p *MemoryPool) reserve(size int, alignment uint, allocType suballocationType, userData any) (MemoryRange, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.freed {
		return MemoryRange{}, errors.Newf("attempted to reserve memory from pool %d after it was freed", p.id)
	}

	success, request, err := p.metadata.CreateAllocationRequest(size, alignment, uint32(allocType))
	if err != nil {
		return MemoryRange{}, errors.Wrapf(err, "invalid reservation in pool %d", p.id)
	}
	if !success {
		return MemoryRange{}, errors.Wrapf(ErrOutOfMemory, "reservation of %d bytes with alignment %d does not fit in pool %d, which has %d of %d bytes reserved",
			size, alignment, p.id, p.metadata.HighWaterMark(), p.metadata.Size())
	}

	err = p.metadata.Alloc(request, uint32(allocType), userData)
	if err != nil {
		return MemoryRange{}, err
	}
	memutils.DebugValidate(p.metadata)

	if p.corruptionDetection {
		err = p.writeMagicValueLocked(request.Item.End())
		if err != nil {
			return MemoryRange{}, err
		}
	}

	return MemoryRange{Offset: request.Item.Offset, Size: size}, nil
}

func (p *MemoryPool) writeMagicValueLocked(offset int) error {
	data, err := p.mapLocked()
	if err != nil {
		return err
	}

	memutils.WriteMagicValue(data, offset)
	p.unmapLocked()
	return nil
}

func (p *MemoryPool) mapLocked() ([]byte, error) {
	if p.freed {
		return nil, errors.Newf("attempted to map pool %d after it was freed", p.id)
	}
	if !p.kind.Mappable() {
		return nil, errors.Wrapf(ErrInvalidMemoryKind, "pool %d has kind %s, which cannot be mapped", p.id, p.kind)
	}

	if p.mapReferences > 0 {
		if p.mapData == nil {
			return nil, errors.New("the pool is showing existing memory mapping references, but no mapped memory")
		}

		p.mapReferences++
		return p.mapData, nil
	}

	data, err := p.memory.Map(0, -1)
	if err != nil {
		return nil, &MapError{Pool: p.id, Err: err}
	}

	p.mapData = data
	p.mapReferences = 1
	return data, nil
}

func (p *MemoryPool) unmapLocked() {
	if p.mapReferences == 0 {
		return
	}

	p.mapReferences--
	if p.mapReferences == 0 {
		p.memory.Unmap()
		p.mapData = nil
	}
}

// Map returns a host view of the whole pool. It fails with ErrInvalidMemoryKind unless the pool's
// kind is mappable. The memory stays mapped until every Mapping is closed.
func (p *MemoryPool) Map() (*Mapping, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	data, err := p.mapLocked()
	if err != nil {
		return nil, err
	}

	return &Mapping{pool: p, data: data}, nil
}

func (p *MemoryPool) flushOrInvalidate(byteRange MemoryRange, operation func(offset, size int) error) error {
	if byteRange.Size == 0 || !isHostNonCoherent(p.flags) {
		return nil
	}

	capacity := p.metadata.Size()
	if byteRange.Offset < 0 || byteRange.Size < 0 || byteRange.End() > capacity {
		return errors.Wrapf(ErrOutOfRange, "range at offset %d with size %d is outside pool %d, which is size %d", byteRange.Offset, byteRange.Size, p.id, capacity)
	}

	offset := memutils.AlignDown(byteRange.Offset, uint(p.atomSize))
	end := memutils.AlignUp(byteRange.End(), uint(p.atomSize))
	if end > capacity {
		end = capacity
	}

	return operation(offset, end-offset)
}

// Validate performs internal consistency checks on the pool
func (p *MemoryPool) Validate() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.memory.Size() != p.metadata.Size() {
		return errors.Newf("pool %d has capacity %d but its memory is size %d", p.id, p.metadata.Size(), p.memory.Size())
	}
	if p.mapReferences < 0 {
		return errors.Newf("pool %d has a negative map reference count", p.id)
	}
	if (p.mapReferences > 0) != (p.mapData != nil) {
		return errors.Newf("pool %d has %d map references but mapped data is %v", p.id, p.mapReferences, p.mapData != nil)
	}

	return p.metadata.Validate()
}

// CheckCorruption verifies that the markers written after each reservation are still intact. Markers
// are only written for pools created with CreateCorruptionDetection when built with the debug_mem_utils
// build tag. Otherwise, this method always succeeds for mappable pools.
func (p *MemoryPool) CheckCorruption() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.corruptionDetection {
		if !p.kind.Mappable() {
			return errors.Wrapf(ErrInvalidMemoryKind, "pool %d has kind %s, which cannot be checked for corruption", p.id, p.kind)
		}
		return nil
	}

	data, err := p.mapLocked()
	if err != nil {
		return err
	}
	defer p.unmapLocked()

	return p.metadata.CheckCorruption(data)
}

// AddStatistics sums this pool's statistics into stats
func (p *MemoryPool) AddStatistics(stats *memutils.Statistics) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.metadata.AddStatistics(stats)
}

// AddDetailedStatistics sums this pool's detailed statistics into stats
func (p *MemoryPool) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.metadata.AddDetailedStatistics(stats)
}

func (p *MemoryPool) printDetailedMap(json *jwriter.ObjectState) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	json.Name("Kind").String(p.kind.String())
	json.Name("MemoryTypeIndex").Int(p.memoryTypeIndex)
	json.Name("MapReferences").Int(p.mapReferences)
	p.metadata.BlockJsonData(json)

	arrayState := json.Name("Suballocations").Array()
	defer arrayState.End()

	_ = p.metadata.VisitAllRegions(
		func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			obj := arrayState.Object()
			defer obj.End()

			obj.Name("Offset").Int(offset)
			if free {
				obj.Name("Type").String(suballocationFree.String())
				obj.Name("Size").Int(size)
				return nil
			}

			suballocType := suballocationReserved
			name := ""
			if r, ok := userData.(reservation); ok {
				suballocType = r.allocType
				name = r.name
			}

			obj.Name("Type").String(suballocType.String())
			obj.Name("Size").Int(size)
			if name != "" {
				obj.Name("Name").String(name)
			}

			return nil
		})
}

// reservation is the user data the allocator stores with each reservation
type reservation struct {
	name      string
	allocType suballocationType
}

// Destroy frees the pool's memory. Blocks bound to the pool must already be destroyed.
func (p *MemoryPool) Destroy() {
	p.mutex.Lock()
	if p.freed || p.freeing {
		p.mutex.Unlock()
		return
	}
	p.freeing = true
	p.mutex.Unlock()

	p.callbacks.freed(p)

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.mapReferences > 0 {
		p.logger.LogAttrs(context.Background(), slog.LevelWarn, "freeing pool that is still mapped",
			slog.Int("pool", p.id),
			slog.Int("mapReferences", p.mapReferences),
		)
		p.memory.Unmap()
		p.mapReferences = 0
		p.mapData = nil
	}

	p.memory.Free()
	p.metadata.Clear()
	p.freed = true
}

// Mapping is a host view of a pool. Close must be called once the view is no longer needed.
type Mapping struct {
	pool   *MemoryPool
	data   []byte
	closed bool
}

// Bytes returns the whole pool's mapped bytes
func (m *Mapping) Bytes() []byte {
	return m.data
}

// Range returns the mapped bytes of a range within the pool, or ErrOutOfRange
func (m *Mapping) Range(byteRange MemoryRange) ([]byte, error) {
	if byteRange.Offset < 0 || byteRange.Size < 0 || byteRange.End() > len(m.data) {
		return nil, errors.Wrapf(ErrOutOfRange, "range at offset %d with size %d is outside pool %d, which is size %d", byteRange.Offset, byteRange.Size, m.pool.id, len(m.data))
	}

	return m.data[byteRange.Offset:byteRange.End():byteRange.End()], nil
}

// Flush makes host writes to the range visible to the device. It no-ops for coherent memory.
func (m *Mapping) Flush(byteRange MemoryRange) error {
	if m.closed {
		return errors.New("attempted to flush a closed mapping")
	}
	return m.pool.flushOrInvalidate(byteRange, m.pool.memory.Flush)
}

// Invalidate makes device writes to the range visible to the host. It no-ops for coherent memory.
func (m *Mapping) Invalidate(byteRange MemoryRange) error {
	if m.closed {
		return errors.New("attempted to invalidate a closed mapping")
	}
	return m.pool.flushOrInvalidate(byteRange, m.pool.memory.Invalidate)
}

// Close releases the mapping. The pool is unmapped once its last mapping closes.
func (m *Mapping) Close() error {
	if m.closed {
		return errors.New("mapping was already closed")
	}
	m.closed = true
	m.data = nil

	m.pool.mutex.Lock()
	defer m.pool.mutex.Unlock()

	m.pool.unmapLocked()
	return nil
}
