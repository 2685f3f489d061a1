package pack

import (
	"context"
	"sort"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/vkpack/gpu"
	"github.com/vkngwrapper/vkpack/memutils"
	"github.com/vkngwrapper/vkpack/memutils/metadata"
	"golang.org/x/exp/slog"
)

// Allocator packs batches of resource descriptors into pools: one pool per memory kind per batch,
// sized exactly to hold the batch. Placement is deterministic, so the same descriptors on the same
// device always produce the same offsets.
type Allocator struct {
	useMutex bool
	logger   *slog.Logger
	device   gpu.Device

	createFlags          CreateFlags
	globalMemoryTypeBits uint32
	limits               gpu.Limits
	memoryProperties     gpu.MemoryProperties
	callbacks            *PoolCallbacks

	nextPoolID atomic.Int64
}

// New creates a new Allocator
//
// device - The Device that pools will be allocated from
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, device gpu.Device, options CreateOptions) (*Allocator, error) {
	limits := device.Limits()
	err := memutils.CheckPow2(limits.BufferImageGranularity, "device bufferImageGranularity")
	if err != nil {
		return nil, err
	}
	err = memutils.CheckPow2(limits.NonCoherentAtomSize, "device nonCoherentAtomSize")
	if err != nil {
		return nil, err
	}
	err = memutils.CheckPow2(limits.MinUniformBufferOffsetAlignment, "device minUniformBufferOffsetAlignment")
	if err != nil {
		return nil, err
	}

	memoryProperties := device.MemoryProperties()
	typeCount := len(memoryProperties.MemoryTypes)
	if typeCount == 0 || typeCount > 32 {
		return nil, errors.Newf("device reports %d memory types", typeCount)
	}

	globalMemoryTypeBits := uint32(1)<<typeCount - 1
	if options.MemoryTypeBits != 0 {
		globalMemoryTypeBits &= options.MemoryTypeBits
	}
	if globalMemoryTypeBits == 0 {
		return nil, errors.Newf("memory type bits %b exclude every memory type on the device", options.MemoryTypeBits)
	}

	allocator := &Allocator{
		useMutex: options.Flags&CreateExternallySynchronized == 0,
		logger:   logger,
		device:   device,

		createFlags:          options.Flags,
		globalMemoryTypeBits: globalMemoryTypeBits,
		limits:               limits,
		memoryProperties:     memoryProperties,
	}
	allocator.callbacks = options.PoolCallbacks

	return allocator, nil
}

func (a *Allocator) Device() gpu.Device                     { return a.device }
func (a *Allocator) Limits() gpu.Limits                     { return a.limits }
func (a *Allocator) MemoryProperties() gpu.MemoryProperties { return a.memoryProperties }
func (a *Allocator) CreateFlags() CreateFlags               { return a.createFlags }

// UseMutex returns false if the allocator was created with CreateExternallySynchronized
func (a *Allocator) UseMutex() bool { return a.useMutex }

// FindMemoryTypeIndex returns the memory type a pool of the provided kind would be created from, if
// every resource in the pool accepted every memory type in memoryTypeBits
func (a *Allocator) FindMemoryTypeIndex(kind MemoryKind, memoryTypeBits uint32) (int, error) {
	a.logger.Debug("Allocator::FindMemoryTypeIndex")

	if !kind.valid() {
		return -1, errors.Wrapf(ErrInvalidMemoryKind, "memory kind %d does not exist", kind)
	}

	return selectMemoryType(a.memoryProperties, memoryTypeBits&a.globalMemoryTypeBits, kind)
}

// CreatePool allocates a standalone pool of the provided kind and capacity. The caller owns the pool
// and must call MemoryPool.Destroy.
func (a *Allocator) CreatePool(kind MemoryKind, capacity int) (*MemoryPool, error) {
	a.logger.Debug("Allocator::CreatePool")

	memoryTypeIndex, err := a.FindMemoryTypeIndex(kind, a.globalMemoryTypeBits)
	if err != nil {
		return nil, err
	}

	return a.createPool(kind, memoryTypeIndex, capacity)
}

func (a *Allocator) createPool(kind MemoryKind, memoryTypeIndex int, capacity int) (*MemoryPool, error) {
	if capacity <= 0 {
		return nil, errors.Newf("pool capacity must be greater than 0, but was %d", capacity)
	}

	memory, err := a.device.AllocateMemory(memoryTypeIndex, capacity)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to allocate %d bytes for a %s pool from memory type %d", capacity, kind, memoryTypeIndex)
	}

	id := int(a.nextPoolID.Add(1) - 1)
	pool := newMemoryPool(
		a.logger,
		id,
		kind,
		memoryTypeIndex,
		a.memoryProperties.MemoryTypes[memoryTypeIndex].PropertyFlags,
		a.limits.NonCoherentAtomSize,
		memory,
		a.callbacks,
		a.useMutex,
		a.createFlags&CreateCorruptionDetection != 0,
	)

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created pool",
		slog.Int("pool.id", id),
		slog.String("kind", kind.String()),
		slog.Int("memoryTypeIndex", memoryTypeIndex),
		slog.Int("capacity", capacity),
	)
	a.callbacks.created(pool)

	return pool, nil
}

// Allocation is the result of a batch allocation. Blocks correspond one-to-one with the descriptors
// that were passed to Allocator.Allocate: the block of a descriptor that failed is nil.
type Allocation struct {
	Blocks []Block
	Pools  []*MemoryPool
}

type allocationEntry struct {
	index      int
	descriptor ResourceDescriptor
	payload    Payload

	resource     gpu.Resource
	requirements gpu.MemoryRequirements
	allocType    suballocationType

	size      int
	boundSize int
	alignment uint

	group *allocationGroup
}

func (e *allocationEntry) isLinear() bool {
	return e.allocType != suballocationImageOptimal
}

type allocationGroup struct {
	kind            MemoryKind
	entries         []*allocationEntry
	memoryTypeIndex int
	layout          metadata.BumpLayout
	pool            *MemoryPool
}

// Allocate creates every resource in the batch, packs each memory kind into a single new pool,
// and binds each resource to its reserved range.
//
// Failures that affect only one descriptor (invalid parameters, resource creation, binding) do not
// affect the others: the failed descriptor's block is nil and the returned error is an
// *AllocationErrors. A range reserved for a resource that failed to bind stays reserved, so the
// offsets of the other resources do not depend on failures.
//
// Failures that affect a whole pool (no compatible memory type, device allocation failure,
// ErrInvalidMemoryKind) abort the batch: everything created by the call is released and the
// Allocation is nil.
func (a *Allocator) Allocate(descriptors []ResourceDescriptor) (*Allocation, error) {
	a.logger.Debug("Allocator::Allocate")

	for i, descriptor := range descriptors {
		if !descriptor.Kind.valid() {
			return nil, errors.Wrapf(ErrInvalidMemoryKind, "descriptor %d (%s) has memory kind %d", i, descriptor.Name, descriptor.Kind)
		}
	}

	entries := make([]*allocationEntry, len(descriptors))
	var failures []*AllocationError
	var pools []*MemoryPool

	success := false
	defer func() {
		if success {
			return
		}

		for _, entry := range entries {
			if entry != nil && entry.resource != nil {
				entry.resource.Destroy()
			}
		}
		for _, pool := range pools {
			pool.Destroy()
		}
	}()

	for i, descriptor := range descriptors {
		entry, err := a.prepareEntry(i, descriptor)
		if err != nil {
			failures = append(failures, a.descriptorFailure(i, descriptor, err))
			continue
		}
		entries[i] = entry
	}

	groups := make(map[MemoryKind]*allocationGroup)
	for _, entry := range entries {
		if entry == nil {
			continue
		}

		group, ok := groups[entry.descriptor.Kind]
		if !ok {
			group = &allocationGroup{kind: entry.descriptor.Kind}
			groups[entry.descriptor.Kind] = group
		}
		group.entries = append(group.entries, entry)
		entry.group = group
	}

	for _, kind := range memoryKinds {
		group, ok := groups[kind]
		if !ok {
			continue
		}

		err := a.planGroup(group)
		if err != nil {
			return nil, err
		}

		group.pool, err = a.createPool(kind, group.memoryTypeIndex, group.layout.Capacity)
		if err != nil {
			return nil, err
		}
		pools = append(pools, group.pool)
	}

	blocks := make([]Block, len(descriptors))
	for i, entry := range entries {
		if entry == nil {
			continue
		}

		pool := entry.group.pool
		byteRange, err := pool.reserve(entry.size, entry.alignment, entry.allocType, reservation{
			name:      entry.descriptor.Name,
			allocType: entry.allocType,
		})
		if err != nil {
			// The pool was sized for exactly this walk, so this is not a descriptor-level failure
			return nil, errors.Wrapf(err, "descriptor %d (%s)", i, entry.descriptor.Name)
		}

		block, err := a.bind(entry, pool, byteRange.Offset)
		if err != nil {
			failures = append(failures, a.descriptorFailure(i, entry.descriptor, err))
			entry.resource.Destroy()
			entry.resource = nil
			continue
		}
		blocks[i] = block
	}

	success = true
	allocation := &Allocation{
		Blocks: blocks,
		Pools:  pools,
	}

	if len(failures) > 0 {
		sort.Slice(failures, func(i, j int) bool {
			return failures[i].Index < failures[j].Index
		})
		return allocation, &AllocationErrors{Failures: failures}
	}

	return allocation, nil
}

func (a *Allocator) descriptorFailure(index int, descriptor ResourceDescriptor, err error) *AllocationError {
	a.logger.LogAttrs(context.Background(), slog.LevelWarn, "descriptor failed to allocate",
		slog.Int("index", index),
		slog.String("name", descriptor.Name),
		slog.Any("error", err),
	)

	return &AllocationError{
		Index: index,
		Name:  descriptor.Name,
		Err:   err,
	}
}

func (a *Allocator) prepareEntry(index int, descriptor ResourceDescriptor) (*allocationEntry, error) {
	err := descriptor.Validate()
	if err != nil {
		return nil, err
	}

	payload, size, err := descriptor.resolvePayload(a.limits)
	if err != nil {
		return nil, err
	}

	entry := &allocationEntry{
		index:      index,
		descriptor: descriptor,
		payload:    payload,
	}

	switch descriptor.Type {
	case ResourceBuffer:
		usage := descriptor.BufferUsage | gpu.BufferUsageTransferSrc | gpu.BufferUsageTransferDst
		if payload.Kind == PayloadDynamicUniform {
			usage |= gpu.BufferUsageUniformBuffer
		}

		buffer, err := a.device.CreateBuffer(gpu.BufferCreateInfo{
			Size:  size,
			Usage: usage,
		})
		if err != nil {
			return nil, errors.Wrap(err, "failed to create buffer")
		}

		entry.resource = buffer
		entry.allocType = suballocationBuffer
		entry.boundSize = size
	case ResourceImage:
		image, err := a.device.CreateImage(gpu.ImageCreateInfo{
			Extent: descriptor.Image.Extent,
			Format: descriptor.Image.Format,
			Tiling: descriptor.Image.Tiling,
			Usage:  descriptor.Image.Usage | gpu.ImageUsageTransferSrc | gpu.ImageUsageTransferDst,
		})
		if err != nil {
			return nil, errors.Wrap(err, "failed to create image")
		}

		entry.resource = image
		entry.allocType = suballocationImageOptimal
		if descriptor.Image.Tiling == gpu.ImageTilingLinear {
			entry.allocType = suballocationImageLinear
		}
	}

	entry.requirements = entry.resource.Requirements()
	err = memutils.CheckPow2(entry.requirements.Alignment, "required alignment")
	if err != nil {
		entry.resource.Destroy()
		return nil, err
	}

	if entry.allocType != suballocationBuffer {
		entry.boundSize = entry.requirements.Size
	}

	entry.size = size
	if entry.requirements.Size > entry.size {
		entry.size = entry.requirements.Size
	}
	entry.alignment = memutils.MaxAlignment(descriptor.Alignment, uint(entry.requirements.Alignment))

	return entry, nil
}

// planGroup chooses the group's memory type, applies the type's alignment requirements to every
// entry, and computes the capacity of the group's pool
func (a *Allocator) planGroup(group *allocationGroup) error {
	memoryTypeBits := a.globalMemoryTypeBits
	for _, entry := range group.entries {
		memoryTypeBits &= entry.requirements.MemoryTypeBits
	}

	memoryTypeIndex, err := selectMemoryType(a.memoryProperties, memoryTypeBits, group.kind)
	if err != nil {
		// No single memory type suits every resource in the group. Resources that cannot live in
		// the type chosen for the kind fail individually when they are bound.
		memoryTypeIndex, err = selectMemoryType(a.memoryProperties, a.globalMemoryTypeBits, group.kind)
		if err != nil {
			return errors.Wrapf(err, "no memory type for the %s pool", group.kind)
		}
	}
	group.memoryTypeIndex = memoryTypeIndex

	minAlignment := memoryTypeMinimumAlignment(a.memoryProperties, a.limits, memoryTypeIndex)

	// Linear and optimal resources that share a granularity page alias each other on some
	// devices, so every reservation in a mixed pool is given whole pages
	granularity := 1
	if a.limits.BufferImageGranularity > 1 && groupMixesTilings(group) {
		granularity = a.limits.BufferImageGranularity
	}

	requests := make([]metadata.BumpRequest, 0, len(group.entries))
	for _, entry := range group.entries {
		entry.alignment = memutils.MaxAlignment(entry.alignment, minAlignment, uint(granularity))
		entry.size = memutils.AlignUp(entry.size, uint(granularity))

		requests = append(requests, metadata.BumpRequest{
			Size:      entry.size,
			Alignment: entry.alignment,
		})
	}

	group.layout, err = metadata.PlanBumpLayout(requests)
	if err != nil {
		return errors.Wrapf(err, "failed to plan the %s pool", group.kind)
	}

	return nil
}

func groupMixesTilings(group *allocationGroup) bool {
	var linear, optimal bool
	for _, entry := range group.entries {
		if entry.isLinear() {
			linear = true
		} else {
			optimal = true
		}
	}
	return linear && optimal
}

func (a *Allocator) bind(entry *allocationEntry, pool *MemoryPool, offset int) (Block, error) {
	if entry.requirements.MemoryTypeBits&(1<<pool.memoryTypeIndex) == 0 {
		return nil, errors.Wrapf(ErrNoCompatibleMemoryType, "resource accepts memory types %b, but the %s pool uses memory type %d",
			entry.requirements.MemoryTypeBits, pool.kind, pool.memoryTypeIndex)
	}

	err := entry.resource.Bind(pool.memory, offset)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to bind to pool %d at offset %d", pool.id, offset)
	}

	data := blockData{
		name:    entry.descriptor.Name,
		pool:    pool,
		offset:  offset,
		size:    entry.boundSize,
		payload: entry.payload,
	}

	switch resource := entry.resource.(type) {
	case gpu.Buffer:
		return &BufferBlock{
			blockData: data,
			buffer:    resource,
		}, nil
	case gpu.Image:
		return &ImageBlock{
			blockData:   data,
			image:       resource,
			finalLayout: entry.descriptor.finalLayout(),
			layout:      gpu.ImageLayoutUndefined,
		}, nil
	}

	return nil, errors.Newf("resource of type %T is neither a buffer nor an image", entry.resource)
}
