package transfer

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/vkpack/gpu"
	"github.com/vkngwrapper/vkpack/memutils"
	"github.com/vkngwrapper/vkpack/pack"
)

// stagingRing is a fixed set of equally sized staging buffers allocated in a single pool. A slot is
// only handed out again after the transfer holding it has observed its fence.
type stagingRing struct {
	repository *pack.Repository
	slotSize   int
	slots      []*pack.BufferBlock
	leased     []bool
	next       int
}

func newStagingRing(repository *pack.Repository, slotSize int, slotCount int) (*stagingRing, error) {
	descriptors := make([]pack.ResourceDescriptor, slotCount)
	for i := range descriptors {
		descriptors[i] = pack.ResourceDescriptor{
			Name: fmt.Sprintf("staging-%d", i),
			Type: pack.ResourceBuffer,
			Size: slotSize,
			Kind: pack.MemoryKindStaging,
		}
	}

	indices, err := repository.Allocate(descriptors)
	if err != nil {
		// A partially bound ring is not useful
		if indices != nil {
			_ = repository.Destroy()
		}
		return nil, errors.Wrap(err, "failed to allocate the staging ring")
	}

	ring := &stagingRing{
		repository: repository,
		slotSize:   slotSize,
		slots:      make([]*pack.BufferBlock, slotCount),
		leased:     make([]bool, slotCount),
	}
	for i, index := range indices {
		ring.slots[i], err = repository.Buffer(index)
		if err != nil {
			_ = repository.Destroy()
			return nil, err
		}
	}

	return ring, nil
}

// acquire returns the next free slot in round-robin order
func (r *stagingRing) acquire() (int, bool) {
	for i := 0; i < len(r.slots); i++ {
		slot := (r.next + i) % len(r.slots)
		if !r.leased[slot] {
			r.leased[slot] = true
			r.next = (slot + 1) % len(r.slots)
			return slot, true
		}
	}
	return -1, false
}

func (r *stagingRing) busy() int {
	count := 0
	for _, leased := range r.leased {
		if leased {
			count++
		}
	}
	return count
}

// stagingLease is a transfer's hold on staging memory. The memory is mapped for the life of the lease,
// and the lease can only be released before submission or after its fence has been observed signaled.
type stagingLease struct {
	ring *stagingRing
	slot int

	// dedicated is set for leases that own a one-shot staging allocation
	dedicated *pack.Allocation

	block   *pack.BufferBlock
	mapping *pack.Mapping
	data    []byte

	fence         gpu.Fence
	fenceObserved bool
	released      bool
}

func (l *stagingLease) Validate() error {
	if l.released {
		if l.mapping != nil {
			return errors.New("released staging lease still holds a mapping")
		}
		return nil
	}

	if l.block == nil || l.mapping == nil {
		return errors.New("staging lease is missing its block or mapping")
	}
	if len(l.data) != l.block.Size() {
		return errors.Newf("staging lease maps %d bytes, but its block is %d bytes", len(l.data), l.block.Size())
	}
	if l.fenceObserved && l.fence == nil {
		return errors.New("staging lease observed a fence it was never given")
	}
	return nil
}

func (l *stagingLease) Buffer() gpu.Buffer { return l.block.Buffer() }
func (l *stagingLease) Size() int          { return l.block.Size() }

func (l *stagingLease) inFlight() bool {
	return l.fence != nil && !l.fenceObserved
}

func (l *stagingLease) checkRange(byteRange pack.MemoryRange) error {
	bounds := pack.MemoryRange{Size: len(l.data)}
	if byteRange.Offset < 0 || !bounds.Contains(byteRange) {
		return errors.Wrapf(pack.ErrOutOfRange, "range at offset %d with size %d is outside %d bytes of staging", byteRange.Offset, byteRange.Size, len(l.data))
	}
	return nil
}

func (l *stagingLease) write(offset int, data []byte) error {
	if l.released {
		return errors.New("attempted to write to released staging memory")
	}
	if l.inFlight() {
		return errors.Wrap(ErrStagingInFlight, "attempted to write staging memory before its fence signaled")
	}
	err := l.checkRange(pack.MemoryRange{Offset: offset, Size: len(data)})
	if err != nil {
		return err
	}

	copy(l.data[offset:], data)
	return nil
}

// flush makes host writes visible to the device before submission
func (l *stagingLease) flush() error {
	return l.mapping.Flush(l.block.Range())
}

// observe records that the fence has signaled and pulls device writes into host view
func (l *stagingLease) observe() error {
	if l.fence == nil {
		return errors.New("staging lease has no fence to observe")
	}
	l.fenceObserved = true
	memutils.DebugValidate(l)

	return l.mapping.Invalidate(l.block.Range())
}

func (l *stagingLease) release() error {
	if l.released {
		return nil
	}
	if l.inFlight() {
		return errors.Wrap(ErrStagingInFlight, "attempted to release staging memory before its fence signaled")
	}

	err := l.mapping.Close()
	l.mapping = nil
	l.data = nil
	l.released = true

	if l.dedicated != nil {
		for _, block := range l.dedicated.Blocks {
			if block != nil {
				block.Resource().Destroy()
			}
		}
		for _, pool := range l.dedicated.Pools {
			pool.Destroy()
		}
		l.dedicated = nil
	} else {
		l.ring.leased[l.slot] = false
	}

	memutils.DebugValidate(l)
	return err
}

// leaseSlot maps a ring slot. The slot is returned to the ring if the map fails.
func (r *stagingRing) leaseSlot() (*stagingLease, error) {
	slot, ok := r.acquire()
	if !ok {
		return nil, errors.Wrapf(ErrStagingExhausted, "all %d staging slots belong to incomplete transfers", len(r.slots))
	}

	block := r.slots[slot]
	lease := &stagingLease{ring: r, slot: slot, block: block}
	err := lease.mapBlock()
	if err != nil {
		r.leased[slot] = false
		return nil, err
	}
	return lease, nil
}

// leaseDedicated allocates a one-shot staging buffer of the requested size
func (r *stagingRing) leaseDedicated(size int) (*stagingLease, error) {
	allocation, err := r.repository.Allocator().Allocate([]pack.ResourceDescriptor{
		{
			Name: "staging-dedicated",
			Type: pack.ResourceBuffer,
			Size: size,
			Kind: pack.MemoryKindStaging,
		},
	})
	if err != nil {
		if allocation != nil {
			for _, pool := range allocation.Pools {
				pool.Destroy()
			}
		}
		return nil, errors.Wrapf(err, "failed to allocate %d bytes of dedicated staging", size)
	}

	lease := &stagingLease{
		ring:      r,
		slot:      -1,
		dedicated: allocation,
		block:     allocation.Blocks[0].(*pack.BufferBlock),
	}
	err = lease.mapBlock()
	if err != nil {
		allocation.Blocks[0].Resource().Destroy()
		allocation.Pools[0].Destroy()
		return nil, err
	}
	return lease, nil
}

func (l *stagingLease) mapBlock() error {
	mapping, err := l.block.Pool().Map()
	if err != nil {
		return err
	}

	data, err := mapping.Range(l.block.Range())
	if err != nil {
		_ = mapping.Close()
		return err
	}

	l.mapping = mapping
	l.data = data
	memutils.DebugValidate(l)
	return nil
}
