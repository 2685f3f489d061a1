package pack

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/vkpack/internal/utils"
)

var nextDistributorID atomic.Uint32

// BlockIndex is an opaque handle to a block, issued by a Distributor. Indices are never reused, and
// the zero value is never issued.
type BlockIndex struct {
	distributor uint32
	slot        uint32
	payload     Payload
}

// Value is the index's opaque integer form, unique across every distributor in the process
func (i BlockIndex) Value() uint64 {
	return uint64(i.distributor)<<32 | uint64(i.slot)
}

// IsZero returns true for the zero BlockIndex, which is returned for descriptors that failed to allocate
func (i BlockIndex) IsZero() bool {
	return i.distributor == 0 && i.slot == 0
}

// Payload is the payload of the block the index was issued for
func (i BlockIndex) Payload() Payload {
	return i.payload
}

func (i BlockIndex) String() string {
	return fmt.Sprintf("BlockIndex(%d:%d)", i.distributor, i.slot)
}

// Distributor issues sequential BlockIndex values for blocks and resolves them. Slots are
// tombstoned when retired and are never recycled, so a stale index can never resolve to a
// different block.
type Distributor struct {
	id    uint32
	mutex utils.OptionalRWMutex

	// slot n is stored at slots[n-1]; a nil entry is a tombstone
	slots []Block
	live  int
}

// NewDistributor creates a Distributor. If useMutex is false, the caller must synchronize access.
func NewDistributor(useMutex bool) *Distributor {
	return &Distributor{
		id:    nextDistributorID.Add(1),
		mutex: utils.OptionalRWMutex{UseMutex: useMutex},
	}
}

// Assign issues the next index for the block
func (d *Distributor) Assign(block Block) BlockIndex {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if block == nil {
		panic("attempted to assign an index to a nil block")
	}

	d.slots = append(d.slots, block)
	d.live++

	return BlockIndex{
		distributor: d.id,
		slot:        uint32(len(d.slots)),
		payload:     block.Payload(),
	}
}

func (d *Distributor) slotOf(index BlockIndex) (int, error) {
	if index.distributor != d.id {
		if index.IsZero() {
			return 0, errors.Wrap(ErrInvalidIndex, "the zero index is never issued")
		}
		return 0, errors.Wrapf(ErrInvalidIndex, "%s was issued by a different distributor", index)
	}
	if index.slot == 0 || int(index.slot) > len(d.slots) {
		return 0, errors.Wrapf(ErrInvalidIndex, "%s was never issued", index)
	}

	slot := int(index.slot) - 1
	if d.slots[slot] == nil {
		return 0, errors.Wrapf(ErrInvalidIndex, "%s has been retired", index)
	}
	return slot, nil
}

// Resolve returns the block the index was issued for, or ErrInvalidIndex
func (d *Distributor) Resolve(index BlockIndex) (Block, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	slot, err := d.slotOf(index)
	if err != nil {
		return nil, err
	}
	return d.slots[slot], nil
}

// Retire tombstones the index's slot and returns the block it held
func (d *Distributor) Retire(index BlockIndex) (Block, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	slot, err := d.slotOf(index)
	if err != nil {
		return nil, err
	}

	block := d.slots[slot]
	d.slots[slot] = nil
	d.live--
	return block, nil
}

// RetireAll tombstones every live slot and returns their blocks in issue order
func (d *Distributor) RetireAll() []Block {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	blocks := make([]Block, 0, d.live)
	for slot, block := range d.slots {
		if block == nil {
			continue
		}
		blocks = append(blocks, block)
		d.slots[slot] = nil
	}
	d.live = 0
	return blocks
}

// Issued returns the number of indices issued over the distributor's lifetime
func (d *Distributor) Issued() int {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	return len(d.slots)
}

// Live returns the number of issued indices that have not been retired
func (d *Distributor) Live() int {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	return d.live
}

// Visit calls the callback with each live index and its block in issue order, until the callback
// returns true
func (d *Distributor) Visit(callback func(index BlockIndex, block Block) (stop bool)) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	for slot, block := range d.slots {
		if block == nil {
			continue
		}

		index := BlockIndex{distributor: d.id, slot: uint32(slot + 1), payload: block.Payload()}
		if callback(index, block) {
			return
		}
	}
}
