package pack

import (
	"github.com/vkngwrapper/core/v2/common"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var createFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	createFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return createFlagsMapping.FlagsToString(f)
}

const (
	// CreateExternallySynchronized ensures that the allocator and all objects created from it will not
	// be synchronized internally. The consumer must guarantee they are used from only one thread at a
	// time or are synchronized by some other mechanism.
	CreateExternallySynchronized CreateFlags = 1 << iota
	// CreateCorruptionDetection writes markers after every reservation in mappable pools so that
	// MemoryPool.CheckCorruption can find overruns. Markers are only written when built with the
	// debug_mem_utils build tag.
	CreateCorruptionDetection
)

func init() {
	CreateExternallySynchronized.Register("CreateExternallySynchronized")
	CreateCorruptionDetection.Register("CreateCorruptionDetection")
}

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// MemoryTypeBits restricts the memory types pools may be created from. 0 allows every type.
	MemoryTypeBits uint32

	// PoolCallbacks observe the physical allocations the allocator makes. It may be nil.
	PoolCallbacks *PoolCallbacks
}

// PoolCallback receives a pool whose memory was just allocated, or is about to be freed
type PoolCallback func(pool *MemoryPool, userData any)

// PoolCallbacks are invoked with the allocator's mutex released. Created runs once the pool's
// memory exists and before any resource is bound to it. Freed runs before the memory is released,
// while Memory() is still valid.
type PoolCallbacks struct {
	Created  PoolCallback
	Freed    PoolCallback
	UserData any
}

func (c *PoolCallbacks) created(pool *MemoryPool) {
	if c != nil && c.Created != nil {
		c.Created(pool, c.UserData)
	}
}

func (c *PoolCallbacks) freed(pool *MemoryPool) {
	if c != nil && c.Freed != nil {
		c.Freed(pool, c.UserData)
	}
}
