package pack

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

var (
	// ErrOutOfMemory is returned when a reservation does not fit in the remaining capacity of a pool
	ErrOutOfMemory = errors.New("pool is out of memory")
	// ErrInvalidMemoryKind is returned when mapping a pool whose kind is not host visible, or when a
	// descriptor names a memory kind that does not exist
	ErrInvalidMemoryKind = errors.New("invalid memory kind for operation")
	// ErrInvalidIndex is returned when resolving a BlockIndex that was never issued, was issued by a
	// different distributor, or has been retired
	ErrInvalidIndex = errors.New("invalid block index")
	// ErrOutOfRange is returned when a byte range does not lie within a block
	ErrOutOfRange = errors.New("range is outside the block")
	// ErrMemoryMapFailed is returned when the device fails to map a pool's memory
	ErrMemoryMapFailed = errors.New("failed to map memory")
	// ErrNoCompatibleMemoryType is returned when no memory type satisfies both a resource's
	// requirements and its memory kind
	ErrNoCompatibleMemoryType = errors.New("no compatible memory type")
	// ErrWrongResourceType is returned when a buffer operation is attempted on an image block or
	// vice versa
	ErrWrongResourceType = errors.New("block has the wrong resource type")
	// ErrRepositoryDestroyed is returned from repository operations after Destroy
	ErrRepositoryDestroyed = errors.New("repository has been destroyed")
	// ErrInvalidDescriptor is returned for descriptors whose parameters cannot describe a resource
	ErrInvalidDescriptor = errors.New("invalid resource descriptor")
)

// AllocationError reports a single descriptor that could not be allocated or bound. Index is the
// descriptor's position in the batch.
type AllocationError struct {
	Index int
	Name  string
	Err   error
}

func (e *AllocationError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("descriptor %d (%s): %v", e.Index, e.Name, e.Err)
	}
	return fmt.Sprintf("descriptor %d: %v", e.Index, e.Err)
}

func (e *AllocationError) Unwrap() error {
	return e.Err
}

// AllocationErrors is returned from a batch allocation in which some descriptors failed. The blocks
// of the other descriptors were allocated and bound, and are still valid.
type AllocationErrors struct {
	Failures []*AllocationError
}

func (e *AllocationErrors) Error() string {
	messages := make([]string, 0, len(e.Failures))
	for _, failure := range e.Failures {
		messages = append(messages, failure.Error())
	}
	return fmt.Sprintf("%d descriptors failed to allocate: %s", len(e.Failures), strings.Join(messages, "; "))
}

// Is matches the target against every failure, so errors.Is can find the cause of any of them
func (e *AllocationErrors) Is(target error) bool {
	for _, failure := range e.Failures {
		if errors.Is(failure, target) {
			return true
		}
	}
	return false
}

// Failed returns the failure for the descriptor at index, or nil if it succeeded
func (e *AllocationErrors) Failed(index int) *AllocationError {
	for _, failure := range e.Failures {
		if failure.Index == index {
			return failure
		}
	}
	return nil
}

// MapError reports a driver failure to map a pool. It matches ErrMemoryMapFailed and unwraps to the
// driver's error.
type MapError struct {
	Pool int
	Err  error
}

func (e *MapError) Error() string {
	return fmt.Sprintf("failed to map pool %d: %v", e.Pool, e.Err)
}

func (e *MapError) Unwrap() error {
	return e.Err
}

func (e *MapError) Is(target error) bool {
	return target == ErrMemoryMapFailed
}
