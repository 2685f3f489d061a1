package pack

import (
	"math"
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/vkpack/gpu"
)

// MemoryKind is the placement affinity of a resource and the kind of the pool it is packed into.
// A pool's kind is fixed for its lifetime.
type MemoryKind int32

const (
	// MemoryKindHostVisible is memory the host can map and write, preferably coherent
	MemoryKindHostVisible MemoryKind = iota
	// MemoryKindHostCached is host-visible memory that is cached on the host, for device-to-host readback
	MemoryKindHostCached
	// MemoryKindDeviceLocal is memory that is fastest for the device and is never mapped
	MemoryKindDeviceLocal
	// MemoryKindStaging is host-visible memory used as the intermediary for transfers into device-local memory
	MemoryKindStaging
)

// memoryKinds is the order groups are processed in during allocation
var memoryKinds = []MemoryKind{
	MemoryKindHostVisible,
	MemoryKindHostCached,
	MemoryKindDeviceLocal,
	MemoryKindStaging,
}

var memoryKindMapping = map[MemoryKind]string{
	MemoryKindHostVisible: "HostVisible",
	MemoryKindHostCached:  "HostCached",
	MemoryKindDeviceLocal: "DeviceLocal",
	MemoryKindStaging:     "Staging",
}

func (k MemoryKind) String() string {
	str, ok := memoryKindMapping[k]
	if !ok {
		return "unknown MemoryKind"
	}
	return str
}

// MemoryKinds returns every memory kind in allocation order
func MemoryKinds() []MemoryKind {
	return append([]MemoryKind(nil), memoryKinds...)
}

// ParseMemoryKind accepts the string form of a MemoryKind
func ParseMemoryKind(str string) (MemoryKind, error) {
	for kind, name := range memoryKindMapping {
		if name == str {
			return kind, nil
		}
	}
	return 0, errors.Wrapf(ErrInvalidMemoryKind, "unknown memory kind %q", str)
}

func (k MemoryKind) valid() bool {
	_, ok := memoryKindMapping[k]
	return ok
}

// Mappable returns true for kinds whose pools may be mapped into host memory
func (k MemoryKind) Mappable() bool {
	return k == MemoryKindHostVisible || k == MemoryKindHostCached || k == MemoryKindStaging
}

func (k MemoryKind) memoryPreferences() (requiredFlags, preferredFlags, notPreferredFlags gpu.MemoryPropertyFlags) {
	switch k {
	case MemoryKindHostVisible:
		return gpu.MemoryPropertyHostVisible, gpu.MemoryPropertyHostCoherent, gpu.MemoryPropertyHostCached
	case MemoryKindHostCached:
		return gpu.MemoryPropertyHostVisible | gpu.MemoryPropertyHostCached, 0, 0
	case MemoryKindDeviceLocal:
		return gpu.MemoryPropertyDeviceLocal, 0, gpu.MemoryPropertyHostVisible
	case MemoryKindStaging:
		return gpu.MemoryPropertyHostVisible, gpu.MemoryPropertyHostCoherent, gpu.MemoryPropertyDeviceLocal | gpu.MemoryPropertyHostCached
	}

	return 0, 0, 0
}

// selectMemoryType chooses the memory type in memoryTypeBits that best matches the kind: types missing
// required flags are never chosen, and each missing preferred flag or present not-preferred flag
// adds to the cost of a type. The first type with no cost wins.
func selectMemoryType(properties gpu.MemoryProperties, memoryTypeBits uint32, kind MemoryKind) (int, error) {
	requiredFlags, preferredFlags, notPreferredFlags := kind.memoryPreferences()

	bestMemoryTypeIndex := -1
	minCost := math.MaxInt

	for memTypeIndex, memType := range properties.MemoryTypes {
		memTypeBit := uint32(1 << memTypeIndex)

		if memTypeBit&memoryTypeBits == 0 {
			// This memory type is banned by the bitmask
			continue
		}

		flags := memType.PropertyFlags
		if requiredFlags&flags != requiredFlags {
			// This memory type is missing required flags
			continue
		}

		missingPreferredFlags := preferredFlags & ^flags
		presentNotPreferredFlags := notPreferredFlags & flags
		cost := bits.OnesCount32(uint32(missingPreferredFlags)) + bits.OnesCount32(uint32(presentNotPreferredFlags))
		if cost == 0 {
			return memTypeIndex, nil
		} else if cost < minCost {
			bestMemoryTypeIndex = memTypeIndex
			minCost = cost
		}
	}

	if bestMemoryTypeIndex < 0 {
		return -1, errors.Wrapf(ErrNoCompatibleMemoryType, "no memory type in bits %b has the flags %s requires", memoryTypeBits, kind)
	}

	return bestMemoryTypeIndex, nil
}

func isHostNonCoherent(flags gpu.MemoryPropertyFlags) bool {
	return flags&(gpu.MemoryPropertyHostVisible|gpu.MemoryPropertyHostCoherent) == gpu.MemoryPropertyHostVisible
}

// memoryTypeMinimumAlignment is the alignment every reservation in a pool of the memory type must have
// so that flushes and invalidations of one reservation never touch another
func memoryTypeMinimumAlignment(properties gpu.MemoryProperties, limits gpu.Limits, memTypeIndex int) uint {
	if isHostNonCoherent(properties.MemoryTypes[memTypeIndex].PropertyFlags) {
		alignment := uint(limits.NonCoherentAtomSize)
		if alignment < 1 {
			return 1
		}
		return alignment
	}

	return 1
}
