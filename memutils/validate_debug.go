//go:build debug_mem_utils

package memutils

import "encoding/binary"

const (
	// DebugMargin is the number of guard bytes reserved after each block so that overruns into the
	// next block can be detected by MemoryPool.CheckCorruption
	DebugMargin int = 16
	corruptionDetectionMagicValue uint32 = 0x7F84E666
)

// WriteMagicValue fills the DebugMargin guard bytes at offset with the marker pattern. Offsets whose
// guard would run past the end of data are ignored.
func WriteMagicValue(data []byte, offset int) {
	if offset < 0 || offset+DebugMargin > len(data) {
		return
	}

	for i := 0; i < DebugMargin; i += 4 {
		binary.LittleEndian.PutUint32(data[offset+i:], corruptionDetectionMagicValue)
	}
}

// ValidateMagicValue returns false if any guard byte at offset was overwritten
func ValidateMagicValue(data []byte, offset int) bool {
	if offset < 0 || offset+DebugMargin > len(data) {
		return false
	}

	for i := 0; i < DebugMargin; i += 4 {
		if binary.LittleEndian.Uint32(data[offset+i:]) != corruptionDetectionMagicValue {
			return false
		}
	}

	return true
}

// DebugValidate panics if validatable reports an inconsistency
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}
