//go:build !debug_mem_utils

package memutils

const (
	// DebugMargin is the number of guard bytes reserved after each block. Release builds reserve none.
	DebugMargin int = 0
)

// ValidateMagicValue always reports the marker as intact in release builds
func ValidateMagicValue(data []byte, offset int) bool {
	return true
}

// WriteMagicValue does nothing in release builds, where DebugMargin is 0
func WriteMagicValue(data []byte, offset int) {
}

func DebugValidate(validatable Validatable) {
}
