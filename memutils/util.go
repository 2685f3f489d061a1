package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint
}

// CheckPow2 returns an error wrapping PowerOfTwoError if number is not a power of two. Zero is
// treated as a power of two so that callers can interpret it as "no alignment requirement".
func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// IsAligned returns true if value is a multiple of alignment, which must be a power of two
func IsAligned(value int, alignment uint) bool {
	return value&int(alignment-1) == 0
}

// MaxAlignment returns the strictest of the provided alignments. Zero values are ignored, and
// the result is never less than 1.
func MaxAlignment(alignments ...uint) uint {
	result := uint(1)
	for _, alignment := range alignments {
		if alignment > result {
			result = alignment
		}
	}
	return result
}
