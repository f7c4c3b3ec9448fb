package memutils

import (
	"math/bits"

	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint
}

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

// RoundUpToMultiple rounds value up to the nearest multiple of granularity,
// which does not need to be a power of two.
func RoundUpToMultiple(value, granularity int) int {
	return ((value + granularity - 1) / granularity) * granularity
}

// NextPowerOfTwo returns the smallest power of two that is greater than or
// equal to value.
func NextPowerOfTwo(value int) int {
	if value <= 1 {
		return 1
	}
	return 1 << bits.Len64(uint64(value-1))
}
