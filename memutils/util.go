package memutils

import (
	"math"

	cerrors "github.com/cockroachdb/errors"
)

// Number is the set of integer types that memory sizes, offsets, and alignments are expressed in
type Number interface {
	~int | ~uint | ~uintptr
}

// CheckPow2 returns an error wrapping PowerOfTwoError if number is not a power of two. Zero is
// rejected as well, since it cannot be used as an alignment.
func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to the next multiple of alignment, which must be a power of two
func AlignUp[T Number](value T, alignment T) T {
	return (value + alignment - 1) & ^(alignment - 1)
}

// AlignDown rounds value down to the previous multiple of alignment, which must be a power of two
func AlignDown[T Number](value T, alignment T) T {
	return value & ^(alignment - 1)
}

// AlignUpChecked behaves like AlignUp but reports false instead of wrapping when the rounded
// value would exceed math.MaxInt.
func AlignUpChecked(value, alignment uintptr) (uintptr, bool) {
	if value > math.MaxInt || alignment-1 > math.MaxInt-value {
		return 0, false
	}
	return AlignUp(value, alignment), true
}

// AddChecked adds two sizes, reporting false if the sum would exceed math.MaxInt
func AddChecked(left, right uintptr) (uintptr, bool) {
	if left > math.MaxInt || right > math.MaxInt-left {
		return 0, false
	}
	return left + right, true
}

// MulChecked multiplies two sizes, reporting false if the product would exceed math.MaxInt
func MulChecked(left, right uintptr) (uintptr, bool) {
	if left == 0 || right == 0 {
		return 0, true
	}
	if left > math.MaxInt/right {
		return 0, false
	}
	return left * right, true
}
