//go:build debug_mem_utils

package memutils

import "unsafe"

const (
	// DebugMargin is the number of bytes reserved after each suballocation for corruption
	// markers
	DebugMargin int = 16
	// corruptionDetectionMagicValue is the 4-byte pattern repeated across each margin
	corruptionDetectionMagicValue uint32 = 0x7F84E666
)

// WriteMagicValue fills the DebugMargin bytes at data+offset with the corruption marker
func WriteMagicValue(data unsafe.Pointer, offset int) {
	dest := unsafe.Add(data, offset)
	for i := 0; i < DebugMargin/4; i++ {
		*(*uint32)(dest) = corruptionDetectionMagicValue
		dest = unsafe.Add(dest, 4)
	}
}

// ValidateMagicValue reports whether the marker written by WriteMagicValue at data+offset is
// still intact
func ValidateMagicValue(data unsafe.Pointer, offset int) bool {
	source := unsafe.Add(data, offset)
	for i := 0; i < DebugMargin/4; i++ {
		if *(*uint32)(source) != corruptionDetectionMagicValue {
			return false
		}
		source = unsafe.Add(source, 4)
	}

	return true
}

// DebugValidate calls Validate and panics on any error
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}

// DebugCheckPow2 panics if value is not a power of two
func DebugCheckPow2[T Number](value T, name string) {
	err := CheckPow2[T](value, name)
	if err != nil {
		panic(err)
	}
}
