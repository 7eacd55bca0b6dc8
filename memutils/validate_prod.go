//go:build !debug_mem_utils

package memutils

import "unsafe"

const (
	// DebugMargin is the number of bytes reserved after each suballocation for corruption
	// markers. It is zero unless the debug_mem_utils build tag is present.
	DebugMargin int = 0
)

// ValidateMagicValue always reports true without the debug_mem_utils build tag
func ValidateMagicValue(data unsafe.Pointer, offset int) bool {
	return true
}

// WriteMagicValue no-ops without the debug_mem_utils build tag
func WriteMagicValue(data unsafe.Pointer, offset int) {
}

// DebugValidate no-ops without the debug_mem_utils build tag
func DebugValidate(validatable Validatable) {
}

// DebugCheckPow2 no-ops without the debug_mem_utils build tag
func DebugCheckPow2[T Number](value T, name string) {
}
