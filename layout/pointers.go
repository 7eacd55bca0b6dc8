package layout

import (
	"reflect"
	"sync"
)

var pointerCache sync.Map

// HasPointers reports whether values of type t contain anything the garbage collector must
// scan. Results are cached per type.
func HasPointers(t reflect.Type) bool {
	if t == nil {
		return false
	}

	cached, ok := pointerCache.Load(t)
	if ok {
		return cached.(bool)
	}

	result := scanPointers(t)
	pointerCache.Store(t, result)
	return result
}

func scanPointers(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return false
	case reflect.Array:
		return t.Len() > 0 && HasPointers(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if HasPointers(t.Field(i).Type) {
				return true
			}
		}
		return false
	default:
		// Pointer, UnsafePointer, String, Slice, Map, Chan, Func, Interface
		return true
	}
}
