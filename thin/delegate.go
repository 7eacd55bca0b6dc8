package thin

import (
	"cmp"
	"encoding/json"
	"fmt"

	"github.com/dolthub/maphash"
	"github.com/vkngwrapper/thinbox/alloc"
	"golang.org/x/exp/constraints"
	"golang.org/x/exp/slices"
)

// Handle is implemented by every handle kind in this package
type Handle interface {
	Addr() uintptr
	Valid() bool
}

var (
	_ Handle = Box[int, alloc.Global]{}
	_ Handle = Slice[int, alloc.Global]{}
	_ Handle = Dyn[any, alloc.Global]{}

	_ fmt.Formatter = Box[int, alloc.Global]{}
	_ fmt.Formatter = Slice[int, alloc.Global]{}
	_ fmt.Formatter = Dyn[any, alloc.Global]{}

	_ json.Marshaler   = Box[int, alloc.Global]{}
	_ json.Unmarshaler = &Box[int, alloc.Global]{}
	_ json.Marshaler   = Slice[int, alloc.Global]{}
	_ json.Unmarshaler = &Slice[int, alloc.Global]{}
	_ json.Marshaler   = Dyn[any, alloc.Global]{}
)

// formatTarget picks what fmt should see for a value reached through ptr: the pointer itself
// when it carries formatting methods, so pointer receivers are honored, and the value otherwise.
func formatTarget[T any](ptr *T) any {
	switch any(ptr).(type) {
	case fmt.Formatter, fmt.Stringer, fmt.GoStringer, error:
		return ptr
	}
	return *ptr
}

func formatEmpty(f fmt.State) {
	_, _ = fmt.Fprint(f, "<nil>")
}

// Format formats the value as if it had been passed to fmt directly
func (b Box[T, A]) Format(f fmt.State, verb rune) {
	if b.ptr == nil {
		formatEmpty(f)
		return
	}
	_, _ = fmt.Fprintf(f, fmt.FormatString(f, verb), formatTarget(b.Deref()))
}

// Format formats the elements as if they had been passed to fmt directly as a slice
func (s Slice[E, A]) Format(f fmt.State, verb rune) {
	if s.ptr == nil {
		formatEmpty(f)
		return
	}
	_, _ = fmt.Fprintf(f, fmt.FormatString(f, verb), s.Deref())
}

// Format formats the value as if it had been passed to fmt directly
func (d Dyn[I, A]) Format(f fmt.State, verb rune) {
	if d.ptr == nil {
		formatEmpty(f)
		return
	}
	_, _ = fmt.Fprintf(f, fmt.FormatString(f, verb), d.table().format(d.ptr))
}

func (b Box[T, A]) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Deref())
}

// UnmarshalJSON decodes into the value. An empty Box first allocates a zero value through its
// allocator, so the Box's allocator value must be usable; alloc.Global always is.
func (b *Box[T, A]) UnmarshalJSON(data []byte) error {
	if b.ptr == nil {
		var zero T
		fresh, err := TryNewIn(zero, b.alloc)
		if err != nil {
			return err
		}
		*b = fresh
	}

	return json.Unmarshal(data, b.Deref())
}

func (s Slice[E, A]) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Deref())
}

// UnmarshalJSON decodes a json array into a new block and releases the previous one, if any
func (s *Slice[E, A]) UnmarshalJSON(data []byte) error {
	var values []E
	err := json.Unmarshal(data, &values)
	if err != nil {
		return err
	}

	fresh, err := TryNewSliceIn(values, s.alloc)
	if err != nil {
		return err
	}

	s.Close()
	*s = fresh
	return nil
}

func (d Dyn[I, A]) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.table().view(d.ptr))
}

// Equal reports whether two boxes hold equal values
func Equal[T comparable, A, B alloc.Allocator](left Box[T, A], right Box[T, B]) bool {
	return *left.Deref() == *right.Deref()
}

// EqualValue reports whether a box holds value
func EqualValue[T comparable, A alloc.Allocator](b Box[T, A], value T) bool {
	return *b.Deref() == value
}

// Compare orders two boxes by their values, returning -1, 0 or +1
func Compare[T constraints.Ordered, A, B alloc.Allocator](left Box[T, A], right Box[T, B]) int {
	return cmp.Compare(*left.Deref(), *right.Deref())
}

// EqualSlice reports whether two slices hold equal elements in the same order
func EqualSlice[E comparable, A, B alloc.Allocator](left Slice[E, A], right Slice[E, B]) bool {
	return slices.Equal(left.Deref(), right.Deref())
}

// CompareSlice orders two slices lexicographically, returning -1, 0 or +1
func CompareSlice[E constraints.Ordered, A, B alloc.Allocator](left Slice[E, A], right Slice[E, B]) int {
	return slices.Compare(left.Deref(), right.Deref())
}

// IdentityHasher hashes handles by address. Two handles hash equally exactly when they own
// the same block, regardless of what the block holds.
type IdentityHasher struct {
	hasher maphash.Hasher[uintptr]
}

// NewIdentityHasher returns a hasher with a random seed
func NewIdentityHasher() IdentityHasher {
	return IdentityHasher{hasher: maphash.NewHasher[uintptr]()}
}

func (h IdentityHasher) Hash(handle Handle) uint64 {
	return h.hasher.Hash(handle.Addr())
}
