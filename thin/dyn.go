package thin

import (
	"reflect"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/thinbox/alloc"
	"github.com/vkngwrapper/thinbox/layout"
)

// dynTable holds everything needed to use and tear down a value whose concrete type has been
// erased. There is one table per concrete type, shared by every interface it is viewed as.
type dynTable struct {
	typ    reflect.Type
	layout layout.Layout
	// view returns a pointer to the value as an interface, for type assertion to the view type
	view func(unsafe.Pointer) any
	// format returns what fmt should see for the value
	format func(unsafe.Pointer) any
	drop   func(unsafe.Pointer)
	zero   func(unsafe.Pointer)
}

var (
	tableMutex sync.Mutex
	tableIDs   sync.Map
	tables     atomic.Pointer[[]*dynTable]
)

// tableFor returns the registry index of U's table, registering it on first use. Indices are
// never reused or invalidated.
func tableFor[U any]() uintptr {
	typ := reflect.TypeOf((*U)(nil)).Elem()
	if id, ok := tableIDs.Load(typ); ok {
		return id.(uintptr)
	}

	tableMutex.Lock()
	defer tableMutex.Unlock()

	if id, ok := tableIDs.Load(typ); ok {
		return id.(uintptr)
	}

	table := &dynTable{
		typ:    typ,
		layout: layout.Of(typ),
		view: func(ptr unsafe.Pointer) any {
			return (*U)(ptr)
		},
		format: func(ptr unsafe.Pointer) any {
			return formatTarget((*U)(ptr))
		},
		drop: func(ptr unsafe.Pointer) {
			dropValue((*U)(ptr))
		},
		zero: func(ptr unsafe.Pointer) {
			var zero U
			*(*U)(ptr) = zero
		},
	}

	var current []*dynTable
	if loaded := tables.Load(); loaded != nil {
		current = *loaded
	}
	next := append(current[:len(current):len(current)], table)
	tables.Store(&next)

	id := uintptr(len(next) - 1)
	tableIDs.Store(typ, id)
	return id
}

func lookupTable(id uintptr) *dynTable {
	return (*tables.Load())[id]
}

// DynMetadata is the descriptor stored in front of the value of a Dyn. It identifies the
// concrete type the value had before it was erased.
type DynMetadata uintptr

// Type returns the concrete type of the value
func (m DynMetadata) Type() reflect.Type {
	return lookupTable(uintptr(m)).typ
}

// Layout returns the layout of the value
func (m DynMetadata) Layout() layout.Layout {
	return lookupTable(uintptr(m)).layout
}

// Dyn owns a value whose concrete type has been erased down to the interface I. A reference to
// the value's dispatch table is stored in front of the value, so the handle itself holds only
// the value's address.
//
// The value is viewed through a pointer: a Dyn[I] can hold a U whenever *U implements I.
type Dyn[I any, A alloc.Allocator] struct {
	alloc A
	ptr   unsafe.Pointer
}

// NewDyn moves value into a new Dyn on the Go heap. It panics if *U does not implement I or the
// block cannot be allocated.
func NewDyn[I any, U any](value U) Dyn[I, alloc.Global] {
	return NewDynIn[I](value, alloc.Global{})
}

// TryNewDyn moves value into a new Dyn on the Go heap. It panics if *U does not implement I.
func TryNewDyn[I any, U any](value U) (Dyn[I, alloc.Global], error) {
	return TryNewDynIn[I](value, alloc.Global{})
}

// NewDynIn moves value into a new Dyn allocated from a. It panics if *U does not implement I or
// the block cannot be allocated.
func NewDynIn[I any, U any, A alloc.Allocator](value U, a A) Dyn[I, A] {
	d, err := TryNewDynIn[I](value, a)
	if err != nil {
		panic(err)
	}
	return d
}

// TryNewDynIn moves value into a new Dyn allocated from a. It panics if *U does not implement
// I; allocation failures are returned marked with alloc.ErrAllocationFailed.
func TryNewDynIn[I any, U any, A alloc.Allocator](value U, a A) (Dyn[I, A], error) {
	if _, ok := any((*U)(nil)).(I); !ok {
		panic(errors.AssertionFailedf("%s does not implement %s",
			reflect.TypeOf((*U)(nil)), reflect.TypeOf((*I)(nil)).Elem()))
	}

	id := tableFor[U]()
	ptr, err := allocBlock(a, fixedBlockLayout, uintptrDesc, lookupTable(id).layout)
	if err != nil {
		return Dyn[I, A]{}, err
	}

	writeDesc(ptr, id)
	*(*U)(ptr) = value
	return Dyn[I, A]{ptr: ptr, alloc: a}, nil
}

// FromRawDyn rebuilds a Dyn from an address returned by IntoRaw
func FromRawDyn[I any](ptr unsafe.Pointer) Dyn[I, alloc.Global] {
	return Dyn[I, alloc.Global]{ptr: ptr}
}

// FromRawDynIn rebuilds a Dyn from an address and allocator returned by IntoRawWithAlloc
func FromRawDynIn[I any, A alloc.Allocator](ptr unsafe.Pointer, a A) Dyn[I, A] {
	return Dyn[I, A]{ptr: ptr, alloc: a}
}

func (d Dyn[I, A]) table() *dynTable {
	mustHandle(d.ptr, "Dyn")
	return lookupTable(readDesc[uintptr](d.ptr))
}

// Deref returns the value viewed as I. Method calls through it act on the value inside the
// block.
func (d Dyn[I, A]) Deref() I {
	return d.table().view(d.ptr).(I)
}

// Metadata returns the descriptor stored in front of the value
func (d Dyn[I, A]) Metadata() DynMetadata {
	mustHandle(d.ptr, "Dyn")
	return DynMetadata(readDesc[uintptr](d.ptr))
}

func (d Dyn[I, A]) Allocator() A { return d.alloc }

// Addr returns the address of the value, or zero for an empty handle
func (d Dyn[I, A]) Addr() uintptr { return uintptr(d.ptr) }

// Valid reports whether the Dyn owns a block
func (d Dyn[I, A]) Valid() bool { return d.ptr != nil }

// IntoRaw gives up ownership of the block without releasing it and empties the Dyn
func (d *Dyn[I, A]) IntoRaw() unsafe.Pointer {
	ptr, _ := d.IntoRawWithAlloc()
	return ptr
}

// IntoRawWithAlloc gives up ownership of the block without releasing it and empties the Dyn
func (d *Dyn[I, A]) IntoRawWithAlloc() (unsafe.Pointer, A) {
	ptr := d.ptr
	d.ptr = nil
	return ptr, d.alloc
}

// Close drops the value, releases the block and empties the Dyn. Closing an empty Dyn does
// nothing.
func (d *Dyn[I, A]) Close() {
	if d.ptr == nil {
		return
	}

	table := d.table()
	table.drop(d.ptr)
	table.zero(d.ptr)
	releaseBlock(d.alloc, d.ptr, fixedBlockLayout, uintptrDesc, table.layout)
	d.ptr = nil
}
