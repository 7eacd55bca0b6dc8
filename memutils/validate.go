package memutils

// Validatable is implemented by allocator structures that can check their own internal
// consistency. DebugValidate acts on any of them.
type Validatable interface {
	Validate() error
}
