package types

// Result is the tagged Ok(value) | Invalid(reason) variant used throughout the
// scoring subsystems in place of a null-valued or zero-valued "invalid" output.
// Callers must check Valid before reading Value; a zero Value with Valid=false
// must never be treated as a real measurement.
type Result[T any] struct {
	value  T
	reason string
	valid  bool
}

// Ok wraps a valid value.
func Ok[T any](v T) Result[T] {
	return Result[T]{value: v, valid: true}
}

// Invalid wraps a rejection reason; the zero value of T is never meaningful.
func Invalid[T any](reason string) Result[T] {
	return Result[T]{reason: reason, valid: false}
}

// Valid reports whether the result carries a usable value.
func (r Result[T]) Valid() bool { return r.valid }

// Reason returns the rejection reason; empty when Valid() is true.
func (r Result[T]) Reason() string { return r.reason }

// Value returns the wrapped value and whether it is valid. Callers must check
// the bool before using the value.
func (r Result[T]) Value() (T, bool) { return r.value, r.valid }

// MustValue panics if the result is invalid. Reserved for call sites that have
// already checked Valid().
func (r Result[T]) MustValue() T {
	if !r.valid {
		panic("types: MustValue called on invalid result: " + r.reason)
	}
	return r.value
}
