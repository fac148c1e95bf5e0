// Package errors provides structured error types for the wasm-ffi module.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type carries the failing operation, a detail message, the offending
// value and an optional cause.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseHandle, errors.KindUseAfterFree).
//		Op("get-value").
//		Value(h).
//		Detail("handle %d is not live", h).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.UseAfterFree("get-value", h)
//	err := errors.DoubleFree(errors.PhaseHandle, "free-handle", h)
//
// The memory-safety classes have sentinels that match regardless of phase:
//
//	if errors.Is(err, errors.ErrDoubleFree) { ... }
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
