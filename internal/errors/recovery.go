package errors

import (
	"fmt"
	"runtime/debug"
)

// PanicError represents an error recovered from a panic
type PanicError struct {
	Value      interface{} // The panic value
	Stacktrace string      // Full stack trace
}

// Error implements the error interface
func (p *PanicError) Error() string {
	return fmt.Sprintf("panic recovered: %v", p.Value)
}

// RecoverPanic recovers from a panic and returns it as an error with stack trace
// Returns nil if no panic occurred. recover() only stops a panic when the
// deferred function calls it directly, so this takes effect only when
// RecoverPanic is itself the deferred call (defer errors.RecoverPanic());
// called from inside a deferred closure it returns nil and the panic goes on.
func RecoverPanic() error {
	if r := recover(); r != nil {
		return &PanicError{
			Value:      r,
			Stacktrace: string(debug.Stack()),
		}
	}
	return nil
}

// NewPanicError wraps an already-recovered panic value. Use this form when
// recover() itself had to be called directly inside the deferred function
// (e.g. because the recovering code also needs to run other deferred
// cleanup in the same frame).
func NewPanicError(r interface{}) *PanicError {
	return &PanicError{
		Value:      r,
		Stacktrace: string(debug.Stack()),
	}
}

// FormatPanicForLog returns a formatted string suitable for logging
func FormatPanicForLog(panicErr *PanicError) string {
	return fmt.Sprintf("PANIC: %v\n\nStack Trace:\n%s", panicErr.Value, panicErr.Stacktrace)
}
