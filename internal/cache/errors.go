package cache

import "fmt"

// Error represents a cache-specific error.
type Error struct {
	Operation string
	Key       string
	Code      string
	Err       error
}

func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("cache %s operation failed for key '%s': %v", e.Operation, e.Key, e.Err)
	}
	return fmt.Sprintf("cache %s operation failed: %v", e.Operation, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Common error codes. Misses are not errors; Get reports them through
// its bool return.
const (
	ErrCodeConnectionFailed = "CONNECTION_FAILED"
	ErrCodeSerialization    = "SERIALIZATION_ERROR"
)

// NewError creates a new cache error.
func NewError(operation, key, code string, err error) *Error {
	return &Error{Operation: operation, Key: key, Code: code, Err: err}
}
