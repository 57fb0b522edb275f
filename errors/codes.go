package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryInternal indicates unexpected errors, bugs, or failing user code.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	return c == CategoryTransient
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

const (
	ErrCodeMalformed      ErrorCode = "MALFORMED_MESSAGE" // Payload failed to decode or validate
	ErrCodeNodeNotFound   ErrorCode = "NODE_NOT_FOUND"    // Unknown node id
	ErrCodeCallbackFailed ErrorCode = "CALLBACK_FAILED"   // Dead-node callback failed or panicked
	ErrCodeTransport      ErrorCode = "TRANSPORT"         // Broker link failure
	ErrCodeInvalidInput   ErrorCode = "INVALID_INPUT"     // Bad argument or configuration
	ErrCodeTimeout        ErrorCode = "TIMEOUT"           // Operation timed out
	ErrCodeCanceled       ErrorCode = "CANCELED"          // Operation was canceled
	ErrCodeClosed         ErrorCode = "CLOSED"            // Component already closed
	ErrCodeInternal       ErrorCode = "INTERNAL"          // Unexpected internal error
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTransport, ErrCodeTimeout:
		return CategoryTransient
	case ErrCodeMalformed, ErrCodeNodeNotFound, ErrCodeInvalidInput, ErrCodeCanceled, ErrCodeClosed:
		return CategoryPermanent
	default:
		return CategoryInternal
	}
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeMalformed:      "malformed message",
	ErrCodeNodeNotFound:   "node not found",
	ErrCodeCallbackFailed: "dead-node callback failed",
	ErrCodeTransport:      "broker transport failure",
	ErrCodeInvalidInput:   "invalid input provided",
	ErrCodeTimeout:        "operation timed out",
	ErrCodeCanceled:       "operation canceled",
	ErrCodeClosed:         "component closed",
	ErrCodeInternal:       "internal error",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
