package knowledge

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies failures raised by the ingest and search flows.
type ErrorKind string

const (
	KindValidation          ErrorKind = "validation"
	KindUnsupportedFormat   ErrorKind = "unsupported_format"
	KindExtractionFailed    ErrorKind = "extraction_failed"
	KindVectorizationFailed ErrorKind = "vectorization_failed"
	KindSearchFailed        ErrorKind = "search_failed"
	KindProcessing          ErrorKind = "processing"
)

// Error is the structured error carried across pipeline stages. It keeps the
// kind, the moment it was raised, and optional detail fields so retry and
// status reporting never have to fall back to a stringified cause.
type Error struct {
	Kind      ErrorKind              `json:"kind"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
	cause     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("knowledge: %s: %v", e.Message, e.cause)
	}
	return "knowledge: " + e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// WithDetail attaches a structured detail field and returns the same error.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e == nil {
		return nil
	}
	if e.Details == nil {
		e.Details = make(map[string]interface{}, 1)
	}
	e.Details[key] = value
	return e
}

func newError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message, Timestamp: time.Now().UTC()}
}

func wrapError(kind ErrorKind, message string, cause error) *Error {
	// A structured error passing through keeps its original kind and details.
	var structured *Error
	if errors.As(cause, &structured) {
		return structured
	}
	return &Error{Kind: kind, Message: message, Timestamp: time.Now().UTC(), cause: cause}
}

// AsError extracts the structured error from a wrapped chain.
func AsError(err error) (*Error, bool) {
	var structured *Error
	if errors.As(err, &structured) {
		return structured, true
	}
	return nil, false
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind ErrorKind) bool {
	structured, ok := AsError(err)
	return ok && structured.Kind == kind
}
