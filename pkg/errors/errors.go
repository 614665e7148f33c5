package errors

import (
	"errors"
	"fmt"
)

// Kind represents the category of an error surfaced by the library
type Kind string

const (
	// Caller errors
	KindValidation     Kind = "VALIDATION"
	KindNotFound       Kind = "NOT_FOUND"
	KindOptimisticLock Kind = "OPTIMISTIC_LOCK"

	// Routing errors
	KindRouteNotFound    Kind = "ROUTE_NOT_FOUND"
	KindConfigRefMissing Kind = "CONFIG_REF_MISSING"

	// Backend errors
	KindStorage         Kind = "STORAGE"
	KindTxn             Kind = "TXN"
	KindExternalization Kind = "EXTERNALIZATION"

	// Informational: the operation was enqueued to the fallback queue
	KindQueued Kind = "QUEUED"

	// Catch-alls
	KindInternal Kind = "INTERNAL"
	KindTimeout  Kind = "TIMEOUT"
)

// Error is the typed error every public operation surfaces. Messages are
// passed through Redact before crossing the API boundary so credentials and
// connection userinfo never leak.
type Error struct {
	Kind    Kind                   `json:"kind"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`

	// Retriable marks failure classes the fallback queue may re-execute.
	Retriable bool `json:"retriable,omitempty"`

	// RequestID is set on KindQueued errors so callers can poll the queue.
	RequestID string `json:"requestId,omitempty"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Message, Redact(e.Cause.Error()))
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetails adds structured details to the error
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// WithCause wraps an underlying error
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// Constructor functions for the taxonomy

// NewValidation creates a validation error
func NewValidation(message string) *Error {
	return &Error{Kind: KindValidation, Message: Redact(message)}
}

// NewValidationf creates a validation error with a formatted message
func NewValidationf(format string, args ...interface{}) *Error {
	return NewValidation(fmt.Sprintf(format, args...))
}

// NewNotFound creates a not found error for a resource
func NewNotFound(resource, id string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Message: fmt.Sprintf("%s %s not found", resource, Redact(id)),
		Details: map[string]interface{}{"resource": resource, "id": id},
	}
}

// NewOptimisticLock creates an optimistic lock conflict error
func NewOptimisticLock(expectedOv, actualOv int64) *Error {
	return &Error{
		Kind:    KindOptimisticLock,
		Message: fmt.Sprintf("head version conflict: expected ov %d, found ov %d", expectedOv, actualOv),
		Details: map[string]interface{}{"expectedOv": expectedOv, "actualOv": actualOv},
	}
}

// NewRouteNotFound creates a routing resolution error
func NewRouteNotFound(message string) *Error {
	return &Error{Kind: KindRouteNotFound, Message: Redact(message)}
}

// NewConfigRefMissing creates an error for a dangling connection reference
func NewConfigRefMissing(ref string) *Error {
	return &Error{
		Kind:    KindConfigRefMissing,
		Message: fmt.Sprintf("connection reference %q is not defined", ref),
	}
}

// NewStorage creates an object store error. Object store failures are
// retriable by the fallback queue.
func NewStorage(message string, err error) *Error {
	return &Error{Kind: KindStorage, Message: Redact(message), Cause: err, Retriable: true}
}

// NewTxn creates a document store commit error. Transient commit failures are
// retriable; the saga has already run compensation when this surfaces.
func NewTxn(message string, err error) *Error {
	return &Error{Kind: KindTxn, Message: Redact(message), Cause: err, Retriable: true}
}

// NewExternalization creates an error for a base64 field that failed to
// decode or write. No commit has occurred when this surfaces.
func NewExternalization(property string, err error) *Error {
	return &Error{
		Kind:    KindExternalization,
		Message: fmt.Sprintf("externalizing property %q failed", property),
		Cause:   err,
	}
}

// NewQueued creates the informational error returned when an operation was
// enqueued to the fallback queue after a commit failure.
func NewQueued(requestID string, cause error) *Error {
	return &Error{
		Kind:      KindQueued,
		Message:   fmt.Sprintf("operation enqueued for retry, poll request %s", requestID),
		Cause:     cause,
		RequestID: requestID,
	}
}

// NewInternal creates an internal error
func NewInternal(message string) *Error {
	return &Error{Kind: KindInternal, Message: Redact(message)}
}

// NewTimeout creates a deadline error for an operation
func NewTimeout(operation string) *Error {
	return &Error{Kind: KindTimeout, Message: fmt.Sprintf("operation %q exceeded its deadline", operation), Retriable: true}
}

// Helper functions

// Get extracts the typed error from an error chain, or nil
func Get(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// Is checks whether an error belongs to a kind
func Is(err error, kind Kind) bool {
	e := Get(err)
	return e != nil && e.Kind == kind
}

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool { return Is(err, KindNotFound) }

// IsValidation checks if an error is a validation error
func IsValidation(err error) bool { return Is(err, KindValidation) }

// IsOptimisticLock checks if an error is a lock conflict
func IsOptimisticLock(err error) bool { return Is(err, KindOptimisticLock) }

// IsQueued checks if an error reports a fallback enqueue
func IsQueued(err error) bool { return Is(err, KindQueued) }

// IsRetriable reports whether the fallback queue may re-execute the failed
// operation. Validation and lock conflicts are never retriable.
func IsRetriable(err error) bool {
	e := Get(err)
	return e != nil && e.Retriable
}

// Wrap wraps an error with additional context, preserving its kind
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	if e := Get(err); e != nil {
		e.Message = fmt.Sprintf("%s: %s", Redact(message), e.Message)
		return e
	}
	return NewInternal(message).WithCause(err)
}

// Wrapf wraps an error with a formatted message
func Wrapf(err error, format string, args ...interface{}) error {
	return Wrap(err, fmt.Sprintf(format, args...))
}
