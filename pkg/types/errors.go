package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a domain error for propagation and retry decisions
type ErrorKind string

const (
	// KindNotFound means an expected row or document is absent
	KindNotFound ErrorKind = "not_found"
	// KindIntegrity means a uniqueness or referential invariant was violated.
	// Batch processing retries on this class because it is frequently caused
	// by concurrent inserts on the same identifier.
	KindIntegrity ErrorKind = "integrity"
	// KindInvalidPayload means wire data did not validate
	KindInvalidPayload ErrorKind = "invalid_payload"
	// KindSearchQuery means the search store rejected a query
	KindSearchQuery ErrorKind = "search_query"
	// KindSearchMalformed means the search store rejected a document
	KindSearchMalformed ErrorKind = "search_malformed"
	// KindRobotUnreachable is a transient robot failure (5xx, transport)
	KindRobotUnreachable ErrorKind = "robot_unreachable"
	// KindRobotEnhancement is a permanent robot rejection (4xx)
	KindRobotEnhancement ErrorKind = "robot_enhancement_error"
	// KindDeduplication is an internal dedup invariant violation
	KindDeduplication ErrorKind = "deduplication"
	// KindProjection is a failure projecting into the search store
	KindProjection ErrorKind = "projection"
	// KindUnitOfWork is a failure coordinating store and index writes
	KindUnitOfWork ErrorKind = "unit_of_work"
	// KindLockLost means a message-bus lock expired mid-task
	KindLockLost ErrorKind = "lock_lost"
)

// Error is a classified domain error
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error with a formatted message
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapError classifies an underlying error
func WrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// NotFoundError reports a missing row or document
func NotFoundError(format string, args ...any) *Error {
	return NewError(KindNotFound, format, args...)
}

// IntegrityError reports a violated uniqueness or referential invariant
func IntegrityError(format string, args ...any) *Error {
	return NewError(KindIntegrity, format, args...)
}

// InvalidPayloadError reports wire data that failed validation
func InvalidPayloadError(format string, args ...any) *Error {
	return NewError(KindInvalidPayload, format, args...)
}

// KindOf extracts the classification of err, or "" for unclassified errors
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// IsNotFound reports whether err is a missing-row error
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsTransient reports whether err warrants a bounded retry: integrity
// collisions from concurrent inserts, lost bus locks, and unreachable
// robots. Validation failures are terminal.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindIntegrity, KindLockLost, KindRobotUnreachable:
		return true
	}
	return false
}
