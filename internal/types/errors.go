package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine errors so callers can tell validation,
// conflict, and transient failures apart after propagation.
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation"
	KindNotFound          ErrorKind = "not_found"
	KindStaleBaseline     ErrorKind = "stale_baseline"
	KindIllegalTransition ErrorKind = "illegal_transition"
	KindExternalTransient ErrorKind = "external_transient"
	KindExternalConflict  ErrorKind = "external_conflict"
)

// EngineError is the error type returned by the mirror/modification stores,
// the lifecycle manager, and the sync coordinator. Wrapping layers may add
// context but must preserve the kind.
type EngineError struct {
	Kind    ErrorKind
	Message string

	// CurrentRevision carries the mirror revision that invalidated a commit.
	// Only set for KindStaleBaseline.
	CurrentRevision uint64

	cause error
}

func (e *EngineError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.cause
}

// NewValidation reports input that must be rejected at the boundary.
func NewValidation(format string, args ...interface{}) *EngineError {
	return &EngineError{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NewNotFound reports a missing record within the caller's scope.
func NewNotFound(format string, args ...interface{}) *EngineError {
	return &EngineError{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// NewStaleBaseline reports a commit attempted against a re-ingested mirror.
func NewStaleBaseline(mirrorID, baseVersion, currentRevision uint64) *EngineError {
	return &EngineError{
		Kind: KindStaleBaseline,
		Message: fmt.Sprintf("mirror %d re-ingested since draft was created (base %d, current %d)",
			mirrorID, baseVersion, currentRevision),
		CurrentRevision: currentRevision,
	}
}

// NewIllegalTransition reports a state-machine edge that is not permitted.
func NewIllegalTransition(from, to string) *EngineError {
	return &EngineError{
		Kind:    KindIllegalTransition,
		Message: fmt.Sprintf("illegal sync state transition %s -> %s", from, to),
	}
}

// NewExternalTransient wraps a retryable failure from the external system.
func NewExternalTransient(cause error) *EngineError {
	return &EngineError{Kind: KindExternalTransient, Message: "external system unavailable", cause: cause}
}

// NewExternalConflict reports the external system rejecting a push because
// its own version of the record moved.
func NewExternalConflict(externalID string, cause error) *EngineError {
	return &EngineError{
		Kind:    KindExternalConflict,
		Message: fmt.Sprintf("external version conflict for %s", externalID),
		cause:   cause,
	}
}

// IsKind reports whether err is (or wraps) an EngineError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind == kind
	}
	return false
}

// KindOf returns the kind of err, or "" when err is not an EngineError.
func KindOf(err error) ErrorKind {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return ""
}
