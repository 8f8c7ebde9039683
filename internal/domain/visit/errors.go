package visit

import (
	"errors"
	"fmt"
)

// Kind classifies a workflow error. Handlers map kinds to HTTP statuses.
type Kind string

const (
	KindNotFound               Kind = "NOT_FOUND"
	KindWrongStage             Kind = "WRONG_STAGE"
	KindStageMismatch          Kind = "STAGE_MISMATCH"
	KindAlreadyOpen            Kind = "ALREADY_OPEN"
	KindNotOpen                Kind = "NOT_OPEN"
	KindIllegalTransition      Kind = "ILLEGAL_TRANSITION"
	KindInvalidPayload         Kind = "INVALID_PAYLOAD"
	KindTerminalState          Kind = "TERMINAL_STATE"
	KindConcurrentModification Kind = "CONCURRENT_MODIFICATION"
	KindDuplicateVisitNumber   Kind = "DUPLICATE_VISIT_NUMBER"
	KindAlreadyFinalized       Kind = "ALREADY_FINALIZED"
	KindVersionConflict        Kind = "VERSION_CONFLICT"
)

// Error is a recoverable workflow failure returned to the caller.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound)
// works for every not-found error regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrNotFound               = &Error{Kind: KindNotFound}
	ErrWrongStage             = &Error{Kind: KindWrongStage}
	ErrStageMismatch          = &Error{Kind: KindStageMismatch}
	ErrAlreadyOpen            = &Error{Kind: KindAlreadyOpen}
	ErrNotOpen                = &Error{Kind: KindNotOpen}
	ErrIllegalTransition      = &Error{Kind: KindIllegalTransition}
	ErrInvalidPayload         = &Error{Kind: KindInvalidPayload}
	ErrTerminalState          = &Error{Kind: KindTerminalState}
	ErrConcurrentModification = &Error{Kind: KindConcurrentModification}
	ErrDuplicateVisitNumber   = &Error{Kind: KindDuplicateVisitNumber}
	ErrAlreadyFinalized       = &Error{Kind: KindAlreadyFinalized}

	// ErrVersionConflict is returned by repositories when the stored version
	// no longer matches the expected one. The service retries it once and
	// then reports ErrConcurrentModification.
	ErrVersionConflict = &Error{Kind: KindVersionConflict}
)

func newError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapError(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
