// Package errors defines the error taxonomy shared by the approval engine and
// its transports. Every failure carries a Code; the Code decides the Kind the
// caller sees (invalid input, transient, no-op, not found, internal).
package errors

import (
	stderrors "errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Code identifies a class of failure.
type Code string

const (
	ErrCodeInternal     Code = "INTERNAL"
	ErrCodeNotFound     Code = "NOT_FOUND"
	ErrCodeInvalidInput Code = "INVALID_INPUT"
	ErrCodeConflict     Code = "CONFLICT"
	ErrCodeUnauthorized Code = "UNAUTHORIZED"
	ErrCodeStaleStage   Code = "STALE_STAGE"
	ErrCodeDuplicate    Code = "DUPLICATE_DECISION"
	ErrCodeTerminal     Code = "TERMINAL_STATE"
	ErrCodePersistence  Code = "PERSISTENCE"
	ErrCodeNotification Code = "NOTIFICATION"
)

// Kind tells a caller what to do about a failure.
type Kind int

const (
	// KindInternal is an unexpected failure.
	KindInternal Kind = iota
	// KindInvalid means the input or the caller's authorization was rejected.
	KindInvalid
	// KindTransient means the operation was aborted and may be retried.
	KindTransient
	// KindNoop means the target is already in a terminal state.
	KindNoop
	// KindNotFound means the referenced entity does not exist.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindTransient:
		return "transient"
	case KindNoop:
		return "noop"
	case KindNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// Error is the concrete error type returned by the engine.
type Error struct {
	Code    Code
	Message string
	Details map[string]interface{}
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause to errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.cause }

// Cause implements the github.com/pkg/errors causer interface.
func (e *Error) Cause() error { return e.cause }

// Is matches on Code so sentinel values such as ErrStaleStage work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Kind maps the error code to the caller-visible kind.
func (e *Error) Kind() Kind {
	switch e.Code {
	case ErrCodeInvalidInput, ErrCodeUnauthorized, ErrCodeStaleStage, ErrCodeDuplicate, ErrCodeConflict:
		return KindInvalid
	case ErrCodePersistence:
		return KindTransient
	case ErrCodeTerminal:
		return KindNoop
	case ErrCodeNotFound:
		return KindNotFound
	default:
		return KindInternal
	}
}

// WithDetail attaches a key/value pair and returns the receiver.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Sentinels for errors.Is checks.
var (
	ErrNotFound             = &Error{Code: ErrCodeNotFound}
	ErrValidation           = &Error{Code: ErrCodeInvalidInput}
	ErrStaleStage           = &Error{Code: ErrCodeStaleStage}
	ErrUnauthorizedApprover = &Error{Code: ErrCodeUnauthorized}
	ErrDuplicateDecision    = &Error{Code: ErrCodeDuplicate}
	ErrTerminalState        = &Error{Code: ErrCodeTerminal}
	ErrPersistence          = &Error{Code: ErrCodePersistence}
	ErrNotification         = &Error{Code: ErrCodeNotification}
)

// New creates an error with the given code.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap annotates err with a code and message, recording a stack trace on the cause.
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, cause: pkgerrors.WithStack(err)}
}

// NotFound reports a missing entity.
func NotFound(resource, id string) *Error {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithDetail("resource", resource).
		WithDetail("id", id)
}

// InvalidInput reports a bad field value.
func InvalidInput(field, message string) *Error {
	return New(ErrCodeInvalidInput, fmt.Sprintf("invalid %s: %s", field, message)).
		WithDetail("field", field)
}

// ── engine taxonomy ──────────────────────────────────────────────────────────

// Validation rejects initiate input before any state is created.
func Validation(message string) *Error {
	return New(ErrCodeInvalidInput, message)
}

// StaleStage rejects a decision addressed to a stage that is no longer active.
func StaleStage(requestID string, stageIndex, currentIndex int) *Error {
	return New(ErrCodeStaleStage,
		fmt.Sprintf("stage %d of request %s is not active (current stage %d)", stageIndex, requestID, currentIndex)).
		WithDetail("request_id", requestID).
		WithDetail("stage_index", stageIndex).
		WithDetail("current_stage_index", currentIndex)
}

// UnauthorizedApprover rejects a decision from someone outside the stage's approver set.
func UnauthorizedApprover(approver string, stageIndex int, reason string) *Error {
	return New(ErrCodeUnauthorized,
		fmt.Sprintf("approver %q is not authorized on stage %d: %s", approver, stageIndex, reason)).
		WithDetail("approver", approver).
		WithDetail("stage_index", stageIndex)
}

// DuplicateDecision rejects a second decision by the same approver in the same stage round.
func DuplicateDecision(approver string, stageIndex int) *Error {
	return New(ErrCodeDuplicate,
		fmt.Sprintf("approver %q already decided on stage %d", approver, stageIndex)).
		WithDetail("approver", approver).
		WithDetail("stage_index", stageIndex)
}

// Terminal reports that a request no longer accepts changes.
func Terminal(requestID, status string) *Error {
	return New(ErrCodeTerminal, fmt.Sprintf("request %s is already %s", requestID, status)).
		WithDetail("request_id", requestID).
		WithDetail("status", status)
}

// Persistence wraps a storage failure; the operation was aborted and may be retried.
func Persistence(err error, message string) *Error {
	return Wrap(err, ErrCodePersistence, message)
}

// Notification wraps a sink delivery failure. It is logged, never returned to callers.
func Notification(err error, sink string) *Error {
	return Wrap(err, ErrCodeNotification, fmt.Sprintf("notification sink %s failed", sink))
}

// ── inspection ───────────────────────────────────────────────────────────────

// KindOf returns the Kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind()
	}
	return KindInternal
}

// CodeOf returns the Code of err, or ErrCodeInternal for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// Is is a convenience re-export of the standard library function.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As is a convenience re-export of the standard library function.
func As(err error, target interface{}) bool { return stderrors.As(err, target) }
