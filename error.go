package pagestore

import (
	"errors"
	"fmt"
)

// ErrorCode classifies an Error per the input/resource/internal/structural
// taxonomy (spec §7).
type ErrorCode int

const (
	Unknown ErrorCode = iota

	// Input errors: caller passed something invalid.
	KeyNotFoundCode
	ReferenceNotFoundCode
	FormatErrorCode

	// Resource errors: the environment failed the operation.
	IOErrorCode

	// Internal errors: operation in progress, state conflicts.
	NoTransactionInProgressCode
	TransactionAlreadyInProgressCode
	ObjectIDMismatchCode
	InternalErrorCode
)

// Error is the module's error type: a closed ErrorCode, the wrapped
// underlying cause, and optional caller-supplied context.
type Error struct {
	Code     ErrorCode
	Err      error
	UserData any
}

func (e Error) Error() string {
	return fmt.Errorf("error code: %d, user data: %v, details: %w", e.Code, e.UserData, e.Err).Error()
}

func (e Error) Unwrap() error {
	return e.Err
}

// Sentinel errors for errors.Is checks against the taxonomy in spec §7.
var (
	ErrKeyNotFound               = errors.New("key not found")
	ErrReferenceNotFound         = errors.New("reference not found")
	ErrFormat                    = errors.New("format error")
	ErrIO                        = errors.New("io error")
	ErrNoTransactionInProgress   = errors.New("no transaction in progress")
	ErrTransactionAlreadyStarted = errors.New("transaction already in progress")
	ErrObjectIDMismatch          = errors.New("object id mismatch")
	ErrInternal                  = errors.New("internal error")
)

// NewError wraps err with code and optional userData. Unwrap exposes err,
// so errors.Is matches a sentinel only when err is (or wraps) that
// sentinel; StatusOf reads code directly.
func NewError(code ErrorCode, err error, userData any) Error {
	return Error{Code: code, Err: err, UserData: userData}
}

// StatusOf maps an ErrorCode to the external Status reported by the page API (spec §6.5).
func StatusOf(err error) Status {
	if err == nil {
		return OK
	}
	var e Error
	if errors.As(err, &e) {
		switch e.Code {
		case KeyNotFoundCode:
			return KeyNotFound
		case ReferenceNotFoundCode:
			return ReferenceNotFound
		case IOErrorCode:
			return IOError
		case NoTransactionInProgressCode:
			return NoTransactionInProgress
		case TransactionAlreadyInProgressCode:
			return TransactionAlreadyInProgress
		default:
			return InternalError
		}
	}
	switch {
	case errors.Is(err, ErrKeyNotFound):
		return KeyNotFound
	case errors.Is(err, ErrReferenceNotFound):
		return ReferenceNotFound
	case errors.Is(err, ErrIO):
		return IOError
	case errors.Is(err, ErrNoTransactionInProgress):
		return NoTransactionInProgress
	case errors.Is(err, ErrTransactionAlreadyStarted):
		return TransactionAlreadyInProgress
	}
	return InternalError
}
