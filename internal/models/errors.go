package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrValidation         = errors.New("validation failed")
	ErrDanglingReference  = errors.New("dangling reference")
	ErrStaleReference     = errors.New("stale reference")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrConflict           = errors.New("conflict")
)

type ErrorCode string

const (
	CodeValidation         ErrorCode = "validation_error"
	CodeNotFound           ErrorCode = "not_found"
	CodeStaleReference     ErrorCode = "stale_reference"
	CodeStorageUnavailable ErrorCode = "storage_unavailable"
	CodeConflict           ErrorCode = "conflict"
	CodeInternal           ErrorCode = "internal_error"
)

// Error is the structured error surfaced to callers outside the engine.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	cause     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	if e.cause != nil {
		return e.cause
	}
	switch e.Code {
	case CodeValidation:
		return ErrValidation
	case CodeNotFound:
		return ErrNotFound
	case CodeStaleReference:
		return ErrStaleReference
	case CodeStorageUnavailable:
		return ErrStorageUnavailable
	case CodeConflict:
		return ErrConflict
	}
	return nil
}

func NewValidationError(format string, args ...interface{}) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// NewDanglingReferenceError reports a write that references ids absent from
// the graph or store. It matches both ErrValidation and ErrDanglingReference.
func NewDanglingReferenceError(ids ...string) *Error {
	return &Error{
		Code:    CodeValidation,
		Message: "dangling reference to " + strings.Join(ids, ", "),
		cause:   danglingErr{},
	}
}

type danglingErr struct{}

func (danglingErr) Error() string { return ErrDanglingReference.Error() }

func (danglingErr) Is(target error) bool {
	return target == ErrDanglingReference || target == ErrValidation
}

func NewNotFoundError(kind ObjectType, id string) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("%s %s not found", kind, id)}
}

func NewConflictError(format string, args ...interface{}) *Error {
	return &Error{Code: CodeConflict, Message: fmt.Sprintf(format, args...)}
}

// NewStorageUnavailable wraps the last error of an exhausted retry loop.
func NewStorageUnavailable(op string, attempts int, err error) *Error {
	return &Error{
		Code:      CodeStorageUnavailable,
		Message:   fmt.Sprintf("%s failed after %d attempts: %v", op, attempts, err),
		Retryable: true,
	}
}

// StaleReferenceError is returned when a report references tombstoned records.
type StaleReferenceError struct {
	IDs []string
}

func (e *StaleReferenceError) Error() string {
	return "stale reference to tombstoned records: " + strings.Join(e.IDs, ", ")
}

func (e *StaleReferenceError) Unwrap() error { return ErrStaleReference }

// ToError converts any error into the structured form. Unknown errors map to
// internal_error.
func ToError(err error) *Error {
	if err == nil {
		return nil
	}
	var structured *Error
	if errors.As(err, &structured) {
		return structured
	}
	var stale *StaleReferenceError
	if errors.As(err, &stale) {
		return &Error{Code: CodeStaleReference, Message: stale.Error()}
	}
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrDanglingReference):
		return &Error{Code: CodeValidation, Message: err.Error()}
	case errors.Is(err, ErrNotFound):
		return &Error{Code: CodeNotFound, Message: err.Error()}
	case errors.Is(err, ErrStaleReference):
		return &Error{Code: CodeStaleReference, Message: err.Error()}
	case errors.Is(err, ErrStorageUnavailable):
		return &Error{Code: CodeStorageUnavailable, Message: err.Error(), Retryable: true}
	case errors.Is(err, ErrConflict):
		return &Error{Code: CodeConflict, Message: err.Error()}
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}
