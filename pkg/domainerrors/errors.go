// Package domainerrors defines the error taxonomy shared by services and the
// HTTP layer. Services return *Error values; handlers translate the Code into a
// status and render Rule/Stage so callers can show a precise message.
package domainerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an error outcome.
type Code string

const (
	CodeNotFound     Code = "not_found"
	CodeInvalid      Code = "invalid"
	CodeForbidden    Code = "forbidden"
	CodeConflict     Code = "conflict"
	CodeUnauthorized Code = "unauthorized"
	CodeInternal     Code = "internal"
)

// Error is a classified domain error.
type Error struct {
	Code    Code
	Message string
	// Rule names the guard rule that failed, if any.
	Rule string
	// Stage is the approval stage the failure relates to (0 when not stage-specific).
	Stage int
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error with the given code.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(err error, code Code, msg string) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// WithRule returns a copy of e carrying the violated rule.
func (e *Error) WithRule(rule string) *Error {
	cp := *e
	cp.Rule = rule
	return &cp
}

// WithStage returns a copy of e carrying the stage number.
func (e *Error) WithStage(stage int) *Error {
	cp := *e
	cp.Stage = stage
	return &cp
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal
// for unclassified errors.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// ToHTTPStatus maps a code to an HTTP status.
func ToHTTPStatus(code Code) int {
	switch code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalid:
		return http.StatusBadRequest
	case CodeForbidden:
		return http.StatusForbidden
	case CodeConflict:
		return http.StatusConflict
	case CodeUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
