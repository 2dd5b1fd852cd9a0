// Package errors defines the coded error type and the client-visible error
// envelope used at every component boundary.
package errors

import (
	"errors"
	"fmt"
)

// Code is the stable, client-visible error code
type Code string

const (
	// CodeValidation indicates a malformed or schema-violating payload
	CodeValidation Code = "VALIDATION_ERROR"

	// CodeRateLimited indicates the caller exceeded an event rate cap
	CodeRateLimited Code = "RATE_LIMITED"

	// CodePermissionDenied indicates the caller lacks the required role
	CodePermissionDenied Code = "PERMISSION_DENIED"

	// CodeNotFound indicates a missing room, track, region or user
	CodeNotFound Code = "NOT_FOUND"

	// CodeConflict indicates a lock or state conflict
	CodeConflict Code = "CONFLICT"

	// CodeInternal indicates an unexpected server fault
	CodeInternal Code = "INTERNAL"

	// CodeConnection indicates a transport-level connection fault
	CodeConnection Code = "CONNECTION_ERROR"

	// CodeSession indicates a session registry fault
	CodeSession Code = "SESSION_ERROR"

	// CodeRoomState indicates a room state store fault
	CodeRoomState Code = "ROOM_STATE_ERROR"

	// CodeNetwork indicates a downstream network fault
	CodeNetwork Code = "NETWORK_ERROR"
)

// Error is a coded error carrying optional detail for the client envelope
type Error struct {
	Code       Code
	Message    string
	Details    interface{}
	RetryAfter int // seconds, 0 = no hint
	Cause      error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new Error with the given code and message
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap wraps an existing error with a code and message
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// WithDetails attaches structured detail for the client envelope
func (e *Error) WithDetails(details interface{}) *Error {
	e.Details = details
	return e
}

// WithRetryAfter attaches a retry hint in seconds
func (e *Error) WithRetryAfter(seconds int) *Error {
	e.RetryAfter = seconds
	return e
}

// CodeOf returns the error's code, or CodeInternal for uncoded errors
func CodeOf(err error) Code {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeInternal
}

// Is reports whether the error carries the given code
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// Envelope is the wire shape of every error response
type Envelope struct {
	Error EnvelopeBody `json:"error"`
}

// EnvelopeBody is the inner error record of the envelope
type EnvelopeBody struct {
	Code       Code        `json:"code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
	RetryAfter int         `json:"retryAfter,omitempty"`
}

// ToEnvelope converts any error into the client-visible envelope. Uncoded
// errors surface as INTERNAL without leaking the underlying message.
func ToEnvelope(err error) Envelope {
	var coded *Error
	if errors.As(err, &coded) {
		return Envelope{Error: EnvelopeBody{
			Code:       coded.Code,
			Message:    coded.Message,
			Details:    coded.Details,
			RetryAfter: coded.RetryAfter,
		}}
	}
	return Envelope{Error: EnvelopeBody{
		Code:    CodeInternal,
		Message: "internal server error",
	}}
}

// Convenience constructors

// NewValidationError creates a VALIDATION_ERROR
func NewValidationError(message string) *Error {
	return New(CodeValidation, message)
}

// NewRateLimitedError creates a RATE_LIMITED error with a retry hint
func NewRateLimitedError(retryAfter int) *Error {
	return New(CodeRateLimited, "rate limit exceeded").WithRetryAfter(retryAfter)
}

// NewPermissionError creates a PERMISSION_DENIED error
func NewPermissionError(message string) *Error {
	return New(CodePermissionDenied, message)
}

// NewNotFoundError creates a NOT_FOUND error
func NewNotFoundError(message string) *Error {
	return New(CodeNotFound, message)
}

// NewConflictError creates a CONFLICT error
func NewConflictError(message string) *Error {
	return New(CodeConflict, message)
}

// NewSessionError creates a SESSION_ERROR
func NewSessionError(message string) *Error {
	return New(CodeSession, message)
}

// NewRoomStateError creates a ROOM_STATE_ERROR
func NewRoomStateError(message string) *Error {
	return New(CodeRoomState, message)
}

// NewNetworkError creates a NETWORK_ERROR
func NewNetworkError(message string) *Error {
	return New(CodeNetwork, message)
}
