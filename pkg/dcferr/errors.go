// Package dcferr defines the coded errors shared by the master, the workers and
// the storage layer. Codes survive a trip over the wire: a remote failure is
// rebuilt on the caller's side with the same code, so errors.Is keeps working
// across process boundaries.
package dcferr

import (
	"errors"
	"fmt"
)

// Code identifies the class of an error.
type Code string

const (
	// CodeAuth indicates a bad join or init secret.
	CodeAuth Code = "AUTH_ERROR"
	// CodeForbidden indicates an operation invoked from an unauthorized session.
	CodeForbidden Code = "FORBIDDEN"
	// CodeUnknownWorker indicates a dispatch target that is not live.
	CodeUnknownWorker Code = "UNKNOWN_WORKER"
	// CodeNotFound indicates a missing storage key or storage name.
	CodeNotFound Code = "NOT_FOUND"
	// CodeDecode indicates a malformed or incompatible serialized closure.
	CodeDecode Code = "DECODE_ERROR"
	// CodeSpawn indicates a child worker that failed to come up.
	CodeSpawn Code = "SPAWN_ERROR"
	// CodeBadRequest indicates a malformed request payload.
	CodeBadRequest Code = "BAD_REQUEST"
	// CodeInternal is used for every error that carries no code.
	CodeInternal Code = "INTERNAL_ERROR"
)

// Error is a coded error.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

// Sentinels for errors.Is. Only the code is compared.
var (
	ErrAuth          = &Error{Code: CodeAuth}
	ErrForbidden     = &Error{Code: CodeForbidden}
	ErrUnknownWorker = &Error{Code: CodeUnknownWorker}
	ErrNotFound      = &Error{Code: CodeNotFound}
	ErrDecode        = &Error{Code: CodeDecode}
	ErrSpawn         = &Error{Code: CodeSpawn}
	ErrBadRequest    = &Error{Code: CodeBadRequest}
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a coded error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates a coded error around cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Auth creates an AuthError.
func Auth(message string) *Error {
	return New(CodeAuth, message)
}

// Forbidden creates a Forbidden error.
func Forbidden(message string) *Error {
	return New(CodeForbidden, message)
}

// UnknownWorker creates an UnknownWorker error for workerID.
func UnknownWorker(workerID string) *Error {
	return New(CodeUnknownWorker, fmt.Sprintf("unknown worker: %s", workerID))
}

// NotFound creates a NotFound error for key.
func NotFound(key string) *Error {
	return New(CodeNotFound, fmt.Sprintf("not found: %s", key))
}

// Decode creates a DecodeError.
func Decode(message string, cause error) *Error {
	return Wrap(CodeDecode, message, cause)
}

// Spawn creates a SpawnError.
func Spawn(message string, cause error) *Error {
	return Wrap(CodeSpawn, message, cause)
}

// BadRequest creates a BadRequest error.
func BadRequest(message string, cause error) *Error {
	return Wrap(CodeBadRequest, message, cause)
}

// CodeOf returns the code of the first coded error in err's chain, or
// CodeInternal when there is none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// FromWire rebuilds an error received from a remote peer.
func FromWire(code Code, message string) *Error {
	if code == "" {
		code = CodeInternal
	}
	return &Error{Code: code, Message: message}
}

// MessageOf returns the message to put on the wire for err. Coded errors keep
// their bare message; anything else uses err.Error().
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %v", e.Message, e.Cause)
		}
		return e.Message
	}
	return err.Error()
}
