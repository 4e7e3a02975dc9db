// Package apperr defines the error taxonomy shared by every devbox component
// and its mapping onto HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation decisions.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindNotReady
	KindConflict
	KindEngine
	KindStreamTimeout
	KindStreamClosed
	KindUnauthorized
	KindTooLarge
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindNotReady:
		return "not_ready"
	case KindConflict:
		return "conflict"
	case KindEngine:
		return "engine"
	case KindStreamTimeout:
		return "stream_timeout"
	case KindStreamClosed:
		return "stream_closed"
	case KindUnauthorized:
		return "unauthorized"
	case KindTooLarge:
		return "too_large"
	default:
		return "internal"
	}
}

// Machine-readable codes returned in the "error" field of API responses.
const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeSessionIDMissing = "SESSION_ID_MISSING"
	CodeSessionIDInvalid = "SESSION_ID_INVALID"
	CodeSessionNotFound  = "SESSION_NOT_FOUND"
	CodeFileNotFound     = "FILE_NOT_FOUND"
	CodeNotReady         = "CONTAINER_NOT_READY"
	CodeTerminalBusy     = "TERMINAL_BUSY"
	CodeNoTerminal       = "TERMINAL_NOT_ATTACHED"
	CodeNotADirectory    = "NOT_A_DIRECTORY"
	CodeFileTooLarge     = "FILE_TOO_LARGE"
	CodeEngine           = "ENGINE_ERROR"
	CodeStreamClosed     = "STREAM_CLOSED"
	CodeStreamTimeout    = "STREAM_TIMEOUT"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	CodeRouteNotFound    = "ROUTE_NOT_FOUND"
	CodeInternal         = "INTERNAL"
)

// Error is a classified error carrying a code, a human message and optional
// structured details.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind. A target with a code also
// requires the code to match.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrValidation    = &Error{Kind: KindValidation}
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrNotReady      = &Error{Kind: KindNotReady}
	ErrConflict      = &Error{Kind: KindConflict}
	ErrEngine        = &Error{Kind: KindEngine}
	ErrStreamTimeout = &Error{Kind: KindStreamTimeout}
	ErrStreamClosed  = &Error{Kind: KindStreamClosed}
	ErrUnauthorized  = &Error{Kind: KindUnauthorized}
	ErrTooLarge      = &Error{Kind: KindTooLarge}
)

// Validation reports malformed input. details usually maps field names to
// problems.
func Validation(message string, details map[string]any) *Error {
	return &Error{Kind: KindValidation, Code: CodeValidation, Message: message, Details: details}
}

// SessionIDMissing reports an absent, empty or placeholder session id.
func SessionIDMissing() *Error {
	return &Error{Kind: KindValidation, Code: CodeSessionIDMissing, Message: "session id is required"}
}

// SessionIDInvalid reports a session id that cannot possibly exist.
func SessionIDInvalid(id string) *Error {
	return &Error{
		Kind:    KindValidation,
		Code:    CodeSessionIDInvalid,
		Message: "session id is malformed",
		Details: map[string]any{"sessionId": id},
	}
}

func SessionNotFound(id string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Code:    CodeSessionNotFound,
		Message: fmt.Sprintf("session %s not found", id),
	}
}

func FileNotFound(path string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Code:    CodeFileNotFound,
		Message: fmt.Sprintf("%s not found", path),
		Details: map[string]any{"path": path},
	}
}

// NotReady reports an operation attempted before the session reached Ready.
func NotReady(sessionID, phase string) *Error {
	return &Error{
		Kind:    KindNotReady,
		Code:    CodeNotReady,
		Message: "container is not ready",
		Details: map[string]any{"sessionId": sessionID, "phase": phase},
	}
}

func TerminalBusy(sessionID string) *Error {
	return &Error{
		Kind:    KindConflict,
		Code:    CodeTerminalBusy,
		Message: "a terminal is already attached to this session",
		Details: map[string]any{"sessionId": sessionID},
	}
}

func NoTerminal(sessionID string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Code:    CodeNoTerminal,
		Message: "no terminal is attached to this session",
		Details: map[string]any{"sessionId": sessionID},
	}
}

func NotADirectory(path string) *Error {
	return &Error{
		Kind:    KindValidation,
		Code:    CodeNotADirectory,
		Message: fmt.Sprintf("%s is not a directory", path),
		Details: map[string]any{"path": path},
	}
}

func FileTooLarge(path string, size, limit int64) *Error {
	return &Error{
		Kind:    KindTooLarge,
		Code:    CodeFileTooLarge,
		Message: fmt.Sprintf("%s exceeds the %d byte limit", path, limit),
		Details: map[string]any{"path": path, "size": size, "limit": limit},
	}
}

// Engine wraps a failed container engine call.
func Engine(message string, err error) *Error {
	return &Error{Kind: KindEngine, Code: CodeEngine, Message: message, Err: err}
}

func StreamTimeout(err error) *Error {
	return &Error{Kind: KindStreamTimeout, Code: CodeStreamTimeout, Message: "stream read timed out", Err: err}
}

func StreamClosed(err error) *Error {
	return &Error{Kind: KindStreamClosed, Code: CodeStreamClosed, Message: "stream closed", Err: err}
}

func Unauthorized() *Error {
	return &Error{Kind: KindUnauthorized, Code: CodeUnauthorized, Message: "invalid or missing authorization"}
}

// MethodNotAllowed and RouteNotFound keep transport-level rejections in the
// shared error shape.
func MethodNotAllowed(method string) *Error {
	return &Error{Kind: KindValidation, Code: CodeMethodNotAllowed, Message: fmt.Sprintf("%s not allowed", method)}
}

func RouteNotFound(path string) *Error {
	return &Error{Kind: KindNotFound, Code: CodeRouteNotFound, Message: fmt.Sprintf("no route for %s", path)}
}

func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Code: CodeInternal, Message: "internal error", Err: err}
}

// As returns the first *Error in err's chain, or an Internal error wrapping
// err when there is none.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	return As(err).Kind
}

// CodeOf returns the machine code of the first *Error in err's chain.
func CodeOf(err error) string {
	return As(err).Code
}

// HTTPStatus maps an error onto the status code used by the API.
func HTTPStatus(err error) int {
	e := As(err)
	switch e.Kind {
	case KindValidation:
		switch e.Code {
		case CodeValidation:
			return http.StatusUnprocessableEntity
		case CodeMethodNotAllowed:
			return http.StatusMethodNotAllowed
		}
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindNotReady, KindConflict:
		return http.StatusConflict
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindEngine, KindStreamClosed, KindStreamTimeout:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
