// Package apperr defines the error taxonomy surfaced by every engine
// operation. Errors are never swallowed: each carries the specific rule
// that was violated so callers can see exactly why a reservation or
// transition failed.
package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping.
type Kind int

const (
	// KindValidation: malformed or out-of-policy input.
	KindValidation Kind = iota
	// KindNotFound: referenced entity absent.
	KindNotFound
	// KindState: operation not permitted from the entity's current state.
	KindState
	// KindConflict: concurrent or duplicate operation collision.
	KindConflict
	// KindAuthorization: capability check failed.
	KindAuthorization
)

// Error is a classified engine error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error // optional wrapped cause
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Validation returns a validation error with a formatted rule message.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// NotFound returns a missing-entity error.
func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// State returns an invalid-state-transition error.
func State(format string, args ...any) *Error {
	return &Error{Kind: KindState, Msg: fmt.Sprintf(format, args...)}
}

// Conflict returns a duplicate/concurrent-collision error.
func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...)}
}

// Authorization returns a capability-check failure.
func Authorization(format string, args ...any) *Error {
	return &Error{Kind: KindAuthorization, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a classified error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from an error chain. Unclassified errors map
// to -1 so the HTTP layer falls through to 500.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return -1, false
}

// HTTPStatus maps the taxonomy onto transport status codes:
// validation → 422, not found → 404, state/conflict → 409, auth → 403.
func HTTPStatus(err error) int {
	kind, ok := KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindState, KindConflict:
		return http.StatusConflict
	case KindAuthorization:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// Write writes err as a JSON error response with the mapped status.
func Write(w http.ResponseWriter, err error) {
	msg := err.Error()
	status := HTTPStatus(err)
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// WriteMsg writes a plain message with an explicit status, for transport
// errors (bad JSON bodies, bad path params) that never reach the engine.
func WriteMsg(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
