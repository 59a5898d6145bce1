// Package apierr defines the error taxonomy surfaced by control-plane operations
// and its mapping onto HTTP responses.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation    Kind = "validation"
	KindConflict      Kind = "conflict"
	KindUnauthorized  Kind = "unauthorized"
	KindForbidden     Kind = "forbidden"
	KindNotFound      Kind = "not_found"
	KindUpstream      Kind = "upstream"
	KindNotConfigured Kind = "not_configured"
	KindInternal      Kind = "internal"
)

// Error is the typed error every operation returns to its caller.
// Code is the stable machine-readable identifier written as "error".
type Error struct {
	Kind        Kind
	Code        string
	Description string
	Status      int
	Details     map[string]any
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error { return e.Err }

// With attaches an extra response field.
func (e *Error) With(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Body renders the JSON error object.
func (e *Error) Body() map[string]any {
	out := make(map[string]any, len(e.Details)+2)
	for k, v := range e.Details {
		out[k] = v
	}
	out["error"] = e.Code
	out["error_description"] = e.Description
	return out
}

func newError(kind Kind, status int, code, description string) *Error {
	return &Error{Kind: kind, Code: code, Description: description, Status: status}
}

func Validation(code, description string) *Error {
	return newError(KindValidation, http.StatusBadRequest, code, description)
}

func Conflict(code, description string) *Error {
	return newError(KindConflict, http.StatusConflict, code, description)
}

func Unauthorized(description string) *Error {
	return newError(KindUnauthorized, http.StatusUnauthorized, "unauthorized", description)
}

func Forbidden(code, description string) *Error {
	return newError(KindForbidden, http.StatusForbidden, code, description)
}

func NotFound(code, description string) *Error {
	return newError(KindNotFound, http.StatusNotFound, code, description)
}

func Upstream(code string, err error) *Error {
	e := newError(KindUpstream, http.StatusBadGateway, code, messageOf(err))
	e.Err = err
	return e
}

func NotConfigured(code, description string) *Error {
	return newError(KindNotConfigured, http.StatusInternalServerError, code, description)
}

func Internal(err error) *Error {
	e := newError(KindInternal, http.StatusInternalServerError, "internal_error", messageOf(err))
	e.Err = err
	return e
}

// Lifecycle-specific errors.

func ServerNotOffline(current string) *Error {
	return Conflict("server_not_offline", fmt.Sprintf("Server is currently %s. Stop the server first.", current)).
		With("currentState", current)
}

func AlreadyOffline() *Error {
	return newError(KindConflict, http.StatusBadRequest, "server_offline", "Server is already offline")
}

func AlreadyStopping() *Error {
	return Conflict("already_stopping", "Server is already shutting down")
}

func ServerNotRunning(current string) *Error {
	return newError(KindConflict, http.StatusBadRequest, "server_not_running",
		fmt.Sprintf("Cannot send commands when server is %s", current)).With("currentState", current)
}

func BlockedCommand(verb, suggestion string) *Error {
	e := Forbidden("blocked_command", fmt.Sprintf("Command '%s' is not allowed via API. Use the appropriate API endpoint instead.", verb))
	if suggestion != "" {
		e.With("suggestion", suggestion)
	}
	return e
}

// SpecialCommand rejects console verbs that have their own endpoint.
func SpecialCommand(verb, suggestion string) *Error {
	return Validation("special_command",
		fmt.Sprintf("Command '%s' should be handled via specific API endpoints for safety.", verb)).
		With("suggestion", suggestion)
}

func messageOf(err error) string {
	if err == nil {
		return "Unknown error"
	}
	return err.Error()
}

// From converts any error into *Error; unknown errors become InternalError.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
