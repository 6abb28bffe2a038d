// Package apperr defines the error kinds shared by every domain package.
//
// Each kind is a sentinel usable with errors.Is. Constructors return an *Error
// carrying the details a caller needs to react (field name, current state,
// retryability) without parsing messages.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrInvalidState      = errors.New("invalid state")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrForbidden         = errors.New("forbidden")
	ErrSignatureMismatch = errors.New("signature mismatch")
	ErrGateway           = errors.New("gateway error")
	ErrChainConflict     = errors.New("audit chain conflict")
	ErrConflict          = errors.New("concurrent modification")
)

// Error is a classified domain error.
type Error struct {
	Kind      error  // one of the Err* sentinels
	Message   string // safe to show to API clients
	Field     string // validation errors only
	Current   string // state-machine errors: the state the entity is in
	Retryable bool
	Err       error // underlying cause, never shown to clients
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the error's kind so errors.Is(err, ErrNotFound) works through wrapping.
func (e *Error) Is(target error) bool { return e.Kind == target }

// Validation reports malformed or out-of-range input.
func Validation(field, message string) *Error {
	return &Error{Kind: ErrValidation, Field: field, Message: message}
}

// NotFound reports a missing entity.
func NotFound(entity, id string) *Error {
	return &Error{Kind: ErrNotFound, Message: fmt.Sprintf("%s %s not found", entity, id)}
}

// InvalidState reports an operation that is illegal in the entity's current state.
func InvalidState(entity, current, message string) *Error {
	return &Error{
		Kind:    ErrInvalidState,
		Current: current,
		Message: fmt.Sprintf("%s is %s: %s", entity, current, message),
	}
}

// InvalidTransition reports an edge missing from a state graph.
func InvalidTransition(entity, from, to string) *Error {
	return &Error{
		Kind:    ErrInvalidTransition,
		Current: from,
		Message: fmt.Sprintf("%s cannot move from %s to %s", entity, from, to),
	}
}

// Forbidden reports an actor acting on an entity it has no role in.
func Forbidden(message string) *Error {
	return &Error{Kind: ErrForbidden, Message: message}
}

// SignatureMismatch reports a failed HMAC check. The message is deliberately generic.
func SignatureMismatch(what string) *Error {
	return &Error{Kind: ErrSignatureMismatch, Message: "invalid " + what + " signature"}
}

// Gateway wraps a payment gateway failure.
func Gateway(op string, err error, retryable bool) *Error {
	return &Error{
		Kind:      ErrGateway,
		Message:   "payment gateway " + op + " failed",
		Retryable: retryable,
		Err:       err,
	}
}

// ChainConflict reports that the audit chain tail moved under an append.
func ChainConflict(expectedPrev string) *Error {
	return &Error{
		Kind:      ErrChainConflict,
		Message:   "audit chain tail is no longer " + expectedPrev,
		Retryable: true,
	}
}

// Conflict reports an optimistic version mismatch.
func Conflict(entity, id string) *Error {
	return &Error{
		Kind:      ErrConflict,
		Message:   fmt.Sprintf("%s %s was modified concurrently", entity, id),
		Retryable: true,
	}
}

// IsRetryable reports whether err is classified as safe to retry.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// CurrentState returns the state carried by a state-machine error, if any.
func CurrentState(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Current
	}
	return ""
}

// PublicMessage returns the client-safe message for err.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Field != "" {
			return e.Field + ": " + e.Message
		}
		return e.Message
	}
	return "internal error"
}

// HTTPStatus maps an error to its HTTP status and machine-readable code.
func HTTPStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, ErrSignatureMismatch):
		return http.StatusBadRequest, "invalid_signature"
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrChainConflict), errors.Is(err, ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, ErrGateway):
		if IsRetryable(err) {
			return http.StatusServiceUnavailable, "gateway_unavailable"
		}
		return http.StatusBadGateway, "gateway_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
