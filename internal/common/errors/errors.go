// Package errors defines the application error taxonomy shared by the HTTP
// layer, the job queue, and the executors. Each error carries a Kind that
// determines both its HTTP status and whether the job queue may retry it.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/devos-ai/devos/internal/common/scrub"
)

// Kind classifies an error independently of transport.
type Kind string

const (
	KindValidation    Kind = "validation"    // bad input at a boundary; never retried
	KindAuthorization Kind = "authorization" // missing membership or admin status
	KindConflict      Kind = "conflict"      // current-state precondition violated
	KindNotFound      Kind = "not_found"     // referenced entity missing
	KindTransient     Kind = "transient"     // external I/O failure; retried with backoff
	KindCLI           Kind = "cli"           // agent CLI exit/stall/timeout; retried within budget
	KindFatal         Kind = "fatal"         // invariant broken; surfaced, never retried
)

// AppError is the structured error returned across component boundaries.
type AppError struct {
	Kind       Kind   `json:"kind"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	cause      error
}

func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.cause }

func newError(kind Kind, status int, msg string) *AppError {
	return &AppError{Kind: kind, Message: scrub.String(msg), HTTPStatus: status}
}

// Validation reports invalid input for the named field.
func Validation(field, problem string) *AppError {
	return newError(KindValidation, http.StatusBadRequest, fmt.Sprintf("invalid %s: %s", field, problem))
}

// BadRequest reports a malformed request.
func BadRequest(msg string) *AppError {
	return newError(KindValidation, http.StatusBadRequest, msg)
}

// Forbidden reports a caller without workspace membership or admin rights.
func Forbidden(msg string) *AppError {
	return newError(KindAuthorization, http.StatusForbidden, msg)
}

// Unauthorized reports a missing or invalid bearer token.
func Unauthorized(msg string) *AppError {
	return newError(KindAuthorization, http.StatusUnauthorized, msg)
}

// NotFound reports a missing entity.
func NotFound(entity, id string) *AppError {
	return newError(KindNotFound, http.StatusNotFound, fmt.Sprintf("%s not found: %s", entity, id))
}

// Conflict reports an operation that violates the entity's current state.
func Conflict(msg string) *AppError {
	return newError(KindConflict, http.StatusConflict, msg)
}

// Transient reports a retryable external failure.
func Transient(msg string) *AppError {
	return newError(KindTransient, http.StatusBadGateway, msg)
}

// CLI reports an agent CLI failure (non-zero exit, stall, timeout).
func CLI(msg string) *AppError {
	return newError(KindCLI, http.StatusInternalServerError, msg)
}

// Fatal reports a broken invariant. Never retried.
func Fatal(msg string) *AppError {
	return newError(KindFatal, http.StatusInternalServerError, msg)
}

// Wrap attaches a message to err, preserving its Kind when err is an
// AppError and classifying it as transient otherwise.
func Wrap(err error, msg string) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Kind:       appErr.Kind,
			Message:    scrub.String(msg),
			HTTPStatus: appErr.HTTPStatus,
			cause:      err,
		}
	}
	return &AppError{
		Kind:       KindTransient,
		Message:    scrub.String(msg),
		HTTPStatus: http.StatusBadGateway,
		cause:      err,
	}
}

// WrapKind attaches a message to err with an explicit kind.
func WrapKind(err error, kind Kind, msg string) *AppError {
	e := newError(kind, statusFor(kind), msg)
	e.cause = err
	return e
}

func statusFor(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindTransient:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// KindOf returns the Kind of err, or KindTransient for unclassified errors.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindTransient
}

// IsRetryable reports whether the job queue may retry the failed attempt.
// Only transient and CLI errors are retryable; everything else is surfaced.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindCLI:
		return true
	default:
		return false
	}
}
