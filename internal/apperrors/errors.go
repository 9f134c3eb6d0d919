/*
Copyright 2026 FlakeGuard Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package apperrors defines the structured error taxonomy shared by every
// FlakeGuard component, per spec §7.
package apperrors

import (
	"fmt"
	"net/http"
	"strings"
)

// Kind enumerates FlakeGuard's error kinds. Values are literal snake_case
// strings, not Go identifiers, so they can be compared directly against
// anything deserialized from job payloads.
type Kind string

const (
	KindSignatureInvalid   Kind = "signature_invalid"
	KindValidation         Kind = "validation_error"
	KindRateLimited        Kind = "rate_limited"
	KindCircuitOpen        Kind = "circuit_open"
	KindQueueFull          Kind = "queue_full"
	KindArtifactExpired    Kind = "artifact_expired"
	KindPermissionDenied   Kind = "permission_denied"
	KindNotFound           Kind = "not_found"
	KindServiceUnavailable Kind = "service_unavailable"
	KindTimeout            Kind = "timeout"
	KindParseError         Kind = "parse_error"
	KindInternal           Kind = "internal"
)

// statusCodes maps each error kind to the HTTP status it should surface
// as, including the kinds specific to FlakeGuard's own job pipeline.
var statusCodes = map[Kind]int{
	KindSignatureInvalid:   http.StatusUnauthorized,
	KindValidation:         http.StatusBadRequest,
	KindRateLimited:        http.StatusTooManyRequests,
	KindCircuitOpen:        http.StatusServiceUnavailable,
	KindQueueFull:          http.StatusServiceUnavailable,
	KindArtifactExpired:    http.StatusGone,
	KindPermissionDenied:   http.StatusForbidden,
	KindNotFound:           http.StatusNotFound,
	KindServiceUnavailable: http.StatusServiceUnavailable,
	KindTimeout:            http.StatusRequestTimeout,
	KindParseError:         http.StatusUnprocessableEntity,
	KindInternal:           http.StatusInternalServerError,
}

// retryableKinds mirrors the job-execution propagation policy in §7:
// rate_limited, service_unavailable, timeout, circuit_open are retryable.
var retryableKinds = map[Kind]bool{
	KindRateLimited:        true,
	KindServiceUnavailable: true,
	KindTimeout:            true,
	KindCircuitOpen:        true,
}

// safeMessages holds the safe, user-facing text for kinds whose raw
// message may leak internal detail.
var safeMessages = map[Kind]string{
	KindNotFound:         "the requested resource could not be found",
	KindPermissionDenied: "you do not have permission to perform this action",
	KindTimeout:          "the operation timed out",
	KindRateLimited:      "rate limit exceeded, please retry later",
	KindServiceUnavailable: "an internal error occurred",
	KindInternal:           "an internal error occurred",
}

// AppError is FlakeGuard's structured error type, carrying a Kind, an
// HTTP status, optional free-form details, and an optional wrapped cause.
type AppError struct {
	Kind       Kind
	Message    string
	StatusCode int
	Details    string
	Cause      error
}

// New creates an AppError of the given kind.
func New(kind Kind, message string) *AppError {
	return &AppError{
		Kind:       kind,
		Message:    message,
		StatusCode: statusCodeFor(kind),
	}
}

// Wrap creates an AppError of the given kind wrapping cause.
func Wrap(cause error, kind Kind, message string) *AppError {
	err := New(kind, message)
	err.Cause = cause
	return err
}

// Wrapf is Wrap with a formatted message.
func Wrapf(cause error, kind Kind, format string, args ...any) *AppError {
	return Wrap(cause, kind, fmt.Sprintf(format, args...))
}

// WithDetails attaches details in place and returns the same error for chaining.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithDetailsf is WithDetails with a formatted string.
func (e *AppError) WithDetailsf(format string, args ...any) *AppError {
	return e.WithDetails(fmt.Sprintf(format, args...))
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether a job encountering this error should be
// released back to the broker for a retry, per spec §7's propagation
// policy table.
func (e *AppError) Retryable() bool {
	return retryableKinds[e.Kind]
}

func statusCodeFor(kind Kind) int {
	if code, ok := statusCodes[kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// Convenience constructors, one per kind.

func NewValidationError(message string) *AppError { return New(KindValidation, message) }

func NewNotFoundError(resource string) *AppError {
	return New(KindNotFound, fmt.Sprintf("%s not found", resource))
}

func NewPermissionDeniedError(message string) *AppError { return New(KindPermissionDenied, message) }

func NewTimeoutError(operation string) *AppError {
	return New(KindTimeout, fmt.Sprintf("operation timed out: %s", operation))
}

func NewRateLimitedError(message string) *AppError { return New(KindRateLimited, message) }

func NewCircuitOpenError(service string) *AppError {
	return New(KindCircuitOpen, fmt.Sprintf("circuit breaker open for %s", service))
}

func NewQueueFullError(queue string) *AppError {
	return New(KindQueueFull, fmt.Sprintf("queue full: %s", queue))
}

func NewArtifactExpiredError(artifact string) *AppError {
	return New(KindArtifactExpired, fmt.Sprintf("artifact expired: %s", artifact))
}

func NewParseError(file string, cause error) *AppError {
	return Wrapf(cause, KindParseError, "failed to parse %s", file)
}

// IsKind reports whether err is an *AppError of the given kind.
func IsKind(err error, kind Kind) bool {
	appErr, ok := err.(*AppError)
	return ok && appErr.Kind == kind
}

// GetKind returns the Kind of err, or KindInternal if err is not an *AppError.
func GetKind(err error) Kind {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Kind
	}
	return KindInternal
}

// GetStatusCode returns the HTTP status code associated with err.
func GetStatusCode(err error) int {
	if appErr, ok := err.(*AppError); ok {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

// SafeErrorMessage returns a message safe to show to an end user, hiding
// internal detail for kinds that tend to carry it.
func SafeErrorMessage(err error) string {
	appErr, ok := err.(*AppError)
	if !ok {
		return "an unexpected error occurred"
	}
	if appErr.Kind == KindValidation {
		return appErr.Message
	}
	if safe, ok := safeMessages[appErr.Kind]; ok {
		return safe
	}
	return "an internal error occurred"
}

// LogFields renders err as a structured field map suitable for a zap
// logger's With(zap.Any(...)) or sugared Infow-style call.
func LogFields(err error) map[string]any {
	fields := map[string]any{"error": err.Error()}
	appErr, ok := err.(*AppError)
	if !ok {
		return fields
	}
	fields["error_kind"] = string(appErr.Kind)
	fields["status_code"] = appErr.StatusCode
	if appErr.Details != "" {
		fields["error_details"] = appErr.Details
	}
	if appErr.Cause != nil {
		fields["underlying_error"] = appErr.Cause.Error()
	}
	return fields
}

// Chain folds a list of errors (skipping nils) into one error whose
// message joins each non-nil error with " -> ". Returns nil if every
// argument is nil, and returns the single error unchanged if exactly one
// is non-nil.
func Chain(errs ...error) error {
	var nonNil []error
	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return nonNil[0]
	}
	parts := make([]string, len(nonNil))
	for i, err := range nonNil {
		parts[i] = err.Error()
	}
	return fmt.Errorf("%s", strings.Join(parts, " -> "))
}
