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

package platformclient

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is the outbound-call error taxonomy from spec §4.6i. Every error
// the client returns across token exchange, the request queue, rate
// limiting, the circuit breaker, and artifact download carries one of
// these values so callers can branch on cause without string-matching.
type Code string

const (
	CodeRateLimited               Code = "RATE_LIMITED"
	CodeSecondaryRateLimited      Code = "SECONDARY_RATE_LIMITED"
	CodeCircuitBreakerOpen        Code = "CIRCUIT_BREAKER_OPEN"
	CodeQueueFull                 Code = "QUEUE_FULL"
	CodeArtifactExpired           Code = "ARTIFACT_EXPIRED"
	CodePermissionDenied          Code = "PERMISSION_DENIED"
	CodeNotFound                  Code = "NOT_FOUND"
	CodeUnprocessable             Code = "UNPROCESSABLE"
	CodeServiceUnavailable        Code = "SERVICE_UNAVAILABLE"
	CodeTimeout                   Code = "TIMEOUT"
	CodeWebhookVerificationFailed Code = "WEBHOOK_VERIFICATION_FAILED"
	CodeUnknown                   Code = "UNKNOWN"
)

// retryableCodes mirrors spec §4.6i: transient conditions are retried by
// the caller's retry policy, permanent ones are not.
var retryableCodes = map[Code]bool{
	CodeRateLimited:          true,
	CodeSecondaryRateLimited: true,
	CodeCircuitBreakerOpen:   true,
	CodeQueueFull:            true,
	CodeServiceUnavailable:   true,
	CodeTimeout:              true,
}

// Error wraps a client-side failure with its taxonomy code, the cause
// (if any), and contextual fields useful for logging (installation ID,
// endpoint, retry-after hint).
type Error struct {
	Code       Code
	Message    string
	RetryAfter float64 // seconds; zero when the server gave no hint
	Cause      error
	Context    map[string]any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("platformclient: %s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("platformclient: %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the caller's retry policy should re-attempt
// the call that produced e.
func (e *Error) Retryable() bool { return retryableCodes[e.Code] }

// WithContext attaches a key/value pair for structured logging and
// returns e for chaining.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any, 1)
	}
	e.Context[key] = value
	return e
}

func newError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// GetCode extracts the taxonomy Code from err, defaulting to
// CodeUnknown for errors not produced by this package.
func GetCode(err error) Code {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeUnknown
}

// classifyStatus maps an HTTP status code (and, for 403, whether the
// body looks like a rate-limit rather than a permission rejection) to a
// taxonomy Code, per spec §4.6i.
func classifyStatus(status int, rateLimited bool) Code {
	switch {
	case status == http.StatusForbidden && rateLimited:
		return CodeRateLimited
	case status == http.StatusForbidden:
		return CodePermissionDenied
	case status == http.StatusUnauthorized:
		return CodePermissionDenied
	case status == http.StatusNotFound:
		return CodeNotFound
	case status == http.StatusGone:
		return CodeArtifactExpired
	case status == http.StatusUnprocessableEntity:
		return CodeUnprocessable
	case status == http.StatusTooManyRequests:
		return CodeSecondaryRateLimited
	case status == http.StatusRequestTimeout:
		return CodeTimeout
	case status >= 500:
		return CodeServiceUnavailable
	default:
		return CodeUnknown
	}
}
