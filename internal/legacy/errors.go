// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package legacy

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds returned by the client. Every error from Do wraps exactly one
// of them, so callers branch with errors.Is.
var (
	ErrTransport   = errors.New("legacy transport error")
	ErrRateLimited = errors.New("legacy rate limited")
	ErrAuthExpired = errors.New("legacy session expired")
	ErrAuthFailed  = errors.New("legacy authentication failed")
	ErrForbidden   = errors.New("legacy forbidden")
	ErrNotFound    = errors.New("legacy not found")
	ErrValidation  = errors.New("legacy validation rejected")
	ErrServerError = errors.New("legacy server error")
	ErrAmbiguous   = errors.New("legacy outcome ambiguous")
)

// APIError describes one failed legacy call.
type APIError struct {
	Kind   error
	Method string
	Path   string
	Status int
	Body   string
	Err    error
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Method, e.Path, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the underlying cause.
func (e *APIError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Reason is the legacy system's rejection text, falling back to the kind.
func (e *APIError) Reason() string {
	if e.Body != "" {
		return e.Body
	}
	return e.Kind.Error()
}

// Retryable reports whether err is worth retrying later with backoff.
// Ambiguous outcomes are retryable only after a reconciliation read.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrServerError) ||
		errors.Is(err, ErrAmbiguous) ||
		errors.Is(err, ErrAuthExpired)
}

// Permanent reports whether err must not be retried.
func Permanent(err error) bool {
	return errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrAuthFailed)
}

// Reason extracts a human-readable rejection reason from err.
func Reason(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Reason()
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// kindForStatus maps an HTTP status to an error kind; nil means success.
func kindForStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized:
		return ErrAuthExpired
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status == http.StatusForbidden:
		return ErrForbidden
	case status == http.StatusNotFound, status == http.StatusGone:
		return ErrNotFound
	case status >= 500:
		return ErrServerError
	default:
		return ErrValidation
	}
}
