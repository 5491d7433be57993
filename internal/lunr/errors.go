// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package lunr

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/sapcc/go-bits/errext"
)

// ErrorKind is the closed set of error classes that callers of the Lunr API
// distinguish between.
type ErrorKind string

// Possible values for ErrorKind.
const (
	// KindNotFound is a 404 from the backend. Callers that delete things usually treat it as success.
	KindNotFound ErrorKind = "not-found"
	// KindConflict is a 409 from the backend, i.e. a conflicting operation is in progress.
	KindConflict ErrorKind = "conflict"
	// KindClientError is any other 4xx from the backend.
	KindClientError ErrorKind = "client-error"
	// KindUnavailable covers 5xx responses and transport failures. It is generally retryable.
	KindUnavailable ErrorKind = "unavailable"
)

const (
	unavailableTitle       = "Service Unavailable"
	unavailableExplanation = "The server is currently unavailable. Please try again at a later time."
)

// BackendError is returned by all Lunr API calls that fail, regardless of
// whether the failure occurred on the transport level or in the backend.
type BackendError struct {
	Method string
	URL    string
	// HTTP status code, or 503 if no response was obtained.
	Code   int
	Title  string
	Reason string
	Detail string
	// the transport-level error, if any
	Inner error
}

// Error implements the builtin/error interface.
func (e *BackendError) Error() string {
	return e.Detail
}

// Unwrap implements the interface used by errors.Is() and errors.As().
func (e *BackendError) Unwrap() error {
	return e.Inner
}

// Kind classifies this error by its status code.
func (e *BackendError) Kind() ErrorKind {
	switch {
	case e.Code == http.StatusNotFound:
		return KindNotFound
	case e.Code == http.StatusConflict:
		return KindConflict
	case e.Code/100 == 4:
		return KindClientError
	default:
		return KindUnavailable
	}
}

// Explanation returns a message that can be shown to the end user. Details
// are only passed through for client errors; server-side failures yield a
// generic message.
func (e *BackendError) Explanation() string {
	if e.Code/100 == 4 {
		return e.Reason
	}
	return unavailableExplanation
}

// KindOf returns the ErrorKind of the given error if it is (or wraps) a
// BackendError.
func KindOf(err error) (ErrorKind, bool) {
	berr, ok := errext.As[*BackendError](err)
	if !ok {
		return "", false
	}
	return berr.Kind(), true
}

// IsNotFound returns whether the error is a BackendError for a 404 response.
func IsNotFound(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindNotFound
}

// IsConflict returns whether the error is a BackendError for a 409 response.
func IsConflict(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindConflict
}

// MalformedResponseError is reported by the client when a 2xx response body
// could not be decoded.
type MalformedResponseError struct {
	Inner error
}

// Error implements the builtin/error interface.
func (e MalformedResponseError) Error() string {
	return "malformed response body: " + e.Inner.Error()
}

// Unwrap implements the interface used by errors.Is() and errors.As().
func (e MalformedResponseError) Unwrap() error {
	return e.Inner
}

// NewBackendError builds a BackendError for a request that failed with a
// non-2xx response. The response body is consumed, but not closed.
func NewBackendError(req *http.Request, resp *http.Response) *BackendError {
	e := newBackendError(req)
	e.Code = resp.StatusCode
	e.Title = http.StatusText(resp.StatusCode)

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		e.Reason = err.Error()
	} else {
		e.Reason = reasonFromBody(buf)
	}
	e.Detail += fmt.Sprintf("returned '%d' with '%s'", e.Code, e.Reason)
	return e
}

// MapError builds a BackendError for a request that did not yield a usable
// response. The code is always 503 since there is no upstream status to report.
func MapError(req *http.Request, err error) *BackendError {
	e := newBackendError(req)
	e.Code = http.StatusServiceUnavailable
	e.Title = unavailableTitle
	e.Inner = err

	var (
		netErr       net.Error
		malformedErr MalformedResponseError
	)
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		e.Reason = "socket timeout"
		e.Detail += "failed with socket timeout"
	case errors.As(err, &malformedErr):
		// protocol-level failure: report the class of failure, not the parser's complaint
		e.Reason = "malformed response body"
		e.Detail += fmt.Sprintf("failed with '%s'", malformedErr.Error())
	default:
		// net/http reports transport and protocol failures (e.g. a malformed
		// status line) without distinct error types, so both use the error text
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		e.Reason = err.Error()
		e.Detail += fmt.Sprintf("failed with '%s'", e.Reason)
	}
	return e
}

func newBackendError(req *http.Request) *BackendError {
	return &BackendError{
		Method: req.Method,
		URL:    req.URL.String(),
		Detail: fmt.Sprintf("%s on %s ", req.Method, req.URL.String()),
	}
}

// reasonFromBody prefers the "reason" field of a JSON error body, then the
// "message" field, then falls back to the raw body text.
func reasonFromBody(buf []byte) string {
	var body map[string]any
	if json.Unmarshal(buf, &body) == nil {
		for _, key := range []string{"reason", "message"} {
			if val, exists := body[key]; exists {
				if str, ok := val.(string); ok {
					return str
				}
				return fmt.Sprint(val)
			}
		}
	}
	return strings.TrimSpace(string(buf))
}

// StatusError is returned by WaitOnStatus when the resource entered a
// terminal status that the caller did not wait for.
type StatusError struct {
	ResourceID string
	Status     string
	Expected   []string
}

// Error implements the builtin/error interface.
func (e StatusError) Error() string {
	return fmt.Sprintf("resource %s entered %s status while waiting on %s",
		e.ResourceID, e.Status, strings.Join(e.Expected, ", "))
}

// IsTransientStatus returns whether the given status indicates that the
// backend is still working on the resource.
func IsTransientStatus(status string) bool {
	return strings.HasSuffix(status, "ING")
}

// IsAcceptableStatus returns whether status is one of the expected statuses.
func IsAcceptableStatus(status string, expected []string) bool {
	return slices.Contains(expected, status)
}
