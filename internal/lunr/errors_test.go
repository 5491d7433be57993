// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package lunr

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/sapcc/go-bits/assert"
	"github.com/sapcc/go-bits/must"
)

func buildRequest(t *testing.T) *http.Request {
	t.Helper()
	return must.ReturnT(http.NewRequest(http.MethodDelete, "http://lunr.example.com/v1.0/project1/volumes/vol1", http.NoBody))(t)
}

func buildResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestReasonExtraction(t *testing.T) {
	req := buildRequest(t)
	cases := map[string]string{
		`{"reason": "volume is busy", "message": "ignored"}`: "volume is busy",
		`{"message": "volume is busy"}`:                      "volume is busy",
		`{"reason": 42}`:                                     "42",
		"volume is busy\n":                                   "volume is busy",
		`["not", "an", "object"]`:                            `["not", "an", "object"]`,
	}
	for body, expectedReason := range cases {
		err := NewBackendError(req, buildResponse(http.StatusConflict, body))
		assert.DeepEqual(t, "reason for "+body, err.Reason, expectedReason)
		assert.DeepEqual(t, "code for "+body, err.Code, http.StatusConflict)
	}
}

func TestBackendErrorFields(t *testing.T) {
	req := buildRequest(t)
	err := NewBackendError(req, buildResponse(http.StatusNotFound, `{"reason": "no such volume"}`))

	assert.DeepEqual(t, "error", *err, BackendError{
		Method: "DELETE",
		URL:    "http://lunr.example.com/v1.0/project1/volumes/vol1",
		Code:   http.StatusNotFound,
		Title:  "Not Found",
		Reason: "no such volume",
		Detail: "DELETE on http://lunr.example.com/v1.0/project1/volumes/vol1 returned '404' with 'no such volume'",
	})
	assert.DeepEqual(t, "kind", err.Kind(), KindNotFound)
	assert.DeepEqual(t, "explanation", err.Explanation(), "no such volume")
	assert.DeepEqual(t, "IsNotFound", IsNotFound(err), true)
	assert.DeepEqual(t, "IsConflict", IsConflict(err), false)
}

func TestServerErrorsDoNotLeakDetails(t *testing.T) {
	err := NewBackendError(buildRequest(t), buildResponse(http.StatusInternalServerError, `{"reason": "database on node3 is on fire"}`))
	assert.DeepEqual(t, "kind", err.Kind(), KindUnavailable)
	assert.DeepEqual(t, "reason", err.Reason, "database on node3 is on fire")
	assert.DeepEqual(t, "explanation", err.Explanation(), unavailableExplanation)

	err = NewBackendError(buildRequest(t), buildResponse(http.StatusPreconditionFailed, `{"reason": "invalid size"}`))
	assert.DeepEqual(t, "kind", err.Kind(), KindClientError)
	assert.DeepEqual(t, "explanation", err.Explanation(), "invalid size")
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestMapError(t *testing.T) {
	req := buildRequest(t)

	err := MapError(req, &url.Error{Op: "Delete", URL: req.URL.String(), Err: timeoutError{}})
	assert.DeepEqual(t, "code", err.Code, http.StatusServiceUnavailable)
	assert.DeepEqual(t, "title", err.Title, "Service Unavailable")
	assert.DeepEqual(t, "reason", err.Reason, "socket timeout")
	assert.DeepEqual(t, "detail", err.Detail, "DELETE on http://lunr.example.com/v1.0/project1/volumes/vol1 failed with socket timeout")

	cause := errors.New("dial tcp 127.0.0.1:8080: connect: connection refused")
	err = MapError(req, &url.Error{Op: "Delete", URL: req.URL.String(), Err: cause})
	assert.DeepEqual(t, "reason", err.Reason, cause.Error())
	assert.DeepEqual(t, "unwraps", errors.Is(err, cause), true)

	// protocol failures of the transport have no error type of their own, so their text is the reason as well
	cause = errors.New(`net/http: HTTP/1.x transport connection broken: malformed HTTP response "GARBAGE"`)
	err = MapError(req, &url.Error{Op: "Delete", URL: req.URL.String(), Err: cause})
	assert.DeepEqual(t, "reason", err.Reason, cause.Error())
	assert.DeepEqual(t, "detail", err.Detail, "DELETE on http://lunr.example.com/v1.0/project1/volumes/vol1 failed with '"+cause.Error()+"'")

	err = MapError(req, MalformedResponseError{Inner: errors.New("invalid character '<'")})
	assert.DeepEqual(t, "reason", err.Reason, "malformed response body")
	assert.DeepEqual(t, "kind", err.Kind(), KindUnavailable)
}

func TestStatusClassification(t *testing.T) {
	for _, status := range []string{"BUILDING", "SAVING", "DELETING", "ATTACHING"} {
		assert.DeepEqual(t, status+" is transient", IsTransientStatus(status), true)
	}
	for _, status := range []string{"ACTIVE", "ERROR", "IMAGING_SCRUB", "DELETED"} {
		assert.DeepEqual(t, status+" is transient", IsTransientStatus(status), false)
	}
	assert.DeepEqual(t, "acceptable", IsAcceptableStatus("AUDITING", []string{"DELETED", "AUDITING"}), true)
	assert.DeepEqual(t, "acceptable", IsAcceptableStatus("ERROR", []string{"DELETED", "AUDITING"}), false)
}
