// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

// Package client contains the client for the Lunr volume API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/sapcc/go-bits/logg"

	"github.com/sapcc/lunrgate/internal/lunr"
)

// Client contains methods for interacting with the resources of a single
// project in the Lunr API.
type Client struct {
	baseURL    string
	projectID  string
	httpClient *http.Client
	sleep      lunr.Sleeper

	Volumes VolumeResource
	Exports ExportResource
	Backups Resource
	Types   Resource
}

// Option configures optional behavior of a Client.
type Option func(*Client)

// WithHTTPClient makes the Client use a specific http.Client instead of http.DefaultClient.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithSleeper replaces the function that WaitOnStatus uses for waiting between polls.
func WithSleeper(s lunr.Sleeper) Option {
	return func(c *Client) { c.sleep = s }
}

// New builds a Client. The project ID is taken from the scope once and
// never changes afterwards.
func New(baseURL string, scope lunr.ProjectScope, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		projectID:  scope.ProjectID(),
		httpClient: http.DefaultClient,
		sleep:      lunr.SleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.Volumes = VolumeResource{Resource{c, "volumes", ""}}
	c.Exports = ExportResource{Resource{c, "volumes", "export"}}
	c.Backups = Resource{c, "backups", ""}
	c.Types = Resource{c, "volume_types", ""}
	return c
}

// ProjectID returns the project that this client's requests are scoped to.
func (c *Client) ProjectID() string {
	return c.projectID
}

// Response is a successful response from the Lunr API.
type Response struct {
	StatusCode int
	// nil if the response had an empty body
	Body json.RawMessage
	// for error reporting
	request *http.Request
}

// Decode unmarshals the response body into the given target. If the body
// does not fit the target, a *lunr.BackendError for a malformed response is
// returned.
func (r Response) Decode(target any) error {
	if len(r.Body) == 0 {
		return r.malformed(errors.New("response has no body"))
	}
	err := json.Unmarshal(r.Body, target)
	if err != nil {
		return r.malformed(err)
	}
	return nil
}

// Status returns the "status" field of a pollable resource.
func (r Response) Status() (string, error) {
	var data struct {
		Status *string `json:"status"`
	}
	err := r.Decode(&data)
	if err != nil {
		return "", err
	}
	if data.Status == nil {
		return "", r.malformed(errors.New(`response has no "status" field`))
	}
	return *data.Status, nil
}

func (r Response) malformed(err error) error {
	if r.request == nil {
		return lunr.MalformedResponseError{Inner: err}
	}
	return lunr.MapError(r.request, lunr.MalformedResponseError{Inner: err})
}

type request struct {
	Method string
	// relative to "<base>/<project>/"
	Path   string
	Params url.Values
	// for metrics
	Collection string
}

// do executes exactly one HTTP request. There is no retry at this layer.
func (c *Client) do(ctx context.Context, r request) (*Response, error) {
	uri := fmt.Sprintf("%s/%s/%s", c.baseURL, c.projectID, r.Path)
	if query := r.Params.Encode(); query != "" {
		uri += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, uri, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("cannot build request for %s %s: %w", r.Method, uri, err)
	}
	req.Header.Set("Accept", "application/json")
	if requestID, ok := lunr.RequestIDFrom(ctx).Unpack(); ok {
		req.Header.Set("X-Request-Id", requestID)
	} else {
		logg.Other("WARNING", "no request context for %s %s, sending without X-Request-Id", r.Method, uri)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		countBackendRequest(r, "error")
		return nil, lunr.MapError(req, err)
	}
	defer resp.Body.Close()
	countBackendRequest(r, strconv.Itoa(resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, lunr.NewBackendError(req, resp)
	}

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, lunr.MapError(req, err)
	}
	result := Response{StatusCode: resp.StatusCode, request: req}
	if len(bytes.TrimSpace(buf)) > 0 {
		var body json.RawMessage
		err = json.Unmarshal(buf, &body)
		if err != nil {
			return nil, lunr.MapError(req, lunr.MalformedResponseError{Inner: err})
		}
		result.Body = body
	}

	logg.Debug("%s on %s succeeded with %d", r.Method, uri, resp.StatusCode)
	return &result, nil
}
