// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/sapcc/go-bits/logg"

	"github.com/sapcc/lunrgate/internal/lunr"
)

// Resource provides CRUD operations on one collection of the Lunr API.
type Resource struct {
	client     *Client
	collection string
	// if set, the resource lives below "<collection>/<id>/"
	subresource string
}

func (r Resource) path(id string) string {
	if id == "" {
		return r.collection
	}
	p := r.collection + "/" + url.PathEscape(id)
	if r.subresource != "" {
		p += "/" + r.subresource
	}
	return p
}

func (r Resource) metricsLabel() string {
	if r.subresource != "" {
		return r.subresource + "s"
	}
	return r.collection
}

func (r Resource) execute(ctx context.Context, method, id string, params url.Values) (*Response, error) {
	return r.client.do(ctx, request{
		Method:     method,
		Path:       r.path(id),
		Params:     params,
		Collection: r.metricsLabel(),
	})
}

// Get retrieves a single resource.
func (r Resource) Get(ctx context.Context, id string) (*Response, error) {
	return r.execute(ctx, http.MethodGet, id, nil)
}

// List retrieves all resources in this collection that match the given filters.
func (r Resource) List(ctx context.Context, filters url.Values) (*Response, error) {
	return r.execute(ctx, http.MethodGet, "", filters)
}

// Create creates a resource with the given ID.
func (r Resource) Create(ctx context.Context, id string, params url.Values) (*Response, error) {
	return r.execute(ctx, http.MethodPut, id, params)
}

// Delete deletes the resource with the given ID.
func (r Resource) Delete(ctx context.Context, id string) (*Response, error) {
	return r.execute(ctx, http.MethodDelete, id, nil)
}

const (
	initialPollInterval = 1 * time.Second
	maxPollInterval     = 30 * time.Second
)

// WaitOnStatus polls the resource until it enters one of the given statuses.
//
// While the resource is in a transient status (one ending in "ING"), this
// keeps polling with exponential backoff (1s, 2s, 4s, ..., capped at 30s).
// If the resource enters any other status, a lunr.StatusError is returned
// right away. There is no deadline except the one carried by ctx.
func (r Resource) WaitOnStatus(ctx context.Context, id string, statuses ...string) (*Response, error) {
	if len(statuses) == 0 {
		return nil, errors.New("no statuses supplied")
	}

	backoff := initialPollInterval
	for {
		resp, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		status, err := resp.Status()
		if err != nil {
			return nil, err
		}

		switch {
		case lunr.IsAcceptableStatus(status, statuses):
			return resp, nil
		case !lunr.IsTransientStatus(status):
			return nil, lunr.StatusError{ResourceID: id, Status: status, Expected: statuses}
		}

		logg.Debug("%s %s is in status %s, checking again in %s", r.metricsLabel(), id, status, backoff)
		err = r.client.sleep(ctx, backoff)
		if err != nil {
			return nil, err
		}
		backoff = min(2*backoff, maxPollInterval)
	}
}

// VolumeResource is the Resource for "volumes". Volumes can be updated.
type VolumeResource struct {
	Resource
}

// Update modifies the volume with the given ID.
func (r VolumeResource) Update(ctx context.Context, id string, params url.Values) (*Response, error) {
	return r.execute(ctx, http.MethodPost, id, params)
}

// ExportResource provides operations on the export of a volume, which lives
// at "volumes/<id>/export". IDs given to its methods are volume IDs. Exports
// cannot be listed.
type ExportResource struct {
	resource Resource
}

// Get retrieves the export of the volume with the given ID.
func (r ExportResource) Get(ctx context.Context, id string) (*Response, error) {
	return r.resource.Get(ctx, id)
}

// Create exports the volume with the given ID.
func (r ExportResource) Create(ctx context.Context, id string, params url.Values) (*Response, error) {
	return r.resource.Create(ctx, id, params)
}

// Update modifies the export of the volume with the given ID.
func (r ExportResource) Update(ctx context.Context, id string, params url.Values) (*Response, error) {
	return r.resource.execute(ctx, http.MethodPost, id, params)
}

// Delete removes the export of the volume with the given ID. With force,
// the backend tears down the export even if it is still in use.
func (r ExportResource) Delete(ctx context.Context, id string, force bool, params url.Values) (*Response, error) {
	if force {
		params = cloneValues(params)
		params.Set("force", "True")
	}
	return r.resource.execute(ctx, http.MethodDelete, id, params)
}

func cloneValues(in url.Values) url.Values {
	out := make(url.Values, len(in)+1)
	for k, v := range in {
		out[k] = append([]string(nil), v...)
	}
	return out
}
