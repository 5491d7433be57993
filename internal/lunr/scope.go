// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package lunr

import (
	"context"

	"github.com/gofrs/uuid/v5"
	"github.com/majewsky/gg/option"
)

// ProjectScope is anything that knows which project a backend request belongs
// to. Every URL of the Lunr API is scoped by project.
type ProjectScope interface {
	ProjectID() string
}

// Project is the most basic ProjectScope.
type Project string

// ProjectID implements the ProjectScope interface.
func (p Project) ProjectID() string { return string(p) }

// AdminProject is the scope used for administrative requests, e.g. listing volume types.
const AdminProject = Project("admin")

type requestIDKey struct{}

// WithRequestID returns a context that carries the given request ID. Backend
// requests made with this context will send it in the X-Request-Id header.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// WithNewRequestID is like WithRequestID, but generates a fresh request ID.
func WithNewRequestID(ctx context.Context) context.Context {
	return WithRequestID(ctx, "req-"+uuid.Must(uuid.NewV4()).String())
}

// RequestIDFrom returns the request ID carried by this context, if any.
func RequestIDFrom(ctx context.Context) option.Option[string] {
	requestID, ok := ctx.Value(requestIDKey{}).(string)
	if !ok || requestID == "" {
		return option.None[string]()
	}
	return option.Some(requestID)
}
