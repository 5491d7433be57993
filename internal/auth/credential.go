// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"sync"
)

// AdminCredential holds the token that the gateway uses to authorize its own
// requests to the identity service. The token is obtained lazily, and
// discarded when the identity service rejects it.
type AdminCredential struct {
	mu    sync.Mutex
	token string
	fetch func(ctx context.Context) (string, error)
}

// NewAdminCredential builds an AdminCredential that obtains tokens with the given function.
func NewAdminCredential(fetch func(ctx context.Context) (string, error)) *AdminCredential {
	return &AdminCredential{fetch: fetch}
}

// Get returns the current admin token, obtaining a new one if necessary.
// Concurrent callers wait for the same login instead of logging in twice.
func (c *AdminCredential) Get(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		return c.token, nil
	}
	token, err := c.fetch(ctx)
	if err != nil {
		return "", err
	}
	c.token = token
	return token, nil
}

// Invalidate discards the given token if it is still the current one. If
// another caller already replaced it, the replacement is kept.
func (c *AdminCredential) Invalidate(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == token {
		c.token = ""
	}
}
