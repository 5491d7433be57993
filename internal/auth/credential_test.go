// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"fmt"
	"testing"

	"github.com/sapcc/go-bits/assert"
	"github.com/sapcc/go-bits/must"
)

func TestAdminCredential(t *testing.T) {
	fetchCount := 0
	c := NewAdminCredential(func(ctx context.Context) (string, error) {
		fetchCount++
		return fmt.Sprintf("token-%d", fetchCount), nil
	})
	ctx := context.Background()

	token := must.ReturnT(c.Get(ctx))(t)
	assert.DeepEqual(t, "first token", token, "token-1")
	token = must.ReturnT(c.Get(ctx))(t)
	assert.DeepEqual(t, "cached token", token, "token-1")

	c.Invalidate("token-1")
	token = must.ReturnT(c.Get(ctx))(t)
	assert.DeepEqual(t, "refreshed token", token, "token-2")

	// invalidating a token that was already replaced does nothing
	c.Invalidate("token-1")
	token = must.ReturnT(c.Get(ctx))(t)
	assert.DeepEqual(t, "current token", token, "token-2")
	assert.DeepEqual(t, "number of fetches", fetchCount, 2)
}
