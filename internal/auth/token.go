// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"errors"
	"net/http"
	"strings"
)

// ErrInvalidToken is returned when the identity service does not know the
// token, or when the token belongs to a different tenant than requested.
var ErrInvalidToken = errors.New("invalid token")

// TokenInfo is what we know about a validated user token.
type TokenInfo struct {
	TenantID   string   `json:"tenant_id"`
	TenantName string   `json:"tenant_name"`
	UserID     string   `json:"user_id"`
	UserName   string   `json:"user_name"`
	Roles      []string `json:"roles"`
}

// BelongsTo checks whether this token is scoped to the given account, which
// may be given either as tenant ID or as tenant name.
func (t TokenInfo) BelongsTo(account string) bool {
	return account != "" && (account == t.TenantID || account == t.TenantName)
}

// identityHeaders are set on requests that passed through the Gateway.
var identityHeaders = []string{
	"X-Identity-Status",
	"X-Tenant-Id",
	"X-Tenant-Name",
	"X-User-Id",
	"X-User-Name",
	"X-Role",
}

// ApplyTo writes the identity headers for this token into the given header set.
func (t TokenInfo) ApplyTo(hdr http.Header) {
	hdr.Set("X-Identity-Status", "Confirmed")
	hdr.Set("X-Tenant-Id", t.TenantID)
	hdr.Set("X-Tenant-Name", t.TenantName)
	hdr.Set("X-User-Id", t.UserID)
	hdr.Set("X-User-Name", t.UserName)
	hdr.Set("X-Role", strings.Join(t.Roles, ","))
}

// lookupResponse is the body of GET /v2.0/tokens/:token.
type lookupResponse struct {
	Access struct {
		Token struct {
			Tenant struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"tenant"`
		} `json:"token"`
		User struct {
			ID    string `json:"id"`
			Name  string `json:"name"`
			Roles []struct {
				Name string `json:"name"`
			} `json:"roles"`
		} `json:"user"`
	} `json:"access"`
}

func (r lookupResponse) TokenInfo() TokenInfo {
	info := TokenInfo{
		TenantID:   r.Access.Token.Tenant.ID,
		TenantName: r.Access.Token.Tenant.Name,
		UserID:     r.Access.User.ID,
		UserName:   r.Access.User.Name,
		Roles:      make([]string, len(r.Access.User.Roles)),
	}
	for idx, role := range r.Access.User.Roles {
		info.Roles[idx] = role.Name
	}
	return info
}
