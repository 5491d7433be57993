// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/sapcc/go-bits/respondwith"
)

// IdentityHost is the host name under which tests reach the IdentityService.
const IdentityHost = "identity.example.com"

// IdentityURL is the base URL of the IdentityService.
const IdentityURL = "http://" + IdentityHost

// Credentials of the admin user that IdentityService accepts.
const (
	AdminUserName = "lunrgate"
	AdminPassword = "swordfish"
)

// UserToken describes a token known to the IdentityService.
type UserToken struct {
	TenantID   string
	TenantName string
	UserID     string
	UserName   string
	Roles      []string
}

// IdentityService is a mock of the v2.0 token API of an identity service.
type IdentityService struct {
	mu             sync.Mutex
	tokens         map[string]UserToken
	adminToken     string
	adminGen       int
	failures       []int
	lookupFailure  int
	LoginCount     int
	LookupCount    int
	LastAdminToken string // as seen on the most recent lookup
	router         http.Handler
}

// NewIdentityService builds an IdentityService that knows no user tokens yet.
func NewIdentityService() *IdentityService {
	s := &IdentityService{tokens: make(map[string]UserToken)}
	s.rotateAdminToken()

	r := mux.NewRouter()
	r.Methods("POST").Path("/v2.0/tokens").HandlerFunc(s.handleLogin)
	r.Methods("GET").Path("/v2.0/tokens/{token}").HandlerFunc(s.handleLookup)
	s.router = r
	return s
}

// AddToken makes a user token known to the IdentityService.
func (s *IdentityService) AddToken(token string, info UserToken) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = info
}

// RevokeToken forgets about a user token.
func (s *IdentityService) RevokeToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
}

// ExpireAdminToken invalidates the admin token that was issued most recently.
// The next login will issue a different one.
func (s *IdentityService) ExpireAdminToken() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotateAdminToken()
}

func (s *IdentityService) rotateAdminToken() {
	s.adminGen++
	s.adminToken = fmt.Sprintf("admin-token-%d", s.adminGen)
}

// FailNext makes the next requests fail with the given status codes, one per request.
func (s *IdentityService) FailNext(statusCodes ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, statusCodes...)
}

// FailLookupsWith makes all token lookups fail with the given status code
// while logins keep working. A status code of 0 restores normal operation.
func (s *IdentityService) FailLookupsWith(statusCode int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookupFailure = statusCode
}

// ServeHTTP implements the http.Handler interface.
func (s *IdentityService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if len(s.failures) > 0 {
		status := s.failures[0]
		s.failures = s.failures[1:]
		s.mu.Unlock()
		http.Error(w, http.StatusText(status), status)
		return
	}
	s.mu.Unlock()
	s.router.ServeHTTP(w, r)
}

func (s *IdentityService) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Auth struct {
			PasswordCredentials struct {
				UserName string `json:"username"`
				Password string `json:"password"`
			} `json:"passwordCredentials"`
		} `json:"auth"`
	}
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.LoginCount++
	creds := req.Auth.PasswordCredentials
	if creds.UserName != AdminUserName || creds.Password != AdminPassword {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	respondwith.JSON(w, http.StatusOK, map[string]any{
		"access": map[string]any{
			"token": map[string]any{"id": s.adminToken},
		},
	})
}

func (s *IdentityService) handleLookup(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LookupCount++
	s.LastAdminToken = r.Header.Get("X-Auth-Token")
	if s.lookupFailure != 0 {
		http.Error(w, http.StatusText(s.lookupFailure), s.lookupFailure)
		return
	}
	if s.LastAdminToken != s.adminToken {
		http.Error(w, "admin token expired", http.StatusUnauthorized)
		return
	}

	info, exists := s.tokens[mux.Vars(r)["token"]]
	belongsTo := r.URL.Query().Get("belongsTo")
	if !exists || (belongsTo != "" && belongsTo != info.TenantID && belongsTo != info.TenantName) {
		http.Error(w, "token not found", http.StatusNotFound)
		return
	}

	roles := make([]map[string]string, len(info.Roles))
	for idx, role := range info.Roles {
		roles[idx] = map[string]string{"name": role}
	}
	respondwith.JSON(w, http.StatusOK, map[string]any{
		"access": map[string]any{
			"token": map[string]any{
				"tenant": map[string]string{"id": info.TenantID, "name": info.TenantName},
			},
			"user": map[string]any{
				"id":    info.UserID,
				"name":  info.UserName,
				"roles": roles,
			},
		},
	})
}
