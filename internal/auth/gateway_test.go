// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package auth_test

import (
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
	"github.com/sapcc/go-bits/assert"
	"github.com/sapcc/go-bits/respondwith"

	"github.com/sapcc/lunrgate/internal/auth"
	"github.com/sapcc/lunrgate/internal/logthrottle"
	"github.com/sapcc/lunrgate/internal/test"
)

type setup struct {
	Gateway  *auth.Gateway
	Identity *test.IdentityService
	Sleeper  *test.Sleeper
	Clock    *test.Clock
	Redis    *redis.Client
}

// echoHandler stands in for the protected application. It reports the identity headers that it received.
var echoHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	respondwith.JSON(w, http.StatusOK, map[string]string{
		"status":      r.Header.Get("X-Identity-Status"),
		"tenant_id":   r.Header.Get("X-Tenant-Id"),
		"tenant_name": r.Header.Get("X-Tenant-Name"),
		"user_id":     r.Header.Get("X-User-Id"),
		"roles":       r.Header.Get("X-Role"),
	})
})

func withSetup(t *testing.T, action func(setup)) {
	t.Helper()
	test.WithRoundTripper(func(tt *test.RoundTripper) {
		ids := test.NewIdentityService()
		ids.AddToken("token1", test.UserToken{
			TenantID:   "tenant1",
			TenantName: "Tenant One",
			UserID:     "user1",
			UserName:   "Alice",
			Roles:      []string{"admin", "member"},
		})
		ids.AddToken("token2", test.UserToken{
			TenantID:   "tenant1",
			TenantName: "Tenant One",
			UserID:     "user2",
			UserName:   "Bob",
			Roles:      []string{"member"},
		})
		tt.Handlers[test.IdentityHost] = ids

		mr := miniredis.RunT(t)
		rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		clock := &test.Clock{MiniRedis: mr}
		clock.StepBy(time.Hour)
		sleeper := &test.Sleeper{}
		log := logthrottle.New(logthrottle.DefaultBurst, logthrottle.DefaultWindow)

		ic := auth.NewIdentityClient(test.IdentityURL, test.AdminUserName, test.AdminPassword, log).
			OverrideSleeper(sleeper.Sleep)
		action(setup{
			Gateway: &auth.Gateway{
				Validator: ic,
				Cache:     auth.NewRedisTokenCache(rc, 5*time.Minute, log),
				Log:       log,
				Next:      echoHandler,
			},
			Identity: ids,
			Sleeper:  sleeper,
			Clock:    clock,
			Redis:    rc,
		})
	})
}

var expectedIdentity = assert.JSONObject{
	"status":      "Confirmed",
	"tenant_id":   "tenant1",
	"tenant_name": "Tenant One",
	"user_id":     "user1",
	"roles":       "admin,member",
}

func TestValidTokenIsForwarded(t *testing.T) {
	withSetup(t, func(s setup) {
		req := assert.HTTPRequest{
			Method: "GET",
			Path:   "/tenant1/volumes/vol1",
			Header: map[string]string{
				"X-Auth-Token": "token1",
				"X-Role":       "cloud_admin", // must not be passed through
			},
			ExpectStatus: http.StatusOK,
			ExpectBody:   expectedIdentity,
		}
		req.Check(t, s.Gateway)
		assert.DeepEqual(t, "number of logins", s.Identity.LoginCount, 1)
		assert.DeepEqual(t, "number of lookups", s.Identity.LookupCount, 1)
		assert.DeepEqual(t, "admin token used for lookup", s.Identity.LastAdminToken, "admin-token-1")

		// second request is served from the cache
		req.Check(t, s.Gateway)
		assert.DeepEqual(t, "number of lookups", s.Identity.LookupCount, 1)

		// the account may also be given by name
		req.Path = "/Tenant One/volumes"
		req.Check(t, s.Gateway)
	})
}

func TestCachedTokenIsReverifiedAgainstTenant(t *testing.T) {
	withSetup(t, func(s setup) {
		assert.HTTPRequest{
			Method:       "GET",
			Path:         "/tenant1/volumes",
			Header:       map[string]string{"X-Auth-Token": "token1"},
			ExpectStatus: http.StatusOK,
		}.Check(t, s.Gateway)

		// the token is cached now, but it does not belong to tenant2
		assert.HTTPRequest{
			Method:       "GET",
			Path:         "/tenant2/volumes",
			Header:       map[string]string{"X-Auth-Token": "token1"},
			ExpectStatus: http.StatusUnauthorized,
		}.Check(t, s.Gateway)
		assert.DeepEqual(t, "number of lookups", s.Identity.LookupCount, 1)
	})
}

func TestRejectsMalformedRequests(t *testing.T) {
	withSetup(t, func(s setup) {
		assert.HTTPRequest{
			Method:       "GET",
			Path:         "/",
			Header:       map[string]string{"X-Auth-Token": "token1"},
			ExpectStatus: http.StatusNotFound,
		}.Check(t, s.Gateway)

		assert.HTTPRequest{
			Method:       "GET",
			Path:         "/tenant1/volumes",
			ExpectStatus: http.StatusUnauthorized,
		}.Check(t, s.Gateway)

		assert.DeepEqual(t, "number of logins", s.Identity.LoginCount, 0)
	})
}

func TestUnknownTokenFailsFast(t *testing.T) {
	withSetup(t, func(s setup) {
		assert.HTTPRequest{
			Method:       "GET",
			Path:         "/tenant1/volumes",
			Header:       map[string]string{"X-Auth-Token": "bogus"},
			ExpectStatus: http.StatusUnauthorized,
		}.Check(t, s.Gateway)

		assert.DeepEqual(t, "number of lookups", s.Identity.LookupCount, 1)
		assert.DeepEqual(t, "sleeps", s.Sleeper.Recorded(), []time.Duration(nil))

		// the admin token is still good
		assert.HTTPRequest{
			Method:       "GET",
			Path:         "/tenant1/volumes",
			Header:       map[string]string{"X-Auth-Token": "token1"},
			ExpectStatus: http.StatusOK,
		}.Check(t, s.Gateway)
		assert.DeepEqual(t, "number of logins", s.Identity.LoginCount, 1)
	})
}

func TestExpiredAdminTokenIsRefreshed(t *testing.T) {
	withSetup(t, func(s setup) {
		assert.HTTPRequest{
			Method:       "GET",
			Path:         "/tenant1/volumes",
			Header:       map[string]string{"X-Auth-Token": "token1"},
			ExpectStatus: http.StatusOK,
		}.Check(t, s.Gateway)

		s.Identity.ExpireAdminToken()

		// token2 is not cached, so it needs a lookup, which fails with 401 at first
		assert.HTTPRequest{
			Method:       "GET",
			Path:         "/tenant1/volumes",
			Header:       map[string]string{"X-Auth-Token": "token2"},
			ExpectStatus: http.StatusOK,
		}.Check(t, s.Gateway)

		assert.DeepEqual(t, "number of logins", s.Identity.LoginCount, 2)
		assert.DeepEqual(t, "number of lookups", s.Identity.LookupCount, 3)
		assert.DeepEqual(t, "admin token used for lookup", s.Identity.LastAdminToken, "admin-token-2")
		assert.DeepEqual(t, "sleeps", s.Sleeper.Recorded(), []time.Duration{2 * time.Second})
	})
}

func TestIdentityServiceFailure(t *testing.T) {
	withSetup(t, func(s setup) {
		assert.HTTPRequest{
			Method:       "GET",
			Path:         "/tenant1/volumes",
			Header:       map[string]string{"X-Auth-Token": "token1"},
			ExpectStatus: http.StatusOK,
		}.Check(t, s.Gateway)

		// all three attempts fail
		s.Identity.FailNext(http.StatusInternalServerError, http.StatusBadGateway, http.StatusInternalServerError)
		assert.HTTPRequest{
			Method:       "GET",
			Path:         "/tenant1/volumes",
			Header:       map[string]string{"X-Auth-Token": "token2"},
			ExpectStatus: http.StatusServiceUnavailable,
		}.Check(t, s.Gateway)
		assert.DeepEqual(t, "sleeps", s.Sleeper.Recorded(), []time.Duration{2 * time.Second, 4 * time.Second})

		// after exhausting all attempts, the admin token was discarded
		assert.HTTPRequest{
			Method:       "GET",
			Path:         "/tenant1/volumes",
			Header:       map[string]string{"X-Auth-Token": "token2"},
			ExpectStatus: http.StatusOK,
		}.Check(t, s.Gateway)
		assert.DeepEqual(t, "number of logins", s.Identity.LoginCount, 2)
	})
}

func TestIdentityServiceUnreachable(t *testing.T) {
	test.WithRoundTripper(func(tt *test.RoundTripper) {
		tt.Failures[test.IdentityHost] = test.ErrConnectionRefused
		sleeper := &test.Sleeper{}
		log := logthrottle.New(logthrottle.DefaultBurst, logthrottle.DefaultWindow)
		gw := &auth.Gateway{
			Validator: auth.NewIdentityClient(test.IdentityURL, test.AdminUserName, test.AdminPassword, log).
				OverrideSleeper(sleeper.Sleep),
			Cache: auth.NoTokenCache{},
			Log:   log,
			Next:  echoHandler,
		}

		assert.HTTPRequest{
			Method:       "GET",
			Path:         "/tenant1/volumes",
			Header:       map[string]string{"X-Auth-Token": "token1"},
			ExpectStatus: http.StatusServiceUnavailable,
		}.Check(t, gw)

		// only the login was retried; the lookup gives up once the login has failed
		assert.DeepEqual(t, "sleeps", sleeper.Recorded(), []time.Duration{2 * time.Second, 4 * time.Second})
	})
}

func TestIdentityLookupRateLimit(t *testing.T) {
	withSetup(t, func(s setup) {
		s.Gateway.Limiter = redis_rate.NewLimiter(s.Redis)
		s.Gateway.LookupLimit = &redis_rate.Limit{Rate: 1, Period: time.Minute, Burst: 1}

		assert.HTTPRequest{
			Method:       "GET",
			Path:         "/tenant1/volumes",
			Header:       map[string]string{"X-Auth-Token": "token1"},
			ExpectStatus: http.StatusOK,
		}.Check(t, s.Gateway)

		// cache hits do not count against the limit
		assert.HTTPRequest{
			Method:       "GET",
			Path:         "/tenant1/volumes",
			Header:       map[string]string{"X-Auth-Token": "token1"},
			ExpectStatus: http.StatusOK,
		}.Check(t, s.Gateway)

		// but another lookup for the same tenant does
		assert.HTTPRequest{
			Method:       "GET",
			Path:         "/tenant1/volumes",
			Header:       map[string]string{"X-Auth-Token": "token2"},
			ExpectStatus: http.StatusTooManyRequests,
			ExpectHeader: map[string]string{"Retry-After": "60"},
		}.Check(t, s.Gateway)
		assert.DeepEqual(t, "number of lookups", s.Identity.LookupCount, 1)

		s.Clock.StepBy(time.Minute)
		assert.HTTPRequest{
			Method:       "GET",
			Path:         "/tenant1/volumes",
			Header:       map[string]string{"X-Auth-Token": "token2"},
			ExpectStatus: http.StatusOK,
		}.Check(t, s.Gateway)
	})
}

func TestFailureLogsAreThrottledAndRedacted(t *testing.T) {
	test.WithRoundTripper(func(tt *test.RoundTripper) {
		ids := test.NewIdentityService()
		ids.FailLookupsWith(http.StatusBadGateway)
		tt.Handlers[test.IdentityHost] = ids

		var lines []string
		clock := &test.Clock{}
		log := logthrottle.New(2, time.Minute).
			OverrideTimeNow(clock.Now).
			OverrideSink(func(severity, message string) {
				lines = append(lines, severity+": "+message)
			})
		sleeper := &test.Sleeper{}
		gw := &auth.Gateway{
			Validator: auth.NewIdentityClient(test.IdentityURL, test.AdminUserName, test.AdminPassword, log).
				OverrideSleeper(sleeper.Sleep),
			Cache: auth.NoTokenCache{},
			Log:   log,
			Next:  echoHandler,
		}

		for idx := range 20 {
			assert.HTTPRequest{
				Method:       "GET",
				Path:         "/tenant1/volumes",
				Header:       map[string]string{"X-Auth-Token": fmt.Sprintf("secret-user-token-%d", idx)},
				ExpectStatus: http.StatusServiceUnavailable,
			}.Check(t, gw)
		}

		// every request fails the same way, so the log must not grow with the number of requests
		attempt1 := "ERROR: failed lookup request to identity service, attempt 1 of 3: unexpected status 502"
		attempt2 := "ERROR: failed lookup request to identity service, attempt 2 of 3: unexpected status 502"
		final := "ERROR: Unable to validate token: lookup request to identity service failed after 3 attempts: unexpected status 502"
		notice := " - too many messages, throttling for 60 more seconds"
		assert.DeepEqual(t, "log lines", lines, []string{
			attempt1, attempt2, final,
			attempt1, attempt2, final,
			attempt1 + notice, attempt2 + notice, final + notice,
		})
		for _, line := range lines {
			if strings.Contains(line, "secret-user-token") {
				t.Errorf("user token leaked into log line: %q", line)
			}
		}
	})
}

func TestTransportFailureLogsAreRedacted(t *testing.T) {
	test.WithRoundTripper(func(tt *test.RoundTripper) {
		ids := test.NewIdentityService()
		tt.Handlers[test.IdentityHost] = ids

		var lines []string
		log := logthrottle.New(logthrottle.DefaultBurst, logthrottle.DefaultWindow).
			OverrideSink(func(severity, message string) {
				lines = append(lines, severity+": "+message)
			})
		ic := auth.NewIdentityClient(test.IdentityURL, test.AdminUserName, test.AdminPassword, log).
			OverrideSleeper((&test.Sleeper{}).Sleep)

		// obtain the admin token while the identity service is still reachable
		_, err := ic.Credential.Get(t.Context())
		if err != nil {
			t.Fatal(err.Error())
		}

		tt.Failures[test.IdentityHost] = test.ErrConnectionRefused
		_, err = ic.LookupToken(t.Context(), "secret-user-token", "tenant1")
		if err == nil {
			t.Fatal("expected lookup to fail, but it succeeded")
		}
		if strings.Contains(err.Error(), "secret-user-token") {
			t.Errorf("user token leaked into error: %q", err.Error())
		}
		assert.DeepEqual(t, "log lines", lines, []string{
			"ERROR: failed lookup request to identity service, attempt 1 of 3: connection refused",
			"ERROR: failed lookup request to identity service, attempt 2 of 3: connection refused",
		})
	})
}
