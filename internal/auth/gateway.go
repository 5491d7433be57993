// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-redis/redis_rate/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sapcc/go-bits/errext"

	"github.com/sapcc/lunrgate/internal/logthrottle"
)

// GatewayDecisionsCounter is a prometheus.CounterVec.
var GatewayDecisionsCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "lunrgate_gateway_decisions",
		Help: "Counts requests handled by the auth gateway, by outcome.",
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(GatewayDecisionsCounter)
}

// TokenValidator is the part of IdentityClient that the Gateway needs.
type TokenValidator interface {
	LookupToken(ctx context.Context, token, account string) (TokenInfo, error)
}

// Gateway is a http.Handler that only lets requests through to the next
// handler if they carry a valid token for the account named in the first
// path segment.
type Gateway struct {
	Validator TokenValidator
	Cache     TokenCache
	Log       *logthrottle.Throttler
	Next      http.Handler

	// optional: limits how often tokens of a single account are looked up in the identity service
	Limiter     *redis_rate.Limiter
	LookupLimit *redis_rate.Limit
}

// ServeHTTP implements the http.Handler interface.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// do not trust identity headers supplied by the client
	for _, key := range identityHeaders {
		r.Header.Del(key)
	}

	account, _, _ := strings.Cut(strings.TrimLeft(r.URL.Path, "/"), "/")
	g.Log.Debugf("account: %q", account)
	if account == "" {
		g.Log.Debugf("unable to pull account from request path %q", r.URL.Path)
		g.reject(w, "no-account", http.StatusNotFound)
		return
	}

	token := r.Header.Get("X-Auth-Token")
	if token == "" {
		g.Log.Debugf("unable to pull token from request headers")
		g.reject(w, "no-token", http.StatusUnauthorized)
		return
	}

	info, result, err := g.validate(r.Context(), token, account)
	if rlerr, ok := errext.As[rateLimitedError](err); ok {
		w.Header().Set("Retry-After", strconv.Itoa(rlerr.RetryAfter))
		g.reject(w, "rate-limited", http.StatusTooManyRequests)
		return
	}
	switch {
	case errors.Is(err, ErrInvalidToken):
		g.Log.Infof("Invalid token")
		g.reject(w, "invalid-token", http.StatusUnauthorized)
		return
	case err != nil:
		g.Log.Errorf("Unable to validate token: %s", err.Error())
		g.reject(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	g.Log.Infof("Token valid")
	GatewayDecisionsCounter.With(prometheus.Labels{"result": result}).Inc()
	info.ApplyTo(r.Header)
	g.Next.ServeHTTP(w, r)
}

func (g *Gateway) reject(w http.ResponseWriter, result string, status int) {
	GatewayDecisionsCounter.With(prometheus.Labels{"result": result}).Inc()
	http.Error(w, http.StatusText(status), status)
}

// validate returns the TokenInfo for the token, and whether it came from the
// cache ("cache-hit") or from the identity service ("accepted").
func (g *Gateway) validate(ctx context.Context, token, account string) (TokenInfo, string, error) {
	if info, ok := g.Cache.Get(ctx, token).Unpack(); ok {
		// a cache hit for another account must not grant access to this one
		if !info.BelongsTo(account) {
			return TokenInfo{}, "", ErrInvalidToken
		}
		return info, "cache-hit", nil
	}

	err := g.checkLookupLimit(ctx, account)
	if err != nil {
		return TokenInfo{}, "", err
	}
	info, err := g.Validator.LookupToken(ctx, token, account)
	if err != nil {
		return TokenInfo{}, "", err
	}
	if !info.BelongsTo(account) {
		return TokenInfo{}, "", ErrInvalidToken
	}
	g.Cache.Set(ctx, token, info)
	return info, "accepted", nil
}

func (g *Gateway) checkLookupLimit(ctx context.Context, account string) error {
	if g.Limiter == nil || g.LookupLimit == nil {
		return nil
	}
	result, err := g.Limiter.Allow(ctx, "lunrgate-ratelimit-lookups-"+account, *g.LookupLimit)
	if err != nil {
		// the limiter is as opportunistic as the token cache
		g.Log.Errorf("Redis Error: cannot check rate limit: %s", err.Error())
		return nil
	}
	if result.Allowed <= 0 {
		return rateLimitedError{RetryAfter: max(0, int(math.Ceil(result.RetryAfter.Seconds())))}
	}
	return nil
}

type rateLimitedError struct {
	RetryAfter int
}

func (e rateLimitedError) Error() string {
	return "too many token lookups, retry after " + strconv.Itoa(e.RetryAfter) + " seconds"
}
