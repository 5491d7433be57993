// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package gatewaycmd

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/httpext"
	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/must"
	"github.com/sapcc/go-bits/osext"
	"github.com/spf13/cobra"

	"github.com/sapcc/lunrgate/internal/auth"
	"github.com/sapcc/lunrgate/internal/logthrottle"
	"github.com/sapcc/lunrgate/internal/lunr"
)

// AddCommandTo mounts this command into the command hierarchy.
func AddCommandTo(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run the authenticating gateway in front of the Lunr API.",
		Long:  "Run the authenticating gateway in front of the Lunr API. Configuration is read from the LUNRGATE_* environment variables: LUNRGATE_IDENTITY_URL, LUNRGATE_IDENTITY_USERNAME, LUNRGATE_IDENTITY_PASSWORD and LUNRGATE_UPSTREAM_URL are required.",
		Args:  cobra.NoArgs,
		Run:   run,
	}
	parent.AddCommand(cmd)
}

func run(cmd *cobra.Command, args []string) {
	lunr.SetTaskName("gateway")

	cfg := lunr.ParseGatewayConfiguration()
	ctx := httpext.ContextWithSIGINT(cmd.Context(), 10*time.Second)
	rc := must.Return(initRedis())

	log := logthrottle.New(cfg.LogThrottleBurst, cfg.LogThrottleWindow)
	ic := auth.NewIdentityClient(cfg.IdentityURL, cfg.IdentityUserName, cfg.IdentityPassword, log)

	serveMux := http.NewServeMux()
	serveMux.Handle("/", NewHandler(ctx, cfg, rc, ic, log))
	serveMux.Handle("/metrics", promhttp.Handler())

	logg.Info("forwarding authenticated requests to %s", cfg.UpstreamURL.String())
	must.Succeed(httpext.ListenAndServeContext(ctx, cfg.ListenAddress, serveMux))
}

// Note that, since Redis is optional, this may return (nil, nil).
func initRedis() (*redis.Client, error) {
	if !osext.GetenvBool("LUNRGATE_REDIS_ENABLE") {
		return nil, nil
	}
	logg.Debug("initializing Redis connection...")

	opts, err := lunr.GetRedisOptions("LUNRGATE_REDIS")
	if err != nil {
		return nil, fmt.Errorf("cannot parse Redis URL: %s", err.Error())
	}
	return redis.NewClient(opts), nil
}

// NewHandler builds the HTTP handler for the gateway. The Redis client is
// optional: without it, validated tokens are not cached and lookups are not
// rate-limited.
func NewHandler(ctx context.Context, cfg lunr.GatewayConfiguration, rc *redis.Client, validator auth.TokenValidator, log *logthrottle.Throttler) http.Handler {
	gw := &auth.Gateway{
		Validator: validator,
		Cache:     auth.NoTokenCache{},
		Log:       log,
		Next:      httputil.NewSingleHostReverseProxy(cfg.UpstreamURL),
	}
	if rc != nil {
		gw.Cache = auth.NewRedisTokenCache(rc, cfg.TokenCacheTTL, log)
		if cfg.IdentityLookupLimit != nil {
			gw.Limiter = redis_rate.NewLimiter(rc)
			gw.LookupLimit = cfg.IdentityLookupLimit
		}
	}

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"HEAD", "GET", "POST", "PUT", "DELETE"},
		AllowedHeaders: []string{"Content-Type", "User-Agent", "X-Auth-Token", "X-Request-Id"},
	})
	return httpapi.Compose(
		httpapi.HealthCheckAPI{
			SkipRequestLog: true,
			Check: func() error {
				if rc == nil {
					return nil
				}
				return rc.Ping(ctx).Err()
			},
		},
		httpapi.WithGlobalMiddleware(corsMiddleware.Handler),
		// This needs to be at the end because it is the fallback match for all
		// paths that are not otherwise defined.
		gatewayAPI{gw},
	)
}

// gatewayAPI is an httpapi.API that sends all requests through the auth.Gateway.
type gatewayAPI struct {
	gateway *auth.Gateway
}

// AddTo implements the httpapi.API interface.
func (a gatewayAPI) AddTo(r *mux.Router) {
	r.PathPrefix("/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpapi.IdentifyEndpoint(r, "/:account/*")
		a.gateway.ServeHTTP(w, r)
	})
}
