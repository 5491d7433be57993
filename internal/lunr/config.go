// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package lunr

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
	"github.com/sapcc/go-api-declarations/bininfo"
	"github.com/sapcc/go-bits/errext"
	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/osext"
)

// DefaultBackendURL is where the Lunr API lives when LUNRGATE_BACKEND_URL is not set.
const DefaultBackendURL = "http://127.0.0.1:8080/v1.0"

// Configuration contains the configuration values for the backend client.
type Configuration struct {
	BackendURL string
	// zero means "no deadline"
	PollTimeout        time.Duration
	VolumeCloneEnabled bool
	CopyImageEnabled   bool
}

// GatewayConfiguration contains the configuration values for the auth gateway.
type GatewayConfiguration struct {
	IdentityURL      string
	IdentityUserName string
	IdentityPassword string
	UpstreamURL      *url.URL
	ListenAddress    string

	TokenCacheTTL       time.Duration
	LogThrottleBurst    int
	LogThrottleWindow   time.Duration
	IdentityLookupLimit *redis_rate.Limit // optional
}

// ParseConfiguration obtains a lunr.Configuration instance from the
// corresponding environment variables. Aborts on error.
func ParseConfiguration() Configuration {
	logg.Debug("parsing backend configuration...")

	var errs errext.ErrorSet
	cfg := Configuration{
		BackendURL:         osext.GetenvOrDefault("LUNRGATE_BACKEND_URL", DefaultBackendURL),
		PollTimeout:        parseDuration(&errs, "LUNRGATE_POLL_TIMEOUT", 0),
		VolumeCloneEnabled: parseBool(&errs, "LUNRGATE_VOLUME_CLONE_ENABLED", true),
		CopyImageEnabled:   parseBool(&errs, "LUNRGATE_COPY_IMAGE_ENABLED", true),
	}
	errs.LogFatalIfError()
	return cfg
}

// ParseGatewayConfiguration obtains a lunr.GatewayConfiguration instance
// from the corresponding environment variables. Aborts on error.
func ParseGatewayConfiguration() GatewayConfiguration {
	logg.Debug("parsing gateway configuration...")

	var errs errext.ErrorSet
	cfg := GatewayConfiguration{
		IdentityURL:       osext.MustGetenv("LUNRGATE_IDENTITY_URL"),
		IdentityUserName:  osext.MustGetenv("LUNRGATE_IDENTITY_USERNAME"),
		IdentityPassword:  osext.MustGetenv("LUNRGATE_IDENTITY_PASSWORD"),
		ListenAddress:     osext.GetenvOrDefault("LUNRGATE_LISTEN_ADDRESS", ":8080"),
		TokenCacheTTL:     parseDuration(&errs, "LUNRGATE_TOKEN_CACHE_TTL", 5*time.Minute),
		LogThrottleBurst:  parseInt(&errs, "LUNRGATE_LOG_THROTTLE_BURST", 5),
		LogThrottleWindow: parseDuration(&errs, "LUNRGATE_LOG_THROTTLE_WINDOW", 5*time.Second),
	}

	upstreamURL, err := url.Parse(osext.MustGetenv("LUNRGATE_UPSTREAM_URL"))
	if err == nil && (upstreamURL.Scheme == "" || upstreamURL.Host == "") {
		err = fmt.Errorf("%q is not an absolute URL", upstreamURL.String())
	}
	if err != nil {
		errs.Addf("malformed LUNRGATE_UPSTREAM_URL: %s", err.Error())
	}
	cfg.UpstreamURL = upstreamURL

	limit, err := ParseRateLimit(os.Getenv("LUNRGATE_RATELIMIT_IDENTITY_LOOKUPS"))
	if err != nil {
		errs.Addf("malformed LUNRGATE_RATELIMIT_IDENTITY_LOOKUPS: %s", err.Error())
	}
	if limit != nil {
		limit.Burst = parseInt(&errs, "LUNRGATE_BURST_IDENTITY_LOOKUPS", 5)
		cfg.IdentityLookupLimit = limit
	}

	errs.LogFatalIfError()
	return cfg
}

// GetRedisOptions returns a redis.Options by getting the required parameters
// from environment variables:
//
//	REDIS_PASSWORD, REDIS_HOSTNAME, REDIS_PORT, and REDIS_DB_NUM.
//
// The environment variable keys are prefixed with the provided prefix.
func GetRedisOptions(prefix string) (*redis.Options, error) {
	pass := os.Getenv(prefix + "_PASSWORD")
	host := osext.GetenvOrDefault(prefix+"_HOSTNAME", "localhost")
	port := osext.GetenvOrDefault(prefix+"_PORT", "6379")
	dbNum := osext.GetenvOrDefault(prefix+"_DB_NUM", "0")
	db, err := strconv.Atoi(dbNum)
	if err != nil {
		return nil, fmt.Errorf("invalid value for %s: %q", prefix+"_DB_NUM", dbNum)
	}

	return &redis.Options{
		Network:    "tcp",
		Password:   pass,
		Addr:       net.JoinHostPort(host, port),
		ClientName: bininfo.Component(),
		DB:         db,
	}, nil
}

var rateLimitRx = regexp.MustCompile(`^\s*([0-9]+)\s*r/([smh])\s*$`)

var limitConstructors = map[string]func(int) redis_rate.Limit{
	"s": redis_rate.PerSecond,
	"m": redis_rate.PerMinute,
	"h": redis_rate.PerHour,
}

// ParseRateLimit parses a rate limit like "10r/s" or "600r/m". An empty
// string yields a nil limit.
func ParseRateLimit(in string) (*redis_rate.Limit, error) {
	if in == "" {
		return nil, nil
	}
	match := rateLimitRx.FindStringSubmatch(in)
	if match == nil {
		return nil, fmt.Errorf("expected a value like \"10r/s\", got %q", in)
	}
	count, err := strconv.ParseUint(match[1], 10, 32)
	if err != nil {
		return nil, err
	}
	limit := limitConstructors[match[2]](int(count))
	return &limit, nil
}

func parseDuration(errs *errext.ErrorSet, key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		errs.Addf("malformed %s: %s", key, err.Error())
		return defaultValue
	}
	return d
}

func parseInt(errs *errext.ErrorSet, key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(val)
	if err != nil || i < 0 {
		errs.Addf("malformed %s: %q", key, val)
		return defaultValue
	}
	return i
}

func parseBool(errs *errext.ErrorSet, key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		errs.Addf("malformed %s: %q", key, val)
		return defaultValue
	}
	return b
}
