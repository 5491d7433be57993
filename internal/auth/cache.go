// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/majewsky/gg/option"
	"github.com/redis/go-redis/v9"

	"github.com/sapcc/lunrgate/internal/logthrottle"
)

// TokenCache stores validated tokens. Implementations are used
// opportunistically: any failure to read or write the cache behaves like a
// cache miss.
type TokenCache interface {
	Get(ctx context.Context, token string) option.Option[TokenInfo]
	Set(ctx context.Context, token string, info TokenInfo)
}

// NoTokenCache is a TokenCache that never remembers anything.
type NoTokenCache struct{}

// Get implements the TokenCache interface.
func (NoTokenCache) Get(context.Context, string) option.Option[TokenInfo] {
	return option.None[TokenInfo]()
}

// Set implements the TokenCache interface.
func (NoTokenCache) Set(context.Context, string, TokenInfo) {}

// RedisTokenCache is a TokenCache that stores entries in Redis with a fixed TTL.
type RedisTokenCache struct {
	rc  *redis.Client
	ttl time.Duration
	log *logthrottle.Throttler
}

// NewRedisTokenCache builds a RedisTokenCache.
func NewRedisTokenCache(rc *redis.Client, ttl time.Duration, log *logthrottle.Throttler) *RedisTokenCache {
	return &RedisTokenCache{rc, ttl, log}
}

// Tokens are credentials, so they do not appear in Redis in plain text.
func hashCacheKey(token string) string {
	sha256Hash := sha256.Sum256([]byte(token))
	return "lunrgate-token-" + hex.EncodeToString(sha256Hash[:])
}

// Get implements the TokenCache interface.
func (c *RedisTokenCache) Get(ctx context.Context, token string) option.Option[TokenInfo] {
	payload, err := c.rc.Get(ctx, hashCacheKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return option.None[TokenInfo]()
	}
	if err != nil {
		c.log.Errorf("Redis Error: cannot retrieve token payload: %s", err.Error())
		return option.None[TokenInfo]()
	}

	var info TokenInfo
	err = json.Unmarshal(payload, &info)
	if err != nil {
		c.log.Errorf("Redis Error: cannot decode token payload: %s", err.Error())
		return option.None[TokenInfo]()
	}
	return option.Some(info)
}

// Set implements the TokenCache interface.
func (c *RedisTokenCache) Set(ctx context.Context, token string, info TokenInfo) {
	payload, err := json.Marshal(info)
	if err != nil {
		c.log.Errorf("cannot encode token payload: %s", err.Error())
		return
	}
	err = c.rc.Set(ctx, hashCacheKey(token), payload, c.ttl).Err()
	if err != nil {
		c.log.Errorf("Redis Error: cannot cache token payload: %s", err.Error())
	}
}
