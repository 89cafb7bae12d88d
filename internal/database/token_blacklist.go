package database

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

func blacklistKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return CacheKeyTokenBlacklist + hex.EncodeToString(sum[:])
}

// BlacklistToken revokes a token until it would have expired anyway
func BlacklistToken(ctx context.Context, cache Cache, token string, ttl time.Duration) error {
	return cache.Set(ctx, blacklistKey(token), true, ttl)
}

// IsTokenBlacklisted reports whether a token was revoked (user logged out).
// Cache errors other than a miss are treated as revoked.
func IsTokenBlacklisted(ctx context.Context, cache Cache, token string) bool {
	var revoked bool
	err := cache.Get(ctx, blacklistKey(token), &revoked)
	if errors.Is(err, ErrCacheMiss) {
		return false
	}
	return err != nil || revoked
}
