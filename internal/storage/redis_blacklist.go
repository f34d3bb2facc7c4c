package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const jtiKeyPrefix = "revoked:jwt:"

// RedisBlacklist is a JTIBlacklist backed by Redis. Entries expire with the
// token they revoke, so the set never needs sweeping.
type RedisBlacklist struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisBlacklist creates a redis-backed JTI blacklist.
func NewRedisBlacklist(client *redis.Client, logger *zap.Logger) *RedisBlacklist {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBlacklist{client: client, logger: logger}
}

// BlacklistJTI marks a token identifier revoked until expiresAt. Tokens that
// have already expired need no entry.
func (b *RedisBlacklist) BlacklistJTI(ctx context.Context, jti string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	if err := b.client.Set(ctx, jtiKeyPrefix+jti, "1", ttl).Err(); err != nil {
		return fmt.Errorf("blacklist jti: %w", err)
	}
	b.logger.Debug("jti blacklisted",
		zap.String("jti", jti),
		zap.Duration("ttl", ttl))
	return nil
}

// IsJTIBlacklisted reports whether the token identifier has been revoked.
func (b *RedisBlacklist) IsJTIBlacklisted(ctx context.Context, jti string) (bool, error) {
	n, err := b.client.Exists(ctx, jtiKeyPrefix+jti).Result()
	if err != nil {
		return false, fmt.Errorf("check jti blacklist: %w", err)
	}
	return n > 0, nil
}

// Close releases the underlying connection.
func (b *RedisBlacklist) Close() error {
	return b.client.Close()
}
