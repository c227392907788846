package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	revokedTokenPrefix = "auth:revoked:jti:"
	revokedUserPrefix  = "auth:revoked:user:"
)

// raiseWatermark stores ARGV[1] only if it is later than the current value.
var raiseWatermark = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return 1
`)

// RevocationStore implements repository.RevocationStore using Redis.
type RevocationStore struct {
	client *redis.Client
}

// NewRevocationStore creates a new Redis-backed revocation store.
func NewRevocationStore(client *redis.Client) *RevocationStore {
	return &RevocationStore{client: client}
}

// Revoke marks jti revoked for ttl. Only the first caller gets true.
func (s *RevocationStore) Revoke(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = time.Second
	}
	ok, err := s.client.SetNX(ctx, revokedTokenPrefix+jti, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis revoke token: %w", err)
	}
	return ok, nil
}

// IsRevoked reports whether jti has been revoked.
func (s *RevocationStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := s.client.Exists(ctx, revokedTokenPrefix+jti).Result()
	if err != nil {
		return false, fmt.Errorf("redis check revoked token: %w", err)
	}
	return n > 0, nil
}

// RevokeUser raises the per-user watermark to at. It never moves it back.
func (s *RevocationStore) RevokeUser(ctx context.Context, userID string, at time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Second
	}
	err := raiseWatermark.Run(ctx, s.client,
		[]string{revokedUserPrefix + userID},
		at.UnixNano(), ttl.Milliseconds(),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis revoke user: %w", err)
	}
	return nil
}

// UserRevokedAt returns the watermark for userID, or the zero time.
func (s *RevocationStore) UserRevokedAt(ctx context.Context, userID string) (time.Time, error) {
	v, err := s.client.Get(ctx, revokedUserPrefix+userID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("redis get user watermark: %w", err)
	}
	ns, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse user watermark: %w", err)
	}
	return time.Unix(0, ns).UTC(), nil
}
