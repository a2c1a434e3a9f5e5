// Package presence records which users hold live relay connections. The
// store is shared between relay instances, so it is also where a future
// backplane would look up who is online.
package presence

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// redisClient is the subset of go-redis the store needs.
type redisClient interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	HLen(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// RedisStore keeps one hash per user, `relay:presence:{userID}`, mapping
// connection ids to the time they connected. The hash expires after ttl so
// a crashed relay does not leave users online forever.
type RedisStore struct {
	client redisClient
	ttl    time.Duration
	logger zerolog.Logger
}

func NewRedisStore(client redisClient, ttl time.Duration, logger zerolog.Logger) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	return &RedisStore{
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "redis_presence").Logger(),
	}, nil
}

func presenceKey(userID string) string {
	return "relay:presence:" + userID
}

func (s *RedisStore) Online(ctx context.Context, userID, connID string) error {
	key := presenceKey(userID)
	if err := s.client.HSet(ctx, key, connID, time.Now().UTC().Format(time.RFC3339)).Err(); err != nil {
		return errors.Wrapf(err, "hset %s", key)
	}
	if s.ttl > 0 {
		if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
			return errors.Wrapf(err, "expire %s", key)
		}
	}
	s.logger.Debug().Str("user_id", userID).Str("conn_id", connID).Msg("online")
	return nil
}

func (s *RedisStore) Offline(ctx context.Context, userID, connID string) error {
	key := presenceKey(userID)
	if err := s.client.HDel(ctx, key, connID).Err(); err != nil {
		return errors.Wrapf(err, "hdel %s", key)
	}
	return nil
}

// Touch extends the lifetime of userID's presence hash while a connection
// keeps answering liveness checks. A hash that already expired is written
// again.
func (s *RedisStore) Touch(ctx context.Context, userID, connID string) error {
	if s.ttl <= 0 {
		return nil
	}
	key := presenceKey(userID)
	ok, err := s.client.Expire(ctx, key, s.ttl).Result()
	if err != nil {
		return errors.Wrapf(err, "expire %s", key)
	}
	if !ok {
		return s.Online(ctx, userID, connID)
	}
	return nil
}

// Connections returns how many live connections userID holds.
func (s *RedisStore) Connections(ctx context.Context, userID string) (int64, error) {
	n, err := s.client.HLen(ctx, presenceKey(userID)).Result()
	if err != nil {
		return 0, errors.Wrap(err, "hlen")
	}
	return n, nil
}

// Noop is used when no Redis address is configured.
type Noop struct{}

func (Noop) Online(context.Context, string, string) error  { return nil }
func (Noop) Offline(context.Context, string, string) error { return nil }
func (Noop) Touch(context.Context, string, string) error   { return nil }
func (Noop) Connections(context.Context, string) (int64, error) {
	return 0, nil
}
