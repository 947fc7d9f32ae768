package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// DefaultSweepLockKey is the Redis key guarding the sweep.
const DefaultSweepLockKey = "conversation-router:sweep"

// releaseScript deletes the lock only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisSweepLock is a SweepLock backed by a Redis key with a TTL, so a
// crashed holder cannot block sweeps for longer than TTL.
type RedisSweepLock struct {
	Client *redis.Client
	Key    string
	TTL    time.Duration
}

// NewRedisSweepLock returns a lock on the default key.
func NewRedisSweepLock(client *redis.Client, ttl time.Duration) *RedisSweepLock {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisSweepLock{Client: client, Key: DefaultSweepLockKey, TTL: ttl}
}

// Acquire implements SweepLock.
func (l *RedisSweepLock) Acquire(ctx context.Context) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.Client.SetNX(ctx, l.Key, token, l.TTL).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	release := func() {
		// The sweep context may already be cancelled on shutdown.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.Client, []string{l.Key}, token).Err(); err != nil && err != redis.Nil {
			log.Warn().Err(err).Str("key", l.Key).Msg("release sweep lock")
		}
	}
	return release, true, nil
}
