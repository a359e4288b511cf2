// Package redislease provides a Redis-backed implementation of lease.Store.
// Leases map directly onto Redis keys with a TTL: SET with expiry acquires or
// refreshes, EXISTS answers liveness, DEL releases. Redis evicts the key on
// expiry, so a crashed writer needs no cleanup pass.
package redislease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/xifanezz/turnstream-go/lease"
)

// Config for the Redis-backed lease store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: LEASE_KEY_PREFIX
	KeyPrefix string `env:"LEASE_KEY_PREFIX,default=turnstream:"`
}

// Store implements lease.Store on a Redis client.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
}

// New creates a lease store on an existing Redis client.
func New(client redis.UniversalClient, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = "turnstream:"
	}
	return &Store{client: client, keyPrefix: keyPrefix}
}

// NewFromEnv dials Redis using envdecode-populated Config and verifies
// connectivity with a ping.
func NewFromEnv() (*Store, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	cl := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(cl, cfg.KeyPrefix), nil
}

func (s *Store) key(sessionID string) string {
	return s.keyPrefix + lease.Key(sessionID)
}

func (s *Store) AcquireOrRefresh(ctx context.Context, sessionID, owner string, ttl time.Duration) error {
	// Plain SET, not SET NX: re-acquiring a held lease is an idempotent
	// heartbeat that extends the expiry. The value records the owner so
	// Release can fence against a successor's lease.
	if err := s.client.Set(ctx, s.key(sessionID), owner, ttl).Err(); err != nil {
		return fmt.Errorf("lease acquire %s: %w", sessionID, err)
	}
	return nil
}

func (s *Store) IsLive(ctx context.Context, sessionID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("lease check %s: %w", sessionID, err)
	}
	return n > 0, nil
}

// releaseScript deletes the lease only when the stored owner matches, so a
// slow wind-down cannot delete a lease a successor already re-acquired.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func (s *Store) Release(ctx context.Context, sessionID, owner string) error {
	if owner == "" {
		if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
			return fmt.Errorf("lease release %s: %w", sessionID, err)
		}
		return nil
	}
	if err := releaseScript.Run(ctx, s.client, []string{s.key(sessionID)}, owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("lease release %s: %w", sessionID, err)
	}
	return nil
}

var _ lease.Store = (*Store)(nil)
