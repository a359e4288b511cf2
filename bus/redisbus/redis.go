// Package redisbus provides a Redis pub/sub implementation of bus.Bus.
// Signals are JSON-encoded onto one channel per session, which matches the
// fire-and-forget contract exactly: Redis pub/sub delivers to current
// subscribers only and persists nothing.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/xifanezz/turnstream-go/bus"
)

// Config for the Redis-backed bus. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// ChannelPrefix for all pub/sub channels. ENV: BUS_CHANNEL_PREFIX
	ChannelPrefix string `env:"BUS_CHANNEL_PREFIX,default=turnstream:"`
}

// Bus implements bus.Bus on a Redis client.
type Bus struct {
	client        redis.UniversalClient
	channelPrefix string
	log           *slog.Logger
}

// Option configures the Bus.
type Option func(*Bus)

// WithLogger sets the slog logger used for subscription diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.log = l }
}

// New creates a bus on an existing Redis client.
func New(client redis.UniversalClient, channelPrefix string, opts ...Option) *Bus {
	if channelPrefix == "" {
		channelPrefix = "turnstream:"
	}
	b := &Bus{client: client, channelPrefix: channelPrefix, log: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewFromEnv dials Redis using envdecode-populated Config and verifies
// connectivity with a ping.
func NewFromEnv(opts ...Option) (*Bus, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	cl := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(cl, cfg.ChannelPrefix, opts...), nil
}

func (b *Bus) channel(sessionID string) string {
	return b.channelPrefix + bus.ChannelKey(sessionID)
}

func (b *Bus) Publish(ctx context.Context, sessionID string, sig bus.Signal) error {
	payload, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(sessionID), payload).Err(); err != nil {
		return fmt.Errorf("publish signal %s: %w", sessionID, err)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, sessionID string, handler bus.HandlerFunc) (func(), error) {
	ps := b.client.Subscribe(ctx, b.channel(sessionID))

	// Wait for the subscription confirmation so that signals published after
	// Subscribe returns are guaranteed to reach this handler.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", sessionID, err)
	}

	msgs := ps.Channel()
	go func() {
		for msg := range msgs {
			var sig bus.Signal
			if err := json.Unmarshal([]byte(msg.Payload), &sig); err != nil {
				b.log.WarnContext(ctx, "bus.signal.decode_fail", slog.String("err", err.Error()))
				continue
			}
			handler(ctx, sig)
		}
	}()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() { _ = ps.Close() })
	}
	return unsubscribe, nil
}

var _ bus.Bus = (*Bus)(nil)
