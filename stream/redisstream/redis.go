// Package redisstream provides a Redis-backed implementation of
// stream.Registry using Redis Streams. Chunks are XADDed to one stream per
// session; readers replay with XRANGE from the epoch start and poll for the
// tail. Writer exclusivity is a claim key set with NX and a short TTL that is
// refreshed on every append, so a crashed writer's claim clears itself.
// Terminated epochs expire after a retention window instead of being deleted
// eagerly, which keeps reconnect-after-completion replays working.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/xifanezz/turnstream-go/stream"
)

const (
	fieldKind  = "k"
	fieldData  = "d"
	fieldEpoch = "e"
	kindBegin  = "begin"
	kindChunk  = "chunk"
	kindFinish = "finish"
	kindFail   = "fail"
)

// Config for the Redis-backed registry. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: STREAM_KEY_PREFIX
	KeyPrefix string `env:"STREAM_KEY_PREFIX,default=turnstream:"`
	// ClaimTTL bounds how long a crashed writer blocks a new epoch. ENV: STREAM_CLAIM_TTL
	ClaimTTL time.Duration `env:"STREAM_CLAIM_TTL,default=30s"`
	// Retention keeps terminated epochs readable for reconnects. ENV: STREAM_RETENTION
	Retention time.Duration `env:"STREAM_RETENTION,default=5m"`
	// PollInterval paces tail reads. ENV: STREAM_POLL_INTERVAL
	PollInterval time.Duration `env:"STREAM_POLL_INTERVAL,default=150ms"`
}

func (c Config) withDefaults() Config {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "turnstream:"
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 30 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 150 * time.Millisecond
	}
	return c
}

// Registry implements stream.Registry on a Redis client.
type Registry struct {
	client redis.UniversalClient
	cfg    Config
}

// New creates a registry on an existing Redis client.
func New(client redis.UniversalClient, cfg Config) *Registry {
	return &Registry{client: client, cfg: cfg.withDefaults()}
}

// NewFromEnv dials Redis using envdecode-populated Config and verifies
// connectivity with a ping.
func NewFromEnv() (*Registry, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	cl := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(cl, cfg), nil
}

func (r *Registry) streamKey(sessionID string) string {
	return r.cfg.KeyPrefix + "stream:" + sessionID
}

func (r *Registry) writerKey(sessionID string) string {
	return r.cfg.KeyPrefix + "writer:" + sessionID
}

func (r *Registry) CreateWriter(ctx context.Context, sessionID string) (stream.Writer, error) {
	epochID := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.writerKey(sessionID), epochID, r.cfg.ClaimTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("claim writer %s: %w", sessionID, err)
	}
	if !ok {
		return nil, stream.ErrAlreadyWriting
	}

	// A fresh epoch replaces whatever terminated epoch was still buffered.
	key := r.streamKey(sessionID)
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return nil, fmt.Errorf("reset stream %s: %w", sessionID, err)
	}
	if err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]any{fieldKind: kindBegin, fieldData: epochID, fieldEpoch: epochID},
	}).Err(); err != nil {
		return nil, fmt.Errorf("begin epoch %s: %w", sessionID, err)
	}
	return &writer{r: r, sessionID: sessionID, epochID: epochID}, nil
}

func (r *Registry) AttachReader(ctx context.Context, sessionID string) (stream.Reader, error) {
	n, err := r.client.Exists(ctx, r.streamKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("attach %s: %w", sessionID, err)
	}
	if n == 0 {
		return nil, stream.ErrNotFound
	}
	return &reader{r: r, sessionID: sessionID, lastID: "0"}, nil
}

func (r *Registry) Delete(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, r.streamKey(sessionID), r.writerKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete stream %s: %w", sessionID, err)
	}
	return nil
}

type writer struct {
	r         *Registry
	sessionID string
	epochID   string
	closed    bool
}

func (w *writer) EpochID() string { return w.epochID }

// claimed verifies this writer still owns the epoch. The claim can be lost to
// TTL expiry (a stalled process) in which case further appends must not
// interleave with a successor epoch.
func (w *writer) claimed(ctx context.Context) error {
	if w.closed {
		return stream.ErrWriterClosed
	}
	val, err := w.r.client.Get(ctx, w.r.writerKey(w.sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return stream.ErrWriterClosed
	}
	if err != nil {
		return fmt.Errorf("check writer claim %s: %w", w.sessionID, err)
	}
	if val != w.epochID {
		return stream.ErrWriterClosed
	}
	return nil
}

func (w *writer) Write(ctx context.Context, data []byte) error {
	if err := w.claimed(ctx); err != nil {
		return err
	}
	if err := w.r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: w.r.streamKey(w.sessionID),
		Values: map[string]any{fieldKind: kindChunk, fieldData: data, fieldEpoch: w.epochID},
	}).Err(); err != nil {
		return fmt.Errorf("append %s: %w", w.sessionID, err)
	}
	w.r.client.PExpire(ctx, w.r.writerKey(w.sessionID), w.r.cfg.ClaimTTL)
	return nil
}

func (w *writer) Finish(ctx context.Context) error {
	return w.terminate(ctx, kindFinish, "")
}

func (w *writer) Fail(ctx context.Context, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return w.terminate(ctx, kindFail, msg)
}

func (w *writer) terminate(ctx context.Context, kind, msg string) error {
	if err := w.claimed(ctx); err != nil {
		return err
	}
	w.closed = true
	key := w.r.streamKey(w.sessionID)
	if err := w.r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]any{fieldKind: kind, fieldData: msg, fieldEpoch: w.epochID},
	}).Err(); err != nil {
		return fmt.Errorf("terminate %s: %w", w.sessionID, err)
	}
	if err := w.r.client.Del(ctx, w.r.writerKey(w.sessionID)).Err(); err != nil {
		return fmt.Errorf("release writer claim %s: %w", w.sessionID, err)
	}
	w.r.client.PExpire(ctx, key, w.r.cfg.Retention)
	return nil
}

type reader struct {
	r         *Registry
	sessionID string
	lastID    string
	epochID   string
	pending   []redis.XMessage
	terminal  error
	closed    bool
}

// afterID returns the smallest stream id strictly greater than id, so XRANGE
// can be used as an exclusive scan without the "(" syntax.
func afterID(id string) string {
	if id == "0" {
		return "0"
	}
	ms, seq, ok := strings.Cut(id, "-")
	if !ok {
		return id
	}
	n, err := strconv.ParseInt(seq, 10, 64)
	if err != nil {
		return id
	}
	return ms + "-" + strconv.FormatInt(n+1, 10)
}

func (rd *reader) Next(ctx context.Context) (stream.Chunk, error) {
	if rd.closed {
		return stream.Chunk{}, io.EOF
	}
	if rd.terminal != nil {
		return stream.Chunk{}, rd.terminal
	}

	for {
		if len(rd.pending) == 0 {
			if err := rd.fetch(ctx); err != nil {
				return stream.Chunk{}, err
			}
			if len(rd.pending) == 0 {
				select {
				case <-ctx.Done():
					return stream.Chunk{}, ctx.Err()
				case <-time.After(rd.r.cfg.PollInterval):
				}
				continue
			}
		}

		m := rd.pending[0]
		rd.pending = rd.pending[1:]
		rd.lastID = m.ID

		// The reader is pinned to the first epoch it observes. A record from a
		// different epoch means the epoch it was following was replaced (the
		// writer crashed without a terminal entry and a successor began); its
		// view ends rather than bleeding into the successor's history.
		ep, _ := m.Values[fieldEpoch].(string)
		if rd.epochID == "" {
			rd.epochID = ep
		} else if ep != rd.epochID {
			rd.terminal = io.EOF
			return stream.Chunk{}, io.EOF
		}

		kind, _ := m.Values[fieldKind].(string)
		data := valueBytes(m.Values[fieldData])
		switch kind {
		case kindBegin:
			continue
		case kindChunk:
			return stream.Chunk{ID: m.ID, Data: data}, nil
		case kindFinish:
			rd.terminal = io.EOF
			return stream.Chunk{}, io.EOF
		case kindFail:
			rd.terminal = &stream.ProducerError{Msg: string(data)}
			return stream.Chunk{}, rd.terminal
		default:
			continue
		}
	}
}

func (rd *reader) fetch(ctx context.Context) error {
	key := rd.r.streamKey(rd.sessionID)
	msgs, err := rd.r.client.XRange(ctx, key, afterID(rd.lastID), "+").Result()
	if err != nil {
		return fmt.Errorf("read %s: %w", rd.sessionID, err)
	}
	if len(msgs) == 0 {
		// An evicted or deleted stream terminates the read rather than
		// blocking forever.
		n, err := rd.r.client.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("read %s: %w", rd.sessionID, err)
		}
		if n == 0 {
			rd.terminal = io.EOF
			return io.EOF
		}
		// A replaced stream can restart with ids at or below the cursor, in
		// which case the range scan goes quiet instead of surfacing the
		// successor's records. Checking the head entry's epoch catches that.
		if rd.epochID != "" {
			head, err := rd.r.client.XRangeN(ctx, key, "-", "+", 1).Result()
			if err != nil {
				return fmt.Errorf("read %s: %w", rd.sessionID, err)
			}
			if len(head) > 0 {
				if ep, _ := head[0].Values[fieldEpoch].(string); ep != rd.epochID {
					rd.terminal = io.EOF
					return io.EOF
				}
			}
		}
	}
	rd.pending = msgs
	return nil
}

func valueBytes(v any) []byte {
	switch t := v.(type) {
	case string:
		return []byte(t)
	case []byte:
		return t
	default:
		return nil
	}
}

func (rd *reader) Close() error {
	rd.closed = true
	return nil
}

var (
	_ stream.Registry = (*Registry)(nil)
	_ stream.Writer   = (*writer)(nil)
	_ stream.Reader   = (*reader)(nil)
)
