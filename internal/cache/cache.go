// Package cache stores finished render outputs keyed by a digest of
// everything that determines them.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry is a cached render output.
type Entry struct {
	ContentType string
	Data        []byte
}

// Cache is a best-effort result store. Get returns (nil, nil) on a miss.
type Cache interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, key string, e Entry, ttl time.Duration) error
}

// Key hashes parts into a stable hex key. Each part is length-prefixed so
// that ("ab","c") and ("a","bc") differ.
func Key(parts ...string) string {
	h := sha256.New()
	var n [8]byte
	for _, p := range parts {
		binary.BigEndian.PutUint64(n[:], uint64(len(p)))
		h.Write(n[:])
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Redis stores entries as hashes with a TTL.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

func NewRedis(rdb *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "texrender:cache:"
	}
	return &Redis{rdb: rdb, prefix: prefix}
}

func (c *Redis) Get(ctx context.Context, key string) (*Entry, error) {
	vals, err := c.rdb.HGetAll(ctx, c.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	data, ok := vals["data"]
	if !ok {
		return nil, nil
	}
	return &Entry{ContentType: vals["content_type"], Data: []byte(data)}, nil
}

func (c *Redis) Set(ctx context.Context, key string, e Entry, ttl time.Duration) error {
	k := c.prefix + key
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, k, "content_type", e.ContentType, "data", e.Data)
	if ttl > 0 {
		pipe.Expire(ctx, k, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Null never stores anything.
type Null struct{}

func (Null) Get(context.Context, string) (*Entry, error)             { return nil, nil }
func (Null) Set(context.Context, string, Entry, time.Duration) error { return nil }
