// Package embedcache caches single-text embeddings in Redis. Visitors ask the
// same questions often enough that re-embedding them is wasted latency.
package embedcache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MikeSquared-Agency/mirror/internal/embedding"
)

const keyPrefix = "mirror:emb:"

// Cache wraps an Embedder. Cache misses and Redis failures fall through to
// the wrapped embedder; Redis trouble never fails a request.
type Cache struct {
	next   embedding.Embedder
	rdb    redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

func New(next embedding.Embedder, rdb redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{next: next, rdb: rdb, ttl: ttl, logger: logger}
}

// Connect parses a redis:// URL (or a bare host:port) and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	var opt *redis.Options
	if strings.HasPrefix(url, "redis://") || strings.HasPrefix(url, "rediss://") {
		var err error
		opt, err = redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
	} else {
		opt = &redis.Options{Addr: url}
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func (c *Cache) Dimensions() int   { return c.next.Dimensions() }
func (c *Cache) ModelName() string { return c.next.ModelName() }

func (c *Cache) Embed(ctx context.Context, text string) ([]float32, error) {
	key := Key(c.next.ModelName(), text)

	data, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		if v, ok := decode(data); ok {
			return v, nil
		}
		c.logger.Warn("discarding malformed cached embedding", "key", key)
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("embedding cache read failed", "error", err)
	}

	v, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := c.rdb.Set(ctx, key, encode(v), c.ttl).Err(); err != nil {
		c.logger.Warn("embedding cache write failed", "error", err)
	}
	return v, nil
}

// EmbedBatch is not cached; batches come from ingestion where each text is
// embedded once per content change.
func (c *Cache) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return c.next.EmbedBatch(ctx, texts)
}

// Key is the Redis key for text embedded by model.
func Key(model, text string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + text))
	return keyPrefix + hex.EncodeToString(sum[:])
}

func encode(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func decode(buf []byte) ([]float32, bool) {
	if len(buf) == 0 || len(buf)%4 != 0 {
		return nil, false
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return v, true
}
