package embedcache

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MikeSquared-Agency/mirror/internal/embedding"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type countingEmbedder struct {
	*embedding.Local
	calls int
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls++
	return c.Local.Embed(ctx, text)
}

func TestKey_StableAndModelScoped(t *testing.T) {
	a := Key("m1", "hello")
	if a != Key("m1", "hello") {
		t.Error("key should be deterministic")
	}
	if a == Key("m2", "hello") {
		t.Error("different models must not share keys")
	}
	if !strings.HasPrefix(a, keyPrefix) {
		t.Errorf("key %q missing prefix", a)
	}
}

func TestEncodeDecode(t *testing.T) {
	v := []float32{0.5, -0.25, 1}
	got, ok := decode(encode(v))
	if !ok {
		t.Fatal("decode failed")
	}
	for i := range v {
		if got[i] != v[i] {
			t.Errorf("index %d: got %f, want %f", i, got[i], v[i])
		}
	}
	if _, ok := decode([]byte{1, 2, 3}); ok {
		t.Error("truncated buffer should not decode")
	}
}

func TestEmbed_RedisDownFallsThrough(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	inner := &countingEmbedder{Local: embedding.NewLocal(32)}
	c := New(inner, rdb, time.Minute, discardLogger())

	v, err := c.Embed(context.Background(), "what did alice build")
	if err != nil {
		t.Fatalf("Embed should not fail when redis is down: %v", err)
	}
	if len(v) != 32 {
		t.Errorf("expected 32 dims, got %d", len(v))
	}
	if inner.calls != 1 {
		t.Errorf("expected 1 inner call, got %d", inner.calls)
	}
	if c.Dimensions() != 32 || c.ModelName() != "local-hash" {
		t.Errorf("Dimensions/ModelName should delegate")
	}
}
