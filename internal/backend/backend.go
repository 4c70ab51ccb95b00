// Package backend picks the storage and embedding implementations from
// configuration: Postgres with pgvector when DATABASE_URL is set, otherwise
// an in-memory index with a bbolt file for everything that must survive a
// restart.
package backend

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MikeSquared-Agency/mirror/internal/boltstore"
	"github.com/MikeSquared-Agency/mirror/internal/config"
	"github.com/MikeSquared-Agency/mirror/internal/embedcache"
	"github.com/MikeSquared-Agency/mirror/internal/embedding"
	"github.com/MikeSquared-Agency/mirror/internal/identity"
	"github.com/MikeSquared-Agency/mirror/internal/index"
	"github.com/MikeSquared-Agency/mirror/internal/ingest"
	"github.com/MikeSquared-Agency/mirror/internal/retry"
	"github.com/MikeSquared-Agency/mirror/internal/store"
)

type Backends struct {
	Index    index.Index
	Catalog  ingest.Catalog
	Pending  ingest.PendingStore
	Visitors identity.Store
	// Durable is false when passages live only in memory and must be
	// rebuilt from the catalog on start.
	Durable bool

	closers []func()
}

// Open connects the stores. dims is the embedding width the index is
// created with.
func Open(ctx context.Context, cfg config.Config, dims int, logger *slog.Logger) (*Backends, error) {
	if cfg.DatabaseURL != "" {
		db, err := store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		if err := db.EnsureSchema(ctx, dims); err != nil {
			db.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		logger.Info("database connected", "dimensions", dims)
		return &Backends{
			Index:    db,
			Catalog:  db,
			Pending:  db,
			Visitors: db,
			Durable:  true,
			closers:  []func(){db.Close},
		}, nil
	}

	bs, err := boltstore.Open(cfg.DataFile)
	if err != nil {
		return nil, fmt.Errorf("open data file: %w", err)
	}
	logger.Warn("DATABASE_URL not set, using in-memory index and local data file", "path", cfg.DataFile)
	return &Backends{
		Index:    index.NewMemory(),
		Catalog:  bs,
		Pending:  bs,
		Visitors: bs,
		closers: []func(){func() {
			if err := bs.Close(); err != nil {
				logger.Warn("closing data file failed", "error", err)
			}
		}},
	}, nil
}

func (b *Backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// Embedders returns the ingestion embedder and the query embedder. Queries
// go through the Redis cache when REDIS_URL is set. Without an API key both
// fall back to the local hashing embedder.
func Embedders(ctx context.Context, cfg config.Config, logger *slog.Logger) (ingestion, query embedding.Embedder, closer func()) {
	closer = func() {}
	if cfg.OpenAIAPIKey == "" {
		logger.Warn("OPENAI_API_KEY not set, using local hashing embedder; answers will be low quality")
		local := embedding.NewLocal(0)
		return local, local, closer
	}

	client := embedding.NewClient(ClientConfig(cfg, retry.Policy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    retry.Interactive().MaxDelay,
		Jitter:      retry.Interactive().Jitter,
	}), logger)
	logger.Info("embedding client ready", "model", cfg.EmbeddingModel, "dimensions", cfg.EmbeddingDimensions)

	if cfg.RedisURL == "" {
		return client, client, closer
	}
	rdb, err := embedcache.Connect(ctx, cfg.RedisURL)
	if err != nil {
		logger.Warn("redis unavailable, query embeddings uncached", "error", err)
		return client, client, closer
	}
	logger.Info("redis connected, caching query embeddings", "ttl", cfg.EmbeddingCacheTTL)
	return client, embedcache.New(client, rdb, cfg.EmbeddingCacheTTL, logger), func() { _ = rdb.Close() }
}

// ClientConfig maps service configuration onto the embedding client.
func ClientConfig(cfg config.Config, p retry.Policy) embedding.Config {
	return embedding.Config{
		BaseURL:    cfg.EmbeddingBaseURL,
		APIKey:     cfg.OpenAIAPIKey,
		Model:      cfg.EmbeddingModel,
		Dimensions: cfg.EmbeddingDimensions,
		BatchSize:  cfg.EmbeddingBatchSize,
		Timeout:    cfg.EmbeddingTimeout,
		RPS:        cfg.EmbeddingRPS,
		Retry:      p,
	}
}
