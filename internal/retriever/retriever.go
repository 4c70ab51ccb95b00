// Package retriever finds the passages of one tenant most relevant to a
// visitor's question.
package retriever

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MikeSquared-Agency/mirror/internal/embedding"
	"github.com/MikeSquared-Agency/mirror/internal/index"
	"github.com/MikeSquared-Agency/mirror/internal/telemetry"
)

const (
	DefaultK        = 8
	DefaultMinScore = 0.25
)

type Retriever struct {
	index    index.Index
	embedder embedding.Embedder
	metrics  *telemetry.Metrics
	logger   *slog.Logger
}

func New(idx index.Index, emb embedding.Embedder, metrics *telemetry.Metrics, logger *slog.Logger) *Retriever {
	return &Retriever{index: idx, embedder: emb, metrics: metrics, logger: logger}
}

// Retrieve embeds query and returns at most k of tenantID's passages scoring
// at least minScore, best first. A blank query or a tenant with nothing
// indexed yields an empty result, not an error. k <= 0 means DefaultK.
func (r *Retriever) Retrieve(ctx context.Context, tenantID, query string, k int, minScore float64) ([]index.Scored, error) {
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(query) == "" {
		return []index.Scored{}, nil
	}
	if k <= 0 {
		k = DefaultK
	}

	ctx, span := telemetry.Tracer().Start(ctx, "retriever.Retrieve")
	defer span.End()
	span.SetAttributes(attribute.String("tenant", tenantID), attribute.Int("k", k))

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("embed query: %w", err)
	}

	hits, err := r.index.Query(ctx, tenantID, vec, k)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query index: %w", err)
	}

	out := make([]index.Scored, 0, len(hits))
	for _, h := range hits {
		if h.TenantID != tenantID {
			// Never hand another tenant's content to the composer.
			r.logger.Error("index returned foreign passage", "tenant", tenantID, "passage_tenant", h.TenantID)
			continue
		}
		if h.Score >= minScore {
			out = append(out, h)
		}
	}
	index.SortScored(out)

	span.SetAttributes(attribute.Int("hits", len(out)))
	r.metrics.RecordRetrieve(ctx, len(out))
	r.logger.Debug("retrieved passages", "tenant", tenantID, "candidates", len(hits), "hits", len(out))
	return out, nil
}
