// Package ingest turns owner content into indexed passages and keeps source
// ids consistent when temporary ids are replaced by permanent ones.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/mirror/internal/chunker"
	"github.com/MikeSquared-Agency/mirror/internal/embedding"
	"github.com/MikeSquared-Agency/mirror/internal/index"
	"github.com/MikeSquared-Agency/mirror/internal/keylock"
)

// Pipeline runs ingestion and reconciliation. Runs touching the same
// (tenant, source) are serialized; different sources proceed in parallel.
type Pipeline struct {
	index    index.Index
	embedder embedding.Embedder
	catalog  Catalog
	pending  PendingStore
	profiles chunker.Profiles
	locks    *keylock.Locker
	logger   *slog.Logger
	now      func() time.Time
}

func New(idx index.Index, emb embedding.Embedder, catalog Catalog, pending PendingStore, profiles chunker.Profiles, logger *slog.Logger) *Pipeline {
	if profiles == nil {
		profiles = chunker.DefaultProfiles()
	}
	return &Pipeline{
		index:    idx,
		embedder: emb,
		catalog:  catalog,
		pending:  pending,
		profiles: profiles,
		locks:    keylock.New(),
		logger:   logger,
		now:      time.Now,
	}
}

// WithEmbedder returns a pipeline sharing this one's stores and locks but
// embedding through emb. The reindex job uses it to swap in a more patient
// retry policy.
func (p *Pipeline) WithEmbedder(emb embedding.Embedder) *Pipeline {
	cp := *p
	cp.embedder = emb
	return &cp
}

func lockKey(tenantID, sourceID string) string {
	return tenantID + "\x00" + sourceID
}

// Ingest chunks, embeds, and indexes src, replacing whatever the source had
// indexed before. On failure the prior passages are left as they were.
//
// A source is temporary when flagged so or when its id carries a temporary
// prefix. Only temporary sources look for reconciliations: a remap waiting
// on the id is applied afterwards, and a delivery under an id that was
// already reconciled is redirected to the permanent id. Both report
// StateIDReconciled under the permanent id.
func (p *Pipeline) Ingest(ctx context.Context, src Source) (Result, error) {
	if err := validate(src); err != nil {
		return Result{State: StateFailed, SourceID: src.SourceID, Reason: err.Error()}, err
	}
	src.Temporary = src.Temporary || LooksTemporary(src.SourceID)

	if src.Temporary {
		if alias, ok := p.lookupAlias(ctx, src); ok {
			if _, waiting := p.lookupPending(ctx, src); !waiting {
				return p.ingestAlias(ctx, src, alias)
			}
		}
	}

	res, err := p.ingestLocked(ctx, src)
	if err != nil {
		p.logFailure(src, res, err)
		return res, err
	}
	p.logIndexed(src, res)

	if !src.Temporary {
		return res, nil
	}
	// The lock is released by now; reconciliation takes both keys itself.
	rec, ok := p.lookupPending(ctx, src)
	if !ok {
		return res, nil
	}
	rr, err := p.ReconcileID(ctx, rec.TenantID, rec.TempID, rec.PermanentID)
	if err != nil {
		p.logger.Warn("applying pending reconciliation failed",
			"tenant", rec.TenantID,
			"temp_id", rec.TempID,
			"permanent_id", rec.PermanentID,
			"error", err,
		)
		return res, nil
	}
	res.State = rr.State
	res.SourceID = rr.PermanentID
	return res, nil
}

// ingestAlias lands a late delivery for a reconciled temporary id on the
// permanent id. If the permanent id was written after the alias was last
// applied, or has since been forgotten, the delivery is stale and dropped.
func (p *Pipeline) ingestAlias(ctx context.Context, src Source, alias Alias) (Result, error) {
	tempID := src.SourceID
	src.SourceID = alias.PermanentID
	src.Temporary = false

	unlock := p.locks.Lock(lockKey(src.TenantID, src.SourceID))
	defer unlock()

	entry, ok, err := p.catalog.GetSource(ctx, src.TenantID, src.SourceID)
	if err != nil {
		err = fmt.Errorf("catalog lookup: %w", err)
		res := Result{State: StateFailed, SourceID: src.SourceID, Reason: err.Error()}
		p.logFailure(src, res, err)
		return res, err
	}
	reason := ""
	switch {
	case !ok:
		reason = "permanent id is no longer catalogued"
	case entry.IndexedAt.After(alias.AppliedAt):
		reason = "permanent id was updated after reconciliation"
	}
	if reason != "" {
		p.logger.Info("dropping late delivery for reconciled id",
			"tenant", src.TenantID,
			"temp_id", tempID,
			"permanent_id", src.SourceID,
			"reason", reason,
		)
		return Result{State: StateIDReconciled, SourceID: src.SourceID, Skipped: true, Reason: reason}, nil
	}

	res, err := p.apply(ctx, src)
	if err != nil {
		p.logFailure(src, res, err)
		return res, err
	}
	if !res.Skipped {
		alias.AppliedAt = p.now().UTC()
		p.recordAlias(ctx, alias)
	}
	p.logIndexed(src, res)
	res.State = StateIDReconciled
	return res, nil
}

// Reindex re-embeds a source from its catalog entry. The entry is read under
// the source lock, so an edit or reconciliation that got there first is what
// gets replayed. ErrSourceGone means the source was removed or renamed.
func (p *Pipeline) Reindex(ctx context.Context, tenantID, sourceID string) (Result, error) {
	unlock := p.locks.Lock(lockKey(tenantID, sourceID))
	defer unlock()

	entry, ok, err := p.catalog.GetSource(ctx, tenantID, sourceID)
	if err != nil {
		err = fmt.Errorf("catalog lookup: %w", err)
		return Result{State: StateFailed, SourceID: sourceID, Reason: err.Error()}, err
	}
	if !ok {
		return Result{State: StateFailed, SourceID: sourceID, Reason: ErrSourceGone.Error()}, ErrSourceGone
	}
	src := entry.Source()
	src.Force = true
	return p.apply(ctx, src)
}

func (p *Pipeline) ingestLocked(ctx context.Context, src Source) (Result, error) {
	unlock := p.locks.Lock(lockKey(src.TenantID, src.SourceID))
	defer unlock()
	return p.apply(ctx, src)
}

// apply indexes src. The caller holds the source lock.
func (p *Pipeline) apply(ctx context.Context, src Source) (Result, error) {
	res := Result{State: StateReceived, SourceID: src.SourceID}
	fail := func(err error) (Result, error) {
		res.Reason = err.Error()
		res.State = StateFailed
		return res, err
	}

	hash := ContentHash(src)
	if !src.Force {
		entry, ok, err := p.catalog.GetSource(ctx, src.TenantID, src.SourceID)
		if err != nil {
			p.logger.Warn("catalog lookup failed", "tenant", src.TenantID, "source_id", src.SourceID, "error", err)
		} else if ok && entry.ContentHash == hash {
			existing, err := p.index.Passages(ctx, src.TenantID, src.SourceID)
			if err == nil && len(existing) > 0 {
				if entry.Temporary != src.Temporary {
					p.record(ctx, src, hash)
				}
				res.State = StateIndexed
				res.Passages = len(existing)
				res.Skipped = true
				return res, nil
			}
		}
	}

	texts, err := p.chunk(src)
	if err != nil {
		return fail(err)
	}
	res.State = StateChunked

	if len(texts) == 0 {
		if _, err := p.index.Delete(ctx, src.TenantID, src.SourceID); err != nil {
			return fail(fmt.Errorf("clear passages: %w", err))
		}
		res.State = StateIndexed
		p.record(ctx, src, hash)
		return res, nil
	}

	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fail(fmt.Errorf("embed %d chunks: %w", len(texts), err))
	}
	if len(vectors) != len(texts) {
		return fail(fmt.Errorf("%w: got %d vectors for %d chunks", embedding.ErrEmbeddingUnavailable, len(vectors), len(texts)))
	}
	res.State = StateEmbedded

	now := p.now().UTC()
	passages := make([]index.Passage, len(texts))
	for i, text := range texts {
		passages[i] = index.Passage{
			TenantID:   src.TenantID,
			SourceType: src.SourceType,
			SourceID:   src.SourceID,
			Sequence:   i,
			Text:       text,
			Vector:     vectors[i],
			CreatedAt:  now,
		}
	}
	if err := p.index.Replace(ctx, src.TenantID, src.SourceID, passages); err != nil {
		return fail(fmt.Errorf("replace passages: %w", err))
	}

	res.State = StateIndexed
	res.Passages = len(passages)
	p.record(ctx, src, hash)
	return res, nil
}

func (p *Pipeline) logFailure(src Source, res Result, err error) {
	p.logger.Error("ingest failed",
		"tenant", src.TenantID,
		"source_id", src.SourceID,
		"state", res.State,
		"error", err,
	)
}

func (p *Pipeline) logIndexed(src Source, res Result) {
	p.logger.Info("source indexed",
		"tenant", src.TenantID,
		"source_id", src.SourceID,
		"passages", res.Passages,
		"skipped", res.Skipped,
	)
}

func (p *Pipeline) lookupPending(ctx context.Context, src Source) (Reconciliation, bool) {
	rec, ok, err := p.pending.GetPending(ctx, src.TenantID, src.SourceID)
	if err != nil {
		p.logger.Warn("pending reconciliation lookup failed", "tenant", src.TenantID, "source_id", src.SourceID, "error", err)
		return Reconciliation{}, false
	}
	return rec, ok
}

func (p *Pipeline) lookupAlias(ctx context.Context, src Source) (Alias, bool) {
	alias, ok, err := p.pending.GetAlias(ctx, src.TenantID, src.SourceID)
	if err != nil {
		p.logger.Warn("id alias lookup failed", "tenant", src.TenantID, "source_id", src.SourceID, "error", err)
		return Alias{}, false
	}
	return alias, ok
}

// chunk builds the passage texts for src: title and description first, then
// the body.
func (p *Pipeline) chunk(src Source) ([]string, error) {
	prof := p.profiles.For(string(src.SourceType))

	var texts []string
	parts := []string{}
	if t := strings.TrimSpace(src.Title); t != "" {
		parts = append(parts, "Title: "+t)
	}
	if d := strings.TrimSpace(src.Description); d != "" {
		parts = append(parts, "Description: "+d)
	}
	parts = append(parts, src.Text)

	for _, part := range parts {
		chunks, err := chunker.Chunk(part, prof.MaxTokens, prof.OverlapTokens)
		if err != nil {
			return nil, err
		}
		texts = append(texts, chunks...)
	}
	return texts, nil
}

// Plan reports how many passages src would produce, without embedding.
func (p *Pipeline) Plan(src Source) (int, error) {
	if err := validate(src); err != nil {
		return 0, err
	}
	texts, err := p.chunk(src)
	return len(texts), err
}

func (p *Pipeline) record(ctx context.Context, src Source, hash string) {
	entry := CatalogEntry{
		TenantID:    src.TenantID,
		SourceType:  src.SourceType,
		SourceID:    src.SourceID,
		Temporary:   src.Temporary,
		Title:       src.Title,
		Description: src.Description,
		Text:        src.Text,
		ContentHash: hash,
		IndexedAt:   p.now().UTC(),
	}
	if err := p.catalog.PutSource(ctx, entry); err != nil {
		p.logger.Warn("catalog write failed", "tenant", src.TenantID, "source_id", src.SourceID, "error", err)
	}
}

// Forget removes a source's passages, catalog entry, and any reconciliation
// waiting on it. Forgetting an unknown source is not an error.
func (p *Pipeline) Forget(ctx context.Context, tenantID, sourceID string) (int, error) {
	if tenantID == "" || sourceID == "" {
		return 0, fmt.Errorf("%w: tenant and source id are required", ErrInvalidSource)
	}
	unlock := p.locks.Lock(lockKey(tenantID, sourceID))
	defer unlock()

	n, err := p.index.Delete(ctx, tenantID, sourceID)
	if err != nil {
		return 0, fmt.Errorf("delete passages: %w", err)
	}
	if err := p.catalog.RemoveSource(ctx, tenantID, sourceID); err != nil {
		return n, fmt.Errorf("remove catalog entry: %w", err)
	}
	if err := p.pending.RemovePending(ctx, tenantID, sourceID); err != nil {
		return n, fmt.Errorf("remove pending reconciliation: %w", err)
	}
	p.logger.Info("source forgotten", "tenant", tenantID, "source_id", sourceID, "passages", n)
	return n, nil
}

// Source returns the catalogued content of one source.
func (p *Pipeline) Source(ctx context.Context, tenantID, sourceID string) (CatalogEntry, bool, error) {
	return p.catalog.GetSource(ctx, tenantID, sourceID)
}

// Sources lists the catalogued sources of tenantID, or of every tenant when
// tenantID is empty.
func (p *Pipeline) Sources(ctx context.Context, tenantID string) ([]CatalogEntry, error) {
	return p.catalog.ListSources(ctx, tenantID)
}

// ContentHash fingerprints everything that affects a source's passages.
func ContentHash(src Source) string {
	h := sha256.New()
	for _, s := range []string{string(src.SourceType), src.Title, src.Description, src.Text} {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func validate(src Source) error {
	var problems []string
	if strings.TrimSpace(src.TenantID) == "" {
		problems = append(problems, "tenant_id is required")
	}
	if strings.TrimSpace(src.SourceID) == "" {
		problems = append(problems, "source_id is required")
	}
	if !src.SourceType.Valid() {
		problems = append(problems, fmt.Sprintf("unknown source_type %q", src.SourceType))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidSource, strings.Join(problems, "; "))
	}
	return nil
}

// IsRetryable reports whether a failed run may succeed if repeated.
func IsRetryable(err error) bool {
	return errors.Is(err, embedding.ErrEmbeddingUnavailable) ||
		errors.Is(err, index.ErrIndexUnavailable) ||
		errors.Is(err, ErrReconciliationPending)
}

// Pending lists reconciliations still waiting for content.
func (p *Pipeline) Pending(ctx context.Context) ([]Reconciliation, error) {
	return p.pending.ListPending(ctx)
}
