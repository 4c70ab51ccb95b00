package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MikeSquared-Agency/mirror/internal/index"
)

// ReconcileID rewrites every passage indexed under tempID to permanentID,
// keeping text and vectors. Afterwards no passage for the source remains
// under tempID and none is duplicated under permanentID.
//
// If the permanent id already has passages, the temporary upload is the
// newer one and replaces them, unless both carry the same content, in which
// case the temporary copy is discarded. If nothing is indexed under either id
// the remap is recorded and ErrReconciliationPending is returned. A tempID
// catalogued as a permanent source is rejected.
func (p *Pipeline) ReconcileID(ctx context.Context, tenantID, tempID, permanentID string) (ReconcileResult, error) {
	res := ReconcileResult{State: StateFailed, TempID: tempID, PermanentID: permanentID}
	if tenantID == "" || tempID == "" || permanentID == "" {
		return res, fmt.Errorf("%w: tenant, temp id and permanent id are required", ErrInvalidSource)
	}
	if tempID == permanentID {
		return res, fmt.Errorf("%w: temp id and permanent id are the same", ErrInvalidSource)
	}

	unlock := p.locks.LockAll(lockKey(tenantID, tempID), lockKey(tenantID, permanentID))
	defer unlock()

	tempEntry, tempCatalogued, err := p.catalog.GetSource(ctx, tenantID, tempID)
	if err != nil {
		return res, fmt.Errorf("read temp catalog entry: %w", err)
	}
	if tempCatalogued && !tempEntry.Temporary {
		return res, fmt.Errorf("%w: %q is a permanent source", ErrInvalidSource, tempID)
	}

	temp, err := p.index.Passages(ctx, tenantID, tempID)
	if err != nil {
		return res, fmt.Errorf("read temp passages: %w", err)
	}
	perm, err := p.index.Passages(ctx, tenantID, permanentID)
	if err != nil {
		return res, fmt.Errorf("read permanent passages: %w", err)
	}

	switch {
	case len(temp) == 0 && len(perm) > 0:
		// Already applied, by an earlier call or the sweeper.
		p.clearPending(ctx, tenantID, tempID)
		res.State = StateIDReconciled
		return res, nil

	case len(temp) == 0:
		rec := Reconciliation{
			TenantID:    tenantID,
			TempID:      tempID,
			PermanentID: permanentID,
			RecordedAt:  p.now().UTC(),
		}
		if err := p.pending.RecordPending(ctx, rec); err != nil {
			return res, fmt.Errorf("record pending reconciliation: %w", err)
		}
		res.State = StateReceived
		return res, ErrReconciliationPending

	case len(perm) > 0:
		permEntry, permCatalogued, err := p.catalog.GetSource(ctx, tenantID, permanentID)
		if err != nil {
			return res, fmt.Errorf("read permanent catalog entry: %w", err)
		}
		if tempCatalogued && permCatalogued && tempEntry.ContentHash == permEntry.ContentHash {
			return p.discardTemp(ctx, tenantID, res)
		}
	}

	moved, err := p.move(ctx, tenantID, tempID, permanentID, temp)
	if err != nil {
		return res, err
	}
	if err := p.catalog.RenameSource(ctx, tenantID, tempID, permanentID); err != nil {
		p.logger.Warn("catalog rename failed", "tenant", tenantID, "temp_id", tempID, "error", err)
	}
	p.clearPending(ctx, tenantID, tempID)
	p.recordAlias(ctx, Alias{TenantID: tenantID, TempID: tempID, PermanentID: permanentID, AppliedAt: p.now().UTC()})

	p.logger.Info("source id reconciled",
		"tenant", tenantID,
		"temp_id", tempID,
		"permanent_id", permanentID,
		"moved", moved,
		"replaced", len(perm),
	)
	res.State = StateIDReconciled
	res.Moved = moved
	res.Replaced = len(perm)
	return res, nil
}

// discardTemp drops a temporary copy whose content the permanent id already
// holds. Both locks are held by the caller.
func (p *Pipeline) discardTemp(ctx context.Context, tenantID string, res ReconcileResult) (ReconcileResult, error) {
	n, err := p.index.Delete(ctx, tenantID, res.TempID)
	if err != nil {
		return res, fmt.Errorf("discard temp passages: %w", err)
	}
	if err := p.catalog.RemoveSource(ctx, tenantID, res.TempID); err != nil {
		p.logger.Warn("catalog remove failed", "tenant", tenantID, "source_id", res.TempID, "error", err)
	}
	p.clearPending(ctx, tenantID, res.TempID)
	p.recordAlias(ctx, Alias{TenantID: tenantID, TempID: res.TempID, PermanentID: res.PermanentID, AppliedAt: p.now().UTC()})

	p.logger.Info("permanent id already holds this content, discarded temporary passages",
		"tenant", tenantID,
		"temp_id", res.TempID,
		"permanent_id", res.PermanentID,
		"discarded", n,
	)
	res.State = StateIDReconciled
	res.Discarded = n
	return res, nil
}

// move re-keys passages, atomically when the index supports it. Otherwise
// the permanent source is replaced before the temporary one is removed, so a
// failure in between leaves a duplicate that the next attempt cleans up
// rather than an orphan.
func (p *Pipeline) move(ctx context.Context, tenantID, tempID, permanentID string, temp []index.Passage) (int, error) {
	if rk, ok := p.index.(index.Rekeyer); ok {
		n, err := rk.Rekey(ctx, tenantID, tempID, permanentID)
		if err != nil {
			return 0, fmt.Errorf("rekey passages: %w", err)
		}
		return n, nil
	}

	moved := make([]index.Passage, len(temp))
	for i, ps := range temp {
		ps.SourceID = permanentID
		moved[i] = ps
	}
	if err := p.index.Replace(ctx, tenantID, permanentID, moved); err != nil {
		return 0, fmt.Errorf("write permanent passages: %w", err)
	}
	if _, err := p.index.Delete(ctx, tenantID, tempID); err != nil {
		return 0, fmt.Errorf("delete temp passages: %w", err)
	}
	return len(moved), nil
}

func (p *Pipeline) recordAlias(ctx context.Context, a Alias) {
	if err := p.pending.RecordAlias(ctx, a); err != nil {
		p.logger.Warn("id alias write failed", "tenant", a.TenantID, "temp_id", a.TempID, "error", err)
	}
}

func (p *Pipeline) clearPending(ctx context.Context, tenantID, tempID string) {
	if err := p.pending.RemovePending(ctx, tenantID, tempID); err != nil {
		p.logger.Warn("pending reconciliation cleanup failed", "tenant", tenantID, "temp_id", tempID, "error", err)
	}
}

// Reconciler periodically retries pending reconciliations and drops those
// that have waited longer than the TTL. Aliases of applied reconciliations
// expire after the same TTL.
type Reconciler struct {
	pipeline *Pipeline
	interval time.Duration
	ttl      time.Duration
	logger   *slog.Logger
}

func NewReconciler(p *Pipeline, interval, ttl time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reconciler{pipeline: p, interval: interval, ttl: ttl, logger: logger}
}

// Run sweeps on every tick until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			applied, dropped := r.Sweep(ctx)
			if applied > 0 || dropped > 0 {
				r.logger.Info("reconciliation sweep", "applied", applied, "dropped", dropped)
			}
		}
	}
}

// Sweep makes one pass over the pending store.
func (r *Reconciler) Sweep(ctx context.Context) (applied, dropped int) {
	pending, err := r.pipeline.pending.ListPending(ctx)
	if err != nil {
		r.logger.Error("list pending reconciliations", "error", err)
		return 0, 0
	}

	now := r.pipeline.now()
	if r.ttl > 0 {
		if n, err := r.pipeline.pending.PruneAliases(ctx, now.Add(-r.ttl).UTC()); err != nil {
			r.logger.Warn("prune id aliases", "error", err)
		} else if n > 0 {
			r.logger.Info("pruned expired id aliases", "count", n)
		}
	}

	for _, rec := range pending {
		if ctx.Err() != nil {
			return applied, dropped
		}
		if r.ttl > 0 && now.Sub(rec.RecordedAt) > r.ttl {
			r.pipeline.clearPending(ctx, rec.TenantID, rec.TempID)
			r.logger.Error("dropping reconciliation that never resolved",
				"tenant", rec.TenantID,
				"temp_id", rec.TempID,
				"permanent_id", rec.PermanentID,
				"attempts", rec.Attempts,
				"age", now.Sub(rec.RecordedAt).Round(time.Second),
			)
			dropped++
			continue
		}

		_, err := r.pipeline.ReconcileID(ctx, rec.TenantID, rec.TempID, rec.PermanentID)
		switch {
		case err == nil:
			applied++
		case errors.Is(err, ErrReconciliationPending):
		default:
			r.logger.Warn("pending reconciliation retry failed",
				"tenant", rec.TenantID,
				"temp_id", rec.TempID,
				"error", err,
			)
		}
	}
	return applied, dropped
}
