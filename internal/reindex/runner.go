// Package reindex re-runs ingestion over every catalogued source, for
// recovering a damaged index or applying new chunking or embedding settings.
package reindex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/MikeSquared-Agency/mirror/internal/ingest"
)

type Config struct {
	StatePath  string
	BatchSize  int
	BatchPause time.Duration
	DryRun     bool
	// TenantID limits the run to one tenant when set.
	TenantID string
}

// Summary is the outcome of a run.
type Summary struct {
	Sources  int
	Skipped  int
	Passages int
	Failed   int
	// Gone counts sources removed or renamed while the run was in flight.
	Gone   int
	DryRun bool
}

type Runner struct {
	cfg      Config
	pipeline *ingest.Pipeline
	out      io.Writer
	logger   *slog.Logger
}

// NewRunner creates a reindex runner. The pipeline should carry an embedder
// with the batch retry policy; see ingest.Pipeline.WithEmbedder.
func NewRunner(cfg Config, p *ingest.Pipeline, out io.Writer, logger *slog.Logger) *Runner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.StatePath == "" {
		cfg.StatePath = DefaultStatePath
	}
	return &Runner{cfg: cfg, pipeline: p, out: out, logger: logger}
}

// Run reindexes every source not yet recorded in the state file. Failed
// sources are logged and left unmarked so the next run retries them.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	sum := Summary{DryRun: r.cfg.DryRun}

	state, err := LoadState(r.cfg.StatePath)
	if err != nil {
		return sum, fmt.Errorf("load state: %w", err)
	}

	entries, err := r.pipeline.Sources(ctx, r.cfg.TenantID)
	if err != nil {
		return sum, fmt.Errorf("list sources: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].TenantID != entries[j].TenantID {
			return entries[i].TenantID < entries[j].TenantID
		}
		return entries[i].SourceID < entries[j].SourceID
	})

	r.logger.Info("sources discovered", "total", len(entries), "already_done", len(state.SourcesProcessed))

	inBatch := 0
	for _, entry := range entries {
		key := sourceKey(entry.TenantID, entry.SourceID)
		if state.IsProcessed(key) {
			sum.Skipped++
			continue
		}

		select {
		case <-ctx.Done():
			r.logger.Info("reindex interrupted, saving state")
			r.save(state)
			return sum, ctx.Err()
		default:
		}

		if r.cfg.DryRun {
			n, err := r.pipeline.Plan(entry.Source())
			if err != nil {
				r.logger.Warn("chunking failed", "tenant", entry.TenantID, "source_id", entry.SourceID, "error", err)
				sum.Failed++
				continue
			}
			sum.Sources++
			sum.Passages += n
			continue
		}

		// Reindex rereads the entry under the source lock, so edits and
		// reconciliations made since the listing are not rolled back.
		res, err := r.pipeline.Reindex(ctx, entry.TenantID, entry.SourceID)
		if errors.Is(err, ingest.ErrSourceGone) {
			r.logger.Info("source gone since listing", "tenant", entry.TenantID, "source_id", entry.SourceID)
			state.MarkProcessed(key)
			sum.Gone++
			continue
		}
		if err != nil {
			state.AddError(fmt.Sprintf("%s: %v", key, err))
			sum.Failed++
			continue
		}
		state.MarkProcessed(key)
		state.PassagesIndexed += res.Passages
		sum.Sources++
		sum.Passages += res.Passages
		inBatch++

		if inBatch >= r.cfg.BatchSize {
			r.logger.Info("batch complete, saving state and pausing", "sources_in_batch", inBatch, "total", sum.Sources)
			r.save(state)
			inBatch = 0

			select {
			case <-ctx.Done():
				return sum, ctx.Err()
			case <-time.After(r.cfg.BatchPause):
			}
		}
	}

	if !r.cfg.DryRun {
		r.save(state)
	}

	r.logger.Info("reindex complete",
		"sources", sum.Sources,
		"skipped", sum.Skipped,
		"passages", sum.Passages,
		"failed", sum.Failed,
		"gone", sum.Gone,
		"dry_run", sum.DryRun,
	)
	r.printSummary(sum, state)
	return sum, nil
}

func (r *Runner) save(state *State) {
	if r.cfg.DryRun {
		return
	}
	if err := state.Save(); err != nil {
		r.logger.Warn("failed to save reindex state", "path", state.Path(), "error", err)
	}
}

func (r *Runner) printSummary(sum Summary, state *State) {
	if r.out == nil {
		return
	}
	fmt.Fprintf(r.out, "\n=== Reindex Summary ===\n")
	fmt.Fprintf(r.out, "Sources reindexed: %d\n", sum.Sources)
	fmt.Fprintf(r.out, "Sources skipped (already done): %d\n", sum.Skipped)
	fmt.Fprintf(r.out, "Passages: %d\n", sum.Passages)
	fmt.Fprintf(r.out, "Failed: %d\n", sum.Failed)
	if sum.Gone > 0 {
		fmt.Fprintf(r.out, "Gone since listing: %d\n", sum.Gone)
	}
	if sum.DryRun {
		fmt.Fprintf(r.out, "Mode: DRY RUN (nothing embedded or written)\n")
	} else {
		fmt.Fprintf(r.out, "State file: %s\n", state.Path())
	}
}
