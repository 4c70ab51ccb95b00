package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MikeSquared-Agency/mirror/internal/ingest"
)

func (s *Store) RecordPending(ctx context.Context, r ingest.Reconciliation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO mirror_pending_reconciliations (tenant_id, temp_id, permanent_id, recorded_at, attempts)
		VALUES ($1, $2, $3, $4, 1)
		ON CONFLICT (tenant_id, temp_id) DO UPDATE SET
			permanent_id = EXCLUDED.permanent_id,
			attempts = mirror_pending_reconciliations.attempts + 1`,
		r.TenantID, r.TempID, r.PermanentID, r.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("record pending reconciliation: %w", err)
	}
	return nil
}

func (s *Store) GetPending(ctx context.Context, tenantID, tempID string) (ingest.Reconciliation, bool, error) {
	var r ingest.Reconciliation
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, temp_id, permanent_id, recorded_at, attempts
		FROM mirror_pending_reconciliations
		WHERE tenant_id = $1 AND temp_id = $2`,
		tenantID, tempID,
	).Scan(&r.TenantID, &r.TempID, &r.PermanentID, &r.RecordedAt, &r.Attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.Reconciliation{}, false, nil
	}
	if err != nil {
		return ingest.Reconciliation{}, false, fmt.Errorf("get pending reconciliation: %w", err)
	}
	return r, true, nil
}

func (s *Store) RemovePending(ctx context.Context, tenantID, tempID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM mirror_pending_reconciliations WHERE tenant_id = $1 AND temp_id = $2`,
		tenantID, tempID,
	)
	if err != nil {
		return fmt.Errorf("remove pending reconciliation: %w", err)
	}
	return nil
}

func (s *Store) ListPending(ctx context.Context) ([]ingest.Reconciliation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, temp_id, permanent_id, recorded_at, attempts
		FROM mirror_pending_reconciliations
		ORDER BY recorded_at`)
	if err != nil {
		return nil, fmt.Errorf("list pending reconciliations: %w", err)
	}
	pending, err := pgx.CollectRows(rows, pgx.RowToStructByPos[ingest.Reconciliation])
	if err != nil {
		return nil, fmt.Errorf("scan pending reconciliations: %w", err)
	}
	return pending, nil
}

func (s *Store) RecordAlias(ctx context.Context, a ingest.Alias) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO mirror_id_aliases (tenant_id, temp_id, permanent_id, applied_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, temp_id) DO UPDATE SET
			permanent_id = EXCLUDED.permanent_id,
			applied_at = EXCLUDED.applied_at`,
		a.TenantID, a.TempID, a.PermanentID, a.AppliedAt,
	)
	if err != nil {
		return fmt.Errorf("record id alias: %w", err)
	}
	return nil
}

func (s *Store) GetAlias(ctx context.Context, tenantID, tempID string) (ingest.Alias, bool, error) {
	var a ingest.Alias
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, temp_id, permanent_id, applied_at
		FROM mirror_id_aliases
		WHERE tenant_id = $1 AND temp_id = $2`,
		tenantID, tempID,
	).Scan(&a.TenantID, &a.TempID, &a.PermanentID, &a.AppliedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.Alias{}, false, nil
	}
	if err != nil {
		return ingest.Alias{}, false, fmt.Errorf("get id alias: %w", err)
	}
	return a, true, nil
}

func (s *Store) PruneAliases(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM mirror_id_aliases WHERE applied_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune id aliases: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
