package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/MikeSquared-Agency/mirror/internal/index"
	"github.com/MikeSquared-Agency/mirror/internal/ingest"
)

const sourceColumns = `tenant_id, source_id, source_type, title, description, body, content_hash, indexed_at, temporary`

func scanSource(row pgx.Row) (ingest.CatalogEntry, error) {
	var e ingest.CatalogEntry
	var sourceType string
	err := row.Scan(&e.TenantID, &e.SourceID, &sourceType, &e.Title, &e.Description, &e.Text, &e.ContentHash, &e.IndexedAt, &e.Temporary)
	e.SourceType = index.SourceType(sourceType)
	return e, err
}

func (s *Store) GetSource(ctx context.Context, tenantID, sourceID string) (ingest.CatalogEntry, bool, error) {
	e, err := scanSource(s.pool.QueryRow(ctx, `
		SELECT `+sourceColumns+` FROM mirror_sources
		WHERE tenant_id = $1 AND source_id = $2`,
		tenantID, sourceID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.CatalogEntry{}, false, nil
	}
	if err != nil {
		return ingest.CatalogEntry{}, false, fmt.Errorf("get source: %w", err)
	}
	return e, true, nil
}

func (s *Store) PutSource(ctx context.Context, e ingest.CatalogEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO mirror_sources (`+sourceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id, source_id) DO UPDATE SET
			source_type = EXCLUDED.source_type,
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			body = EXCLUDED.body,
			content_hash = EXCLUDED.content_hash,
			indexed_at = EXCLUDED.indexed_at,
			temporary = EXCLUDED.temporary`,
		e.TenantID, e.SourceID, string(e.SourceType), e.Title, e.Description, e.Text, e.ContentHash, e.IndexedAt, e.Temporary,
	)
	if err != nil {
		return fmt.Errorf("put source: %w", err)
	}
	return nil
}

func (s *Store) RemoveSource(ctx context.Context, tenantID, sourceID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM mirror_sources WHERE tenant_id = $1 AND source_id = $2`, tenantID, sourceID)
	if err != nil {
		return fmt.Errorf("remove source: %w", err)
	}
	return nil
}

// RenameSource moves a catalog entry to a new id, overwriting any entry
// already under toID. The moved entry is no longer temporary.
func (s *Store) RenameSource(ctx context.Context, tenantID, fromID, toID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO mirror_sources (`+sourceColumns+`)
		SELECT tenant_id, $3, source_type, title, description, body, content_hash, indexed_at, false
		FROM mirror_sources WHERE tenant_id = $1 AND source_id = $2
		ON CONFLICT (tenant_id, source_id) DO UPDATE SET
			source_type = EXCLUDED.source_type,
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			body = EXCLUDED.body,
			content_hash = EXCLUDED.content_hash,
			indexed_at = EXCLUDED.indexed_at,
			temporary = false`,
		tenantID, fromID, toID,
	)
	if err != nil {
		return fmt.Errorf("copy source: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM mirror_sources WHERE tenant_id = $1 AND source_id = $2`, tenantID, fromID); err != nil {
		return fmt.Errorf("delete old source: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) ListSources(ctx context.Context, tenantID string) ([]ingest.CatalogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+sourceColumns+` FROM mirror_sources
		WHERE $1::text = '' OR tenant_id = $1
		ORDER BY tenant_id, source_id`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var out []ingest.CatalogEntry
	for rows.Next() {
		e, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
