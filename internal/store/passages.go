package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/MikeSquared-Agency/mirror/internal/index"
)

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", index.ErrIndexUnavailable, op, err)
}

// Upsert writes passages in one transaction, replacing rows with the same
// (tenant, source, sequence).
func (s *Store) Upsert(ctx context.Context, tenantID string, passages []index.Passage) error {
	prepared, err := index.Prepare(tenantID, passages)
	if err != nil {
		return err
	}
	if len(prepared) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return unavailable("begin tx", err)
	}
	defer tx.Rollback(ctx)

	batch := insertBatch(prepared)
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return unavailable("upsert passages", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return unavailable("commit", err)
	}
	return nil
}

// Replace deletes a source's rows and writes passages in one transaction.
func (s *Store) Replace(ctx context.Context, tenantID, sourceID string, passages []index.Passage) error {
	prepared, err := index.PrepareSource(tenantID, sourceID, passages)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return unavailable("begin tx", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		DELETE FROM mirror_passages
		WHERE tenant_id = $1 AND source_id = $2`,
		tenantID, sourceID,
	); err != nil {
		return unavailable("clear passages", err)
	}
	if len(prepared) > 0 {
		if err := tx.SendBatch(ctx, insertBatch(prepared)).Close(); err != nil {
			return unavailable("replace passages", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return unavailable("commit", err)
	}
	return nil
}

func insertBatch(passages []index.Passage) *pgx.Batch {
	batch := &pgx.Batch{}
	for _, p := range passages {
		batch.Queue(`
			INSERT INTO mirror_passages (id, tenant_id, source_type, source_id, sequence, text, embedding, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (tenant_id, source_id, sequence) DO UPDATE SET
				id = EXCLUDED.id,
				source_type = EXCLUDED.source_type,
				text = EXCLUDED.text,
				embedding = EXCLUDED.embedding,
				created_at = EXCLUDED.created_at`,
			p.ID, p.TenantID, string(p.SourceType), p.SourceID, p.Sequence, p.Text, pgvector.NewVector(p.Vector), p.CreatedAt,
		)
	}
	return batch
}

func (s *Store) Delete(ctx context.Context, tenantID, sourceID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM mirror_passages
		WHERE tenant_id = $1 AND source_id = $2`,
		tenantID, sourceID,
	)
	if err != nil {
		return 0, unavailable("delete passages", err)
	}
	return int(tag.RowsAffected()), nil
}

// Query ranks the tenant's passages by cosine similarity. The tenant filter
// and the ranking run in one statement.
func (s *Store) Query(ctx context.Context, tenantID string, vector []float32, k int) ([]index.Scored, error) {
	if k <= 0 {
		return nil, nil
	}
	q := pgvector.NewVector(vector)
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, source_type, source_id, sequence, text, created_at,
		       1 - (embedding <=> $2) AS score
		FROM mirror_passages
		WHERE tenant_id = $1
		ORDER BY embedding <=> $2, source_id, sequence
		LIMIT $3`,
		tenantID, q, k,
	)
	if err != nil {
		return nil, unavailable("query passages", err)
	}
	defer rows.Close()

	var out []index.Scored
	for rows.Next() {
		var sc index.Scored
		var sourceType string
		if err := rows.Scan(&sc.ID, &sc.TenantID, &sourceType, &sc.SourceID, &sc.Sequence, &sc.Text, &sc.CreatedAt, &sc.Score); err != nil {
			return nil, unavailable("scan passage", err)
		}
		sc.SourceType = index.SourceType(sourceType)
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("query passages", err)
	}
	return out, nil
}

func (s *Store) Passages(ctx context.Context, tenantID, sourceID string) ([]index.Passage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, source_type, source_id, sequence, text, embedding, created_at
		FROM mirror_passages
		WHERE tenant_id = $1 AND source_id = $2
		ORDER BY sequence`,
		tenantID, sourceID,
	)
	if err != nil {
		return nil, unavailable("list passages", err)
	}
	defer rows.Close()

	var out []index.Passage
	for rows.Next() {
		var p index.Passage
		var sourceType string
		var vec pgvector.Vector
		if err := rows.Scan(&p.ID, &p.TenantID, &sourceType, &p.SourceID, &p.Sequence, &p.Text, &vec, &p.CreatedAt); err != nil {
			return nil, unavailable("scan passage", err)
		}
		p.SourceType = index.SourceType(sourceType)
		p.Vector = vec.Slice()
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list passages", err)
	}
	return out, nil
}

// Rekey moves a source's passages to a new source id in one transaction,
// rederiving each passage id. Rows already under the new id are dropped
// first, unless there is nothing to move.
func (s *Store) Rekey(ctx context.Context, tenantID, fromSourceID, toSourceID string) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, unavailable("begin tx", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT sequence FROM mirror_passages
		WHERE tenant_id = $1 AND source_id = $2
		FOR UPDATE`,
		tenantID, fromSourceID,
	)
	if err != nil {
		return 0, unavailable("lock passages", err)
	}
	seqs, err := pgx.CollectRows(rows, pgx.RowTo[int])
	if err != nil {
		return 0, unavailable("read sequences", err)
	}
	if len(seqs) == 0 {
		return 0, nil
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM mirror_passages
		WHERE tenant_id = $1 AND source_id = $2`,
		tenantID, toSourceID,
	); err != nil {
		return 0, unavailable("clear target passages", err)
	}

	for _, seq := range seqs {
		_, err := tx.Exec(ctx, `
			UPDATE mirror_passages SET id = $1, source_id = $2
			WHERE tenant_id = $3 AND source_id = $4 AND sequence = $5`,
			index.PassageID(tenantID, toSourceID, seq), toSourceID, tenantID, fromSourceID, seq,
		)
		if err != nil {
			return 0, unavailable("rekey passage", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, unavailable("commit", err)
	}
	return len(seqs), nil
}
