package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/MikeSquared-Agency/mirror/internal/identity"
)

func (s *Store) FindVisitors(ctx context.Context, token string) ([]identity.Visitor, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, external_token, display_name, first_seen, last_seen
		FROM mirror_visitors
		WHERE external_token = $1
		ORDER BY first_seen`,
		token,
	)
	if err != nil {
		return nil, fmt.Errorf("query visitors: %w", err)
	}
	visitors, err := pgx.CollectRows(rows, pgx.RowToStructByPos[identity.Visitor])
	if err != nil {
		return nil, fmt.Errorf("scan visitors: %w", err)
	}
	return visitors, nil
}

// CreateVisitor inserts v unless its token already exists. The unique
// constraint on external_token makes this safe across processes.
func (s *Store) CreateVisitor(ctx context.Context, v identity.Visitor) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO mirror_visitors (id, external_token, display_name, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (external_token) DO NOTHING`,
		v.ID, v.ExternalToken, v.DisplayName, v.FirstSeen, v.LastSeen,
	)
	if err != nil {
		return false, fmt.Errorf("insert visitor: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) TouchVisitor(ctx context.Context, id uuid.UUID, seen time.Time, name string) (identity.Visitor, error) {
	var v identity.Visitor
	err := s.pool.QueryRow(ctx, `
		UPDATE mirror_visitors SET
			last_seen = GREATEST(last_seen, $2),
			display_name = CASE WHEN display_name = '' AND $3::text <> '' THEN $3::text ELSE display_name END
		WHERE id = $1
		RETURNING id, external_token, display_name, first_seen, last_seen`,
		id, seen, name,
	).Scan(&v.ID, &v.ExternalToken, &v.DisplayName, &v.FirstSeen, &v.LastSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return identity.Visitor{}, identity.ErrNotFound
	}
	if err != nil {
		return identity.Visitor{}, fmt.Errorf("touch visitor: %w", err)
	}
	return v, nil
}
