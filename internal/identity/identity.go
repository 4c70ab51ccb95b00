// Package identity maps client-generated visitor tokens to durable visitor
// records.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/mirror/internal/keylock"
)

var (
	ErrInvalidToken = errors.New("visitor token is required")
	// ErrIdentityConflict marks a token that resolves to more than one
	// durable record. The earliest record is used.
	ErrIdentityConflict = errors.New("visitor token maps to multiple records")
	ErrNotFound         = errors.New("visitor not found")
)

// Visitor carries both identities of a visitor: the durable ID the backing
// store assigns and the token the client generated.
type Visitor struct {
	ID            uuid.UUID `json:"id"`
	ExternalToken string    `json:"external_token"`
	DisplayName   string    `json:"display_name,omitempty"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
}

// Store persists visitors.
type Store interface {
	// FindVisitors returns every record for token, earliest first.
	FindVisitors(ctx context.Context, token string) ([]Visitor, error)
	// CreateVisitor inserts v unless a record for its token exists. It
	// reports whether v was inserted.
	CreateVisitor(ctx context.Context, v Visitor) (bool, error)
	// TouchVisitor advances last_seen to seen (never backwards) and sets the
	// display name if the stored one is blank and name is not.
	TouchVisitor(ctx context.Context, id uuid.UUID, seen time.Time, name string) (Visitor, error)
}

type Resolver struct {
	store  Store
	locks  *keylock.Locker
	logger *slog.Logger
	now    func() time.Time
}

func NewResolver(store Store, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:  store,
		locks:  keylock.New(),
		logger: logger,
		now:    time.Now,
	}
}

// Resolve returns the durable visitor for token, creating one on first
// sight. Concurrent calls for the same token agree on a single record.
func (r *Resolver) Resolve(ctx context.Context, token, displayName string) (Visitor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Visitor{}, ErrInvalidToken
	}
	displayName = strings.TrimSpace(displayName)

	unlock := r.locks.Lock(token)
	defer unlock()

	now := r.now().UTC()
	found, err := r.store.FindVisitors(ctx, token)
	if err != nil {
		return Visitor{}, fmt.Errorf("find visitor: %w", err)
	}

	if len(found) == 0 {
		v := Visitor{
			ID:            uuid.New(),
			ExternalToken: token,
			DisplayName:   displayName,
			FirstSeen:     now,
			LastSeen:      now,
		}
		created, err := r.store.CreateVisitor(ctx, v)
		if err != nil {
			return Visitor{}, fmt.Errorf("create visitor: %w", err)
		}
		if created {
			r.logger.Info("visitor created", "visitor_id", v.ID)
			return v, nil
		}

		// Another process created it between our read and insert.
		found, err = r.store.FindVisitors(ctx, token)
		if err != nil {
			return Visitor{}, fmt.Errorf("find visitor: %w", err)
		}
		if len(found) == 0 {
			return Visitor{}, fmt.Errorf("visitor for token disappeared after create: %w", ErrNotFound)
		}
	}

	v := earliest(found)
	if len(found) > 1 {
		r.logger.Warn("resolving visitor to earliest record",
			"error", ErrIdentityConflict,
			"visitor_id", v.ID,
			"records", len(found),
		)
	}

	touched, err := r.store.TouchVisitor(ctx, v.ID, now, displayName)
	if err != nil {
		return Visitor{}, fmt.Errorf("touch visitor: %w", err)
	}
	return touched, nil
}

func earliest(vs []Visitor) Visitor {
	sorted := append([]Visitor(nil), vs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].FirstSeen.Before(sorted[j].FirstSeen) })
	return sorted[0]
}
