// Package index defines the per-tenant vector index and an in-memory
// implementation of it.
package index

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrIndexUnavailable wraps any storage failure behind an index call.
	ErrIndexUnavailable = errors.New("vector index unavailable")
	// ErrTenantMismatch is returned when a passage is written under a tenant
	// other than its own.
	ErrTenantMismatch = errors.New("passage tenant does not match")
	ErrMissingTenant  = errors.New("tenant id is required")
	// ErrSourceMismatch is returned when Replace is handed a passage of
	// another source.
	ErrSourceMismatch = errors.New("passage source does not match")
)

type SourceType string

const (
	ProfileField SourceType = "profile-field"
	Project      SourceType = "project"
	Document     SourceType = "document"
	Conversation SourceType = "conversation"
)

func (t SourceType) Valid() bool {
	switch t {
	case ProfileField, Project, Document, Conversation:
		return true
	}
	return false
}

func ParseSourceType(s string) (SourceType, error) {
	t := SourceType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown source type %q", s)
	}
	return t, nil
}

// Passage is one indexed chunk of owner content.
type Passage struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	SourceType SourceType `json:"source_type"`
	SourceID   string     `json:"source_id"`
	Sequence   int        `json:"sequence"`
	Text       string     `json:"text"`
	Vector     []float32  `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Scored is a passage returned by a query with its cosine similarity.
type Scored struct {
	Passage
	Score float64 `json:"score"`
}

var passageNamespace = uuid.MustParse("5b0f9a52-6f43-4c1e-9d3a-6a0c2f1e7d10")

// PassageID derives a stable id so re-ingesting a source overwrites its
// passages rather than adding new ones.
func PassageID(tenantID, sourceID string, seq int) string {
	key := tenantID + "\x00" + sourceID + "\x00" + strconv.Itoa(seq)
	return uuid.NewSHA1(passageNamespace, []byte(key)).String()
}

// Index stores passages partitioned by tenant. Every method is scoped to one
// tenant and never observes another tenant's data.
type Index interface {
	// Upsert writes passages, replacing any with the same (source, sequence).
	Upsert(ctx context.Context, tenantID string, passages []Passage) error
	// Delete removes every passage of a source. Deleting nothing is not an
	// error.
	Delete(ctx context.Context, tenantID, sourceID string) (int, error)
	// Replace makes passages the complete content of a source. Readers see
	// either the old set or the new one, never a mix.
	Replace(ctx context.Context, tenantID, sourceID string, passages []Passage) error
	// Query returns up to k passages by descending similarity to vector.
	Query(ctx context.Context, tenantID string, vector []float32, k int) ([]Scored, error)
	// Passages lists a source's passages in sequence order.
	Passages(ctx context.Context, tenantID, sourceID string) ([]Passage, error)
}

// Rekeyer is implemented by indexes that can move a source's passages to a
// new source id atomically. Passages already under the new id are dropped.
type Rekeyer interface {
	Rekey(ctx context.Context, tenantID, fromSourceID, toSourceID string) (int, error)
}

// PrepareSource is Prepare plus a check that every passage belongs to
// sourceID. Replace implementations call it.
func PrepareSource(tenantID, sourceID string, passages []Passage) ([]Passage, error) {
	for _, p := range passages {
		if p.SourceID != sourceID {
			return nil, fmt.Errorf("%w: %q under %q", ErrSourceMismatch, p.SourceID, sourceID)
		}
	}
	return Prepare(tenantID, passages)
}

// Prepare validates passages for tenantID and fills in ids.
func Prepare(tenantID string, passages []Passage) ([]Passage, error) {
	if tenantID == "" {
		return nil, ErrMissingTenant
	}
	out := make([]Passage, len(passages))
	for i, p := range passages {
		if p.TenantID != tenantID {
			return nil, fmt.Errorf("%w: %q under %q", ErrTenantMismatch, p.TenantID, tenantID)
		}
		p.ID = PassageID(p.TenantID, p.SourceID, p.Sequence)
		if p.CreatedAt.IsZero() {
			p.CreatedAt = time.Now().UTC()
		}
		out[i] = p
	}
	return out, nil
}
