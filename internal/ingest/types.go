package ingest

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/mirror/internal/index"
)

var (
	// ErrReconciliationPending means the temporary id has nothing indexed
	// yet. The remap is recorded and applied once content arrives.
	ErrReconciliationPending = errors.New("reconciliation pending: nothing indexed under temporary id")
	ErrInvalidSource         = errors.New("invalid source")
	// ErrSourceGone means a catalogued source was removed or renamed before
	// it could be replayed.
	ErrSourceGone = errors.New("source no longer catalogued")
)

// State is a step of an ingestion run.
type State string

const (
	StateReceived     State = "received"
	StateChunked      State = "chunked"
	StateEmbedded     State = "embedded"
	StateIndexed      State = "indexed"
	StateIDReconciled State = "id_reconciled"
	StateFailed       State = "failed"
)

// Terminal reports whether no further transition follows s.
func (s State) Terminal() bool {
	return s == StateIndexed || s == StateIDReconciled || s == StateFailed
}

// SourceRef names a piece of owner content. A temporary ref is later
// remapped to a permanent one; the two are never merged into one field.
type SourceRef struct {
	TenantID   string           `json:"tenant_id"`
	SourceType index.SourceType `json:"source_type"`
	SourceID   string           `json:"source_id"`
	Temporary  bool             `json:"temporary,omitempty"`
}

// Source is a unit of owner content to index.
type Source struct {
	SourceRef
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Text        string `json:"text"`
	// Force re-embeds even when the content is unchanged.
	Force bool `json:"force,omitempty"`
}

type Result struct {
	State    State  `json:"state"`
	SourceID string `json:"source_id"`
	Passages int    `json:"passages"`
	Skipped  bool   `json:"skipped,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type ReconcileResult struct {
	State       State  `json:"state"`
	TempID      string `json:"temp_id"`
	PermanentID string `json:"permanent_id"`
	Moved       int    `json:"moved"`
	// Replaced counts passages the permanent id held before the move.
	Replaced  int `json:"replaced,omitempty"`
	Discarded int `json:"discarded,omitempty"`
}

// Reconciliation is a temp-to-permanent remap waiting for content.
type Reconciliation struct {
	TenantID    string    `json:"tenant_id"`
	TempID      string    `json:"temp_id"`
	PermanentID string    `json:"permanent_id"`
	RecordedAt  time.Time `json:"recorded_at"`
	Attempts    int       `json:"attempts"`
}

// Alias remembers an applied reconciliation so a late delivery under the
// temporary id lands on the permanent one.
type Alias struct {
	TenantID    string    `json:"tenant_id"`
	TempID      string    `json:"temp_id"`
	PermanentID string    `json:"permanent_id"`
	AppliedAt   time.Time `json:"applied_at"`
}

// PendingStore holds reconciliations that could not be applied yet, and
// aliases for the ones that were.
type PendingStore interface {
	// RecordPending stores r, or bumps the attempt count and permanent id of
	// an existing entry for the same temp id. RecordedAt is kept from the
	// first record.
	RecordPending(ctx context.Context, r Reconciliation) error
	GetPending(ctx context.Context, tenantID, tempID string) (Reconciliation, bool, error)
	RemovePending(ctx context.Context, tenantID, tempID string) error
	ListPending(ctx context.Context) ([]Reconciliation, error)

	// RecordAlias stores a, replacing any alias for the same temp id.
	RecordAlias(ctx context.Context, a Alias) error
	GetAlias(ctx context.Context, tenantID, tempID string) (Alias, bool, error)
	// PruneAliases drops aliases applied before the cutoff.
	PruneAliases(ctx context.Context, before time.Time) (int, error)
}

// CatalogEntry is the last successfully indexed content of a source, kept
// so the reindex job can replay it.
type CatalogEntry struct {
	TenantID    string           `json:"tenant_id"`
	SourceType  index.SourceType `json:"source_type"`
	SourceID    string           `json:"source_id"`
	Temporary   bool             `json:"temporary,omitempty"`
	Title       string           `json:"title,omitempty"`
	Description string           `json:"description,omitempty"`
	Text        string           `json:"text"`
	ContentHash string           `json:"content_hash"`
	IndexedAt   time.Time        `json:"indexed_at"`
}

// Source rebuilds the ingest input for this entry.
func (e CatalogEntry) Source() Source {
	return Source{
		SourceRef:   SourceRef{TenantID: e.TenantID, SourceType: e.SourceType, SourceID: e.SourceID, Temporary: e.Temporary},
		Title:       e.Title,
		Description: e.Description,
		Text:        e.Text,
	}
}

type Catalog interface {
	GetSource(ctx context.Context, tenantID, sourceID string) (CatalogEntry, bool, error)
	PutSource(ctx context.Context, e CatalogEntry) error
	RemoveSource(ctx context.Context, tenantID, sourceID string) error
	// RenameSource moves an entry to a new source id, replacing any entry
	// already there, and clears its Temporary flag. A missing entry is not
	// an error.
	RenameSource(ctx context.Context, tenantID, fromID, toID string) error
	// ListSources returns entries for tenantID, or for every tenant when
	// tenantID is empty.
	ListSources(ctx context.Context, tenantID string) ([]CatalogEntry, error)
}

var temporaryPrefixes = []string{"tmp-", "tmp_", "temp-", "temp_"}

// LooksTemporary reports whether id carries one of the prefixes upload
// surfaces use for ids assigned before the record is persisted.
func LooksTemporary(id string) bool {
	for _, p := range temporaryPrefixes {
		if strings.HasPrefix(id, p) {
			return true
		}
	}
	return false
}
