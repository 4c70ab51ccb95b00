package ingest

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memKey struct{ tenant, id string }

// MemoryCatalog is a Catalog held in process memory.
type MemoryCatalog struct {
	mu      sync.Mutex
	entries map[memKey]CatalogEntry
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{entries: make(map[memKey]CatalogEntry)}
}

func (m *MemoryCatalog) GetSource(ctx context.Context, tenantID, sourceID string) (CatalogEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[memKey{tenantID, sourceID}]
	return e, ok, nil
}

func (m *MemoryCatalog) PutSource(ctx context.Context, e CatalogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[memKey{e.TenantID, e.SourceID}] = e
	return nil
}

func (m *MemoryCatalog) RemoveSource(ctx context.Context, tenantID, sourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, memKey{tenantID, sourceID})
	return nil
}

func (m *MemoryCatalog) RenameSource(ctx context.Context, tenantID, fromID, toID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[memKey{tenantID, fromID}]
	if !ok {
		return nil
	}
	delete(m.entries, memKey{tenantID, fromID})
	e.SourceID = toID
	e.Temporary = false
	m.entries[memKey{tenantID, toID}] = e
	return nil
}

func (m *MemoryCatalog) ListSources(ctx context.Context, tenantID string) ([]CatalogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []CatalogEntry
	for k, e := range m.entries {
		if tenantID == "" || k.tenant == tenantID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].SourceID < out[j].SourceID
	})
	return out, nil
}

// MemoryPending is a PendingStore held in process memory.
type MemoryPending struct {
	mu      sync.Mutex
	entries map[memKey]Reconciliation
	aliases map[memKey]Alias
}

func NewMemoryPending() *MemoryPending {
	return &MemoryPending{
		entries: make(map[memKey]Reconciliation),
		aliases: make(map[memKey]Alias),
	}
}

func (m *MemoryPending) RecordPending(ctx context.Context, r Reconciliation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey{r.TenantID, r.TempID}
	if existing, ok := m.entries[k]; ok {
		existing.PermanentID = r.PermanentID
		existing.Attempts++
		m.entries[k] = existing
		return nil
	}
	if r.Attempts == 0 {
		r.Attempts = 1
	}
	m.entries[k] = r
	return nil
}

func (m *MemoryPending) GetPending(ctx context.Context, tenantID, tempID string) (Reconciliation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.entries[memKey{tenantID, tempID}]
	return r, ok, nil
}

func (m *MemoryPending) RemovePending(ctx context.Context, tenantID, tempID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, memKey{tenantID, tempID})
	return nil
}

func (m *MemoryPending) ListPending(ctx context.Context) ([]Reconciliation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Reconciliation, 0, len(m.entries))
	for _, r := range m.entries {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out, nil
}

func (m *MemoryPending) RecordAlias(ctx context.Context, a Alias) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aliases[memKey{a.TenantID, a.TempID}] = a
	return nil
}

func (m *MemoryPending) GetAlias(ctx context.Context, tenantID, tempID string) (Alias, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.aliases[memKey{tenantID, tempID}]
	return a, ok, nil
}

func (m *MemoryPending) PruneAliases(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, a := range m.aliases {
		if a.AppliedAt.Before(before) {
			delete(m.aliases, k)
			n++
		}
	}
	return n, nil
}
