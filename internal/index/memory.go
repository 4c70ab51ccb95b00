package index

import (
	"context"
	"sort"
	"sync"

	"github.com/MikeSquared-Agency/mirror/internal/embedding"
)

// Memory is an Index held in process memory. Queries take a read lock only,
// so they never wait on each other.
type Memory struct {
	mu      sync.RWMutex
	tenants map[string]map[string]Passage // tenant -> passage id -> passage
}

func NewMemory() *Memory {
	return &Memory{tenants: make(map[string]map[string]Passage)}
}

func (m *Memory) Upsert(ctx context.Context, tenantID string, passages []Passage) error {
	prepared, err := Prepare(tenantID, passages)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	part := m.tenants[tenantID]
	if part == nil {
		part = make(map[string]Passage)
		m.tenants[tenantID] = part
	}
	for _, p := range prepared {
		p.Vector = append([]float32(nil), p.Vector...)
		part[p.ID] = p
	}
	return nil
}

func (m *Memory) Delete(ctx context.Context, tenantID, sourceID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropLocked(tenantID, sourceID), nil
}

// Replace swaps a source's passages in one critical section.
func (m *Memory) Replace(ctx context.Context, tenantID, sourceID string, passages []Passage) error {
	prepared, err := PrepareSource(tenantID, sourceID, passages)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropLocked(tenantID, sourceID)
	if len(prepared) == 0 {
		return nil
	}
	part := m.tenants[tenantID]
	if part == nil {
		part = make(map[string]Passage)
		m.tenants[tenantID] = part
	}
	for _, p := range prepared {
		p.Vector = append([]float32(nil), p.Vector...)
		part[p.ID] = p
	}
	return nil
}

// dropLocked removes every passage of sourceID. m.mu must be held.
func (m *Memory) dropLocked(tenantID, sourceID string) int {
	part := m.tenants[tenantID]
	removed := 0
	for id, p := range part {
		if p.SourceID == sourceID {
			delete(part, id)
			removed++
		}
	}
	if part != nil && len(part) == 0 {
		delete(m.tenants, tenantID)
	}
	return removed
}

func (m *Memory) Query(ctx context.Context, tenantID string, vector []float32, k int) ([]Scored, error) {
	if k <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	part := m.tenants[tenantID]
	results := make([]Scored, 0, len(part))
	for _, p := range part {
		results = append(results, Scored{Passage: p, Score: embedding.Cosine(vector, p.Vector)})
	}
	m.mu.RUnlock()

	SortScored(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (m *Memory) Passages(ctx context.Context, tenantID, sourceID string) ([]Passage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Passage
	for _, p := range m.tenants[tenantID] {
		if p.SourceID == sourceID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// Rekey moves every passage of fromSourceID to toSourceID in one critical
// section, dropping whatever toSourceID held before.
func (m *Memory) Rekey(ctx context.Context, tenantID, fromSourceID, toSourceID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	part := m.tenants[tenantID]
	var moving []Passage
	for id, p := range part {
		if p.SourceID == fromSourceID {
			moving = append(moving, p)
			delete(part, id)
		}
	}
	if len(moving) == 0 {
		return 0, nil
	}
	for id, p := range part {
		if p.SourceID == toSourceID {
			delete(part, id)
		}
	}
	for _, p := range moving {
		p.SourceID = toSourceID
		p.ID = PassageID(tenantID, toSourceID, p.Sequence)
		part[p.ID] = p
	}
	return len(moving), nil
}

// Len reports how many passages tenantID has.
func (m *Memory) Len(tenantID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tenants[tenantID])
}

// SortScored orders results by descending score, breaking ties by source
// and sequence so output is stable.
func SortScored(s []Scored) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].Score != s[j].Score {
			return s[i].Score > s[j].Score
		}
		if s[i].SourceID != s[j].SourceID {
			return s[i].SourceID < s[j].SourceID
		}
		return s[i].Sequence < s[j].Sequence
	})
}
