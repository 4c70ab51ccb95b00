package identity

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps visitors in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	byToken map[string][]uuid.UUID
	byID    map[uuid.UUID]Visitor
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byToken: make(map[string][]uuid.UUID),
		byID:    make(map[uuid.UUID]Visitor),
	}
}

func (m *MemoryStore) FindVisitors(ctx context.Context, token string) ([]Visitor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.byToken[token]
	out := make([]Visitor, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.byID[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].FirstSeen.Before(out[j].FirstSeen) })
	return out, nil
}

func (m *MemoryStore) CreateVisitor(ctx context.Context, v Visitor) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.byToken[v.ExternalToken]) > 0 {
		return false, nil
	}
	m.insert(v)
	return true, nil
}

func (m *MemoryStore) TouchVisitor(ctx context.Context, id uuid.UUID, seen time.Time, name string) (Visitor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.byID[id]
	if !ok {
		return Visitor{}, ErrNotFound
	}
	if seen.After(v.LastSeen) {
		v.LastSeen = seen
	}
	if v.DisplayName == "" && name != "" {
		v.DisplayName = name
	}
	m.byID[id] = v
	return v, nil
}

// Count reports how many records exist in total.
func (m *MemoryStore) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

func (m *MemoryStore) insert(v Visitor) {
	m.byToken[v.ExternalToken] = append(m.byToken[v.ExternalToken], v.ID)
	m.byID[v.ID] = v
}
