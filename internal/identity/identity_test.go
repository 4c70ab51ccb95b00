package identity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestResolver(store Store) (*Resolver, *clock) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	r := NewResolver(store, discardLogger())
	r.now = c.now
	return r, c
}

func TestResolve_NewVisitor(t *testing.T) {
	r, _ := newTestResolver(NewMemoryStore())

	v, err := r.Resolve(context.Background(), "v-abc", "Sam")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if v.ID == uuid.Nil {
		t.Error("expected a durable id")
	}
	if v.ExternalToken != "v-abc" {
		t.Errorf("token = %q", v.ExternalToken)
	}
	if !v.FirstSeen.Equal(v.LastSeen) {
		t.Errorf("new visitor first_seen %v != last_seen %v", v.FirstSeen, v.LastSeen)
	}
	if v.DisplayName != "Sam" {
		t.Errorf("display name = %q", v.DisplayName)
	}
}

func TestResolve_ReturningVisitor(t *testing.T) {
	r, c := newTestResolver(NewMemoryStore())
	ctx := context.Background()

	first, _ := r.Resolve(ctx, "v-abc", "")
	c.advance(time.Hour)
	second, err := r.Resolve(ctx, "v-abc", "Sam")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("expected the same durable id, got %s and %s", first.ID, second.ID)
	}
	if !second.LastSeen.After(second.FirstSeen) {
		t.Errorf("last_seen %v should be after first_seen %v", second.LastSeen, second.FirstSeen)
	}
	if second.DisplayName != "Sam" {
		t.Errorf("blank name should be filled, got %q", second.DisplayName)
	}

	c.advance(time.Hour)
	third, _ := r.Resolve(ctx, "v-abc", "Someone Else")
	if third.DisplayName != "Sam" {
		t.Errorf("existing name should be kept, got %q", third.DisplayName)
	}
}

func TestResolve_ClockSkewKeepsOrdering(t *testing.T) {
	r, c := newTestResolver(NewMemoryStore())
	ctx := context.Background()

	first, _ := r.Resolve(ctx, "v-abc", "")
	c.advance(-time.Hour)
	again, err := r.Resolve(ctx, "v-abc", "")
	if err != nil {
		t.Fatal(err)
	}
	if again.LastSeen.Before(first.FirstSeen) {
		t.Errorf("last_seen %v moved before first_seen %v", again.LastSeen, first.FirstSeen)
	}
}

func TestResolve_BlankToken(t *testing.T) {
	r, _ := newTestResolver(NewMemoryStore())
	for _, tok := range []string{"", "   "} {
		if _, err := r.Resolve(context.Background(), tok, "x"); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Resolve(%q): expected ErrInvalidToken, got %v", tok, err)
		}
	}
}

func TestResolve_ConcurrentSameToken(t *testing.T) {
	store := NewMemoryStore()
	r, _ := newTestResolver(store)

	const n = 50
	ids := make([]uuid.UUID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := r.Resolve(context.Background(), "v-abc", "")
			if err != nil {
				t.Errorf("Resolve: %v", err)
				return
			}
			ids[i] = v.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("goroutine %d got %s, expected %s", i, ids[i], ids[0])
		}
	}
	if store.Count() != 1 {
		t.Errorf("expected 1 record, got %d", store.Count())
	}
}

func TestResolve_ConflictUsesEarliest(t *testing.T) {
	store := NewMemoryStore()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	older := Visitor{ID: uuid.New(), ExternalToken: "v-dup", FirstSeen: base, LastSeen: base}
	newer := Visitor{ID: uuid.New(), ExternalToken: "v-dup", FirstSeen: base.Add(time.Hour), LastSeen: base.Add(time.Hour)}
	store.insert(newer)
	store.insert(older)

	r, _ := newTestResolver(store)
	v, err := r.Resolve(context.Background(), "v-dup", "")
	if err != nil {
		t.Fatalf("conflict should not fail the request: %v", err)
	}
	if v.ID != older.ID {
		t.Errorf("expected earliest record %s, got %s", older.ID, v.ID)
	}
}

// racingStore simulates another process inserting the token between the
// resolver's read and its insert.
type racingStore struct {
	*MemoryStore
	winner Visitor
}

func (s *racingStore) CreateVisitor(ctx context.Context, v Visitor) (bool, error) {
	s.MemoryStore.CreateVisitor(ctx, s.winner)
	return false, nil
}

func TestResolve_LostCreateRace(t *testing.T) {
	now := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	winner := Visitor{ID: uuid.New(), ExternalToken: "v-abc", FirstSeen: now, LastSeen: now}
	r, _ := newTestResolver(&racingStore{MemoryStore: NewMemoryStore(), winner: winner})

	v, err := r.Resolve(context.Background(), "v-abc", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if v.ID != winner.ID {
		t.Errorf("expected the other process's record %s, got %s", winner.ID, v.ID)
	}
}
