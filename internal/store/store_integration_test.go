//go:build integration

package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/mirror/internal/identity"
	"github.com/MikeSquared-Agency/mirror/internal/index"
	"github.com/MikeSquared-Agency/mirror/internal/ingest"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, dbURL)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if err := s.EnsureSchema(ctx, 3); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}

	t.Cleanup(func() {
		s.Close()
	})
	return s
}

// testTenant returns a tenant id unique to this run and removes its rows
// afterwards.
func testTenant(t *testing.T, s *Store) string {
	t.Helper()
	tenant := "it-" + uuid.New().String()[:8]
	t.Cleanup(func() {
		ctx := context.Background()
		s.pool.Exec(ctx, `DELETE FROM mirror_passages WHERE tenant_id = $1`, tenant)
		s.pool.Exec(ctx, `DELETE FROM mirror_sources WHERE tenant_id = $1`, tenant)
		s.pool.Exec(ctx, `DELETE FROM mirror_pending_reconciliations WHERE tenant_id = $1`, tenant)
		s.pool.Exec(ctx, `DELETE FROM mirror_id_aliases WHERE tenant_id = $1`, tenant)
	})
	return tenant
}

func passage(tenant, source string, seq int, vec ...float32) index.Passage {
	return index.Passage{TenantID: tenant, SourceType: index.Document, SourceID: source, Sequence: seq, Text: source, Vector: vec}
}

func TestIntegration_UpsertQueryDelete(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	alice := testTenant(t, s)
	bob := testTenant(t, s)

	if err := s.Upsert(ctx, alice, []index.Passage{
		passage(alice, "doc-1", 0, 1, 0, 0),
		passage(alice, "doc-2", 0, 0, 1, 0),
	}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := s.Upsert(ctx, bob, []index.Passage{passage(bob, "doc-1", 0, 1, 0, 0)}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	// Repeat upsert replaces rather than duplicates.
	if err := s.Upsert(ctx, alice, []index.Passage{passage(alice, "doc-1", 0, 1, 0, 0)}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := s.Query(ctx, alice, []float32{1, 0, 0}, 10)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	if got[0].SourceID != "doc-1" || got[0].Score < 0.99 {
		t.Errorf("unexpected top result: %+v", got[0])
	}
	for _, r := range got {
		if r.TenantID != alice {
			t.Errorf("query leaked tenant %q", r.TenantID)
		}
	}

	n, err := s.Delete(ctx, alice, "doc-1")
	if err != nil || n != 1 {
		t.Errorf("Delete: n=%d err=%v", n, err)
	}
	n, err = s.Delete(ctx, alice, "doc-1")
	if err != nil || n != 0 {
		t.Errorf("repeat Delete: n=%d err=%v", n, err)
	}
}

func TestIntegration_PassagesAndRekey(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	tenant := testTenant(t, s)

	s.Upsert(ctx, tenant, []index.Passage{
		passage(tenant, "tmp-7", 0, 1, 0, 0),
		passage(tenant, "tmp-7", 1, 0, 1, 0),
	})

	ps, err := s.Passages(ctx, tenant, "tmp-7")
	if err != nil {
		t.Fatalf("Passages failed: %v", err)
	}
	if len(ps) != 2 || len(ps[1].Vector) != 3 || ps[1].Vector[1] != 1 {
		t.Fatalf("unexpected passages: %+v", ps)
	}

	moved, err := s.Rekey(ctx, tenant, "tmp-7", "doc-42")
	if err != nil || moved != 2 {
		t.Fatalf("Rekey: moved=%d err=%v", moved, err)
	}
	if left, _ := s.Passages(ctx, tenant, "tmp-7"); len(left) != 0 {
		t.Errorf("%d passages left under temp id", len(left))
	}
	after, _ := s.Passages(ctx, tenant, "doc-42")
	if len(after) != 2 || after[0].ID != index.PassageID(tenant, "doc-42", 0) {
		t.Errorf("unexpected rekeyed passages: %+v", after)
	}

	if err := s.Replace(ctx, tenant, "doc-42", []index.Passage{passage(tenant, "doc-42", 0, 0, 0, 1)}); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	after, _ = s.Passages(ctx, tenant, "doc-42")
	if len(after) != 1 || after[0].Vector[2] != 1 {
		t.Errorf("Replace should leave exactly the new passage, got %+v", after)
	}

	s.Upsert(ctx, tenant, []index.Passage{passage(tenant, "tmp-8", 0, 1, 1, 0)})
	moved, err = s.Rekey(ctx, tenant, "tmp-8", "doc-42")
	if err != nil || moved != 1 {
		t.Fatalf("Rekey onto existing: moved=%d err=%v", moved, err)
	}
	after, _ = s.Passages(ctx, tenant, "doc-42")
	if len(after) != 1 || after[0].Vector[0] != 1 {
		t.Errorf("Rekey should replace the target's passages, got %+v", after)
	}
}

func TestIntegration_VisitorCompareAndCreate(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	token := "it-" + uuid.New().String()
	t.Cleanup(func() {
		s.pool.Exec(context.Background(), `DELETE FROM mirror_visitors WHERE external_token = $1`, token)
	})

	r := identity.NewResolver(s, slogDiscard())
	var wg sync.WaitGroup
	ids := make([]uuid.UUID, 10)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := r.Resolve(ctx, token, "")
			if err != nil {
				t.Errorf("Resolve failed: %v", err)
				return
			}
			ids[i] = v.ID
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("visitors diverged: %s vs %s", id, ids[0])
		}
	}

	found, err := s.FindVisitors(ctx, token)
	if err != nil || len(found) != 1 {
		t.Fatalf("FindVisitors: %d records, err=%v", len(found), err)
	}

	touched, err := s.TouchVisitor(ctx, found[0].ID, found[0].FirstSeen.Add(-time.Hour), "Sam")
	if err != nil {
		t.Fatalf("TouchVisitor failed: %v", err)
	}
	if touched.LastSeen.Before(touched.FirstSeen) {
		t.Error("last_seen moved before first_seen")
	}
	if touched.DisplayName != "Sam" {
		t.Errorf("display name = %q", touched.DisplayName)
	}

	if _, err := s.TouchVisitor(ctx, uuid.New(), time.Now(), ""); !errors.Is(err, identity.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestIntegration_CatalogAndPending(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	tenant := testTenant(t, s)

	entry := ingest.CatalogEntry{
		TenantID: tenant, SourceType: index.Document, SourceID: "tmp-7",
		Temporary: true, Text: "body", ContentHash: "abc", IndexedAt: time.Now().UTC(),
	}
	if err := s.PutSource(ctx, entry); err != nil {
		t.Fatalf("PutSource failed: %v", err)
	}
	if got, _, _ := s.GetSource(ctx, tenant, "tmp-7"); !got.Temporary {
		t.Error("temporary flag not stored")
	}
	older := ingest.CatalogEntry{
		TenantID: tenant, SourceType: index.Document, SourceID: "doc-42",
		Text: "old body", ContentHash: "old", IndexedAt: time.Now().UTC(),
	}
	if err := s.PutSource(ctx, older); err != nil {
		t.Fatalf("PutSource failed: %v", err)
	}
	if err := s.RenameSource(ctx, tenant, "tmp-7", "doc-42"); err != nil {
		t.Fatalf("RenameSource failed: %v", err)
	}
	got, ok, err := s.GetSource(ctx, tenant, "doc-42")
	if err != nil || !ok || got.Text != "body" || got.Temporary {
		t.Fatalf("GetSource: %+v ok=%v err=%v", got, ok, err)
	}
	list, _ := s.ListSources(ctx, tenant)
	if len(list) != 1 {
		t.Errorf("expected 1 source, got %d", len(list))
	}

	rec := ingest.Reconciliation{TenantID: tenant, TempID: "tmp-9", PermanentID: "doc-9", RecordedAt: time.Now().UTC()}
	s.RecordPending(ctx, rec)
	s.RecordPending(ctx, rec)
	p, ok, err := s.GetPending(ctx, tenant, "tmp-9")
	if err != nil || !ok || p.Attempts != 2 {
		t.Fatalf("GetPending: %+v ok=%v err=%v", p, ok, err)
	}
	if err := s.RemovePending(ctx, tenant, "tmp-9"); err != nil {
		t.Fatalf("RemovePending failed: %v", err)
	}
	if _, ok, _ := s.GetPending(ctx, tenant, "tmp-9"); ok {
		t.Error("pending entry survived removal")
	}
}

func TestIntegration_Aliases(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	tenant := testTenant(t, s)

	applied := time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)
	if err := s.RecordAlias(ctx, ingest.Alias{TenantID: tenant, TempID: "tmp-7", PermanentID: "doc-42", AppliedAt: applied}); err != nil {
		t.Fatalf("RecordAlias failed: %v", err)
	}
	a, ok, err := s.GetAlias(ctx, tenant, "tmp-7")
	if err != nil || !ok || a.PermanentID != "doc-42" || !a.AppliedAt.Equal(applied) {
		t.Fatalf("GetAlias: %+v ok=%v err=%v", a, ok, err)
	}
	n, err := s.PruneAliases(ctx, applied.Add(time.Minute))
	if err != nil || n < 1 {
		t.Fatalf("PruneAliases: n=%d err=%v", n, err)
	}
	if _, ok, _ := s.GetAlias(ctx, tenant, "tmp-7"); ok {
		t.Error("alias survived pruning")
	}
}
