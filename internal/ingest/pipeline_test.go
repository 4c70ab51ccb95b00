package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/mirror/internal/chunker"
	"github.com/MikeSquared-Agency/mirror/internal/embedding"
	"github.com/MikeSquared-Agency/mirror/internal/index"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countingEmbedder wraps the local embedder and can be told to fail.
type countingEmbedder struct {
	*embedding.Local
	mu    sync.Mutex
	calls int
	fail  bool
}

func (e *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	fail := e.fail
	e.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("%w: upstream 503", embedding.ErrEmbeddingUnavailable)
	}
	return e.Local.EmbedBatch(ctx, texts)
}

func (e *countingEmbedder) setFail(v bool) {
	e.mu.Lock()
	e.fail = v
	e.mu.Unlock()
}

type fixture struct {
	pipeline *Pipeline
	index    *index.Memory
	embedder *countingEmbedder
	catalog  *MemoryCatalog
	pending  *MemoryPending
}

func newFixture() *fixture {
	f := &fixture{
		index:    index.NewMemory(),
		embedder: &countingEmbedder{Local: embedding.NewLocal(64)},
		catalog:  NewMemoryCatalog(),
		pending:  NewMemoryPending(),
	}
	profiles := chunker.Profiles{
		"document":      {MaxTokens: 8, OverlapTokens: 2},
		"profile-field": {MaxTokens: 8, OverlapTokens: 0},
	}
	f.pipeline = New(f.index, f.embedder, f.catalog, f.pending, profiles, discardLogger())
	return f
}

func doc(tenant, id, text string) Source {
	return Source{SourceRef: SourceRef{TenantID: tenant, SourceType: index.Document, SourceID: id}, Text: text}
}

func wordsN(n int) string {
	w := make([]string, n)
	for i := range w {
		w[i] = fmt.Sprintf("word%d", i)
	}
	return strings.Join(w, " ")
}

func TestIngest_Success(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	res, err := f.pipeline.Ingest(ctx, doc("alice", "doc-1", wordsN(20)))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.State != StateIndexed {
		t.Errorf("state = %s, want indexed", res.State)
	}
	if res.Passages != 3 {
		t.Errorf("passages = %d, want 3", res.Passages)
	}
	got, _ := f.index.Passages(ctx, "alice", "doc-1")
	if len(got) != 3 {
		t.Fatalf("index has %d passages", len(got))
	}
	for i, p := range got {
		if p.Sequence != i || p.SourceType != index.Document || len(p.Vector) != 64 {
			t.Errorf("passage %d malformed: %+v", i, p)
		}
	}
	if _, ok, _ := f.catalog.GetSource(ctx, "alice", "doc-1"); !ok {
		t.Error("source not catalogued")
	}
}

func TestIngest_Idempotent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	src := doc("alice", "doc-1", wordsN(20))

	first, _ := f.pipeline.Ingest(ctx, src)
	second, err := f.pipeline.Ingest(ctx, src)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Skipped {
		t.Error("unchanged content should skip embedding")
	}
	if f.embedder.calls != 1 {
		t.Errorf("expected 1 embed call, got %d", f.embedder.calls)
	}

	src.Force = true
	third, err := f.pipeline.Ingest(ctx, src)
	if err != nil {
		t.Fatal(err)
	}
	if third.Skipped || f.embedder.calls != 2 {
		t.Error("forced ingest should re-embed")
	}
	if f.index.Len("alice") != first.Passages || third.Passages != first.Passages {
		t.Errorf("passage count changed across identical ingests: %d -> %d", first.Passages, f.index.Len("alice"))
	}
}

func TestIngest_ShrinkingEditDropsTail(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.pipeline.Ingest(ctx, doc("alice", "doc-1", wordsN(30)))
	before := f.index.Len("alice")

	res, err := f.pipeline.Ingest(ctx, doc("alice", "doc-1", "short now"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Passages != 1 {
		t.Errorf("passages = %d, want 1", res.Passages)
	}
	if got := f.index.Len("alice"); got != 1 {
		t.Errorf("expected 1 passage after shrink (had %d), got %d", before, got)
	}
}

func TestIngest_EmptyTextClearsSource(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.pipeline.Ingest(ctx, doc("alice", "doc-1", wordsN(10)))
	res, err := f.pipeline.Ingest(ctx, doc("alice", "doc-1", "   "))
	if err != nil {
		t.Fatalf("empty content should succeed: %v", err)
	}
	if res.State != StateIndexed || res.Passages != 0 {
		t.Errorf("result = %+v", res)
	}
	if f.index.Len("alice") != 0 {
		t.Errorf("prior passages should be removed, %d remain", f.index.Len("alice"))
	}
}

func TestIngest_EmbeddingFailureKeepsPriorPassages(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.pipeline.Ingest(ctx, doc("alice", "doc-1", "original text here"))
	f.embedder.setFail(true)

	res, err := f.pipeline.Ingest(ctx, doc("alice", "doc-1", "replacement text that will not land"))
	if !errors.Is(err, embedding.ErrEmbeddingUnavailable) {
		t.Fatalf("expected ErrEmbeddingUnavailable, got %v", err)
	}
	if res.State != StateFailed || res.Reason == "" {
		t.Errorf("result = %+v", res)
	}
	if !IsRetryable(err) {
		t.Error("embedding failures should be retryable")
	}
	got, _ := f.index.Passages(ctx, "alice", "doc-1")
	if len(got) != 1 || got[0].Text != "original text here" {
		t.Errorf("prior passages disturbed: %+v", got)
	}
}

func TestIngest_InvalidSource(t *testing.T) {
	f := newFixture()
	cases := []Source{
		doc("", "doc-1", "x"),
		doc("alice", "", "x"),
		{SourceRef: SourceRef{TenantID: "alice", SourceType: "video", SourceID: "v1"}, Text: "x"},
	}
	for _, src := range cases {
		res, err := f.pipeline.Ingest(context.Background(), src)
		if !errors.Is(err, ErrInvalidSource) {
			t.Errorf("%+v: expected ErrInvalidSource, got %v", src.SourceRef, err)
		}
		if res.State != StateFailed {
			t.Errorf("state = %s", res.State)
		}
	}
}

func TestIngest_TitleAndDescriptionLead(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	src := doc("alice", "proj-1", "body text")
	src.SourceType = index.Project
	src.Title = "Route Planner"
	src.Description = "Logistics optimizer"

	res, err := f.pipeline.Ingest(ctx, src)
	if err != nil {
		t.Fatal(err)
	}
	if res.Passages != 3 {
		t.Fatalf("passages = %d, want 3", res.Passages)
	}
	got, _ := f.index.Passages(ctx, "alice", "proj-1")
	if got[0].Text != "Title: Route Planner" || got[1].Text != "Description: Logistics optimizer" || got[2].Text != "body text" {
		t.Errorf("unexpected passage order: %q, %q, %q", got[0].Text, got[1].Text, got[2].Text)
	}
}

func TestIngest_TenantIsolation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.pipeline.Ingest(ctx, doc("alice", "doc-1", "alice secret plans"))
	f.pipeline.Ingest(ctx, doc("bob", "doc-1", "bob public notes"))

	vec, _ := f.embedder.Embed(ctx, "alice secret plans")
	got, _ := f.index.Query(ctx, "bob", vec, 10)
	for _, s := range got {
		if s.TenantID != "bob" {
			t.Errorf("bob's query returned %s's passage", s.TenantID)
		}
	}
}

func TestForget(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.pipeline.Ingest(ctx, doc("alice", "doc-1", wordsN(10)))

	n, err := f.pipeline.Forget(ctx, "alice", "doc-1")
	if err != nil || n == 0 {
		t.Fatalf("Forget: n=%d err=%v", n, err)
	}
	if _, ok, _ := f.catalog.GetSource(ctx, "alice", "doc-1"); ok {
		t.Error("catalog entry survived Forget")
	}
	n, err = f.pipeline.Forget(ctx, "alice", "doc-1")
	if err != nil || n != 0 {
		t.Errorf("second Forget: n=%d err=%v", n, err)
	}
}

func TestIngest_ConcurrentSameSource(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			src := doc("alice", "doc-1", wordsN(4+i%3*10))
			src.Force = true
			if _, err := f.pipeline.Ingest(ctx, src); err != nil {
				t.Errorf("Ingest: %v", err)
			}
		}(i)
	}
	wg.Wait()

	got, _ := f.index.Passages(ctx, "alice", "doc-1")
	for i, p := range got {
		if p.Sequence != i {
			t.Fatalf("passages not contiguous after concurrent ingests: %d at %d", p.Sequence, i)
		}
	}
	entry, _, _ := f.catalog.GetSource(ctx, "alice", "doc-1")
	want, _ := f.pipeline.chunk(entry.Source())
	if len(got) != len(want) {
		t.Errorf("index has %d passages, catalog content yields %d", len(got), len(want))
	}
}

func TestContentHash(t *testing.T) {
	a := doc("alice", "doc-1", "text")
	b := a
	b.Title = "text"
	b.Text = ""
	if ContentHash(a) == ContentHash(b) {
		t.Error("moving text between fields must change the hash")
	}
	if ContentHash(a) != ContentHash(doc("bob", "other", "text")) {
		t.Error("hash should depend on content only")
	}
}

func TestState_Terminal(t *testing.T) {
	for _, s := range []State{StateIndexed, StateIDReconciled, StateFailed} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []State{StateReceived, StateChunked, StateEmbedded} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestSources(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.pipeline.Ingest(ctx, doc("alice", "b", "x"))
	f.pipeline.Ingest(ctx, doc("alice", "a", "y"))
	f.pipeline.Ingest(ctx, doc("bob", "c", "z"))

	alice, _ := f.pipeline.Sources(ctx, "alice")
	if len(alice) != 2 || alice[0].SourceID != "a" {
		t.Errorf("alice sources = %+v", alice)
	}
	all, _ := f.pipeline.Sources(ctx, "")
	if len(all) != 3 {
		t.Errorf("expected 3 sources across tenants, got %d", len(all))
	}
}

func fixedNow(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestIngest_CatalogKeepsTemporaryFlag(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	flagged := doc("alice", "upload-3", "unsaved upload")
	flagged.Temporary = true
	f.pipeline.Ingest(ctx, doc("alice", "tmp-7", "draft"))
	f.pipeline.Ingest(ctx, flagged)
	f.pipeline.Ingest(ctx, doc("alice", "doc-1", "saved"))

	for id, want := range map[string]bool{"tmp-7": true, "upload-3": true, "doc-1": false} {
		entry, ok, _ := f.catalog.GetSource(ctx, "alice", id)
		if !ok || entry.Temporary != want {
			t.Errorf("%s: temporary=%v ok=%v, want %v", id, entry.Temporary, ok, want)
		}
		if entry.Source().Temporary != want {
			t.Errorf("%s: replayed source lost the flag", id)
		}
	}

	// Same content, flag flipped: no re-embed, but the catalog follows.
	calls := f.embedder.calls
	f.pipeline.Ingest(ctx, doc("alice", "upload-3", "unsaved upload"))
	if f.embedder.calls != calls {
		t.Error("unchanged content should not re-embed")
	}
	if entry, _, _ := f.catalog.GetSource(ctx, "alice", "upload-3"); entry.Temporary {
		t.Error("catalog kept a stale temporary flag")
	}
}

func TestIngest_PermanentSourceIgnoresPending(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.pipeline.ReconcileID(ctx, "alice", "draft-1", "doc-1")

	res, err := f.pipeline.Ingest(ctx, doc("alice", "draft-1", "saved under its own id"))
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateIndexed || res.SourceID != "draft-1" {
		t.Errorf("permanent source should not be remapped: %+v", res)
	}
	if _, ok, _ := f.pending.GetPending(ctx, "alice", "draft-1"); !ok {
		t.Error("pending entry should be left alone")
	}

	f.pipeline.Forget(ctx, "alice", "draft-1")
	f.pipeline.ReconcileID(ctx, "alice", "draft-1", "doc-1")
	flagged := doc("alice", "draft-1", "an unsaved upload")
	flagged.Temporary = true
	res, err = f.pipeline.Ingest(ctx, flagged)
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateIDReconciled || res.SourceID != "doc-1" {
		t.Errorf("temporary source should pick up the pending remap: %+v", res)
	}
}

func TestIngest_LateDeliveryRedirectsToPermanent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.pipeline.now = fixedNow(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	f.pipeline.Ingest(ctx, doc("alice", "tmp-7", "Alice shipped a logistics optimizer."))
	if _, err := f.pipeline.ReconcileID(ctx, "alice", "tmp-7", "doc-42"); err != nil {
		t.Fatal(err)
	}

	calls := f.embedder.calls
	res, err := f.pipeline.Ingest(ctx, doc("alice", "tmp-7", "Alice shipped a logistics optimizer."))
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateIDReconciled || res.SourceID != "doc-42" || !res.Skipped {
		t.Errorf("redelivery should land on doc-42 unchanged: %+v", res)
	}
	if f.embedder.calls != calls {
		t.Error("redelivery of the same content should not re-embed")
	}

	res, err = f.pipeline.Ingest(ctx, doc("alice", "tmp-7", "Alice shipped a routing engine."))
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateIDReconciled || res.SourceID != "doc-42" || res.Skipped {
		t.Errorf("late edit should land on doc-42: %+v", res)
	}
	got, _ := f.index.Passages(ctx, "alice", "doc-42")
	if len(got) != 1 || got[0].Text != "Alice shipped a routing engine." {
		t.Errorf("doc-42 = %+v", got)
	}
	if left, _ := f.index.Passages(ctx, "alice", "tmp-7"); len(left) != 0 {
		t.Errorf("%d passages resurrected under temp id", len(left))
	}
	if _, ok, _ := f.catalog.GetSource(ctx, "alice", "tmp-7"); ok {
		t.Error("temp id catalogued again")
	}
}

func TestIngest_LateDeliveryAfterOwnerEditIsDropped(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	f.pipeline.now = fixedNow(start)
	f.pipeline.Ingest(ctx, doc("alice", "tmp-7", "first draft"))
	f.pipeline.ReconcileID(ctx, "alice", "tmp-7", "doc-42")

	f.pipeline.now = fixedNow(start.Add(time.Minute))
	f.pipeline.Ingest(ctx, doc("alice", "doc-42", "edited by the owner"))

	res, err := f.pipeline.Ingest(ctx, doc("alice", "tmp-7", "first draft, retried by the upload queue"))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Skipped || res.SourceID != "doc-42" || res.State != StateIDReconciled {
		t.Errorf("stale delivery should be dropped: %+v", res)
	}
	got, _ := f.index.Passages(ctx, "alice", "doc-42")
	if len(got) != 1 || got[0].Text != "edited by the owner" {
		t.Errorf("owner edit overwritten: %+v", got)
	}

	f.pipeline.Forget(ctx, "alice", "doc-42")
	res, _ = f.pipeline.Ingest(ctx, doc("alice", "tmp-7", "first draft, retried again"))
	if !res.Skipped {
		t.Errorf("delivery after delete should be dropped: %+v", res)
	}
	if n := f.index.Len("alice"); n != 0 {
		t.Errorf("forgotten source resurrected with %d passages", n)
	}
}

func TestIngest_NewRemapBeatsOldAlias(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.pipeline.Ingest(ctx, doc("alice", "tmp-7", "first upload"))
	f.pipeline.ReconcileID(ctx, "alice", "tmp-7", "doc-42")

	if _, err := f.pipeline.ReconcileID(ctx, "alice", "tmp-7", "doc-43"); !errors.Is(err, ErrReconciliationPending) {
		t.Fatalf("expected a pending remap, got %v", err)
	}
	res, err := f.pipeline.Ingest(ctx, doc("alice", "tmp-7", "second upload"))
	if err != nil {
		t.Fatal(err)
	}
	if res.SourceID != "doc-43" {
		t.Errorf("pending remap should win over the old alias: %+v", res)
	}
	if got, _ := f.index.Passages(ctx, "alice", "doc-42"); len(got) != 1 || got[0].Text != "first upload" {
		t.Errorf("doc-42 disturbed: %+v", got)
	}
}

func TestReindex(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.pipeline.Ingest(ctx, doc("alice", "doc-1", wordsN(20)))
	f.pipeline.Ingest(ctx, doc("alice", "tmp-7", "draft"))
	f.pipeline.ReconcileID(ctx, "alice", "tmp-7", "doc-42")

	calls := f.embedder.calls
	res, err := f.pipeline.Reindex(ctx, "alice", "doc-1")
	if err != nil {
		t.Fatalf("Reindex: %v", err)
	}
	if res.Skipped || res.Passages != 3 || f.embedder.calls != calls+1 {
		t.Errorf("reindex should re-embed from the catalog: %+v", res)
	}

	for _, id := range []string{"tmp-7", "never-seen"} {
		if _, err := f.pipeline.Reindex(ctx, "alice", id); !errors.Is(err, ErrSourceGone) {
			t.Errorf("%s: expected ErrSourceGone, got %v", id, err)
		}
	}
	if got, _ := f.index.Passages(ctx, "alice", "tmp-7"); len(got) != 0 {
		t.Error("reindex resurrected a renamed source")
	}
}
