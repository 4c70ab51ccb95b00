package chunker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func words(n int) string {
	w := make([]string, n)
	for i := range w {
		w[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(w, " ")
}

func TestChunk_Empty(t *testing.T) {
	for _, in := range []string{"", "   ", "\n\t "} {
		chunks, err := Chunk(in, 10, 2)
		if err != nil {
			t.Fatalf("Chunk(%q): %v", in, err)
		}
		if len(chunks) != 0 {
			t.Errorf("Chunk(%q): expected no chunks, got %d", in, len(chunks))
		}
	}
}

func TestChunk_InvalidParams(t *testing.T) {
	cases := []struct{ max, overlap int }{
		{0, 0},
		{-1, 0},
		{10, -1},
		{10, 10},
		{10, 11},
	}
	for _, c := range cases {
		_, err := Chunk("some text", c.max, c.overlap)
		if !errors.Is(err, ErrInvalidParams) {
			t.Errorf("Chunk(max=%d, overlap=%d): expected ErrInvalidParams, got %v", c.max, c.overlap, err)
		}
	}
}

func TestChunk_UnderLimit(t *testing.T) {
	chunks, err := Chunk("Alice led a small team.", 200, 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0] != "Alice led a small team." {
		t.Errorf("chunk = %q", chunks[0])
	}
}

func TestChunk_WindowAndOverlap(t *testing.T) {
	chunks, err := Chunk(words(25), 10, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d: %q", len(chunks), chunks)
	}
	for i, c := range chunks {
		if n := CountTokens(c); n > 10 {
			t.Errorf("chunk %d has %d tokens", i, n)
		}
	}
	for i := 1; i < len(chunks); i++ {
		prev := strings.Fields(chunks[i-1])
		cur := strings.Fields(chunks[i])
		if strings.Join(prev[len(prev)-2:], " ") != strings.Join(cur[:2], " ") {
			t.Errorf("chunks %d and %d do not share 2 tokens: %q / %q", i-1, i, chunks[i-1], chunks[i])
		}
	}
	if !strings.HasSuffix(chunks[2], "w24") {
		t.Errorf("last chunk should end with final word, got %q", chunks[2])
	}
}

func TestChunk_PrefersSentenceBoundary(t *testing.T) {
	chunks, err := Chunk("a b c d e. f g h i j k l", 8, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %q", len(chunks), chunks)
	}
	if chunks[0] != "a b c d e." {
		t.Errorf("chunk 0 = %q, expected cut after sentence end", chunks[0])
	}
	if chunks[1] != "f g h i j k l" {
		t.Errorf("chunk 1 = %q", chunks[1])
	}
}

func TestChunk_IgnoresEarlySentenceBoundary(t *testing.T) {
	// The only terminator sits in the first half of the window.
	chunks, err := Chunk("a. b c d e f g h i j", 8, 0)
	if err != nil {
		t.Fatal(err)
	}
	if CountTokens(chunks[0]) != 8 {
		t.Errorf("expected full first window, got %q", chunks[0])
	}
}

func TestChunk_CoversAllWords(t *testing.T) {
	text := words(503)
	chunks, err := Chunk(text, 40, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(chunks, " "); got != text {
		t.Error("zero-overlap chunks do not reassemble the input")
	}
}

func TestChunk_Deterministic(t *testing.T) {
	text := strings.Repeat("Alice shipped a logistics optimizer. It cut routing costs! ", 60)
	first, err := Chunk(text, 200, 20)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		again, err := Chunk(text, 200, 20)
		if err != nil {
			t.Fatal(err)
		}
		if len(again) != len(first) {
			t.Fatalf("run %d: %d chunks, expected %d", i, len(again), len(first))
		}
		for j := range first {
			if again[j] != first[j] {
				t.Fatalf("run %d: chunk %d differs", i, j)
			}
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("one two three four", 2); got != "one two" {
		t.Errorf("Truncate = %q", got)
	}
	if got := Truncate("one  two", 5); got != "one two" {
		t.Errorf("Truncate = %q", got)
	}
}

func TestProfiles_For(t *testing.T) {
	p := DefaultProfiles()
	if got := p.For("profile-field"); got.MaxTokens != 120 || got.OverlapTokens != 0 {
		t.Errorf("profile-field = %+v", got)
	}
	if got := p.For("unknown"); got != fallbackProfile {
		t.Errorf("unknown type should use fallback, got %+v", got)
	}
}

func TestLoadProfiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.yaml")
	yml := "document:\n  max_tokens: 300\n  overlap_tokens: 30\n"
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := LoadProfiles(path)
	if err != nil {
		t.Fatalf("LoadProfiles: %v", err)
	}
	if got := p.For("document"); got.MaxTokens != 300 || got.OverlapTokens != 30 {
		t.Errorf("document = %+v", got)
	}
	if got := p.For("project"); got.MaxTokens != 200 {
		t.Errorf("project should keep default, got %+v", got)
	}
}

func TestLoadProfiles_MissingFile(t *testing.T) {
	p, err := LoadProfiles(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file should fall back to defaults: %v", err)
	}
	if len(p) != len(DefaultProfiles()) {
		t.Errorf("expected defaults, got %v", p)
	}
}

func TestLoadProfiles_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	yml := "document:\n  max_tokens: 10\n  overlap_tokens: 10\n"
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadProfiles(path); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("expected ErrInvalidParams, got %v", err)
	}
}

func TestProfiles_ValidateKeepsModelMargin(t *testing.T) {
	if err := DefaultProfiles().Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	limit := EmbedInputLimit / MaxTokensPerWord
	ok := Profiles{"document": {MaxTokens: limit, OverlapTokens: 10}}
	if err := ok.Validate(); err != nil {
		t.Errorf("max=%d should fit: %v", limit, err)
	}
	tooBig := Profiles{"document": {MaxTokens: limit + 1, OverlapTokens: 10}}
	if err := tooBig.Validate(); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("max=%d should be rejected, got %v", limit+1, err)
	}
}
