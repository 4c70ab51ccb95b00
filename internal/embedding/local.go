package embedding

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"
)

// Local is an offline embedder that hashes lowercased words into a fixed
// number of buckets. It has no semantic understanding but is deterministic,
// so it serves development without an API key and tests.
type Local struct {
	dims int
}

func NewLocal(dims int) *Local {
	if dims <= 0 {
		dims = 256
	}
	return &Local{dims: dims}
}

func (l *Local) Dimensions() int   { return l.dims }
func (l *Local) ModelName() string { return "local-hash" }

func (l *Local) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v := make([]float32, l.dims)
	for _, w := range Terms(text) {
		h := fnv.New32a()
		h.Write([]byte(w))
		v[h.Sum32()%uint32(l.dims)]++
	}
	return Normalize(v), nil
}

func (l *Local) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := l.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Terms splits text into lowercased letter/digit runs.
func Terms(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
