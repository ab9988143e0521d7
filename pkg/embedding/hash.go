package embedding

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"

	ctxmath "github.com/Siddhant-K-code/ctxcache/pkg/math"
)

// HashProvider is a deterministic bag-of-words embedder using the hashing
// trick. Texts sharing words land close together, which is enough for
// offline use and tests; it carries no semantics beyond token overlap.
type HashProvider struct {
	dims int
}

// NewHashProvider creates a hashing embedder with dims dimensions.
func NewHashProvider(dims int) *HashProvider {
	if dims <= 0 {
		dims = 256
	}
	return &HashProvider{dims: dims}
}

// Embed hashes each lowercased token into a signed bucket and normalizes.
func (h *HashProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	if len(tokens) == 0 {
		return nil, ErrEmptyInput
	}

	vec := make([]float32, h.dims)
	for _, tok := range tokens {
		f := fnv.New64a()
		_, _ = f.Write([]byte(tok))
		sum := f.Sum64()
		idx := int(sum % uint64(h.dims))
		if sum&(1<<63) != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}
	ctxmath.NormalizeInPlace(vec)
	return vec, nil
}

// EmbedBatch embeds each text in turn.
func (h *HashProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := h.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Dimension returns the vector size.
func (h *HashProvider) Dimension() int { return h.dims }

// ModelName identifies the embedder.
func (h *HashProvider) ModelName() string { return "hash-bow" }
