package knowledge

import (
	"hash/fnv"
	"math"
	"strings"
)

// Embedder maps pattern descriptions to fixed-dimension vectors. The mapping
// is deterministic: equal text always yields equal vectors, so pattern
// self-similarity is exact.
type Embedder struct {
	dims int
}

func NewEmbedder(dims int) *Embedder {
	if dims <= 0 {
		dims = 256
	}
	return &Embedder{dims: dims}
}

func (e *Embedder) Dimensions() int { return e.dims }

// Embed hashes unigrams and bigrams of the normalized text into a bag-of-
// features vector and L2-normalizes it. Bigrams keep phrase-level structure
// ("card testing" vs "testing card") without any model dependency.
func (e *Embedder) Embed(text string) []float64 {
	vec := make([]float64, e.dims)
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return vec
	}

	for i, tok := range tokens {
		vec[e.bucket(tok)] += 1.0
		if i > 0 {
			vec[e.bucket(tokens[i-1]+" "+tok)] += 0.5
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vec
	}
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

func (e *Embedder) bucket(token string) int {
	h := fnv.New32a()
	h.Write([]byte(token))
	return int(h.Sum32() % uint32(e.dims))
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9') && r != '$'
	})
	tokens := fields[:0]
	for _, f := range fields {
		if len(f) > 1 || f == "$" {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// Cosine returns the cosine similarity of two vectors of equal length.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
