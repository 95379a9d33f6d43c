package vector

import (
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Embedder maps text to a fixed-dimension vector. Implementations must be
// deterministic, pure, and safe for concurrent use; the index normalizes
// the output, so unit length is not required of the producer.
type Embedder func(text string) []float32

// DefaultDimension matches the snapshot format shipped by default.
// Changing the dimension invalidates existing snapshots.
const DefaultDimension = 384

// HashEmbedder is the built-in embedding producer: a feature-hashing
// bag-of-words projection. Each token is hashed into one of dim buckets
// with a hash-derived sign, then the vector is normalized. Texts sharing
// tokens land near each other; it is a stand-in for a real sentence
// encoder behind the same function type.
func HashEmbedder(dim int) Embedder {
	return func(text string) []float32 {
		vec := make([]float32, dim)
		for _, tok := range tokenize(text) {
			h := fnv.New64a()
			h.Write([]byte(tok))
			sum := h.Sum64()
			bucket := int(sum % uint64(dim))
			if sum&(1<<63) != 0 {
				vec[bucket]--
			} else {
				vec[bucket]++
			}
		}
		return vec
	}
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// Normalize scales v to unit length in place and returns it. The zero
// vector is returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
