// Package match holds the numeric side of face matching: cosine similarity
// between embeddings and the threshold decision applied to the result.
package match

import (
	"errors"
	"fmt"
	"math"

	"github.com/andresmejia3/reelmatch/internal/types"
)

var (
	// ErrDimensionMismatch means the two embeddings come from different models or are corrupt.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrDegenerateVector means one of the embeddings has zero magnitude.
	ErrDegenerateVector = errors.New("degenerate embedding vector")
)

// Similarity returns the cosine similarity of a and b, in [-1, 1].
func Similarity(a, b types.Embedding) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d != %d", ErrDimensionMismatch, len(a), len(b))
	}

	var dot, sumA, sumB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		sumA += x * x
		sumB += y * y
	}
	if sumA == 0 || sumB == 0 {
		return 0, ErrDegenerateVector
	}

	sim := dot / (math.Sqrt(sumA) * math.Sqrt(sumB))
	// Clamp to [-1, 1] to absorb floating point drift
	return math.Max(-1, math.Min(1, sim)), nil
}

// Norm returns the Euclidean length of v.
func Norm(v types.Embedding) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}
