// Package vector holds the embedding-vector math and the retrieval index
// abstraction with its local and weaviate implementations.
package vector

import (
	"context"
	"fmt"
	"math"
)

// Match is one ranked retrieval result. Score is in [0,1] when the index
// reports one; nil means the index returned no usable score for the match.
type Match struct {
	ID       string
	Score    *float64
	Metadata string
}

// Index is the vector index collaborator: service-ranked nearest-neighbor
// query over a pre-built corpus. Ordering among equal scores is
// implementation-defined; callers must not rely on it.
type Index interface {
	Query(ctx context.Context, vec []float32, k int) ([]Match, error)
}

func dotProduct(vec1, vec2 []float32) (float32, error) {
	if len(vec1) != len(vec2) {
		return 0, fmt.Errorf("vectors must have the same dimension")
	}
	var product float32
	for i := range vec1 {
		product += vec1[i] * vec2[i]
	}
	return product, nil
}

// Magnitude returns the L2 norm of vec.
func Magnitude(vec []float32) float32 {
	var sumOfSquares float32
	for _, val := range vec {
		sumOfSquares += val * val
	}
	return float32(math.Sqrt(float64(sumOfSquares)))
}

// CosineSimilarity calculates the cosine similarity between two vectors.
func CosineSimilarity(vec1, vec2 []float32) (float32, error) {
	if len(vec1) == 0 || len(vec2) == 0 {
		return 0, fmt.Errorf("vectors cannot be empty")
	}
	product, err := dotProduct(vec1, vec2)
	if err != nil {
		return 0, err
	}

	mag1 := Magnitude(vec1)
	mag2 := Magnitude(vec2)
	if mag1 == 0 || mag2 == 0 {
		return 0, nil
	}
	return product / (mag1 * mag2), nil
}

// Combine returns the componentwise weighted sum w1*vec1 + w2*vec2.
func Combine(vec1, vec2 []float32, w1, w2 float32) ([]float32, error) {
	if len(vec1) != len(vec2) {
		return nil, fmt.Errorf("vectors must have the same dimension")
	}
	combined := make([]float32, len(vec1))
	for i := range vec1 {
		combined[i] = w1*vec1[i] + w2*vec2[i]
	}
	return combined, nil
}

// Normalize scales vec to unit L2 norm, in place. Returns false without
// modifying vec when its magnitude is zero.
func Normalize(vec []float32) bool {
	mag := Magnitude(vec)
	if mag == 0 {
		return false
	}
	for i := range vec {
		vec[i] /= mag
	}
	return true
}
