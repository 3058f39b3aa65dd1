// Package vector provides embedding storage with cosine-similarity
// search over two interchangeable backends: SQLiteStore (sqlite-vec)
// and FileStore (one JSON blob per item).
package vector

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// DefaultDimension matches the common embedding size of
// text-embedding models.
const DefaultDimension = 1536

var (
	// ErrNotFound is returned when an id has no stored item.
	ErrNotFound = errors.New("vector: not found")
	// ErrDimensionMismatch is returned when a vector's length differs
	// from the store's configured dimension. Vectors are never
	// truncated or padded.
	ErrDimensionMismatch = errors.New("vector: dimension mismatch")
)

// SearchResult is one stored item, with Score populated by Search.
type SearchResult struct {
	ID      string
	Score   float64
	Payload map[string]any
}

// Store is the vector persistence contract. Filters are an
// exact-match conjunction over payload keys.
type Store interface {
	// Insert stores vectors with ids and payloads; the three slices
	// must be the same length.
	Insert(ctx context.Context, vectors [][]float32, ids []string, payloads []map[string]any) error
	// Search returns the top results by cosine similarity, descending.
	Search(ctx context.Context, query []float32, limit int, filters map[string]any) ([]SearchResult, error)
	// KeywordSearch ranks items by content-word overlap with the query
	// text. Fallback for when no embedder is configured.
	KeywordSearch(ctx context.Context, query string, limit int, filters map[string]any) ([]SearchResult, error)
	// Get returns one item by id.
	Get(ctx context.Context, id string) (*SearchResult, error)
	// Update replaces an item's payload and, when vector is non-nil,
	// its vector.
	Update(ctx context.Context, id string, vector []float32, payload map[string]any) error
	// Delete removes one item.
	Delete(ctx context.Context, id string) error
	// DeleteCol drops the whole collection.
	DeleteCol(ctx context.Context) error
	// List returns up to limit matching items plus the total match
	// count (which may exceed len of the returned slice).
	List(ctx context.Context, filters map[string]any, limit int) ([]SearchResult, int, error)
	// GetByAgent returns items whose payload agentId equals agentID.
	GetByAgent(ctx context.Context, agentID string) ([]SearchResult, error)
	// Stats reports the item count and approximate storage bytes.
	Stats(ctx context.Context) (int, int64, error)
	Close() error
}

// checkDim validates a vector against the configured dimension.
func checkDim(v []float32, dim int) error {
	if len(v) != dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), dim)
	}
	return nil
}

// matchesFilters applies the exact-match conjunction. Numeric values
// are compared through their string form since JSON round-trips
// numbers as float64.
func matchesFilters(payload map[string]any, filters map[string]any) bool {
	for k, want := range filters {
		got, ok := payload[k]
		if !ok {
			return false
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// cosineSimilarity computes the cosine of the angle between a and b.
// Returns 0 for zero-magnitude vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
