package port

import (
	"context"

	"github.com/nlm-vision/trake/internal/domain"
)

// Neighbor is one hit of an approximate nearest-neighbor query.
type Neighbor struct {
	Key        int64
	Similarity float64
}

// VectorIndex abstracts the keyframe vector store: corpus-wide approximate
// nearest-neighbor search plus exact retrieval of a contiguous key interval.
type VectorIndex interface {
	// Nearest returns up to k neighbors of the query vector, most similar
	// first. Keys listed in excludeKeys are left out of the result.
	Nearest(ctx context.Context, vector []float32, k int, excludeKeys []int64) ([]Neighbor, error)

	// Range returns every keyframe key and vector in the closed interval
	// [startID, endID], in ascending key order.
	Range(ctx context.Context, startID, endID int64) ([]int64, [][]float32, error)
}

// MetadataFilter selects keyframes by their group or video attributes.
// Zero-value fields are not applied.
type MetadataFilter struct {
	GroupIn []string
	VideoIn []int
}

// MetadataStore resolves keyframe metadata by key or by attribute filter.
type MetadataStore interface {
	// FindKeys returns the set of keyframe keys matching the filter.
	FindKeys(ctx context.Context, filter MetadataFilter) (map[int64]struct{}, error)

	// GetKeyframes returns the metadata records for the given keys.
	GetKeyframes(ctx context.Context, keys []int64) ([]domain.Keyframe, error)
}
