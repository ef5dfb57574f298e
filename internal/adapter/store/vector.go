package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/nlm-vision/trake/internal/port"
)

// VectorStore handles pgvector-specific operations over keyframe embeddings.
// It implements port.VectorIndex.
type VectorStore struct {
	store     *PostgresStore
	dimension int
}

// NewVectorStore creates a vector index backed by the given Postgres store.
func NewVectorStore(store *PostgresStore, dimension int) *VectorStore {
	return &VectorStore{store: store, dimension: dimension}
}

// Nearest performs a cosine similarity search over the whole corpus and
// returns up to k keyframes, most similar first.
func (v *VectorStore) Nearest(ctx context.Context, vector []float32, k int, excludeKeys []int64) ([]port.Neighbor, error) {
	if err := v.checkDimension(vector); err != nil {
		return nil, fmt.Errorf("nearest: %w", err)
	}
	vectorStr := vectorToString(vector)

	query := `SELECT key, 1 - (vector <=> $1::vector) AS similarity
	          FROM keyframes`
	args := []interface{}{vectorStr}
	if len(excludeKeys) > 0 {
		query += ` WHERE NOT (key = ANY($2))`
		args = append(args, pq.Array(excludeKeys))
	}
	query += fmt.Sprintf(` ORDER BY vector <=> $1::vector LIMIT %d`, k)

	rows, err := v.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("nearest: %w", err)
	}
	defer rows.Close()

	var results []port.Neighbor
	for rows.Next() {
		var n port.Neighbor
		if err := rows.Scan(&n.Key, &n.Similarity); err != nil {
			return nil, fmt.Errorf("scan neighbor: %w", err)
		}
		results = append(results, n)
	}
	return results, rows.Err()
}

// Range returns every keyframe key and vector in the closed interval
// [startID, endID], in ascending key order. The ORDER BY is what the
// alignment engine relies on: column index must follow playback order.
func (v *VectorStore) Range(ctx context.Context, startID, endID int64) ([]int64, [][]float32, error) {
	query := `SELECT key, vector::text FROM keyframes
	          WHERE key BETWEEN $1 AND $2 ORDER BY key`

	rows, err := v.store.db.QueryContext(ctx, query, startID, endID)
	if err != nil {
		return nil, nil, fmt.Errorf("range query: %w", err)
	}
	defer rows.Close()

	var (
		keys    []int64
		vectors [][]float32
	)
	for rows.Next() {
		var (
			key       int64
			vectorStr string
		)
		if err := rows.Scan(&key, &vectorStr); err != nil {
			return nil, nil, fmt.Errorf("scan range row: %w", err)
		}
		vec, err := parseVector(vectorStr)
		if err != nil {
			return nil, nil, fmt.Errorf("parse vector for key %d: %w", key, err)
		}
		if err := v.checkDimension(vec); err != nil {
			return nil, nil, fmt.Errorf("key %d: %w", key, err)
		}
		keys = append(keys, key)
		vectors = append(vectors, vec)
	}
	return keys, vectors, rows.Err()
}

// checkDimension rejects vectors that don't match the configured embedding
// dimension. A zero dimension disables the check.
func (v *VectorStore) checkDimension(vec []float32) error {
	if v.dimension > 0 && len(vec) != v.dimension {
		return fmt.Errorf("vector has %d dimensions, store expects %d", len(vec), v.dimension)
	}
	return nil
}

// vectorToString converts a float32 slice to pgvector string format: [0.1,0.2,0.3].
func vectorToString(v []float32) string {
	parts := make([]string, len(v))
	for i, val := range v {
		parts[i] = strconv.FormatFloat(float64(val), 'g', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// parseVector is the inverse of vectorToString.
func parseVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, fmt.Errorf("malformed vector literal %q", s)
	}
	inner := s[1 : len(s)-1]
	if inner == "" {
		return nil, nil
	}

	parts := strings.Split(inner, ",")
	vec := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("vector element %d: %w", i, err)
		}
		vec[i] = float32(f)
	}
	return vec, nil
}
