package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nlm-vision/trake/internal/domain"
	"github.com/nlm-vision/trake/internal/port"
	"github.com/nlm-vision/trake/internal/ranges"
)

// SearchRequest is a single-query keyframe search.
type SearchRequest struct {
	Query          string
	TopK           int
	ScoreThreshold *float64
	Filter         KeyFilter
}

// SearchService retrieves individual keyframes by text similarity. It shares
// the ranking service's collaborators but involves no alignment.
type SearchService struct {
	embedder port.Embedder
	index    port.VectorIndex
	meta     port.MetadataStore
	keyIndex *ranges.KeyIndex
}

// NewSearchService creates a keyframe search service. keyIndex may be nil.
func NewSearchService(embedder port.Embedder, index port.VectorIndex, meta port.MetadataStore, keyIndex *ranges.KeyIndex) *SearchService {
	return &SearchService{embedder: embedder, index: index, meta: meta, keyIndex: keyIndex}
}

// Search embeds the query, runs a nearest-neighbor search honoring the
// metadata filter, and hydrates the hits with keyframe metadata.
func (s *SearchService) Search(ctx context.Context, req SearchRequest) ([]domain.ScoredKeyframe, error) {
	vector, err := s.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", port.ErrEmbeddingFailed, err)
	}

	selector, err := req.Filter.Resolve(ctx, s.meta)
	if err != nil {
		return nil, err
	}

	// Exclusions push down into the index; allow-sets are applied to the
	// returned hits, with overfetch to compensate.
	k := req.TopK
	excludeKeys := selector.BlockedKeys()
	if selector.mode == selectAllow {
		k *= 2
	}

	hits, err := s.index.Nearest(ctx, vector, k, excludeKeys)
	if err != nil {
		return nil, fmt.Errorf("keyframe search: %w", err)
	}

	keys := make([]int64, 0, len(hits))
	confidence := make(map[int64]float64, len(hits))
	for _, hit := range hits {
		if req.ScoreThreshold != nil && hit.Similarity < *req.ScoreThreshold {
			continue
		}
		if !selector.Allows(hit.Key) {
			continue
		}
		keys = append(keys, hit.Key)
		confidence[hit.Key] = hit.Similarity
		if len(keys) == req.TopK {
			break
		}
	}
	if len(keys) == 0 {
		return []domain.ScoredKeyframe{}, nil
	}

	frames, err := s.meta.GetKeyframes(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("hydrate keyframes: %w", err)
	}
	byKey := make(map[int64]domain.Keyframe, len(frames))
	for _, kf := range frames {
		byKey[kf.Key] = kf
	}

	// Preserve similarity order from the index.
	results := make([]domain.ScoredKeyframe, 0, len(keys))
	for _, key := range keys {
		kf, ok := byKey[key]
		if !ok {
			slog.Warn("keyframe missing from metadata store", "key", key)
			continue
		}
		scored := domain.ScoredKeyframe{Keyframe: kf, Confidence: confidence[key]}
		if s.keyIndex != nil {
			scored.Path = s.keyIndex.PathForKey(key)
		}
		results = append(results, scored)
	}
	return results, nil
}
