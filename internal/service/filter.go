package service

import (
	"context"
	"fmt"

	"github.com/nlm-vision/trake/internal/port"
)

// KeyFilter is the caller-supplied metadata constraint on keyframes. An
// exclusion constraint takes precedence over inclusion; with neither set,
// every keyframe passes.
type KeyFilter struct {
	ExcludeGroups []string
	IncludeGroups []string
	IncludeVideos []int
}

type selectorMode int

const (
	selectAll selectorMode = iota
	selectBlock
	selectAllow
)

// KeySelector is a KeyFilter resolved against the metadata store into a
// concrete key set, so per-frame checks are a single map lookup.
type KeySelector struct {
	mode selectorMode
	keys map[int64]struct{}
}

// Resolve turns the filter into a selector. It queries the metadata store at
// most once per request.
func (f KeyFilter) Resolve(ctx context.Context, meta port.MetadataStore) (KeySelector, error) {
	switch {
	case len(f.ExcludeGroups) > 0:
		keys, err := meta.FindKeys(ctx, port.MetadataFilter{GroupIn: f.ExcludeGroups})
		if err != nil {
			return KeySelector{}, fmt.Errorf("resolve exclude filter: %w", err)
		}
		return KeySelector{mode: selectBlock, keys: keys}, nil

	case len(f.IncludeGroups) > 0 || len(f.IncludeVideos) > 0:
		keys, err := meta.FindKeys(ctx, port.MetadataFilter{
			GroupIn: f.IncludeGroups,
			VideoIn: f.IncludeVideos,
		})
		if err != nil {
			return KeySelector{}, fmt.Errorf("resolve include filter: %w", err)
		}
		return KeySelector{mode: selectAllow, keys: keys}, nil

	default:
		return KeySelector{mode: selectAll}, nil
	}
}

// IsEmpty reports whether the filter has no constraints at all.
func (f KeyFilter) IsEmpty() bool {
	return len(f.ExcludeGroups) == 0 && len(f.IncludeGroups) == 0 && len(f.IncludeVideos) == 0
}

// Allows reports whether the key passes the selector.
func (s KeySelector) Allows(key int64) bool {
	switch s.mode {
	case selectBlock:
		_, blocked := s.keys[key]
		return !blocked
	case selectAllow:
		_, allowed := s.keys[key]
		return allowed
	default:
		return true
	}
}

// BlockedKeys returns the block set as a slice when the selector is an
// exclusion, for pushing down into index queries. Sorted order is not
// guaranteed.
func (s KeySelector) BlockedKeys() []int64 {
	if s.mode != selectBlock {
		return nil
	}
	keys := make([]int64, 0, len(s.keys))
	for k := range s.keys {
		keys = append(keys, k)
	}
	return keys
}

// Apply filters parallel key/vector lists down to the entries the selector
// allows, preserving relative (temporal) order.
func (s KeySelector) Apply(keys []int64, vectors [][]float32) ([]int64, [][]float32) {
	if s.mode == selectAll {
		return keys, vectors
	}
	outKeys := make([]int64, 0, len(keys))
	outVecs := make([][]float32, 0, len(vectors))
	for i, k := range keys {
		if s.Allows(k) {
			outKeys = append(outKeys, k)
			outVecs = append(outVecs, vectors[i])
		}
	}
	return outKeys, outVecs
}
