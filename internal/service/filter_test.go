package service

import (
	"context"
	"testing"

	"github.com/nlm-vision/trake/internal/domain"
	"github.com/nlm-vision/trake/internal/port"
)

// metaFixture resolves filters against an in-memory keyframe catalog.
type metaFixture struct {
	frames []domain.Keyframe
	calls  int
	err    error
}

func (m *metaFixture) FindKeys(ctx context.Context, filter port.MetadataFilter) (map[int64]struct{}, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	groups := make(map[string]struct{})
	for _, g := range filter.GroupIn {
		groups[g] = struct{}{}
	}
	videos := make(map[int]struct{})
	for _, v := range filter.VideoIn {
		videos[v] = struct{}{}
	}

	keys := make(map[int64]struct{})
	for _, kf := range m.frames {
		if len(groups) > 0 {
			if _, ok := groups[kf.GroupNum]; !ok {
				continue
			}
		}
		if len(videos) > 0 {
			if _, ok := videos[kf.VideoNum]; !ok {
				continue
			}
		}
		keys[kf.Key] = struct{}{}
	}
	return keys, nil
}

func (m *metaFixture) GetKeyframes(ctx context.Context, keys []int64) ([]domain.Keyframe, error) {
	if m.err != nil {
		return nil, m.err
	}
	want := make(map[int64]struct{}, len(keys))
	for _, k := range keys {
		want[k] = struct{}{}
	}
	var out []domain.Keyframe
	for _, kf := range m.frames {
		if _, ok := want[kf.Key]; ok {
			out = append(out, kf)
		}
	}
	return out, nil
}

func testFrames() []domain.Keyframe {
	return []domain.Keyframe{
		{Key: 0, GroupNum: "01", VideoNum: 1, KeyframeNum: 0},
		{Key: 1, GroupNum: "01", VideoNum: 1, KeyframeNum: 1},
		{Key: 2, GroupNum: "01", VideoNum: 2, KeyframeNum: 0},
		{Key: 3, GroupNum: "02", VideoNum: 3, KeyframeNum: 0},
		{Key: 4, GroupNum: "02", VideoNum: 3, KeyframeNum: 1},
	}
}

func TestKeyFilterNoConstraintsAllowsEverything(t *testing.T) {
	meta := &metaFixture{frames: testFrames()}

	selector, err := KeyFilter{}.Resolve(context.Background(), meta)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if meta.calls != 0 {
		t.Errorf("empty filter hit the store %d times", meta.calls)
	}
	for key := int64(0); key < 10; key++ {
		if !selector.Allows(key) {
			t.Errorf("key %d blocked by empty filter", key)
		}
	}
}

func TestKeyFilterExcludeGroups(t *testing.T) {
	meta := &metaFixture{frames: testFrames()}

	selector, err := KeyFilter{ExcludeGroups: []string{"01"}}.Resolve(context.Background(), meta)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	for _, key := range []int64{0, 1, 2} {
		if selector.Allows(key) {
			t.Errorf("key %d should be excluded with group 01", key)
		}
	}
	for _, key := range []int64{3, 4} {
		if !selector.Allows(key) {
			t.Errorf("key %d should pass", key)
		}
	}
	if len(selector.BlockedKeys()) != 3 {
		t.Errorf("blocked keys = %v, want 3 entries", selector.BlockedKeys())
	}
}

func TestKeyFilterExcludeTakesPrecedence(t *testing.T) {
	meta := &metaFixture{frames: testFrames()}

	// Both constraint kinds supplied: the exclusion wins.
	f := KeyFilter{ExcludeGroups: []string{"02"}, IncludeGroups: []string{"02"}}
	selector, err := f.Resolve(context.Background(), meta)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if selector.Allows(3) || selector.Allows(4) {
		t.Error("group 02 keys should be excluded")
	}
	if !selector.Allows(0) {
		t.Error("group 01 keys should pass")
	}
}

func TestKeyFilterIncludeVideos(t *testing.T) {
	meta := &metaFixture{frames: testFrames()}

	selector, err := KeyFilter{IncludeVideos: []int{3}}.Resolve(context.Background(), meta)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	for _, key := range []int64{3, 4} {
		if !selector.Allows(key) {
			t.Errorf("key %d of video 3 should pass", key)
		}
	}
	for _, key := range []int64{0, 1, 2} {
		if selector.Allows(key) {
			t.Errorf("key %d should be filtered out", key)
		}
	}
	if selector.BlockedKeys() != nil {
		t.Error("allow-mode selector should not expose a block set")
	}
}

func TestKeyFilterIncludeMatchingNothingAllowsNothing(t *testing.T) {
	meta := &metaFixture{frames: testFrames()}

	selector, err := KeyFilter{IncludeGroups: []string{"99"}}.Resolve(context.Background(), meta)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	for key := int64(0); key < 5; key++ {
		if selector.Allows(key) {
			t.Errorf("key %d passed an include filter that matches nothing", key)
		}
	}
}

func TestKeySelectorApplyPreservesOrder(t *testing.T) {
	meta := &metaFixture{frames: testFrames()}
	selector, err := KeyFilter{ExcludeGroups: []string{"01"}}.Resolve(context.Background(), meta)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	keys := []int64{0, 1, 2, 3, 4}
	vectors := [][]float32{{0}, {1}, {2}, {3}, {4}}
	gotKeys, gotVecs := selector.Apply(keys, vectors)

	if len(gotKeys) != 2 || gotKeys[0] != 3 || gotKeys[1] != 4 {
		t.Fatalf("filtered keys = %v, want [3 4]", gotKeys)
	}
	if gotVecs[0][0] != 3 || gotVecs[1][0] != 4 {
		t.Errorf("vectors no longer parallel to keys: %v", gotVecs)
	}
}
