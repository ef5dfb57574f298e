package service

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/nlm-vision/trake/internal/domain"
	"github.com/nlm-vision/trake/internal/port"
	"github.com/nlm-vision/trake/internal/ranges"
)

type fakeEmbedder struct {
	vectors map[string][]float32
	calls   int
	err     error
}

func (f *fakeEmbedder) ModelName() string { return "fake" }

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.vectors[text], nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, s := range texts {
		out[i] = f.vectors[s]
	}
	return out, nil
}

// fakeIndex serves Nearest and Range from an in-memory frame list kept in
// ascending key order.
type fakeIndex struct {
	mu          sync.Mutex
	frames      []domain.Keyframe
	nearestErrs []error // consumed per Nearest call, nil entries succeed
	nearestN    int
	rangeN      int
	rangeBlock  map[int64]bool          // StartIDs whose Range call blocks until ctx ends
	rangeDelay  map[int64]time.Duration // StartIDs whose Range call sleeps first
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func (f *fakeIndex) Nearest(ctx context.Context, vector []float32, k int, excludeKeys []int64) ([]port.Neighbor, error) {
	f.mu.Lock()
	f.nearestN++
	var err error
	if len(f.nearestErrs) > 0 {
		err = f.nearestErrs[0]
		f.nearestErrs = f.nearestErrs[1:]
	}
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	excluded := make(map[int64]struct{}, len(excludeKeys))
	for _, k := range excludeKeys {
		excluded[k] = struct{}{}
	}

	var hits []port.Neighbor
	for _, kf := range f.frames {
		if _, skip := excluded[kf.Key]; skip {
			continue
		}
		hits = append(hits, port.Neighbor{Key: kf.Key, Similarity: cosine(vector, kf.Vector)})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].Key < hits[j].Key
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (f *fakeIndex) Range(ctx context.Context, startID, endID int64) ([]int64, [][]float32, error) {
	f.mu.Lock()
	f.rangeN++
	block := f.rangeBlock[startID]
	delay := f.rangeDelay[startID]
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, nil, ctx.Err()
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	var keys []int64
	var vectors [][]float32
	for _, kf := range f.frames {
		if kf.Key >= startID && kf.Key <= endID {
			keys = append(keys, kf.Key)
			vectors = append(vectors, kf.Vector)
		}
	}
	return keys, vectors, nil
}

// fakeCache records the digests it is asked for and can serve canned hits.
type fakeCache struct {
	mu   sync.Mutex
	hit  []domain.RankedVideo // non-nil makes every Get a hit
	gets []string
	sets chan string
}

func (c *fakeCache) Get(ctx context.Context, digest string) ([]domain.RankedVideo, bool, error) {
	c.mu.Lock()
	c.gets = append(c.gets, digest)
	c.mu.Unlock()
	if c.hit != nil {
		return c.hit, true, nil
	}
	return nil, false, nil
}

func (c *fakeCache) Set(ctx context.Context, digest string, results []domain.RankedVideo) error {
	if c.sets != nil {
		c.sets <- digest
	}
	return nil
}

func (c *fakeCache) digests() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.gets...)
}

// corpus: two videos. "01/1" matches the events in order; "02/3" matches the
// first event only.
func rankingFixture(t *testing.T) (*fakeEmbedder, *fakeIndex, *metaFixture, *ranges.Table) {
	t.Helper()

	frames := []domain.Keyframe{
		{Key: 0, GroupNum: "01", VideoNum: 1, KeyframeNum: 0, Vector: []float32{1, 0}},
		{Key: 1, GroupNum: "01", VideoNum: 1, KeyframeNum: 1, Vector: []float32{0.7, 0.7}},
		{Key: 2, GroupNum: "01", VideoNum: 1, KeyframeNum: 2, Vector: []float32{0, 1}},
		{Key: 5, GroupNum: "02", VideoNum: 3, KeyframeNum: 0, Vector: []float32{0.9, 0.1}},
		{Key: 6, GroupNum: "02", VideoNum: 3, KeyframeNum: 1, Vector: []float32{0.8, 0.2}},
		{Key: 7, GroupNum: "02", VideoNum: 3, KeyframeNum: 2, Vector: []float32{0.6, 0.3}},
	}

	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"person enters": {1, 0},
		"person leaves": {0, 1},
	}}
	index := &fakeIndex{frames: frames}
	meta := &metaFixture{frames: frames}

	table, err := ranges.New(map[string]domain.VideoRange{
		"01/1": {StartID: 0, EndID: 2},
		"02/3": {StartID: 5, EndID: 7},
	})
	if err != nil {
		t.Fatalf("build range table: %v", err)
	}
	return embedder, index, meta, table
}

func newTestService(e *fakeEmbedder, i *fakeIndex, m *metaFixture, tab *ranges.Table) *RankingService {
	return NewRankingService(e, i, m, tab, nil, nil, RankingConfig{
		PrefilterTopK:    100,
		MaxConcurrent:    4,
		Timeout:          5 * time.Second,
		NearestPerSecond: 10000,
		NearestBurst:     100,
	})
}

func TestRankEmptyEventsSkipsCollaborators(t *testing.T) {
	embedder, index, meta, table := rankingFixture(t)
	svc := newTestService(embedder, index, meta, table)

	results, err := svc.Rank(context.Background(), RankingRequest{Events: nil, TopK: 10})
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("results = %v, want empty", results)
	}
	if embedder.calls != 0 || index.nearestN != 0 || index.rangeN != 0 || meta.calls != 0 {
		t.Errorf("collaborators were contacted: embed=%d nearest=%d range=%d meta=%d",
			embedder.calls, index.nearestN, index.rangeN, meta.calls)
	}
}

func TestRankOrdersAndAligns(t *testing.T) {
	embedder, index, meta, table := rankingFixture(t)
	svc := newTestService(embedder, index, meta, table)

	req := RankingRequest{Events: []string{"person enters", "person leaves"}, TopK: 10}
	results, err := svc.Rank(context.Background(), req)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].VideoID != "01/1" {
		t.Errorf("best video = %s, want 01/1", results[0].VideoID)
	}
	if results[0].Score <= results[1].Score {
		t.Errorf("results not sorted by score: %v then %v", results[0].Score, results[1].Score)
	}

	for _, r := range results {
		if len(r.AlignedKeyIDs) != len(req.Events) {
			t.Errorf("video %s: %d aligned keys, want %d", r.VideoID, len(r.AlignedKeyIDs), len(req.Events))
		}
		for i := 1; i < len(r.AlignedKeyIDs); i++ {
			if r.AlignedKeyIDs[i] <= r.AlignedKeyIDs[i-1] {
				t.Errorf("video %s: aligned keys %v not strictly increasing", r.VideoID, r.AlignedKeyIDs)
			}
		}
	}

	// The perfect-match video aligns event 0 to key 0, event 1 to key 2.
	if results[0].AlignedKeyIDs[0] != 0 || results[0].AlignedKeyIDs[1] != 2 {
		t.Errorf("aligned keys = %v, want [0 2]", results[0].AlignedKeyIDs)
	}
	if results[0].GroupNum != "01" || results[0].VideoNum != 1 {
		t.Errorf("parsed id = %s/%d, want 01/1", results[0].GroupNum, results[0].VideoNum)
	}
}

func TestRankDeterministic(t *testing.T) {
	embedder, index, meta, table := rankingFixture(t)
	svc := newTestService(embedder, index, meta, table)
	req := RankingRequest{Events: []string{"person enters", "person leaves"}, TopK: 10}

	first, err := svc.Rank(context.Background(), req)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	for trial := 0; trial < 5; trial++ {
		again, err := svc.Rank(context.Background(), req)
		if err != nil {
			t.Fatalf("trial %d: %v", trial, err)
		}
		if len(again) != len(first) {
			t.Fatalf("trial %d: %d results vs %d", trial, len(again), len(first))
		}
		for i := range again {
			if again[i].VideoID != first[i].VideoID || again[i].Score != first[i].Score {
				t.Fatalf("trial %d: result %d differs: %+v vs %+v", trial, i, again[i], first[i])
			}
		}
	}
}

func TestRankEqualScoresOrderedByVideoID(t *testing.T) {
	// Two videos with identical frame vectors score identically; the slower
	// one finishing last must not let completion order leak into the output.
	frames := []domain.Keyframe{
		{Key: 0, GroupNum: "01", VideoNum: 1, KeyframeNum: 0, Vector: []float32{1, 0}},
		{Key: 1, GroupNum: "01", VideoNum: 1, KeyframeNum: 1, Vector: []float32{0, 1}},
		{Key: 5, GroupNum: "02", VideoNum: 3, KeyframeNum: 0, Vector: []float32{1, 0}},
		{Key: 6, GroupNum: "02", VideoNum: 3, KeyframeNum: 1, Vector: []float32{0, 1}},
	}
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"person enters": {1, 0},
		"person leaves": {0, 1},
	}}
	meta := &metaFixture{frames: frames}
	table, err := ranges.New(map[string]domain.VideoRange{
		"01/1": {StartID: 0, EndID: 1},
		"02/3": {StartID: 5, EndID: 6},
	})
	if err != nil {
		t.Fatalf("build range table: %v", err)
	}

	req := RankingRequest{Events: []string{"person enters", "person leaves"}, TopK: 10}
	for _, slowStart := range []int64{0, 5} {
		index := &fakeIndex{
			frames:     frames,
			rangeDelay: map[int64]time.Duration{slowStart: 150 * time.Millisecond},
		}
		svc := newTestService(embedder, index, meta, table)

		results, err := svc.Rank(context.Background(), req)
		if err != nil {
			t.Fatalf("rank (slow start %d): %v", slowStart, err)
		}
		if len(results) != 2 {
			t.Fatalf("got %d results, want 2", len(results))
		}
		if results[0].Score != results[1].Score {
			t.Fatalf("scores differ: %v vs %v, fixture should tie", results[0].Score, results[1].Score)
		}
		if results[0].VideoID != "01/1" || results[1].VideoID != "02/3" {
			t.Errorf("slow start %d: order = [%s %s], want [01/1 02/3]",
				slowStart, results[0].VideoID, results[1].VideoID)
		}
	}
}

func TestRankTopKTruncation(t *testing.T) {
	embedder, index, meta, table := rankingFixture(t)
	svc := newTestService(embedder, index, meta, table)

	results, err := svc.Rank(context.Background(), RankingRequest{
		Events: []string{"person enters", "person leaves"},
		TopK:   1,
	})
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].VideoID != "01/1" {
		t.Errorf("kept video = %s, want the best one", results[0].VideoID)
	}
}

func TestRankExcludeAllFramesDropsVideo(t *testing.T) {
	embedder, index, meta, table := rankingFixture(t)
	svc := newTestService(embedder, index, meta, table)

	results, err := svc.Rank(context.Background(), RankingRequest{
		Events:        []string{"person enters", "person leaves"},
		TopK:          10,
		ExcludeGroups: []string{"01"},
	})
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	for _, r := range results {
		if r.VideoID == "01/1" {
			t.Errorf("excluded video 01/1 still present in results")
		}
	}
}

func TestRankFewerFramesThanEventsInfeasible(t *testing.T) {
	embedder, index, meta, table := rankingFixture(t)
	svc := newTestService(embedder, index, meta, table)

	// Four events against three-frame videos: nothing is feasible.
	embedder.vectors["a"] = []float32{1, 0}
	embedder.vectors["b"] = []float32{0, 1}
	embedder.vectors["c"] = []float32{1, 1}
	embedder.vectors["d"] = []float32{1, -1}

	results, err := svc.Rank(context.Background(), RankingRequest{
		Events: []string{"a", "b", "c", "d"},
		TopK:   10,
	})
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("results = %v, want none", results)
	}
}

func TestRankPartialPrefilterFailureDegrades(t *testing.T) {
	embedder, index, meta, table := rankingFixture(t)
	index.nearestErrs = []error{errors.New("index hiccup"), nil}
	svc := newTestService(embedder, index, meta, table)

	results, err := svc.Rank(context.Background(), RankingRequest{
		Events: []string{"person enters", "person leaves"},
		TopK:   10,
	})
	if err != nil {
		t.Fatalf("rank should degrade, got error: %v", err)
	}
	if len(results) == 0 {
		t.Error("expected candidates from the surviving prefilter query")
	}
}

func TestRankAllPrefilterQueriesFailing(t *testing.T) {
	embedder, index, meta, table := rankingFixture(t)
	index.nearestErrs = []error{errors.New("down"), errors.New("down")}
	svc := newTestService(embedder, index, meta, table)

	_, err := svc.Rank(context.Background(), RankingRequest{
		Events: []string{"person enters", "person leaves"},
		TopK:   10,
	})
	if !errors.Is(err, port.ErrPrefilterFailed) {
		t.Fatalf("err = %v, want ErrPrefilterFailed", err)
	}
}

func TestRankEmbeddingFailureAbortsRequest(t *testing.T) {
	embedder, index, meta, table := rankingFixture(t)
	embedder.err = errors.New("model offline")
	svc := newTestService(embedder, index, meta, table)

	_, err := svc.Rank(context.Background(), RankingRequest{
		Events: []string{"person enters"},
		TopK:   10,
	})
	if !errors.Is(err, port.ErrEmbeddingFailed) {
		t.Fatalf("err = %v, want ErrEmbeddingFailed", err)
	}
}

func TestRankTimeoutReturnsPartialResults(t *testing.T) {
	embedder, index, meta, table := rankingFixture(t)
	index.rangeBlock = map[int64]bool{5: true} // video 02/3 never answers

	svc := NewRankingService(embedder, index, meta, table, nil, nil, RankingConfig{
		PrefilterTopK:    100,
		MaxConcurrent:    4,
		Timeout:          200 * time.Millisecond,
		NearestPerSecond: 10000,
		NearestBurst:     100,
	})

	results, err := svc.Rank(context.Background(), RankingRequest{
		Events: []string{"person enters", "person leaves"},
		TopK:   10,
	})
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if len(results) != 1 || results[0].VideoID != "01/1" {
		t.Fatalf("results = %+v, want only the fast video 01/1", results)
	}
}

func TestRankCacheDigestStableAndPenaltySensitive(t *testing.T) {
	embedder, index, meta, table := rankingFixture(t)
	cache := &fakeCache{sets: make(chan string, 3)}
	svc := NewRankingService(embedder, index, meta, table, nil, cache, RankingConfig{
		PrefilterTopK:    100,
		MaxConcurrent:    4,
		Timeout:          5 * time.Second,
		NearestPerSecond: 10000,
		NearestBurst:     100,
	})

	req := RankingRequest{Events: []string{"person enters", "person leaves"}, TopK: 10}
	for i := 0; i < 2; i++ {
		if _, err := svc.Rank(context.Background(), req); err != nil {
			t.Fatalf("rank %d: %v", i, err)
		}
	}
	penalty := 0.5
	req.PenaltyWeight = &penalty
	if _, err := svc.Rank(context.Background(), req); err != nil {
		t.Fatalf("rank with penalty: %v", err)
	}

	digests := cache.digests()
	if len(digests) != 3 {
		t.Fatalf("cache consulted %d times, want 3", len(digests))
	}
	if digests[0] != digests[1] {
		t.Errorf("identical requests produced different digests: %s vs %s", digests[0], digests[1])
	}
	if digests[2] == digests[0] {
		t.Errorf("different penalty produced the same digest %s", digests[2])
	}

	// Misses are written back asynchronously under the digest they missed on.
	for i := 0; i < 3; i++ {
		select {
		case d := <-cache.sets:
			if d != digests[i] {
				t.Errorf("write %d stored under %s, want %s", i, d, digests[i])
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("cache write %d never happened", i)
		}
	}
}

func TestRankCacheHitSkipsPipeline(t *testing.T) {
	embedder, index, meta, table := rankingFixture(t)
	canned := []domain.RankedVideo{{VideoID: "01/1", Score: 1.5, AlignedKeyIDs: []int64{0, 2}}}
	cache := &fakeCache{hit: canned}
	svc := NewRankingService(embedder, index, meta, table, nil, cache, RankingConfig{
		PrefilterTopK:    100,
		MaxConcurrent:    4,
		Timeout:          5 * time.Second,
		NearestPerSecond: 10000,
		NearestBurst:     100,
	})

	results, err := svc.Rank(context.Background(), RankingRequest{
		Events: []string{"person enters", "person leaves"},
		TopK:   10,
	})
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if len(results) != 1 || results[0].VideoID != "01/1" || results[0].Score != 1.5 {
		t.Fatalf("results = %+v, want the cached entry", results)
	}
	if embedder.calls != 0 || index.nearestN != 0 || index.rangeN != 0 {
		t.Errorf("cache hit still ran the pipeline: embed=%d nearest=%d range=%d",
			embedder.calls, index.nearestN, index.rangeN)
	}
}

func TestRankProgressCallback(t *testing.T) {
	embedder, index, meta, table := rankingFixture(t)
	svc := newTestService(embedder, index, meta, table)

	var mu sync.Mutex
	var seen []int
	_, err := svc.RankWithProgress(context.Background(), RankingRequest{
		Events: []string{"person enters", "person leaves"},
		TopK:   10,
	}, func(done, total int) {
		mu.Lock()
		seen = append(seen, done)
		if total != 2 {
			t.Errorf("total = %d, want 2", total)
		}
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if len(seen) != 2 || seen[len(seen)-1] != 2 {
		t.Errorf("progress callbacks = %v, want [1 2]", seen)
	}
}
