package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nlm-vision/trake/internal/align"
	"github.com/nlm-vision/trake/internal/domain"
	"github.com/nlm-vision/trake/internal/port"
	"github.com/nlm-vision/trake/internal/ranges"
)

// ResultCache is the optional response cache consulted before ranking.
type ResultCache interface {
	Get(ctx context.Context, digest string) ([]domain.RankedVideo, bool, error)
	Set(ctx context.Context, digest string, results []domain.RankedVideo) error
}

// RankingConfig tunes the ranking pipeline.
type RankingConfig struct {
	// PrefilterTopK is the per-event neighbor budget of the candidate prefilter.
	PrefilterTopK int
	// DefaultPenalty is the gap penalty weight when the request omits one.
	DefaultPenalty float64
	// MaxConcurrent bounds simultaneous per-video computations.
	MaxConcurrent int
	// Timeout bounds one whole ranking run; on expiry, results gathered so
	// far are returned.
	Timeout time.Duration
	// NearestPerSecond rate-limits prefilter queries against the vector index.
	NearestPerSecond float64
	NearestBurst     int
}

// RankingRequest is one ranking invocation.
type RankingRequest struct {
	Events        []string `json:"events"`
	TopK          int      `json:"top_k"`
	PenaltyWeight *float64 `json:"penalty_weight"`
	ExcludeGroups []string `json:"exclude_groups"`
	IncludeGroups []string `json:"include_groups"`
	IncludeVideos []int    `json:"include_videos"`
}

// ProgressFunc reports per-video progress during a ranking run.
type ProgressFunc func(done, total int)

// RankingService ranks videos by how well their keyframe sequences align
// with an ordered sequence of natural-language events.
type RankingService struct {
	embedder port.Embedder
	index    port.VectorIndex
	meta     port.MetadataStore
	table    *ranges.Table
	keyIndex *ranges.KeyIndex
	cache    ResultCache
	limiter  *rate.Limiter
	cfg      RankingConfig
}

// NewRankingService creates a ranking service. keyIndex and cache may be nil;
// without a key index the responses simply omit image paths.
func NewRankingService(
	embedder port.Embedder,
	index port.VectorIndex,
	meta port.MetadataStore,
	table *ranges.Table,
	keyIndex *ranges.KeyIndex,
	cache ResultCache,
	cfg RankingConfig,
) *RankingService {
	if cfg.PrefilterTopK <= 0 {
		cfg.PrefilterTopK = 1000
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.NearestPerSecond <= 0 {
		cfg.NearestPerSecond = 50
	}
	if cfg.NearestBurst <= 0 {
		cfg.NearestBurst = 10
	}
	return &RankingService{
		embedder: embedder,
		index:    index,
		meta:     meta,
		table:    table,
		keyIndex: keyIndex,
		cache:    cache,
		limiter:  rate.NewLimiter(rate.Limit(cfg.NearestPerSecond), cfg.NearestBurst),
		cfg:      cfg,
	}
}

// Rank runs the full pipeline: embed events, prefilter candidate videos,
// align each candidate, and return the top_k feasible results by score.
func (s *RankingService) Rank(ctx context.Context, req RankingRequest) ([]domain.RankedVideo, error) {
	return s.RankWithProgress(ctx, req, nil)
}

// RankWithProgress is Rank with a per-video progress callback.
func (s *RankingService) RankWithProgress(ctx context.Context, req RankingRequest, progress ProgressFunc) ([]domain.RankedVideo, error) {
	if len(req.Events) == 0 {
		return []domain.RankedVideo{}, nil
	}

	penalty := s.cfg.DefaultPenalty
	if req.PenaltyWeight != nil {
		penalty = *req.PenaltyWeight
	}

	digest := requestDigest(req, penalty)
	if s.cache != nil {
		if cached, hit, err := s.cache.Get(ctx, digest); err != nil {
			slog.Warn("ranking cache read failed", "error", err)
		} else if hit {
			slog.Info("ranking cache hit", "digest", digest)
			return cached, nil
		}
	}

	eventVectors, err := s.embedder.EmbedBatch(ctx, req.Events)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", port.ErrEmbeddingFailed, err)
	}

	filter := KeyFilter{
		ExcludeGroups: req.ExcludeGroups,
		IncludeGroups: req.IncludeGroups,
		IncludeVideos: req.IncludeVideos,
	}
	selector, err := filter.Resolve(ctx, s.meta)
	if err != nil {
		return nil, err
	}

	candidates, err := s.prefilter(ctx, eventVectors)
	if err != nil {
		return nil, err
	}
	slog.Info("candidate prefilter complete",
		"events", len(req.Events), "candidates", len(candidates))

	results := s.rankCandidates(ctx, candidates, eventVectors, selector, penalty, progress)

	// Workers finish in arbitrary order, so equal scores need an explicit
	// ascending-video-id tie-break to keep the output deterministic.
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].VideoID < results[j].VideoID
	})
	if req.TopK > 0 && len(results) > req.TopK {
		results = results[:req.TopK]
	}

	if s.cache != nil {
		go func() {
			cacheCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.cache.Set(cacheCtx, digest, results); err != nil {
				slog.Warn("ranking cache write failed", "error", err)
			}
		}()
	}

	return results, nil
}

// prefilter issues one nearest-neighbor query per event, maps hits to their
// owning videos, and unions the results. A video every event missed is
// excluded from ranking; that recall/speed trade-off is the point of the
// prefilter. Individual query failures degrade the candidate set; only all
// of them failing aborts the request.
func (s *RankingService) prefilter(ctx context.Context, eventVectors [][]float32) ([]string, error) {
	neighbors := make([][]port.Neighbor, len(eventVectors))
	errs := make([]error, len(eventVectors))

	var wg sync.WaitGroup
	for i, vec := range eventVectors {
		wg.Add(1)
		go func(i int, vec []float32) {
			defer wg.Done()
			if err := s.limiter.Wait(ctx); err != nil {
				errs[i] = err
				return
			}
			neighbors[i], errs[i] = s.index.Nearest(ctx, vec, s.cfg.PrefilterTopK, nil)
		}(i, vec)
	}
	wg.Wait()

	failed := 0
	for i, err := range errs {
		if err != nil {
			failed++
			slog.Warn("prefilter query failed", "event", i, "error", err)
		}
	}
	if failed == len(eventVectors) {
		return nil, port.ErrPrefilterFailed
	}

	seen := make(map[string]struct{})
	orphans := 0
	for _, hits := range neighbors {
		for _, hit := range hits {
			videoID, ok := s.table.VideoForKey(hit.Key)
			if !ok {
				orphans++
				continue
			}
			seen[videoID] = struct{}{}
		}
	}
	if orphans > 0 {
		slog.Warn("prefilter hits outside every video range", "count", orphans)
	}

	candidates := make([]string, 0, len(seen))
	for videoID := range seen {
		candidates = append(candidates, videoID)
	}
	sort.Strings(candidates)
	return candidates, nil
}

// rankCandidates aligns every candidate video under a bounded-concurrency
// fan-out. Per-video failures are logged and skipped; on timeout, whatever
// completed so far is returned.
func (s *RankingService) rankCandidates(
	ctx context.Context,
	candidates []string,
	eventVectors [][]float32,
	selector KeySelector,
	penalty float64,
	progress ProgressFunc,
) []domain.RankedVideo {
	if len(candidates) == 0 {
		return nil
	}

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	type outcome struct {
		result domain.RankedVideo
		ok     bool
	}

	// Buffered to full capacity so abandoned workers never block.
	out := make(chan outcome, len(candidates))
	sem := make(chan struct{}, s.cfg.MaxConcurrent)

	for _, videoID := range candidates {
		go func(videoID string) {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-runCtx.Done():
				out <- outcome{}
				return
			}
			result, ok := s.rankOne(runCtx, videoID, eventVectors, selector, penalty)
			out <- outcome{result: result, ok: ok}
		}(videoID)
	}

	var results []domain.RankedVideo
	done := 0
collect:
	for done < len(candidates) {
		select {
		case o := <-out:
			done++
			if o.ok {
				results = append(results, o.result)
			}
			if progress != nil {
				progress(done, len(candidates))
			}
		case <-runCtx.Done():
			slog.Warn("ranking timed out, returning partial results",
				"completed", done, "candidates", len(candidates))
			break collect
		}
	}
	return results
}

// rankOne runs fetch, filter, similarity, and alignment for one video.
// ok is false when the video is infeasible or any step failed.
func (s *RankingService) rankOne(
	ctx context.Context,
	videoID string,
	eventVectors [][]float32,
	selector KeySelector,
	penalty float64,
) (domain.RankedVideo, bool) {
	vr, ok := s.table.Get(videoID)
	if !ok {
		slog.Warn("candidate video missing from range table", "video_id", videoID)
		return domain.RankedVideo{}, false
	}

	keys, vectors, err := s.index.Range(ctx, vr.StartID, vr.EndID)
	if err != nil {
		slog.Warn("range fetch failed", "video_id", videoID, "error", err)
		return domain.RankedVideo{}, false
	}
	if len(keys) == 0 {
		return domain.RankedVideo{}, false
	}
	sortByKey(keys, vectors)

	keys, vectors = selector.Apply(keys, vectors)
	if len(keys) < len(eventVectors) {
		return domain.RankedVideo{}, false
	}

	matrix := align.CosineMatrix(eventVectors, vectors)
	res, ok := align.Align(matrix, penalty)
	if !ok {
		return domain.RankedVideo{}, false
	}

	alignedKeys := make([]int64, len(res.Path))
	for i, col := range res.Path {
		if col < 0 || col >= len(keys) {
			slog.Warn("alignment produced out-of-range column",
				"video_id", videoID, "column", col, "frames", len(keys))
			return domain.RankedVideo{}, false
		}
		alignedKeys[i] = keys[col]
	}

	ranked := domain.RankedVideo{
		VideoID:       videoID,
		Score:         res.Score,
		AlignedKeyIDs: alignedKeys,
	}
	ranked.GroupNum, ranked.VideoNum = splitVideoID(videoID)
	if s.keyIndex != nil {
		ranked.AlignedKeyPaths = s.keyIndex.PathsForKeys(alignedKeys)
	}
	return ranked, true
}

// sortByKey sorts the parallel key/vector lists by ascending key. The range
// query already orders by key; this holds the temporal invariant even if a
// backend stops guaranteeing it.
func sortByKey(keys []int64, vectors [][]float32) {
	if sort.SliceIsSorted(keys, func(i, j int) bool { return keys[i] < keys[j] }) {
		return
	}
	order := make([]int, len(keys))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return keys[order[i]] < keys[order[j]] })

	sortedKeys := make([]int64, len(keys))
	sortedVecs := make([][]float32, len(vectors))
	for i, idx := range order {
		sortedKeys[i] = keys[idx]
		sortedVecs[i] = vectors[idx]
	}
	copy(keys, sortedKeys)
	copy(vectors, sortedVecs)
}

// splitVideoID parses the "group/video" identifier convention of the corpus.
// Malformed ids keep the raw id as the group.
func splitVideoID(videoID string) (string, int) {
	group, rest, found := strings.Cut(videoID, "/")
	if !found {
		return videoID, 0
	}
	video, err := strconv.Atoi(rest)
	if err != nil {
		return videoID, 0
	}
	return group, video
}

// requestDigest canonicalizes a request (with the penalty resolved) into a
// cache key.
func requestDigest(req RankingRequest, penalty float64) string {
	canonical := struct {
		Events        []string `json:"events"`
		TopK          int      `json:"top_k"`
		Penalty       float64  `json:"penalty"`
		ExcludeGroups []string `json:"exclude_groups"`
		IncludeGroups []string `json:"include_groups"`
		IncludeVideos []int    `json:"include_videos"`
	}{req.Events, req.TopK, penalty, req.ExcludeGroups, req.IncludeGroups, req.IncludeVideos}

	data, _ := json.Marshal(canonical)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
