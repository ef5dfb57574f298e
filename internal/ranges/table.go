// Package ranges holds the precomputed, immutable lookup tables tying global
// keyframe keys to their owning videos and image paths. Both tables are loaded
// once at startup and shared by reference; the service cannot rank anything
// without them, so load failures are fatal.
package ranges

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/nlm-vision/trake/internal/domain"
)

// Table maps video identifiers to their closed keyframe key intervals.
// It is immutable after construction.
type Table struct {
	byVideo map[string]domain.VideoRange
	sorted  []domain.VideoRange // ascending by StartID
}

// Load reads a range table from a JSON or YAML file. The file is a map from
// video id to {start_id, end_id}.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read range table: %w", err)
	}

	raw := make(map[string]domain.VideoRange)
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	default:
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("decode range table %s: %w", path, err)
	}

	return New(raw)
}

// New validates the raw ranges and builds a table. Intervals must be
// well-formed and non-overlapping across videos.
func New(raw map[string]domain.VideoRange) (*Table, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("range table is empty")
	}

	byVideo := make(map[string]domain.VideoRange, len(raw))
	sorted := make([]domain.VideoRange, 0, len(raw))
	for videoID, r := range raw {
		if r.StartID > r.EndID {
			return nil, fmt.Errorf("video %s: start_id %d > end_id %d", videoID, r.StartID, r.EndID)
		}
		r.VideoID = videoID
		byVideo[videoID] = r
		sorted = append(sorted, r)
	}

	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartID < sorted[j].StartID })

	for i := 1; i < len(sorted); i++ {
		if sorted[i].StartID <= sorted[i-1].EndID {
			return nil, fmt.Errorf("videos %s and %s have overlapping key ranges",
				sorted[i-1].VideoID, sorted[i].VideoID)
		}
	}

	return &Table{byVideo: byVideo, sorted: sorted}, nil
}

// VideoForKey returns the video owning the given key, via binary search over
// the interval starts. ok is false when the key falls outside every interval.
func (t *Table) VideoForKey(key int64) (string, bool) {
	// First interval starting after key, minus one, is the only candidate.
	i := sort.Search(len(t.sorted), func(i int) bool { return t.sorted[i].StartID > key })
	if i == 0 {
		return "", false
	}
	r := t.sorted[i-1]
	if key > r.EndID {
		return "", false
	}
	return r.VideoID, true
}

// Get returns the key interval of a video.
func (t *Table) Get(videoID string) (domain.VideoRange, bool) {
	r, ok := t.byVideo[videoID]
	return r, ok
}

// All returns every range in ascending StartID order. Callers must not
// modify the returned slice.
func (t *Table) All() []domain.VideoRange {
	return t.sorted
}

// Len returns the number of videos in the table.
func (t *Table) Len() int {
	return len(t.sorted)
}
