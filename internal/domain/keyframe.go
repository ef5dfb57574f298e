package domain

// Keyframe is one sampled image of a video. The key is a globally unique
// integer that encodes temporal order within its owning video: keys inside
// a video increase with playback time.
type Keyframe struct {
	Key         int64     `json:"key"          db:"key"`
	GroupNum    string    `json:"group_num"    db:"group_num"`
	VideoNum    int       `json:"video_num"    db:"video_num"`
	KeyframeNum int       `json:"keyframe_num" db:"keyframe_num"`
	Vector      []float32 `json:"-"            db:"vector"`
}

// ScoredKeyframe is a keyframe returned by similarity search.
type ScoredKeyframe struct {
	Keyframe
	Confidence float64 `json:"confidence_score"`
	Path       string  `json:"path,omitempty"`
}

// VideoRange is the closed interval of keyframe keys owned by one video.
// Ranges of distinct videos never overlap.
type VideoRange struct {
	VideoID string `json:"-"        yaml:"-"`
	StartID int64  `json:"start_id" yaml:"start_id"`
	EndID   int64  `json:"end_id"   yaml:"end_id"`
}

// RankedVideo is one entry of a ranking response: the video, its alignment
// score, and the keyframe assigned to each event in temporal order.
type RankedVideo struct {
	VideoID         string   `json:"video_id"`
	GroupNum        string   `json:"group_num"`
	VideoNum        int      `json:"video_num"`
	Score           float64  `json:"dp_score"`
	AlignedKeyIDs   []int64  `json:"aligned_key_ids"`
	AlignedKeyPaths []string `json:"aligned_key_paths,omitempty"`
}
