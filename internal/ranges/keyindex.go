package ranges

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// KeyIndex maps global keyframe keys to their "group/video/keyframe_num"
// locators and renders them as servable image URLs.
type KeyIndex struct {
	paths   map[int64]string
	baseURL string
}

// LoadKeyIndex reads the key index from a JSON or YAML file mapping decimal
// keys to "group/video/keyframe_num" strings.
func LoadKeyIndex(path, baseURL string) (*KeyIndex, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key index: %w", err)
	}

	raw := make(map[string]string)
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	default:
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("decode key index %s: %w", path, err)
	}

	paths := make(map[int64]string, len(raw))
	for k, v := range raw {
		key, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("key index entry %q: %w", k, err)
		}
		paths[key] = v
	}

	return &KeyIndex{paths: paths, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// NewKeyIndex builds an index from an in-memory map. Used by tests.
func NewKeyIndex(paths map[int64]string, baseURL string) *KeyIndex {
	return &KeyIndex{paths: paths, baseURL: strings.TrimRight(baseURL, "/")}
}

// PathForKey renders the image URL for a key. Unknown or malformed entries
// resolve to a placeholder image rather than failing the response.
func (x *KeyIndex) PathForKey(key int64) string {
	locator, ok := x.paths[key]
	if !ok {
		return x.baseURL + "/images/not_found.webp"
	}

	parts := strings.Split(locator, "/")
	if len(parts) != 3 {
		return x.baseURL + "/images/invalid_path.webp"
	}

	group, err1 := strconv.Atoi(parts[0])
	video, err2 := strconv.Atoi(parts[1])
	frame, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return x.baseURL + "/images/invalid_path.webp"
	}

	return fmt.Sprintf("%s/images/%s%d/V%03d/%d.webp",
		x.baseURL, groupPrefix(group), group, video, frame)
}

// PathsForKeys renders URLs for a batch of keys, preserving order.
func (x *KeyIndex) PathsForKeys(keys []int64) []string {
	paths := make([]string, len(keys))
	for i, k := range keys {
		paths[i] = x.PathForKey(k)
	}
	return paths
}

// groupPrefix returns the dataset shard prefix for a group number. Groups one
// through nine live under "K0" folders, ten through twenty under "K", and the
// rest under "L".
func groupPrefix(group int) string {
	switch {
	case group <= 9:
		return "K0"
	case group <= 20:
		return "K"
	default:
		return "L"
	}
}
