package port

import "errors"

// Sentinel errors used across ports.
var (
	ErrEmbeddingFailed = errors.New("query embedding failed")
	ErrPrefilterFailed = errors.New("all candidate prefilter queries failed")
	ErrJobNotFound     = errors.New("job not found")
)
