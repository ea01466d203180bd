package publisher

import "errors"

// Failure kinds. Code that detects one wraps it with %w so callers can
// classify with errors.Is.
var (
	// ErrFetch means the source feed could not be read.
	ErrFetch = errors.New("fetch failure")
	// ErrAuth means a destination rejected its credentials.
	ErrAuth = errors.New("auth failure")
	// ErrPost means a destination rejected a post.
	ErrPost = errors.New("post failure")
	// ErrMedia means an image could not be fetched or uploaded.
	ErrMedia = errors.New("media failure")
)

// MediaPolicy decides what happens to a post whose images fail
type MediaPolicy string

const (
	// MediaTextOnly posts the text without the images.
	MediaTextOnly MediaPolicy = "text_only"
	// MediaFail treats the post as failed.
	MediaFail MediaPolicy = "fail"
)
