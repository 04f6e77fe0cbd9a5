package manualmap

import "errors"

// Every error returned by this package wraps exactly one of these, so callers
// can classify failures with errors.Is.
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrProcessOpen       = errors.New("failed to open process")
	ErrParse             = errors.New("failed to parse PE image")
	ErrUnsupportedFormat = errors.New("unsupported image format")
	ErrAllocation        = errors.New("failed to allocate memory")
	ErrWrite             = errors.New("failed to write memory")
)
