package vterm

import "errors"

// ErrInvalidViewport is returned by Resize when either dimension is zero
// or exceeds maxDimension (spec.md §4.1).
var ErrInvalidViewport = errors.New("invalid viewport")

// maxDimension is the configured hard cap on rows/cols a VirtualTerminal
// will accept.
const maxDimension = 2000
