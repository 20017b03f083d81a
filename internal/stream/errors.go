package stream

import "errors"

var (
	// ErrNotFound means the stream id is not registered.
	ErrNotFound = errors.New("stream not found")

	// ErrDuplicate means CreateStream was called for an id that already exists.
	ErrDuplicate = errors.New("stream already exists")

	// ErrInvalidState means the operation is not valid for the stream's status,
	// e.g. writing to a Ready stream or finalizing twice.
	ErrInvalidState = errors.New("invalid stream state")

	// ErrInvalidID means the stream id cannot be mapped to a cache file name.
	ErrInvalidID = errors.New("invalid stream id")
)
