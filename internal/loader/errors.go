package loader

import "errors"

var (
	// ErrNotSaving is returned by Save on a state opened without
	// SavePrepacked.
	ErrNotSaving = errors.New("model was not opened for saving")

	// ErrClosed is returned by a state that has been closed.
	ErrClosed = errors.New("model state is closed")

	// ErrInvalidLocation is returned for an external data location that
	// escapes the model directory.
	ErrInvalidLocation = errors.New("invalid external data location")
)
