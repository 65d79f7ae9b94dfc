package serialization

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	ErrChecksumMismatch = errors.New("checksum mismatch: file may be corrupted")
	ErrOutOfBounds      = errors.New("segment extends beyond end of file")
	ErrNegativeOffset   = errors.New("negative offset or length")
	ErrClosed           = errors.New("file is closed")
)

// SegmentError describes a segment that could not be read from a file.
type SegmentError struct {
	Path   string
	Offset int64
	Length int64
	Err    error
}

// Error implements the error interface.
func (e *SegmentError) Error() string {
	return fmt.Sprintf("%s: segment [%d, +%d): %v", e.Path, e.Offset, e.Length, e.Err)
}

// Unwrap returns the underlying sentinel error.
func (e *SegmentError) Unwrap() error {
	return e.Err
}
