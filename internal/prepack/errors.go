package prepack

import "errors"

// Common errors.
var (
	ErrUnsupportedDevice = errors.New("unsupported device allocator for pre-packed weights")
	ErrKeyNotFound       = errors.New("pre-packed weight not found")
	ErrDuplicateKey      = errors.New("duplicate pre-packed weight from disk")
	ErrCacheClosed       = errors.New("pre-packed weight cache is closed")
	ErrNoBlob            = errors.New("packer returned no blob")
)
