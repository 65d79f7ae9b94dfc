package onnx

import "errors"

// Errors returned while reading tensor external-data descriptors.
var (
	// ErrModelFormat indicates a descriptor that is missing location or
	// carries a key this reader does not know.
	ErrModelFormat = errors.New("invalid model format")

	// ErrParse indicates a numeric descriptor field that is not a plain
	// decimal integer.
	ErrParse = errors.New("parse error")
)
