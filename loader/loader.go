// Package loader packs the weights of ONNX models and writes the packed
// blobs back next to the model.
//
// Example usage:
//
//	import (
//	    "github.com/born-ml/prepack/loader"
//	    "github.com/born-ml/prepack/prepack"
//	)
//
//	cache := prepack.NewSharedCache()
//	defer cache.Close()
//
//	opts := loader.DefaultOptions()
//	opts.SavePrepacked = true
//
//	state, err := loader.OpenModel("model.onnx", opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer state.Close()
//
//	packed, err := state.Pack(loader.DefaultRegistry(), cache)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, pw := range packed {
//	    fmt.Println(pw.Node, pw.Weight, pw.Source)
//	}
//
//	// Append packed blobs to the model's external data.
//	if _, err := state.Save("model.onnx", "model.prepacked.bin"); err != nil {
//	    log.Fatal(err)
//	}
//
// The State must be closed before the SharedCache it packed into.
package loader

import (
	"context"

	"github.com/born-ml/prepack/internal/kernels"
	"github.com/born-ml/prepack/internal/loader"
	"github.com/born-ml/prepack/internal/onnx"
	"github.com/born-ml/prepack/internal/prepack"
)

// Common errors.
var (
	ErrNotSaving         = loader.ErrNotSaving
	ErrClosed            = loader.ErrClosed
	ErrInvalidLocation   = loader.ErrInvalidLocation
	ErrUnsupportedWeight = kernels.ErrUnsupportedWeight
)

// Options control a load.
type Options = loader.Options

// DefaultOptions returns options read from the PREPACK_* environment
// variables.
func DefaultOptions() Options {
	return loader.DefaultOptions()
}

// State is one model's load.
type State = loader.State

// Stats counts what a load found on disk.
type Stats = loader.Stats

// SaveStats summarizes a Save.
type SaveStats = loader.SaveStats

// PackedWeight is one node input resolved to a packed blob.
type PackedWeight = loader.PackedWeight

// Source tells where a packed weight came from.
type Source = loader.Source

// Packed weight sources.
const (
	SourceDisk     = loader.SourceDisk
	SourceShared   = loader.SourceShared
	SourceComputed = loader.SourceComputed
	SourceReused   = loader.SourceReused
)

// OpenModel parses the model at path and prepares it for packing.
//
// Pre-packed blobs recorded in the model's external data are mapped and
// restored. A hint whose data is missing or corrupt is dropped and the
// weight is packed again.
func OpenModel(path string, opts Options) (*State, error) {
	return loader.OpenModel(path, opts)
}

// Open prepares an already parsed model for packing. External data locations
// are resolved against dir.
func Open(dir string, model *onnx.ModelProto, opts Options) (*State, error) {
	return loader.Open(dir, model, opts)
}

// Result is one model packed by PackModels.
type Result = loader.Result

// PackModels opens and packs several models concurrently against one cache.
//
// Example:
//
//	results, err := loader.PackModels(ctx, paths, cache, loader.DefaultRegistry(), opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, r := range results {
//	    defer r.State.Close()
//	}
func PackModels(ctx context.Context, paths []string, cache *prepack.SharedCache, registry *Registry, opts Options) ([]Result, error) {
	return loader.PackModels(ctx, paths, cache, registry, opts)
}

// Packers

// Weight is a constant weight handed to a Packer.
type Weight = kernels.Weight

// Packer packs the weight input of one operator type.
type Packer = kernels.Packer

// Registry maps operator types to packers.
type Registry = kernels.Registry

// NewRegistry creates a registry holding packers.
func NewRegistry(packers ...Packer) *Registry {
	return kernels.NewRegistry(packers...)
}

// DefaultRegistry returns a registry with the built-in packers: Q8 block
// quantization for MatMul and a column-major transpose for Gemm.
func DefaultRegistry() *Registry {
	return kernels.DefaultRegistry()
}
