package kernels

import (
	"errors"
	"fmt"
	"sort"

	"github.com/born-ml/prepack/internal/onnx"
	"github.com/born-ml/prepack/internal/parallel"
	"github.com/born-ml/prepack/internal/prepack"
)

// ErrUnsupportedWeight is returned for a weight a packer cannot lay out.
var ErrUnsupportedWeight = errors.New("unsupported weight")

// Weight is a constant initializer handed to a packer.
type Weight struct {
	Name     string
	DataType int32 // onnx.TensorProto* element type
	Dims     []int64
	Data     []byte
}

// Packer packs the constant weight input of one operator type.
type Packer interface {
	// OpType returns the operator the packer serves, e.g. "MatMul".
	OpType() string
	// WeightInput returns the index of the node input the packer packs.
	WeightInput() int
	// Pack lays out w, allocating the packed buffers from alloc.
	Pack(w Weight, alloc prepack.Allocator) (*prepack.Blob, error)
}

// Registry maps operator types to packers.
type Registry struct {
	packers map[string]Packer
}

// NewRegistry creates a registry holding packers.
func NewRegistry(packers ...Packer) *Registry {
	r := &Registry{packers: make(map[string]Packer, len(packers))}
	for _, p := range packers {
		r.Register(p)
	}
	return r
}

// DefaultRegistry returns the packers of the built-in CPU kernels.
func DefaultRegistry() *Registry {
	return NewRegistry(NewQ8Packer(parallel.DefaultConfig()), TransposePacker{})
}

// Register adds p, replacing any packer for the same operator type.
func (r *Registry) Register(p Packer) {
	r.packers[p.OpType()] = p
}

// Lookup returns the packer for opType.
func (r *Registry) Lookup(opType string) (Packer, bool) {
	p, ok := r.packers[opType]
	return p, ok
}

// OpTypes returns the registered operator types, sorted.
func (r *Registry) OpTypes() []string {
	ops := make([]string, 0, len(r.packers))
	for op := range r.packers {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// matrix validates a float32 [K, N] weight and returns its shape.
func matrix(w Weight) (k, n int, err error) {
	if w.DataType != onnx.TensorProtoFloat {
		return 0, 0, fmt.Errorf("%w: %s has data type %d, want float32", ErrUnsupportedWeight, w.Name, w.DataType)
	}
	if len(w.Dims) != 2 || w.Dims[0] <= 0 || w.Dims[1] <= 0 {
		return 0, 0, fmt.Errorf("%w: %s has shape %v, want [K N]", ErrUnsupportedWeight, w.Name, w.Dims)
	}
	k, n = int(w.Dims[0]), int(w.Dims[1])
	if len(w.Data) != k*n*4 {
		return 0, 0, fmt.Errorf("%w: %s holds %d bytes, want %d", ErrUnsupportedWeight, w.Name, len(w.Data), k*n*4)
	}
	return k, n, nil
}
