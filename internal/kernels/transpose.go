package kernels

import (
	"github.com/born-ml/prepack/internal/prepack"
)

// TransposeMeta describes a Gemm weight packed as its [N, K] transpose.
type TransposeMeta struct {
	K, N int
}

// TransposePacker packs Gemm weights column-major so each output column is
// one contiguous run of K values.
type TransposePacker struct{}

// OpType returns "Gemm".
func (TransposePacker) OpType() string {
	return "Gemm"
}

// WeightInput returns 1: Gemm(A, B, C) packs B.
func (TransposePacker) WeightInput() int {
	return 1
}

// Pack transposes w into a single buffer.
func (TransposePacker) Pack(w Weight, alloc prepack.Allocator) (*prepack.Blob, error) {
	k, n, err := matrix(w)
	if err != nil {
		return nil, err
	}

	blob := prepack.NewBlob(alloc, k*n*4)
	blob.Meta = TransposeMeta{K: k, N: n}

	dst := blob.Buffer(0)
	for row := range k {
		for col := range n {
			src := (row*n + col) * 4
			off := (col*k + row) * 4
			copy(dst[off:off+4], w.Data[src:src+4])
		}
	}
	return blob, nil
}
