package kernels

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/born-ml/prepack/internal/parallel"
	"github.com/born-ml/prepack/internal/prepack"
)

// Q8MetaFor returns the layout Q8Packer uses for a [K, N] weight. Blobs
// restored from disk carry no Meta; the kernel rebuilds it from the weight's
// shape.
func Q8MetaFor(k, n int) Q8Meta {
	return Q8Meta{K: k, N: n, BlocksPerColumn: (k + Q8BlockSize - 1) / Q8BlockSize}
}

// MatMulQ8 computes C = A @ W for a row-major A [M, K] and a W packed by
// Q8Packer. C is [M, N], row major. Rows of C are computed in parallel per
// cfg.
func MatMulQ8(c, a []float32, m int, blob *prepack.Blob, meta Q8Meta, cfg parallel.Config) {
	k, n, blocks := meta.K, meta.N, meta.BlocksPerColumn
	checkMatMul("q8", c, a, m, k, n)

	quants := blob.Buffer(Q8Quants)
	scales := blob.Buffer(Q8Scales)
	if len(quants) < n*blocks*Q8BlockSize || len(scales) < n*blocks*2 {
		panic(fmt.Sprintf("matmul q8: blob holds %d quants and %d scale bytes, want %d and %d",
			len(quants), len(scales), n*blocks*Q8BlockSize, n*blocks*2))
	}

	parallel.Range(m, func(start, end int) {
		for i := start; i < end; i++ {
			row := a[i*k : (i+1)*k]
			for col := range n {
				var sum float32
				for b := range blocks {
					idx := col*blocks + b
					d := float16.Frombits(binary.LittleEndian.Uint16(scales[idx*2:])).Float32()
					q := quants[idx*Q8BlockSize : (idx+1)*Q8BlockSize]

					var dot float32
					for j := range min(Q8BlockSize, k-b*Q8BlockSize) {
						dot += row[b*Q8BlockSize+j] * float32(int8(q[j]))
					}
					sum += d * dot
				}
				c[i*n+col] = sum
			}
		}
	}, cfg)
}

// MatMulTransposed computes C = A @ W for a row-major A [M, K] and a W
// packed by TransposePacker. C is [M, N], row major.
func MatMulTransposed(c, a []float32, m int, blob *prepack.Blob, meta TransposeMeta, cfg parallel.Config) {
	k, n := meta.K, meta.N
	checkMatMul("transposed", c, a, m, k, n)

	wt := blob.Buffer(0)
	if len(wt) < k*n*4 {
		panic(fmt.Sprintf("matmul transposed: blob holds %d bytes, want %d", len(wt), k*n*4))
	}

	parallel.Range(m, func(start, end int) {
		for i := start; i < end; i++ {
			row := a[i*k : (i+1)*k]
			for col := range n {
				// Column col of W is contiguous in the packed buffer.
				packed := wt[col*k*4 : (col+1)*k*4]
				var sum float32
				for j := range k {
					sum += row[j] * math.Float32frombits(binary.LittleEndian.Uint32(packed[j*4:]))
				}
				c[i*n+col] = sum
			}
		}
	}, cfg)
}

func checkMatMul(kind string, c, a []float32, m, k, n int) {
	if len(a) < m*k {
		panic(fmt.Sprintf("matmul %s: A has %d values, want [%d,%d]", kind, len(a), m, k))
	}
	if len(c) < m*n {
		panic(fmt.Sprintf("matmul %s: C has %d values, want [%d,%d]", kind, len(c), m, n))
	}
}
