package kernels

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"

	"github.com/born-ml/prepack/internal/parallel"
	"github.com/born-ml/prepack/internal/prepack"
)

// Q8BlockSize is the number of values quantized under one scale.
const Q8BlockSize = 32

// Q8 packed buffers, in blob order.
const (
	Q8Quants = iota // int8 values, Q8BlockSize per block
	Q8Scales        // fp16 scale per block, little endian
	Q8Sums          // float32 scale*sum(q) per block, little endian
)

// Q8Meta describes a Q8-packed [K, N] weight. Blocks run down each column:
// block b of column n is block n*BlocksPerColumn+b in every buffer.
type Q8Meta struct {
	K, N            int
	BlocksPerColumn int
}

// Q8Packer quantizes float32 MatMul weights to 8 bits.
//
// Each column of the [K, N] weight is cut into blocks of Q8BlockSize values
// (the last one zero padded). A block stores d = max|x|/127 as fp16 and
// q[i] = round(x[i]/d), so x[i] ~= d*q[i]; the sum table lets the kernel
// correct for an activation zero point without touching the quants.
type Q8Packer struct {
	cfg parallel.Config
}

// NewQ8Packer creates a Q8 packer that quantizes columns in parallel per cfg.
func NewQ8Packer(cfg parallel.Config) *Q8Packer {
	return &Q8Packer{cfg: cfg}
}

// OpType returns "MatMul".
func (p *Q8Packer) OpType() string {
	return "MatMul"
}

// WeightInput returns 1: MatMul(A, B) packs B.
func (p *Q8Packer) WeightInput() int {
	return 1
}

// Pack quantizes w.
func (p *Q8Packer) Pack(w Weight, alloc prepack.Allocator) (*prepack.Blob, error) {
	k, n, err := matrix(w)
	if err != nil {
		return nil, err
	}

	blocks := (k + Q8BlockSize - 1) / Q8BlockSize
	total := n * blocks
	blob := prepack.NewBlob(alloc, total*Q8BlockSize, total*2, total*4)
	blob.Meta = Q8Meta{K: k, N: n, BlocksPerColumn: blocks}

	quants := blob.Buffer(Q8Quants)
	scales := blob.Buffer(Q8Scales)
	sums := blob.Buffer(Q8Sums)

	parallel.For(n, func(col int) {
		var block [Q8BlockSize]float32
		for b := range blocks {
			clear(block[:])
			for i := range Q8BlockSize {
				row := b*Q8BlockSize + i
				if row >= k {
					break
				}
				block[i] = f32At(w.Data, row*n+col)
			}

			idx := col*blocks + b
			d, sum := quantizeBlock(&block, quants[idx*Q8BlockSize:(idx+1)*Q8BlockSize])
			binary.LittleEndian.PutUint16(scales[idx*2:], d.Bits())
			binary.LittleEndian.PutUint32(sums[idx*4:], math.Float32bits(d.Float32()*float32(sum)))
		}
	}, p.cfg)

	return blob, nil
}

// quantizeBlock writes the int8 values of x to dst and returns the block
// scale and the sum of the quantized values.
func quantizeBlock(x *[Q8BlockSize]float32, dst []byte) (float16.Float16, int32) {
	var amax float32
	for _, v := range x {
		amax = max(amax, float32(math.Abs(float64(v))))
	}

	d := amax / 127
	var id float32
	if d != 0 {
		id = 1 / d
	}

	var sum int32
	for i, v := range x {
		q := int8(max(-127, min(127, math.Round(float64(v*id)))))
		dst[i] = byte(q)
		sum += int32(q)
	}
	return float16.Fromfloat32(d), sum
}

// DequantizeQ8 expands a Q8-packed blob back to a row-major float32 [K, N]
// matrix.
func DequantizeQ8(blob *prepack.Blob, meta Q8Meta) []float32 {
	quants := blob.Buffer(Q8Quants)
	scales := blob.Buffer(Q8Scales)

	out := make([]float32, meta.K*meta.N)
	for col := range meta.N {
		for b := range meta.BlocksPerColumn {
			idx := col*meta.BlocksPerColumn + b
			d := float16.Frombits(binary.LittleEndian.Uint16(scales[idx*2:])).Float32()
			for i := range Q8BlockSize {
				row := b*Q8BlockSize + i
				if row >= meta.K {
					break
				}
				out[row*meta.N+col] = d * float32(int8(quants[idx*Q8BlockSize+i]))
			}
		}
	}
	return out
}

func f32At(data []byte, i int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
}
