// Package kernels holds the weight packing routines of the CPU kernels that
// pre-pack their constant inputs.
//
// A Packer turns the raw bytes of one initializer into a prepack.Blob. It is
// deterministic: the same weight always packs to the same buffers, which is
// what lets packed weights be shared by content key and written to disk.
//
// Packers in this package:
//   - Q8Packer (MatMul): per-column blocks of 32 int8 values with fp16 scales
//     and a float32 block-sum table
//   - TransposePacker (Gemm): the weight transposed to column-major order
//
// MatMulQ8 and MatMulTransposed multiply activations straight against the
// packed buffers.
package kernels
