// Package prepack caches kernel-specific packed layouts of constant weights.
//
// Packing a weight (block quantization, SIMD tiling, transposition) is
// expensive and deterministic, so packed results are stored by content key and
// reused:
//
//   - SharedCache is shared by every model loaded in a process. Two models
//     that carry the same weight and pack it with the same kernel pay for
//     packing once.
//   - Tree is private to one model load or save. It mirrors the model's nested
//     graph structure, holds blobs restored from disk, and records which
//     weight produced which blobs so they can be written back.
//
// Key components:
//   - Blob: one or more packed buffers, reference counted
//   - Allocator, AllocatorRegistry: device allocators (only "Cpu" today)
//   - SharedCache, Guard: append-only cross-model cache and its critical section
//   - Tree, Subgraph: per-model serialization tree over one shared slot map
//
// Keys have the form "<op type>+<content hash>", see Key.
package prepack
