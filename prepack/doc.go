// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package prepack provides the shared cache and serialization tree for
// pre-packed model weights.
//
// # Overview
//
// Kernels often rewrite a constant weight into a layout they can consume
// faster: quantized blocks, transposed panels, interleaved columns. This
// package holds those packed forms:
//   - Blob: reference-counted packed buffers plus kernel metadata
//   - SharedCache: one copy of each packed weight across every loaded model
//   - AllocatorRegistry: one allocator per device, shared by all packers
//   - Tree: the per-model record of packed blobs, scoped by graph, used to
//     restore blobs from disk and to write them back
//
// # Sharing Packed Weights
//
//	cache := prepack.NewSharedCache()
//	defer cache.Close()
//
//	key := prepack.Key("MatMul", prepack.HashBytes(weight))
//	blob, computed, err := cache.GetOrPack(key, prepack.CPU, func(alloc prepack.Allocator) (*prepack.Blob, error) {
//	    b := prepack.NewBlob(alloc, len(weight))
//	    copy(b.Buffer(0), weight)
//	    return b, nil
//	})
//
// Concurrent callers asking for the same key pack it once. Every other
// caller receives the blob already stored.
//
// # Keys
//
// A key is the operator type and a content hash joined by "+". Two weights
// packed by the same operator from the same bytes share a key, and so share
// a blob.
package prepack
