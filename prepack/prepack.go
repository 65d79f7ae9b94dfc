// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package prepack

import (
	"github.com/born-ml/prepack/internal/prepack"
)

// CPU is the device name of the default allocator.
const CPU = prepack.CPU

// Common errors.
var (
	ErrUnsupportedDevice = prepack.ErrUnsupportedDevice
	ErrKeyNotFound       = prepack.ErrKeyNotFound
	ErrDuplicateKey      = prepack.ErrDuplicateKey
	ErrCacheClosed       = prepack.ErrCacheClosed
	ErrNoBlob            = prepack.ErrNoBlob
)

// Allocators

// Allocator hands out the buffers packed blobs live in.
type Allocator = prepack.Allocator

// AllocatorStats reports an allocator's live buffers.
type AllocatorStats = prepack.AllocatorStats

// CPUAllocator allocates packed buffers on the Go heap.
type CPUAllocator = prepack.CPUAllocator

// NewCPUAllocator creates a CPU allocator.
func NewCPUAllocator() *CPUAllocator {
	return prepack.NewCPUAllocator()
}

// AllocatorRegistry keeps one allocator per device.
type AllocatorRegistry = prepack.AllocatorRegistry

// NewAllocatorRegistry creates an empty registry.
func NewAllocatorRegistry() *AllocatorRegistry {
	return prepack.NewAllocatorRegistry()
}

// Blobs

// Blob is the packed form of one weight.
type Blob = prepack.Blob

// NewBlob allocates one buffer per size from alloc.
func NewBlob(alloc Allocator, sizes ...int) *Blob {
	return prepack.NewBlob(alloc, sizes...)
}

// WrapBuffers creates a blob over memory it does not own, such as segments
// of a memory-mapped file. release, if non-nil, runs on the last Release.
func WrapBuffers(release func(), buffers ...[]byte) *Blob {
	return prepack.WrapBuffers(release, buffers...)
}

// Key composes the cache key for a weight packed by opType.
func Key(opType, hash string) string {
	return prepack.Key(opType, hash)
}

// SplitKey splits a key produced by Key.
func SplitKey(key string) (opType, hash string, ok bool) {
	return prepack.SplitKey(key)
}

// HashBytes returns the hex SHA-256 of the concatenation of data.
func HashBytes(data ...[]byte) string {
	return prepack.HashBytes(data...)
}

// Shared cache

// SharedCache holds packed weights shared across models.
//
// Example:
//
//	cache := prepack.NewSharedCache()
//	defer cache.Close()
//
//	g := cache.Lock()
//	fmt.Println("shared weights:", g.Count())
//	g.Unlock()
type SharedCache = prepack.SharedCache

// Guard is exclusive access to a SharedCache, obtained with Lock.
type Guard = prepack.Guard

// NewSharedCache creates an empty cache.
func NewSharedCache() *SharedCache {
	return prepack.NewSharedCache()
}

// Serialization tree

// Tree records the packed blobs of one model by graph scope.
type Tree = prepack.Tree

// Subgraph is one graph scope of a Tree.
type Subgraph = prepack.Subgraph

// GraphHandle identifies a nested graph to its enclosing scope.
type GraphHandle = prepack.GraphHandle

// BlobHandle identifies a blob slot of a Tree.
type BlobHandle = prepack.BlobHandle

// NewTree creates a tree holding only the main graph scope.
func NewTree() *Tree {
	return prepack.NewTree()
}
