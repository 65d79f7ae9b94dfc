package prepack

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sync/atomic"
)

// Blob is the packed form of one weight: one or more buffers plus whatever
// metadata the consuming kernel needs.
//
// A Blob is reference counted. Whoever stores it (a SharedCache, a Tree)
// holds one reference; Retain before handing the same blob to a second owner.
// The last Release frees the buffers. Buffers must not be modified once the
// blob is stored.
type Blob struct {
	buffers [][]byte

	// Meta is opaque to this package and belongs to the packing kernel.
	Meta any

	refs    atomic.Int32
	release func(buffers [][]byte)
}

// NewBlob allocates one buffer per size from alloc. The buffers are returned
// to alloc when the blob is released.
func NewBlob(alloc Allocator, sizes ...int) *Blob {
	buffers := make([][]byte, len(sizes))
	for i, size := range sizes {
		buffers[i] = alloc.Alloc(size)
	}
	return newBlob(buffers, func(buffers [][]byte) {
		for _, buf := range buffers {
			alloc.Free(buf)
		}
	})
}

// WrapBuffers creates a blob over memory it does not own, such as segments of
// a memory-mapped file. release, if non-nil, runs once when the blob is
// released.
func WrapBuffers(release func(), buffers ...[]byte) *Blob {
	return newBlob(buffers, func([][]byte) {
		if release != nil {
			release()
		}
	})
}

func newBlob(buffers [][]byte, release func([][]byte)) *Blob {
	b := &Blob{buffers: buffers, release: release}
	b.refs.Store(1)
	return b
}

// Buffers returns the packed buffers.
func (b *Blob) Buffers() [][]byte {
	return b.buffers
}

// Buffer returns the i-th packed buffer.
func (b *Blob) Buffer(i int) []byte {
	return b.buffers[i]
}

// NumBuffers returns the number of packed buffers.
func (b *Blob) NumBuffers() int {
	return len(b.buffers)
}

// Size returns the total number of packed bytes.
func (b *Blob) Size() int {
	n := 0
	for _, buf := range b.buffers {
		n += len(buf)
	}
	return n
}

// Hash returns a hex SHA-256 over the buffer sizes and contents.
func (b *Blob) Hash() string {
	h := sha256.New()
	var size [8]byte
	for _, buf := range b.buffers {
		binary.LittleEndian.PutUint64(size[:], uint64(len(buf)))
		h.Write(size[:])
		h.Write(buf)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Retain adds a reference and returns b.
func (b *Blob) Retain() *Blob {
	b.refs.Add(1)
	return b
}

// Release drops a reference, freeing the buffers when it was the last one.
func (b *Blob) Release() {
	switch n := b.refs.Add(-1); {
	case n == 0:
		if b.release != nil {
			b.release(b.buffers)
		}
		b.buffers = nil
	case n < 0:
		panic("prepack: blob released more times than retained")
	}
}

// Released reports whether every reference has been dropped.
func (b *Blob) Released() bool {
	return b.refs.Load() <= 0
}
