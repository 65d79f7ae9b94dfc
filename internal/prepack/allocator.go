package prepack

import (
	"fmt"
	"sync/atomic"
)

// CPU is the device name of the only allocator pre-packing supports.
const CPU = "Cpu"

// Allocator hands out and takes back packed-weight buffers for one device.
type Allocator interface {
	// Device returns the device name the allocator serves.
	Device() string
	// Alloc returns a zeroed buffer of size bytes.
	Alloc(size int) []byte
	// Free returns a buffer obtained from Alloc.
	Free(buf []byte)
}

// AllocatorStats reports the buffers an allocator has outstanding.
type AllocatorStats struct {
	Live  int64 // buffers allocated and not yet freed
	Bytes int64 // bytes held by live buffers
}

// CPUAllocator is a non-arena host memory allocator.
type CPUAllocator struct {
	live   atomic.Int64
	bytes  atomic.Int64
	closed atomic.Bool
}

// NewCPUAllocator creates a CPU allocator.
func NewCPUAllocator() *CPUAllocator {
	return &CPUAllocator{}
}

// Device returns CPU.
func (a *CPUAllocator) Device() string {
	return CPU
}

// Alloc returns a zeroed buffer of size bytes.
func (a *CPUAllocator) Alloc(size int) []byte {
	if size < 0 {
		panic(fmt.Sprintf("prepack: negative allocation size %d", size))
	}
	if a.closed.Load() {
		panic("prepack: allocation from closed allocator")
	}
	a.live.Add(1)
	a.bytes.Add(int64(size))
	return make([]byte, size)
}

// Free returns buf to the allocator.
// Freeing after Close means a blob outlived its allocator and panics.
func (a *CPUAllocator) Free(buf []byte) {
	if a.closed.Load() {
		panic("prepack: buffer freed after its allocator was closed")
	}
	a.live.Add(-1)
	a.bytes.Add(-int64(len(buf)))
}

// Stats returns the current outstanding allocations.
func (a *CPUAllocator) Stats() AllocatorStats {
	return AllocatorStats{Live: a.live.Load(), Bytes: a.bytes.Load()}
}

// Close marks the allocator unusable.
func (a *CPUAllocator) Close() {
	a.closed.Store(true)
}

// AllocatorRegistry lazily creates one allocator per device name.
//
// The registry is not safe for concurrent use; SharedCache callers hold the
// cache lock around it.
type AllocatorRegistry struct {
	allocators map[string]Allocator
}

// NewAllocatorRegistry creates an empty registry.
func NewAllocatorRegistry() *AllocatorRegistry {
	return &AllocatorRegistry{allocators: make(map[string]Allocator)}
}

// GetOrCreate returns the allocator for device, creating it on first use.
// Only CPU is supported because pre-packing is only done by CPU kernels.
func (r *AllocatorRegistry) GetOrCreate(device string) (Allocator, error) {
	if a, ok := r.allocators[device]; ok {
		return a, nil
	}

	if device != CPU {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDevice, device)
	}

	a := NewCPUAllocator()
	r.allocators[device] = a
	return a, nil
}

// Len returns the number of allocators created so far.
func (r *AllocatorRegistry) Len() int {
	return len(r.allocators)
}

// Close closes every allocator. Blobs allocated from them must already be
// released.
func (r *AllocatorRegistry) Close() {
	for _, a := range r.allocators {
		if c, ok := a.(interface{ Close() }); ok {
			c.Close()
		}
	}
}
