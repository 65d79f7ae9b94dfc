package prepack

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/singleflight"
)

// SharedCache is the process-wide, content-addressed store of packed weights.
//
// Entries are never overwritten or evicted: a key identifies its content, so
// the first blob stored under it is as good as any later one.
//
// Has, Get, Put, Count and AllocatorFor are not synchronized with each other.
// A caller that checks for a key, packs on a miss and stores the result must
// hold the cache lock for the whole sequence, either through Lock or by
// letting GetOrPack run it.
type SharedCache struct {
	mu sync.Mutex

	// Allocators are declared ahead of blobs: blobs free their buffers
	// through them, so Close tears blobs down first.
	allocators *AllocatorRegistry
	blobs      map[string]*Blob

	group  singleflight.Group
	closed bool
}

// NewSharedCache creates an empty cache. One cache is meant to live for the
// whole process, or for one inference environment; call Close on teardown.
func NewSharedCache() *SharedCache {
	return &SharedCache{
		allocators: NewAllocatorRegistry(),
		blobs:      make(map[string]*Blob),
	}
}

// Has reports whether key is cached.
func (c *SharedCache) Has(key string) bool {
	_, ok := c.blobs[key]
	return ok
}

// Get returns the blob cached under key. The blob stays owned by the cache;
// Retain it to keep it past Close.
func (c *SharedCache) Get(key string) (*Blob, error) {
	b, ok := c.blobs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	return b, nil
}

// Put stores blob under key unless the key is already present, and reports
// whether it did. On success the cache takes over the caller's reference; on
// failure the caller still owns blob.
func (c *SharedCache) Put(key string, blob *Blob) bool {
	if c.closed {
		return false
	}
	if _, ok := c.blobs[key]; ok {
		return false
	}
	c.blobs[key] = blob
	return true
}

// Count returns the number of cached blobs.
func (c *SharedCache) Count() int {
	return len(c.blobs)
}

// AllocatorFor returns the allocator packing kernels should use for device.
func (c *SharedCache) AllocatorFor(device string) (Allocator, error) {
	return c.allocators.GetOrCreate(device)
}

// Lock acquires the cache lock and returns the critical section.
func (c *SharedCache) Lock() *Guard {
	c.mu.Lock()
	return &Guard{c: c}
}

// GetOrPack returns the blob for key, running pack at most once per key
// across all callers. Concurrent callers for the same key wait for a single
// pack; callers for different keys pack in parallel. computed is false when
// the key was already cached and true when the blob came out of a pack that
// this call ran or waited for.
//
// The returned blob is owned by the cache.
func (c *SharedCache) GetOrPack(key, device string, pack func(Allocator) (*Blob, error)) (blob *Blob, computed bool, err error) {
	g := c.Lock()
	if g.closed() {
		g.Unlock()
		return nil, false, ErrCacheClosed
	}
	if g.Has(key) {
		blob, err = g.Get(key)
		g.Unlock()
		slog.Debug("pre-packed weight cache hit", "key", key)
		return blob, false, err
	}
	alloc, err := g.AllocatorFor(device)
	g.Unlock()
	if err != nil {
		return nil, false, err
	}

	type result struct {
		blob     *Blob
		computed bool
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// A flight for key may have finished between the check above and now.
		g := c.Lock()
		if g.Has(key) {
			b, err := g.Get(key)
			g.Unlock()
			return result{blob: b}, err
		}
		g.Unlock()

		b, err := pack(alloc)
		if err != nil {
			return nil, fmt.Errorf("pack %q: %w", key, err)
		}
		if b == nil {
			return nil, fmt.Errorf("pack %q: %w", key, ErrNoBlob)
		}

		g = c.Lock()
		defer g.Unlock()
		if g.closed() {
			// b's allocator is closed; leave its buffers to the garbage collector.
			return nil, ErrCacheClosed
		}
		if !g.Put(key, b) {
			b.Release()
			b, err = g.Get(key)
			return result{blob: b}, err
		}
		slog.Debug("packed weight cached", "key", key, "size", humanize.Bytes(uint64(b.Size())))
		return result{blob: b, computed: true}, nil
	})
	if err != nil {
		return nil, false, err
	}

	r := v.(result)
	return r.blob, r.computed, nil
}

// Close releases every cached blob, then the allocators that produced them.
// Blobs retained by callers must be released before Close. It is safe to call
// Close multiple times.
func (c *SharedCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true

	for key, b := range c.blobs {
		b.Release()
		delete(c.blobs, key)
	}
	c.allocators.Close()
}

// Guard is a held cache lock. Its methods are the cache's, run inside the
// critical section; the check-pack-store sequence belongs between Lock and
// Unlock.
//
//	g := cache.Lock()
//	defer g.Unlock()
//	if !g.Has(key) {
//	    alloc, err := g.AllocatorFor(prepack.CPU)
//	    ...
//	    g.Put(key, packed)
//	}
type Guard struct {
	c        *SharedCache
	unlocked bool
}

// Has reports whether key is cached.
func (g *Guard) Has(key string) bool {
	return g.c.Has(key)
}

// Get returns the blob cached under key.
func (g *Guard) Get(key string) (*Blob, error) {
	return g.c.Get(key)
}

// Put stores blob under key unless present.
func (g *Guard) Put(key string, blob *Blob) bool {
	return g.c.Put(key, blob)
}

// Count returns the number of cached blobs.
func (g *Guard) Count() int {
	return g.c.Count()
}

// AllocatorFor returns the allocator for device.
func (g *Guard) AllocatorFor(device string) (Allocator, error) {
	return g.c.AllocatorFor(device)
}

// Unlock leaves the critical section. Calling it twice panics.
func (g *Guard) Unlock() {
	if g.unlocked {
		panic("prepack: guard unlocked twice")
	}
	g.unlocked = true
	g.c.mu.Unlock()
}

func (g *Guard) closed() bool {
	return g.c.closed
}
