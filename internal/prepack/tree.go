package prepack

import (
	"fmt"
	"slices"
	"sort"
)

// GraphHandle identifies a nested graph body (a Loop/If/Scan attribute).
// It is an index into the caller's graph arena, compared by value; two
// structurally identical bodies at different places in a model have
// different handles.
type GraphHandle int

// BlobHandle is a stable index into a Tree's blob slots.
type BlobHandle int

// Tree holds the packed blobs of one model load or save.
//
// All Subgraph nodes share one slot map of key to blob. Slots are never
// removed, so a BlobHandle stays valid for the life of the tree; overwriting
// a key replaces the blob inside its existing slot.
//
// A Tree is confined to one goroutine: it is built and consumed during a
// single load or save. Independent models use independent trees.
type Tree struct {
	slots []blobSlot
	index map[string]BlobHandle
	nodes []*Subgraph
}

type blobSlot struct {
	key  string
	blob *Blob
}

// NewTree creates a tree with only the main graph, not saving.
func NewTree() *Tree {
	t := &Tree{index: make(map[string]BlobHandle)}
	t.newNode(-1, false)
	return t
}

// Main returns the node of the top-level graph.
func (t *Tree) Main() *Subgraph {
	return t.nodes[0]
}

// SetSaving sets the main graph's saving flag.
func (t *Tree) SetSaving(saving bool) {
	t.Main().SetSaving(saving)
}

// NumKeyedBlobs returns the number of distinct keys in the tree.
func (t *Tree) NumKeyedBlobs() int {
	return len(t.slots)
}

// NumSubgraphs returns the number of nodes, including the main graph.
func (t *Tree) NumSubgraphs() int {
	return len(t.nodes)
}

// Key returns the key stored in slot h.
func (t *Tree) Key(h BlobHandle) string {
	return t.slots[h].key
}

// Blob returns the blob currently stored in slot h.
func (t *Tree) Blob(h BlobHandle) *Blob {
	return t.slots[h].blob
}

// Keys returns every key in insertion order.
func (t *Tree) Keys() []string {
	keys := make([]string, len(t.slots))
	for i, s := range t.slots {
		keys[i] = s.key
	}
	return keys
}

// ShareWith moves the tree's blobs into cache. A key the cache already holds
// is adopted from the cache and the tree's own copy released; any other key is
// stored in the cache, which then shares ownership with the tree. It returns
// the number of blobs newly added to the cache.
func (t *Tree) ShareWith(cache *SharedCache) int {
	g := cache.Lock()
	defer g.Unlock()

	added := 0
	for i := range t.slots {
		s := &t.slots[i]
		if g.Has(s.key) {
			shared, err := g.Get(s.key)
			if err != nil || shared == s.blob {
				continue
			}
			s.blob.Release()
			s.blob = shared.Retain()
			continue
		}
		if g.Put(s.key, s.blob.Retain()) {
			added++
		} else {
			s.blob.Release()
		}
	}
	return added
}

// Close releases the tree's reference to every blob.
func (t *Tree) Close() {
	for i := range t.slots {
		if b := t.slots[i].blob; b != nil {
			b.Release()
			t.slots[i].blob = nil
		}
	}
}

func (t *Tree) newNode(parent int, saving bool) *Subgraph {
	s := &Subgraph{
		tree:     t,
		id:       len(t.nodes),
		parent:   parent,
		saving:   saving,
		weights:  make(map[string][]BlobHandle),
		children: make(map[GraphHandle]int),
	}
	t.nodes = append(t.nodes, s)
	return s
}

// Subgraph is one graph scope of a Tree: the main graph or a nested body.
type Subgraph struct {
	tree   *Tree
	id     int
	parent int
	saving bool

	// weight name -> slots it was packed into; populated while saving
	weights  map[string][]BlobHandle
	children map[GraphHandle]int
}

// ID returns the node's stable index within its tree.
func (s *Subgraph) ID() int {
	return s.id
}

// Tree returns the tree the node belongs to.
func (s *Subgraph) Tree() *Tree {
	return s.tree
}

// Parent returns the enclosing scope; the main graph has none.
func (s *Subgraph) Parent() (*Subgraph, bool) {
	if s.parent < 0 {
		return nil, false
	}
	return s.tree.nodes[s.parent], true
}

// ChildFor returns the node for the nested graph g, creating it on first use.
// A new child inherits this node's current saving flag.
func (s *Subgraph) ChildFor(g GraphHandle) *Subgraph {
	if id, ok := s.children[g]; ok {
		return s.tree.nodes[id]
	}
	child := s.tree.newNode(s.id, s.saving)
	s.children[g] = child.id
	return child
}

// LookupChild returns the node for g without creating it.
func (s *Subgraph) LookupChild(g GraphHandle) (*Subgraph, bool) {
	id, ok := s.children[g]
	if !ok {
		return nil, false
	}
	return s.tree.nodes[id], true
}

// InsertFromDisk stores a blob read from a serialized model. Keys coming from
// disk are unique by construction, so a repeated key means the model is
// corrupt. On success the tree takes over the caller's reference.
//
// It does not touch the weight-name index.
func (s *Subgraph) InsertFromDisk(key string, blob *Blob) error {
	if _, ok := s.tree.index[key]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateKey, key)
	}
	s.tree.insert(key, blob)
	return nil
}

// CreateOrOverWrite stores blob under key, replacing (and releasing) any blob
// already there, and records key under weight. Overwriting is what lets a
// freshly packed blob supersede one restored from disk. It reports whether
// key was new to the tree. The tree takes over the caller's reference.
//
// A weight may be packed into several keys by different kernels; each key is
// listed once per weight however many times it is written.
func (s *Subgraph) CreateOrOverWrite(weight, key string, blob *Blob) bool {
	h, exists := s.tree.index[key]
	if exists {
		slot := &s.tree.slots[h]
		if slot.blob != blob {
			if slot.blob != nil {
				slot.blob.Release()
			}
			slot.blob = blob
		} else {
			// Same instance: the tree already holds a reference.
			blob.Release()
		}
	} else {
		h = s.tree.insert(key, blob)
	}

	if handles := s.weights[weight]; !slices.Contains(handles, h) {
		s.weights[weight] = append(handles, h)
	}
	return !exists
}

// Get returns the blob stored under key anywhere in the tree.
func (s *Subgraph) Get(key string) (*Blob, bool) {
	h, ok := s.tree.index[key]
	if !ok {
		return nil, false
	}
	return s.tree.slots[h].blob, true
}

// IsSaving reports whether the node collects packed blobs for write-back.
func (s *Subgraph) IsSaving() bool {
	return s.saving
}

// SetSaving sets the saving flag. Existing children keep their own flag.
func (s *Subgraph) SetSaving(saving bool) {
	s.saving = saving
}

// WeightNames returns the names of weights packed in this scope, sorted.
func (s *Subgraph) WeightNames() []string {
	names := make([]string, 0, len(s.weights))
	for name := range s.weights {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WeightBlobs returns the slots weight was packed into, in write order.
func (s *Subgraph) WeightBlobs(weight string) []BlobHandle {
	return slices.Clone(s.weights[weight])
}

func (t *Tree) insert(key string, blob *Blob) BlobHandle {
	h := BlobHandle(len(t.slots))
	t.slots = append(t.slots, blobSlot{key: key, blob: blob})
	t.index[key] = h
	return h
}
