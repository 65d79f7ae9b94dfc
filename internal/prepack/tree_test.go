package prepack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func blobOf(s string) *Blob {
	return WrapBuffers(nil, []byte(s))
}

func TestTreeCreateOrOverWriteMultiplePacksPerWeight(t *testing.T) {
	tree := NewTree()
	defer tree.Close()
	main := tree.Main()
	main.SetSaving(true)

	blobA, blobB := blobOf("a"), blobOf("b")
	assert.True(t, main.CreateOrOverWrite("W", "k1", blobA))
	assert.True(t, main.CreateOrOverWrite("W", "k2", blobB))

	got, ok := main.Get("k1")
	require.True(t, ok)
	assert.Same(t, blobA, got)
	got, ok = main.Get("k2")
	require.True(t, ok)
	assert.Same(t, blobB, got)

	handles := main.WeightBlobs("W")
	require.Len(t, handles, 2)
	assert.Equal(t, "k1", tree.Key(handles[0]))
	assert.Equal(t, "k2", tree.Key(handles[1]))
	assert.Equal(t, []string{"W"}, main.WeightNames())
}

func TestTreeCreateOrOverWriteReplacesDiskBlob(t *testing.T) {
	tree := NewTree()
	defer tree.Close()
	main := tree.Main()

	released := false
	disk := WrapBuffers(func() { released = true }, []byte("stale"))
	require.NoError(t, main.InsertFromDisk("k", disk))
	assert.Empty(t, main.WeightNames(), "disk inserts do not populate the weight index")

	fresh := blobOf("fresh")
	assert.False(t, main.CreateOrOverWrite("W", "k", fresh))
	assert.True(t, released)

	got, _ := main.Get("k")
	assert.Same(t, fresh, got)
	assert.Equal(t, 1, tree.NumKeyedBlobs())
}

func TestTreeCreateOrOverWriteDeduplicatesWeightIndex(t *testing.T) {
	tree := NewTree()
	defer tree.Close()
	main := tree.Main()

	main.CreateOrOverWrite("W", "k", blobOf("1"))
	main.CreateOrOverWrite("W", "k", blobOf("2"))
	b := blobOf("3")
	main.CreateOrOverWrite("W", "k", b)
	main.CreateOrOverWrite("W", "k", b.Retain())

	assert.Len(t, main.WeightBlobs("W"), 1)
	assert.False(t, b.Released(), "rewriting the same instance keeps one reference")
}

func TestTreeInsertFromDiskDuplicate(t *testing.T) {
	tree := NewTree()
	defer tree.Close()

	require.NoError(t, tree.Main().InsertFromDisk("k", blobOf("a")))
	child := tree.Main().ChildFor(1)

	dup := blobOf("b")
	err := child.InsertFromDisk("k", dup)
	assert.ErrorIs(t, err, ErrDuplicateKey, "children share the parent's blob map")
	dup.Release()
}

func TestTreeChildFor(t *testing.T) {
	tree := NewTree()
	main := tree.Main()

	_, ok := main.LookupChild(7)
	assert.False(t, ok)

	main.SetSaving(true)
	c1 := main.ChildFor(7)
	assert.Same(t, c1, main.ChildFor(7))

	main.SetSaving(false)
	c2 := main.ChildFor(8)
	assert.NotSame(t, c1, c2)
	assert.True(t, c1.IsSaving(), "children inherit the flag at creation")
	assert.False(t, c2.IsSaving())

	main.SetSaving(true)
	assert.False(t, c2.IsSaving(), "the flag is not propagated to existing children")

	got, ok := main.LookupChild(8)
	require.True(t, ok)
	assert.Same(t, c2, got)

	parent, ok := c2.Parent()
	require.True(t, ok)
	assert.Same(t, main, parent)
	_, ok = main.Parent()
	assert.False(t, ok)

	grandchild := c1.ChildFor(7)
	assert.NotSame(t, c1, grandchild, "handles are scoped to their parent")
	assert.Equal(t, 4, tree.NumSubgraphs())
}

func TestTreeHandlesSurviveLaterInserts(t *testing.T) {
	tree := NewTree()
	defer tree.Close()
	main := tree.Main()

	main.CreateOrOverWrite("W", "first", blobOf("x"))
	h := main.WeightBlobs("W")[0]
	for i := range 100 {
		require.NoError(t, main.InsertFromDisk(string(rune('a'+i%26))+string(rune('A'+i/26)), blobOf("y")))
	}
	assert.Equal(t, "first", tree.Key(h))
	assert.Equal(t, []byte("x"), tree.Blob(h).Buffer(0))
}

func TestTreeShareWith(t *testing.T) {
	cache := NewSharedCache()
	defer cache.Close()

	existing := blobOf("cached")
	require.True(t, cache.Put("shared", existing))

	tree := NewTree()
	main := tree.Main()
	own := blobOf("own")
	require.NoError(t, main.InsertFromDisk("shared", own))
	require.NoError(t, main.InsertFromDisk("new", blobOf("new")))

	assert.Equal(t, 1, tree.ShareWith(cache))
	assert.True(t, own.Released(), "the tree adopts the cached instance")

	got, _ := main.Get("shared")
	assert.Same(t, existing, got)
	assert.True(t, cache.Has("new"))

	tree.Close()
	assert.False(t, existing.Released(), "the cache still holds its reference")
	b, err := cache.Get("new")
	require.NoError(t, err)
	assert.False(t, b.Released())
}
