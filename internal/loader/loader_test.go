package loader

import (
	"context"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/prepack/internal/kernels"
	"github.com/born-ml/prepack/internal/onnx"
	"github.com/born-ml/prepack/internal/prepack"
	"github.com/born-ml/prepack/internal/serialization"
)

func floatData(k, n int, scale float32) []byte {
	data := make([]byte, k*n*4)
	for i := range k * n {
		v := float32(math.Sin(float64(i))) * scale
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	return data
}

func floatTensor(name string, k, n int, scale float32) onnx.TensorProto {
	return onnx.TensorProto{
		Name:     name,
		DataType: onnx.TensorProtoFloat,
		Dims:     []int64{int64(k), int64(n)},
		RawData:  floatData(k, n, scale),
	}
}

// newModel builds Y = Gemm(MatMul(X, W), B).
func newModel() *onnx.ModelProto {
	return &onnx.ModelProto{
		IRVersion: 8,
		Graph: &onnx.GraphProto{
			Name: "main",
			Nodes: []onnx.NodeProto{
				{Name: "mm", OpType: "MatMul", Inputs: []string{"X", "W"}, Outputs: []string{"H"}},
				{Name: "fc", OpType: "Gemm", Inputs: []string{"H", "B"}, Outputs: []string{"Y"}},
				{Name: "act", OpType: "Relu", Inputs: []string{"Y"}, Outputs: []string{"Z"}},
			},
			Initializers: []onnx.TensorProto{
				floatTensor("W", 64, 8, 2),
				floatTensor("B", 8, 4, 1),
			},
		},
	}
}

func writeModel(t *testing.T, dir string, model *onnx.ModelProto) string {
	t.Helper()
	path := filepath.Join(dir, "model.onnx")
	require.NoError(t, onnx.WriteFile(path, model))
	return path
}

func testOptions() Options {
	return Options{ShareWeights: true, VerifyChecksums: true, Device: prepack.CPU, MaxParallel: 2}
}

func newCache(t *testing.T) *prepack.SharedCache {
	t.Helper()
	cache := prepack.NewSharedCache()
	t.Cleanup(cache.Close)
	return cache
}

func openModel(t *testing.T, path string, opts Options) *State {
	t.Helper()
	state, err := OpenModel(path, opts)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, state.Close()) })
	return state
}

func sources(packed []PackedWeight) map[string]Source {
	out := make(map[string]Source)
	for _, pw := range packed {
		out[pw.Weight] = pw.Source
	}
	return out
}

func TestPackSharesAcrossModels(t *testing.T) {
	cache := newCache(t)
	path := writeModel(t, t.TempDir(), newModel())
	registry := kernels.DefaultRegistry()

	first := openModel(t, path, testOptions())
	packed, err := first.Pack(registry, cache)
	require.NoError(t, err)
	require.Len(t, packed, 2)
	assert.Equal(t, map[string]Source{"W": SourceComputed, "B": SourceComputed}, sources(packed))

	assert.Equal(t, "mm", packed[0].Node)
	assert.Equal(t, "MatMul", packed[0].OpType)
	opType, _, ok := prepack.SplitKey(packed[0].Key)
	require.True(t, ok)
	assert.Equal(t, "MatMul", opType)
	assert.Equal(t, 3, packed[0].Blob.NumBuffers())

	second := openModel(t, path, testOptions())
	again, err := second.Pack(registry, cache)
	require.NoError(t, err)
	assert.Equal(t, map[string]Source{"W": SourceShared, "B": SourceShared}, sources(again))
	assert.Same(t, packed[0].Blob, again[0].Blob)

	g := cache.Lock()
	assert.Equal(t, 2, g.Count())
	g.Unlock()
}

func TestPackPrivate(t *testing.T) {
	model := newModel()
	// A second MatMul over the same weight.
	model.Graph.Nodes = append(model.Graph.Nodes,
		onnx.NodeProto{OpType: "MatMul", Inputs: []string{"X2", "W"}, Outputs: []string{"H2"}})
	path := writeModel(t, t.TempDir(), model)

	cache := newCache(t)
	opts := testOptions()
	opts.ShareWeights = false
	state := openModel(t, path, opts)

	packed, err := state.Pack(kernels.DefaultRegistry(), cache)
	require.NoError(t, err)
	require.Len(t, packed, 3)

	assert.Equal(t, SourceComputed, packed[0].Source)
	assert.Equal(t, SourceReused, packed[2].Source)
	assert.Equal(t, "MatMul_3", packed[2].Node)
	assert.Same(t, packed[0].Blob, packed[2].Blob)

	g := cache.Lock()
	assert.Zero(t, g.Count())
	g.Unlock()
}

func TestPackSkipsNonConstantAndUnsupported(t *testing.T) {
	model := newModel()
	model.Graph.Initializers[1].DataType = onnx.TensorProtoInt32 // B
	model.Graph.Nodes = append(model.Graph.Nodes,
		onnx.NodeProto{OpType: "MatMul", Inputs: []string{"H", "Z"}, Outputs: []string{"Q"}},
		onnx.NodeProto{OpType: "MatMul", Inputs: []string{"H"}, Outputs: []string{"R"}})

	state, err := Open(t.TempDir(), model, testOptions())
	require.NoError(t, err)
	defer state.Close()

	packed, err := state.Pack(kernels.DefaultRegistry(), nil)
	require.NoError(t, err)
	require.Len(t, packed, 1)
	assert.Equal(t, "W", packed[0].Weight)
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	path := writeModel(t, dir, newModel())
	registry := kernels.DefaultRegistry()

	opts := testOptions()
	opts.SavePrepacked = true

	hashes := make(map[string]string)
	func() {
		cache := prepack.NewSharedCache()
		defer cache.Close()

		state, err := OpenModel(path, opts)
		require.NoError(t, err)
		defer state.Close()

		packed, err := state.Pack(registry, cache)
		require.NoError(t, err)
		for _, pw := range packed {
			hashes[pw.Key] = pw.Blob.Hash()
		}

		assert.Equal(t, []string{"B", "W"}, state.Scope(0).WeightNames())

		stats, err := state.Save(filepath.Join(dir, "packed.onnx"), "packed.bin")
		require.NoError(t, err)
		assert.Equal(t, SaveStats{Tensors: 2, Externalized: 2, Blobs: 2, Bytes: stats.Bytes}, stats)
		assert.Positive(t, stats.Bytes)
	}()

	saved, err := onnx.ParseFile(filepath.Join(dir, "packed.onnx"))
	require.NoError(t, err)
	for _, tensor := range saved.Graph.Initializers {
		require.True(t, tensor.IsExternal(), tensor.Name)
		info, err := onnx.ParseExternalData(tensor.ExternalData)
		require.NoError(t, err)
		assert.Equal(t, "packed.bin", info.Location)
		assert.Zero(t, info.Offset%serialization.SegmentAlignment)
		assert.Len(t, info.PrepackedKeys(), 1)
	}

	cache := newCache(t)
	state := openModel(t, filepath.Join(dir, "packed.onnx"), testOptions())
	assert.Equal(t, Stats{DiskBlobs: 2, MappedFiles: 1}, state.Stats())

	packed, err := state.Pack(registry, cache)
	require.NoError(t, err)
	assert.Equal(t, map[string]Source{"W": SourceDisk, "B": SourceDisk}, sources(packed))
	for _, pw := range packed {
		assert.Equal(t, hashes[pw.Key], pw.Blob.Hash(), pw.Weight)
	}

	// Disk blobs were offered to the shared cache.
	g := cache.Lock()
	assert.Equal(t, 2, g.Count())
	g.Unlock()
}

func TestSaveTwiceKeepsOffsetsValid(t *testing.T) {
	dir := t.TempDir()
	path := writeModel(t, dir, newModel())
	opts := testOptions()
	opts.SavePrepacked = true
	opts.ShareWeights = false

	for range 2 {
		state, err := OpenModel(path, opts)
		require.NoError(t, err)
		_, err = state.Pack(kernels.DefaultRegistry(), nil)
		require.NoError(t, err)
		_, err = state.Save(path, "packed.bin")
		require.NoError(t, err)
		require.NoError(t, state.Close())
	}

	opts.SavePrepacked = false
	state := openModel(t, path, opts)
	assert.Equal(t, 2, state.Stats().DiskBlobs)
	assert.Zero(t, state.Stats().DroppedHints)
}

func TestOpenDropsCorruptHint(t *testing.T) {
	dir := t.TempDir()
	path := writeModel(t, dir, newModel())

	opts := testOptions()
	opts.SavePrepacked = true
	opts.ShareWeights = false
	state, err := OpenModel(path, opts)
	require.NoError(t, err)
	_, err = state.Pack(kernels.DefaultRegistry(), nil)
	require.NoError(t, err)
	_, err = state.Save(path, "packed.bin")
	require.NoError(t, err)
	require.NoError(t, state.Close())

	// Flip a byte of W's first packed buffer.
	saved, err := onnx.ParseFile(path)
	require.NoError(t, err)
	info, err := onnx.ParseExternalData(saved.Graph.Initializers[0].ExternalData)
	require.NoError(t, err)
	off := info.PrepackedBlobs(info.PrepackedKeys()[0])[0].Offset

	blobPath := filepath.Join(dir, "packed.bin")
	data, err := os.ReadFile(blobPath)
	require.NoError(t, err)
	data[off] ^= 0xff
	require.NoError(t, os.WriteFile(blobPath, data, 0o600))

	cache := newCache(t)
	reloaded := openModel(t, path, testOptions())
	assert.Equal(t, Stats{DiskBlobs: 1, DroppedHints: 1, MappedFiles: 1}, reloaded.Stats())

	packed, err := reloaded.Pack(kernels.DefaultRegistry(), cache)
	require.NoError(t, err)
	assert.Equal(t, map[string]Source{"W": SourceComputed, "B": SourceDisk}, sources(packed))

	// Without verification the corrupt segment is taken at its word.
	opts = testOptions()
	opts.VerifyChecksums = false
	trusting := openModel(t, path, opts)
	assert.Equal(t, 2, trusting.Stats().DiskBlobs)
}

// externalModel writes w.bin with W's data followed by filler and returns a
// model whose W is external with the given extra descriptor entries.
func externalModel(t *testing.T, dir string, extra ...onnx.StringStringEntry) *onnx.ModelProto {
	t.Helper()
	data := floatData(4, 4, 1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "w.bin"), append(data, make([]byte, 64)...), 0o600))

	w := onnx.TensorProto{Name: "W", DataType: onnx.TensorProtoFloat, Dims: []int64{4, 4}}
	entries := onnx.ExternalLocationEntries("w.bin", 0, int64(len(data)))
	w.SetExternalData(append(entries, extra...))

	return &onnx.ModelProto{Graph: &onnx.GraphProto{
		Nodes:        []onnx.NodeProto{{OpType: "MatMul", Inputs: []string{"X", "W"}, Outputs: []string{"Y"}}},
		Initializers: []onnx.TensorProto{w},
	}}
}

func TestOpenOutOfBoundsHint(t *testing.T) {
	dir := t.TempDir()
	model := externalModel(t, dir, onnx.PrepackedEntries([]onnx.PrepackedEntry{
		{Key: "MatMul+far", Blobs: []onnx.PrepackedBlobInfo{{Offset: 4096, Length: 16, Checksum: "x"}}},
		{Key: "MatMul+near", Blobs: []onnx.PrepackedBlobInfo{{Offset: 64, Length: 16, Checksum: "x"}}},
	})...)

	opts := testOptions()
	opts.VerifyChecksums = false
	state, err := Open(dir, model, opts)
	require.NoError(t, err)
	defer state.Close()

	assert.Equal(t, Stats{DiskBlobs: 1, DroppedHints: 1, MappedFiles: 1}, state.Stats())
	blob, ok := state.Scope(0).Get("MatMul+near")
	require.True(t, ok)
	assert.Len(t, blob.Buffer(0), 16)
}

func TestOpenFailures(t *testing.T) {
	hint := onnx.StringStringEntry{Key: "prepacked0", Value: "MatMul+dup|0;4;x"}

	tests := []struct {
		name  string
		model func(t *testing.T, dir string) *onnx.ModelProto
		want  error
	}{
		{
			name: "bad length",
			model: func(t *testing.T, dir string) *onnx.ModelProto {
				return externalModel(t, dir, onnx.StringStringEntry{Key: "length", Value: "10x"})
			},
			want: onnx.ErrParse,
		},
		{
			name: "unknown key",
			model: func(t *testing.T, dir string) *onnx.ModelProto {
				return externalModel(t, dir, onnx.StringStringEntry{Key: "compression", Value: "zstd"})
			},
			want: onnx.ErrModelFormat,
		},
		{
			name: "duplicate hinted key",
			model: func(t *testing.T, dir string) *onnx.ModelProto {
				m := externalModel(t, dir, hint)
				second := m.Graph.Initializers[0]
				second.Name = "W2"
				m.Graph.Initializers = append(m.Graph.Initializers, second)
				return m
			},
			want: prepack.ErrDuplicateKey,
		},
		{
			name: "escaping location",
			model: func(t *testing.T, dir string) *onnx.ModelProto {
				m := externalModel(t, dir, hint)
				m.Graph.Initializers[0].ExternalData[0].Value = "../w.bin"
				return m
			},
			want: ErrInvalidLocation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			opts := testOptions()
			opts.VerifyChecksums = false
			state, err := Open(dir, tt.model(t, dir), opts)
			require.ErrorIs(t, err, tt.want)
			assert.Nil(t, state)
		})
	}
}

func TestPackExternalWeight(t *testing.T) {
	dir := t.TempDir()
	model := externalModel(t, dir)

	state, err := Open(dir, model, testOptions())
	require.NoError(t, err)
	defer state.Close()

	packed, err := state.Pack(kernels.DefaultRegistry(), nil)
	require.NoError(t, err)
	require.Len(t, packed, 1)
	assert.Equal(t, SourceComputed, packed[0].Source)
	assert.Equal(t, 1, state.Stats().MappedFiles)
}

func TestPackSubgraphUsesOuterWeight(t *testing.T) {
	body := &onnx.GraphProto{
		Name:  "body",
		Nodes: []onnx.NodeProto{{OpType: "MatMul", Inputs: []string{"x", "W"}, Outputs: []string{"y"}}},
		Initializers: []onnx.TensorProto{
			floatTensor("B_body", 8, 4, 3),
		},
	}
	body.Nodes = append(body.Nodes, onnx.NodeProto{OpType: "Gemm", Inputs: []string{"y", "B_body"}, Outputs: []string{"z"}})

	model := &onnx.ModelProto{Graph: &onnx.GraphProto{
		Name: "main",
		Nodes: []onnx.NodeProto{{
			OpType:     "Loop",
			Inputs:     []string{"n", "cond"},
			Outputs:    []string{"out"},
			Attributes: []onnx.AttributeProto{{Name: "body", Type: onnx.AttributeProtoGraph, G: body}},
		}},
		Initializers: []onnx.TensorProto{floatTensor("W", 32, 8, 1)},
	}}

	opts := testOptions()
	opts.SavePrepacked = true
	state, err := Open(t.TempDir(), model, opts)
	require.NoError(t, err)
	defer state.Close()

	require.Equal(t, 2, state.Tree().NumSubgraphs())
	child, ok := state.Scope(0).LookupChild(prepack.GraphHandle(1))
	require.True(t, ok)
	assert.Same(t, state.Scope(1), child)
	assert.True(t, child.IsSaving())

	packed, err := state.Pack(kernels.DefaultRegistry(), newCache(t))
	require.NoError(t, err)
	require.Len(t, packed, 2)
	for _, pw := range packed {
		assert.Equal(t, onnx.GraphID(1), pw.Graph)
	}

	// Each weight is recorded in the scope that declares it.
	assert.Equal(t, []string{"W"}, state.Scope(0).WeightNames())
	assert.Equal(t, []string{"B_body"}, state.Scope(1).WeightNames())
}

func TestSaveErrors(t *testing.T) {
	state, err := Open(t.TempDir(), newModel(), testOptions())
	require.NoError(t, err)

	_, err = state.Save("out.onnx", "packed.bin")
	require.ErrorIs(t, err, ErrNotSaving)

	require.NoError(t, state.Close())
	require.NoError(t, state.Close())

	_, err = state.Pack(kernels.DefaultRegistry(), nil)
	require.ErrorIs(t, err, ErrClosed)
}

func TestSaveRejectsEscapingBlobFile(t *testing.T) {
	opts := testOptions()
	opts.SavePrepacked = true
	state, err := Open(t.TempDir(), newModel(), opts)
	require.NoError(t, err)
	defer state.Close()

	_, err = state.Save("out.onnx", "../packed.bin")
	require.ErrorIs(t, err, ErrInvalidLocation)
}

func TestSaveExternalWeightToEndOfFile(t *testing.T) {
	dir := t.TempDir()
	model := externalModel(t, dir)
	data := floatData(4, 4, 1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "w.bin"), data, 0o600))
	model.Graph.Initializers[0].SetExternalData([]onnx.StringStringEntry{{Key: onnx.ExternalDataLocation, Value: "w.bin"}})
	path := writeModel(t, dir, model)

	opts := testOptions()
	opts.SavePrepacked = true
	opts.ShareWeights = false
	state, err := OpenModel(path, opts)
	require.NoError(t, err)
	packed, err := state.Pack(kernels.DefaultRegistry(), nil)
	require.NoError(t, err)
	require.Len(t, packed, 1)
	hash := packed[0].Blob.Hash()
	_, err = state.Save(path, "packed.bin")
	require.NoError(t, err)
	require.NoError(t, state.Close())

	// The packed buffers were appended to w.bin; W's range must not grow with it.
	saved, err := onnx.ParseFile(path)
	require.NoError(t, err)
	info, err := onnx.ParseExternalData(saved.Graph.Initializers[0].ExternalData)
	require.NoError(t, err)
	assert.Equal(t, "w.bin", info.Location)
	assert.Zero(t, info.Offset)
	assert.Equal(t, int64(len(data)), info.Length)
	require.Len(t, info.PrepackedKeys(), 1)

	cache := newCache(t)
	reloaded := openModel(t, path, testOptions())
	assert.Equal(t, Stats{DiskBlobs: 1, MappedFiles: 1}, reloaded.Stats())

	packed, err = reloaded.Pack(kernels.DefaultRegistry(), cache)
	require.NoError(t, err)
	require.Len(t, packed, 1)
	assert.Equal(t, SourceDisk, packed[0].Source)
	assert.Equal(t, hash, packed[0].Blob.Hash())
}

func TestSaveFailureLeavesModelUnchanged(t *testing.T) {
	dir := t.TempDir()
	path := writeModel(t, dir, newModel())

	opts := testOptions()
	opts.SavePrepacked = true
	opts.ShareWeights = false
	state := openModel(t, path, opts)
	_, err := state.Pack(kernels.DefaultRegistry(), nil)
	require.NoError(t, err)

	// A directory cannot be written as the model file.
	_, err = state.Save(dir, "packed.bin")
	require.Error(t, err)

	for _, tensor := range state.Model().Graph.Initializers {
		assert.False(t, tensor.IsExternal(), tensor.Name)
		assert.NotEmpty(t, tensor.RawData, tensor.Name)
	}
	fi, err := os.Stat(filepath.Join(dir, "packed.bin"))
	require.NoError(t, err)
	assert.Zero(t, fi.Size(), "appended bytes are truncated away")

	stats, err := state.Save(path, "packed.bin")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Externalized)
	assert.Equal(t, 2, stats.Blobs)

	saved, err := onnx.ParseFile(path)
	require.NoError(t, err)
	info, err := onnx.ParseExternalData(saved.Graph.Initializers[0].ExternalData)
	require.NoError(t, err)
	assert.Zero(t, info.Offset)

	reloaded := openModel(t, path, testOptions())
	assert.Equal(t, Stats{DiskBlobs: 2, MappedFiles: 1}, reloaded.Stats())
}

// emptyPacker claims MatMul weights and returns no blob.
type emptyPacker struct{}

func (emptyPacker) OpType() string   { return "MatMul" }
func (emptyPacker) WeightInput() int { return 1 }

func (emptyPacker) Pack(kernels.Weight, prepack.Allocator) (*prepack.Blob, error) {
	return nil, nil
}

func TestPackRejectsMissingBlob(t *testing.T) {
	registry := kernels.NewRegistry(emptyPacker{})

	for _, share := range []bool{false, true} {
		cache := newCache(t)
		opts := testOptions()
		opts.ShareWeights = share
		state := openModel(t, writeModel(t, t.TempDir(), newModel()), opts)

		_, err := state.Pack(registry, cache)
		require.ErrorIs(t, err, prepack.ErrNoBlob, "share=%v", share)
	}
}

func TestPackModels(t *testing.T) {
	var paths []string
	for range 4 {
		paths = append(paths, writeModel(t, t.TempDir(), newModel()))
	}

	cache := newCache(t)
	results, err := PackModels(context.Background(), paths, cache, kernels.DefaultRegistry(), testOptions())
	require.NoError(t, err)
	require.Len(t, results, 4)
	t.Cleanup(func() {
		for _, r := range results {
			assert.NoError(t, r.State.Close())
		}
	})

	computed := make(map[string]int)
	for i, r := range results {
		assert.Equal(t, paths[i], r.Path)
		require.Len(t, r.Packed, 2)
		for _, pw := range r.Packed {
			if pw.Source == SourceComputed {
				computed[pw.Key]++
			} else {
				assert.Equal(t, SourceShared, pw.Source)
			}
		}
	}

	// Every key was packed exactly once across all models.
	assert.Len(t, computed, 2)
	for key, n := range computed {
		assert.Equal(t, 1, n, key)
	}
}

func TestPackModelsError(t *testing.T) {
	good := writeModel(t, t.TempDir(), newModel())
	missing := filepath.Join(t.TempDir(), "missing.onnx")

	cache := newCache(t)
	results, err := PackModels(context.Background(), []string{good, missing}, cache, kernels.DefaultRegistry(), testOptions())
	require.Error(t, err)
	assert.Nil(t, results)
}

func TestDefaultOptions(t *testing.T) {
	t.Setenv("PREPACK_SHARE_WEIGHTS", "0")
	t.Setenv("PREPACK_SAVE", "1")
	t.Setenv("PREPACK_VERIFY_CHECKSUMS", "")
	t.Setenv("PREPACK_DEVICE", "")
	t.Setenv("PREPACK_MAX_PARALLEL", "3")

	assert.Equal(t, Options{
		ShareWeights:    false,
		SavePrepacked:   true,
		VerifyChecksums: true,
		Device:          prepack.CPU,
		MaxParallel:     3,
	}, DefaultOptions())
}

func TestSourceString(t *testing.T) {
	assert.Equal(t, "disk", SourceDisk.String())
	assert.Equal(t, "shared", SourceShared.String())
	assert.Equal(t, "computed", SourceComputed.String())
	assert.Equal(t, "reused", SourceReused.String())
	assert.Equal(t, "unknown", Source(42).String())
}
