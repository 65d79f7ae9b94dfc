package loader

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"

	"github.com/born-ml/prepack/internal/kernels"
	"github.com/born-ml/prepack/internal/logutil"
	"github.com/born-ml/prepack/internal/onnx"
	"github.com/born-ml/prepack/internal/prepack"
	"github.com/born-ml/prepack/internal/serialization"
)

// Source tells where a packed weight came from.
type Source int

// Packed weight sources.
const (
	SourceDisk     Source = iota // restored from a packed-blob hint
	SourceShared                 // already in the shared cache
	SourceComputed               // packed by this call
	SourceReused                 // packed earlier for another node of the model
)

// String returns the source name.
func (s Source) String() string {
	switch s {
	case SourceDisk:
		return "disk"
	case SourceShared:
		return "shared"
	case SourceComputed:
		return "computed"
	case SourceReused:
		return "reused"
	default:
		return "unknown"
	}
}

// PackedWeight is one node input resolved to a packed blob.
type PackedWeight struct {
	Graph  onnx.GraphID
	Node   string // node name, or op type and index for unnamed nodes
	OpType string
	Weight string
	Key    string
	Blob   *prepack.Blob // owned by the state; valid until Close
	Source Source
}

// Pack resolves the packed form of every constant weight consumed by a node
// whose operator has a packer in registry.
//
// The weight is looked up through the enclosing graph scopes, so a Loop body
// can pack an initializer of the main graph. Its key is the operator type
// plus a hash of the tensor's type, shape and bytes.
//
// When the tree is not saving, a blob restored from disk is used as is.
// Otherwise, and on a disk miss, the weight is packed: through cache when
// the state shares weights and cache is non-nil, with a private allocator
// otherwise. In saving mode every packed blob is recorded under the weight's
// name for Save, superseding any blob loaded from disk under the same key.
//
// Weights a packer rejects with kernels.ErrUnsupportedWeight are skipped.
func (s *State) Pack(registry *kernels.Registry, cache *prepack.SharedCache) ([]PackedWeight, error) {
	if s.closed {
		return nil, ErrClosed
	}

	sharing := s.opts.ShareWeights && cache != nil
	if sharing && !s.tree.Main().IsSaving() && s.tree.NumKeyedBlobs() > 0 {
		// Offer the disk blobs to other models before any of them packs.
		added := s.tree.ShareWith(cache)
		slog.Debug("shared pre-packed weights from disk", "added", added, "keys", s.tree.NumKeyedBlobs())
	}

	var packed []PackedWeight
	for i := range s.graphs.Len() {
		id := onnx.GraphID(i)
		g := s.graphs.Graph(id)
		for n := range g.Nodes {
			node := &g.Nodes[n]
			packer, ok := registry.Lookup(node.OpType)
			if !ok {
				continue
			}
			idx := packer.WeightInput()
			if idx >= len(node.Inputs) || node.Inputs[idx] == "" {
				continue
			}

			pw, ok, err := s.packInput(id, node.Inputs[idx], packer, cache, sharing)
			if err != nil {
				return nil, fmt.Errorf("node %s: %w", nodeName(node, n), err)
			}
			if !ok {
				continue
			}
			pw.Node = nodeName(node, n)
			packed = append(packed, pw)
		}
	}

	slog.Info("packed model weights", "weights", len(packed), "keys", s.tree.NumKeyedBlobs())
	return packed, nil
}

func (s *State) packInput(id onnx.GraphID, name string, packer kernels.Packer, cache *prepack.SharedCache, sharing bool) (PackedWeight, bool, error) {
	owner, tensor, ok := s.lookupInitializer(id, name)
	if !ok {
		logutil.Trace("input is not an initializer", "input", name)
		return PackedWeight{}, false, nil
	}

	data, err := s.tensorData(tensor)
	if err != nil {
		return PackedWeight{}, false, err
	}
	if len(data) == 0 {
		slog.Debug("initializer has no raw data, not packing", "weight", name)
		return PackedWeight{}, false, nil
	}

	w := kernels.Weight{Name: tensor.Name, DataType: tensor.DataType, Dims: tensor.Dims, Data: data}
	key := prepack.Key(packer.OpType(), prepack.HashBytes(weightHeader(w), data))
	scope := s.scopes[owner]
	pw := PackedWeight{Graph: id, OpType: packer.OpType(), Weight: name, Key: key}

	if blob, ok := s.fresh[key]; ok {
		if scope.IsSaving() {
			scope.CreateOrOverWrite(name, key, blob.Retain())
		}
		pw.Blob, pw.Source = blob, SourceReused
		return pw, true, nil
	}

	if !scope.IsSaving() {
		if blob, ok := scope.Get(key); ok && blob != nil {
			logutil.Trace("using pre-packed weight from disk", "weight", name, "key", key)
			pw.Blob, pw.Source = blob, SourceDisk
			return pw, true, nil
		}
	}

	blob, source, err := s.packWeight(packer, w, key, cache, sharing)
	if errors.Is(err, kernels.ErrUnsupportedWeight) {
		slog.Debug("weight not packed", "weight", name, "error", err)
		return PackedWeight{}, false, nil
	}
	if err != nil {
		return PackedWeight{}, false, err
	}

	s.fresh[key] = blob
	if scope.IsSaving() {
		scope.CreateOrOverWrite(name, key, blob.Retain())
	}
	pw.Blob, pw.Source = blob, source
	return pw, true, nil
}

// packWeight packs w and returns a blob carrying one reference for the state.
func (s *State) packWeight(packer kernels.Packer, w kernels.Weight, key string, cache *prepack.SharedCache, sharing bool) (*prepack.Blob, Source, error) {
	pack := func(alloc prepack.Allocator) (*prepack.Blob, error) {
		return packer.Pack(w, alloc)
	}

	if sharing {
		blob, computed, err := cache.GetOrPack(key, s.opts.Device, pack)
		if err != nil {
			return nil, 0, err
		}
		if !computed {
			return blob.Retain(), SourceShared, nil
		}
		return blob.Retain(), SourceComputed, nil
	}

	alloc, err := s.private.GetOrCreate(s.opts.Device)
	if err != nil {
		return nil, 0, err
	}
	blob, err := pack(alloc)
	if err != nil {
		return nil, 0, fmt.Errorf("pack %q: %w", key, err)
	}
	if blob == nil {
		return nil, 0, fmt.Errorf("pack %q: %w", key, prepack.ErrNoBlob)
	}
	slog.Debug("packed weight", "key", key, "size", humanize.Bytes(uint64(blob.Size())))
	return blob, SourceComputed, nil
}

// lookupInitializer finds the initializer name visible from graph id,
// searching outward through the enclosing graphs.
func (s *State) lookupInitializer(id onnx.GraphID, name string) (onnx.GraphID, *onnx.TensorProto, bool) {
	for {
		g := s.graphs.Graph(id)
		for i := range g.Initializers {
			if g.Initializers[i].Name == name {
				return id, &g.Initializers[i], true
			}
		}
		// A node output of this scope shadows outer names.
		if producesName(g, name) {
			return 0, nil, false
		}
		parent, ok := s.graphs.Parent(id)
		if !ok {
			return 0, nil, false
		}
		id = parent
	}
}

func producesName(g *onnx.GraphProto, name string) bool {
	for i := range g.Nodes {
		for _, out := range g.Nodes[i].Outputs {
			if out == name {
				return true
			}
		}
	}
	return false
}

// tensorData returns the tensor's bytes, inline or from its external file.
// It returns no bytes for a tensor whose values are in typed fields.
func (s *State) tensorData(t *onnx.TensorProto) ([]byte, error) {
	if !t.IsExternal() {
		return t.RawData, nil
	}

	info, err := onnx.ParseExternalData(t.ExternalData)
	if err != nil {
		return nil, fmt.Errorf("tensor %q: %w", t.Name, err)
	}
	file, err := s.mapping(info.Location)
	if err != nil {
		return nil, fmt.Errorf("tensor %q: %w", t.Name, err)
	}
	data, err := file.Segment(info.Offset, info.Length)
	if err != nil {
		return nil, fmt.Errorf("tensor %q: %w", t.Name, err)
	}
	if s.opts.VerifyChecksums {
		if err := serialization.VerifyChecksumHex(data, info.Checksum); err != nil {
			return nil, fmt.Errorf("tensor %q: %w", t.Name, err)
		}
	}
	return data, nil
}

// weightHeader encodes the element type and shape hashed into a weight's key.
//
//nolint:gosec // G115: dims are non-negative
func weightHeader(w kernels.Weight) []byte {
	b := binary.LittleEndian.AppendUint32(nil, uint32(w.DataType))
	for _, d := range w.Dims {
		b = binary.LittleEndian.AppendUint64(b, uint64(d))
	}
	return b
}

func nodeName(node *onnx.NodeProto, index int) string {
	if node.Name != "" {
		return node.Name
	}
	return fmt.Sprintf("%s_%d", node.OpType, index)
}
