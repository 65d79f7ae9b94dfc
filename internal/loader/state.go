package loader

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/born-ml/prepack/internal/onnx"
	"github.com/born-ml/prepack/internal/prepack"
	"github.com/born-ml/prepack/internal/serialization"
)

// State is one model's load: its graphs, the serialization tree mirroring
// them, and the external data files it has mapped.
//
// A State is not safe for concurrent use. Close it before closing the
// SharedCache it packed into.
type State struct {
	dir    string
	opts   Options
	model  *onnx.ModelProto
	graphs *onnx.GraphIndex

	tree   *prepack.Tree
	scopes []*prepack.Subgraph // by onnx.GraphID

	// location -> mapping, opened once per file
	files map[string]*serialization.MappedFile

	// packed by this state, one reference each; see Pack
	fresh   map[string]*prepack.Blob
	private *prepack.AllocatorRegistry

	stats  Stats
	closed bool
}

// Stats counts what a load found on disk.
type Stats struct {
	DiskBlobs    int // packed blobs restored from hints
	DroppedHints int // hinted keys skipped because a segment was unusable
	MappedFiles  int
}

// OpenModel parses the model at path and opens it with Open.
func OpenModel(path string, opts Options) (*State, error) {
	model, err := onnx.ParseFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open model %s: %w", path, err)
	}
	return Open(filepath.Dir(path), model, opts)
}

// Open prepares model for packing. External data locations are resolved
// against dir.
//
// Every packed-blob hint in the model's external data descriptors is mapped
// and inserted into the serialization tree under the scope of the graph that
// declares the tensor. A hint whose segments fall outside its file or fail
// checksum verification is dropped with a warning and the weight is packed
// again later. A malformed descriptor or a key hinted twice fails the load.
func Open(dir string, model *onnx.ModelProto, opts Options) (*State, error) {
	if opts.Device == "" {
		opts.Device = prepack.CPU
	}

	s := &State{
		dir:     dir,
		opts:    opts,
		model:   model,
		graphs:  onnx.IndexGraphs(model.Graph),
		tree:    prepack.NewTree(),
		files:   make(map[string]*serialization.MappedFile),
		fresh:   make(map[string]*prepack.Blob),
		private: prepack.NewAllocatorRegistry(),
	}
	s.tree.SetSaving(opts.SavePrepacked)

	// Graph IDs are depth first, so a parent's scope always exists first.
	s.scopes = make([]*prepack.Subgraph, s.graphs.Len())
	for i := range s.scopes {
		id := onnx.GraphID(i)
		parent, ok := s.graphs.Parent(id)
		if !ok {
			s.scopes[i] = s.tree.Main()
			continue
		}
		s.scopes[i] = s.scopes[parent].ChildFor(prepack.GraphHandle(id))
	}

	if err := s.loadHints(); err != nil {
		s.Close()
		return nil, err
	}

	slog.Debug("opened model", "dir", dir, "graphs", s.graphs.Len(),
		"disk_blobs", s.stats.DiskBlobs, "dropped_hints", s.stats.DroppedHints)
	return s, nil
}

func (s *State) loadHints() error {
	for i := range s.graphs.Len() {
		id := onnx.GraphID(i)
		g := s.graphs.Graph(id)
		for j := range g.Initializers {
			t := &g.Initializers[j]
			if !t.IsExternal() {
				continue
			}

			info, err := onnx.ParseExternalData(t.ExternalData)
			if err != nil {
				return fmt.Errorf("tensor %q: %w", t.Name, err)
			}
			if !info.HasPrepacked() {
				continue
			}

			file, err := s.mapping(info.Location)
			if err != nil {
				return fmt.Errorf("tensor %q: %w", t.Name, err)
			}

			for _, key := range info.PrepackedKeys() {
				blob, err := s.diskBlob(file, info.PrepackedBlobs(key))
				if err != nil {
					slog.Warn("dropping pre-packed weight hint", "tensor", t.Name, "key", key, "error", err)
					s.stats.DroppedHints++
					continue
				}
				if err := s.scopes[id].InsertFromDisk(key, blob); err != nil {
					blob.Release()
					return fmt.Errorf("tensor %q: %w", t.Name, err)
				}
				s.stats.DiskBlobs++
			}
		}
	}
	return nil
}

// diskBlob wraps the hinted segments of file in a blob that keeps the mapping
// alive until released.
func (s *State) diskBlob(file *serialization.MappedFile, infos []onnx.PrepackedBlobInfo) (*prepack.Blob, error) {
	buffers := make([][]byte, len(infos))
	for i, bi := range infos {
		if bi.Length == 0 {
			// Segment treats 0 as "to the end"; a packed buffer can be empty.
			if bi.Offset > file.Size() {
				return nil, &serialization.SegmentError{Path: file.Path(), Offset: bi.Offset, Err: serialization.ErrOutOfBounds}
			}
			buffers[i] = []byte{}
			continue
		}
		seg, err := file.Segment(bi.Offset, bi.Length)
		if err != nil {
			return nil, err
		}
		if s.opts.VerifyChecksums {
			if err := serialization.VerifyChecksumHex(seg, bi.Checksum); err != nil {
				return nil, fmt.Errorf("segment at %d: %w", bi.Offset, err)
			}
		}
		buffers[i] = seg
	}

	file.Retain()
	return prepack.WrapBuffers(func() {
		if err := file.Release(); err != nil {
			slog.Warn("failed to unmap external data", "path", file.Path(), "error", err)
		}
	}, buffers...), nil
}

// mapping returns the mapped external data file at location, mapping it on
// first use.
func (s *State) mapping(location string) (*serialization.MappedFile, error) {
	if file, ok := s.files[location]; ok {
		return file, nil
	}

	path, err := s.resolve(location)
	if err != nil {
		return nil, err
	}
	file, err := serialization.OpenMapped(path)
	if err != nil {
		return nil, err
	}
	s.files[location] = file
	s.stats.MappedFiles++
	return file, nil
}

// resolve joins location to the model directory.
func (s *State) resolve(location string) (string, error) {
	if !filepath.IsLocal(location) {
		return "", fmt.Errorf("%w: %q", ErrInvalidLocation, location)
	}
	return filepath.Join(s.dir, location), nil
}

// Model returns the model being packed.
func (s *State) Model() *onnx.ModelProto {
	return s.model
}

// Graphs returns the model's graph index.
func (s *State) Graphs() *onnx.GraphIndex {
	return s.graphs
}

// Tree returns the serialization tree.
func (s *State) Tree() *prepack.Tree {
	return s.tree
}

// Scope returns the tree node of graph id.
func (s *State) Scope(id onnx.GraphID) *prepack.Subgraph {
	return s.scopes[id]
}

// Stats returns what the load found on disk.
func (s *State) Stats() Stats {
	return s.stats
}

// Close releases every blob the state holds, then the mappings and the
// private allocators behind them. It is safe to call Close multiple times.
func (s *State) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	for key, b := range s.fresh {
		b.Release()
		delete(s.fresh, key)
	}
	s.tree.Close()
	s.private.Close()

	var errs []error
	for location, file := range s.files {
		if err := file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", location, err))
		}
		delete(s.files, location)
	}
	return errors.Join(errs...)
}
