package loader

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/born-ml/prepack/internal/onnx"
	"github.com/born-ml/prepack/internal/serialization"
)

// SaveStats summarizes a Save.
type SaveStats struct {
	Tensors      int   // initializers rewritten
	Externalized int   // inline initializers moved to blobFile
	Blobs        int   // packed blobs written
	Bytes        int64 // bytes appended across all files
}

// Save writes the packed blobs collected by Pack next to the weights they
// were packed from and writes the model to modelPath.
//
// Packed buffers go to the external data file of their weight, so that the
// prepacked hints of a tensor always address its own file. A weight stored
// inline is first moved to blobFile, relative to the model directory, and its
// packed buffers follow it there. Files are only appended to; offsets already
// recorded in the model stay valid.
//
// Each key is written once, under the first weight that recorded it in graph
// order. Other weights with the same key find the blob in the tree on load.
//
// A failed Save truncates every file it appended to and leaves the model
// untouched, so it can be retried.
func (s *State) Save(modelPath, blobFile string) (SaveStats, error) {
	var stats SaveStats
	if s.closed {
		return stats, ErrClosed
	}
	if !s.tree.Main().IsSaving() {
		return stats, ErrNotSaving
	}
	if _, err := s.resolve(blobFile); err != nil {
		return stats, err
	}

	writers := make(map[string]*serialization.BlobWriter)
	committed := false
	defer func() {
		for _, w := range writers {
			if !committed {
				if err := w.Rollback(); err != nil {
					slog.Warn("failed to roll back blob file", "path", w.Path(), "error", err)
				}
			}
			if err := w.Close(); err != nil {
				slog.Warn("failed to close blob file", "path", w.Path(), "error", err)
			}
		}
	}()
	writer := func(location string) (*serialization.BlobWriter, error) {
		path, err := s.resolve(location)
		if err != nil {
			return nil, err
		}
		// One writer per file, however its locations are spelled.
		if w, ok := writers[path]; ok {
			return w, nil
		}
		w, err := serialization.OpenBlobWriter(path)
		if err != nil {
			return nil, err
		}
		writers[path] = w
		return w, nil
	}

	var updates []tensorUpdate
	written := make(map[string]bool)
	for i := range s.graphs.Len() {
		id := onnx.GraphID(i)
		g := s.graphs.Graph(id)
		scope := s.scopes[id]

		for j := range g.Initializers {
			t := &g.Initializers[j]
			handles := scope.WeightBlobs(t.Name)
			if len(handles) == 0 {
				continue
			}

			info, err := s.externalInfo(t, blobFile, writer, &stats)
			if err != nil {
				return SaveStats{}, fmt.Errorf("tensor %q: %w", t.Name, err)
			}
			w, err := writer(info.Location)
			if err != nil {
				return SaveStats{}, fmt.Errorf("tensor %q: %w", t.Name, err)
			}

			var packed []onnx.PrepackedEntry
			for _, h := range handles {
				key := s.tree.Key(h)
				blob := s.tree.Blob(h)
				if written[key] || blob == nil {
					continue
				}
				segs, err := w.WriteAll(blob.Buffers())
				if err != nil {
					return SaveStats{}, fmt.Errorf("tensor %q: key %q: %w", t.Name, key, err)
				}
				entry := onnx.PrepackedEntry{Key: key}
				for _, seg := range segs {
					entry.Blobs = append(entry.Blobs, onnx.PrepackedBlobInfo{Offset: seg.Offset, Length: seg.Length, Checksum: seg.Checksum})
					stats.Bytes += seg.Length
				}
				packed = append(packed, entry)
				written[key] = true
				stats.Blobs++
			}

			updates = append(updates, tensorUpdate{
				tensor:  t,
				entries: append(info.Entries(), onnx.PrepackedEntries(packed)...),
			})
			stats.Tensors++
		}
	}

	previous := make([]onnx.TensorProto, len(updates))
	for i, u := range updates {
		previous[i] = *u.tensor
		u.tensor.SetExternalData(u.entries)
	}
	if err := onnx.WriteFile(modelPath, s.model); err != nil {
		for i, u := range updates {
			*u.tensor = previous[i]
		}
		return SaveStats{}, err
	}
	committed = true

	slog.Info("saved pre-packed model", "model", modelPath, "tensors", stats.Tensors,
		"blobs", stats.Blobs, "size", humanize.Bytes(uint64(stats.Bytes))) //nolint:gosec // G115: byte counts are non-negative
	return stats, nil
}

// tensorUpdate is a descriptor Save applies once every file write succeeded.
type tensorUpdate struct {
	tensor  *onnx.TensorProto
	entries []onnx.StringStringEntry
}

// externalInfo returns the external data descriptor of t without its stale
// hints and with a concrete length, moving inline data to blobFile first.
func (s *State) externalInfo(t *onnx.TensorProto, blobFile string, writer func(string) (*serialization.BlobWriter, error), stats *SaveStats) (*onnx.ExternalDataInfo, error) {
	if t.IsExternal() {
		info, err := onnx.ParseExternalData(onnx.WithoutPrepacked(t.ExternalData))
		if err != nil {
			return nil, err
		}
		if info.Length == 0 {
			// Packed buffers are about to be appended to this file, so "to the
			// end of the file" has to be pinned to the weight's current extent.
			file, err := s.mapping(info.Location)
			if err != nil {
				return nil, err
			}
			if info.Offset > file.Size() {
				return nil, fmt.Errorf("%w: offset %d past end of %q", serialization.ErrOutOfBounds, info.Offset, info.Location)
			}
			info.Length = file.Size() - info.Offset
		}
		return info, nil
	}

	w, err := writer(blobFile)
	if err != nil {
		return nil, err
	}
	seg, err := w.Write(t.RawData)
	if err != nil {
		return nil, err
	}
	stats.Externalized++
	stats.Bytes += seg.Length
	return &onnx.ExternalDataInfo{
		Location: filepath.ToSlash(blobFile),
		Offset:   seg.Offset,
		Length:   seg.Length,
		Checksum: seg.Checksum,
	}, nil
}
