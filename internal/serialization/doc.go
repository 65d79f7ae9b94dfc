// Package serialization provides the on-disk side of pre-packed weight storage.
//
// Packed blobs live in the same kind of external data file that holds a
// model's large initializers. A file is laid out as a sequence of segments,
// each starting on a 64-byte boundary:
//
//	[segment 0: raw bytes][zero padding to 64]
//	[segment 1: raw bytes][zero padding to 64]
//	...
//
// A segment is addressed by (offset, length, checksum), the triple recorded in
// the tensor's external_data entries. Segments are never parsed; the file has
// no header and no index of its own.
//
// Reading goes through MappedFile, a reference-counted read-only memory
// mapping, so blobs restored from disk are views into the mapping rather than
// copies. Writing goes through BlobWriter, which appends aligned segments and
// reports where each one landed.
//
// Example usage:
//
//	w, err := serialization.OpenBlobWriter("model.onnx.data")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	seg, err := w.Write(packed)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	w.Close()
//
//	m, err := serialization.OpenMapped("model.onnx.data")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer m.Close()
//	data, err := m.Segment(seg.Offset, seg.Length)
package serialization
