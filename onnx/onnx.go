// Package onnx reads and writes ONNX models and their external data
// descriptors, including the pre-packed weight hints.
//
// Only the parts of the format the pre-packing layer needs are modeled:
// graphs, nodes, graph-valued attributes and initializers. Every other field
// is kept as raw protobuf bytes and written back unchanged, so a model
// round-trips through Parse and Marshal without losing information.
//
// # Example Usage
//
//	model, err := onnx.ParseFile("model.onnx")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	for _, t := range model.Graph.Initializers {
//	    if !t.IsExternal() {
//	        continue
//	    }
//	    info, err := onnx.ParseExternalData(t.ExternalData)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    fmt.Println(t.Name, info.Location, info.PrepackedKeys())
//	}
//
// # External Data
//
// An external tensor carries key/value entries: location, offset, length,
// checksum, and any number of prepacked entries. A prepacked value is
//
//	key|offset;length;checksum|offset;length;checksum...
//
// with one offset;length;checksum triple per packed buffer.
package onnx

import (
	internalonnx "github.com/born-ml/prepack/internal/onnx"
)

// Common errors.
var (
	// ErrModelFormat reports a descriptor that is structurally invalid.
	ErrModelFormat = internalonnx.ErrModelFormat
	// ErrParse reports a value that could not be parsed.
	ErrParse = internalonnx.ErrParse
)

// ParseFile reads and parses the model at path.
func ParseFile(path string) (*ModelProto, error) {
	return internalonnx.ParseFile(path)
}

// Parse parses a serialized model.
func Parse(data []byte) (*ModelProto, error) {
	return internalonnx.Parse(data)
}

// Marshal serializes m, including the fields it does not model.
func Marshal(m *ModelProto) []byte {
	return internalonnx.Marshal(m)
}

// WriteFile serializes m to path.
func WriteFile(path string, m *ModelProto) error {
	return internalonnx.WriteFile(path, m)
}

// ExternalDataInfo is a parsed external data descriptor.
type ExternalDataInfo = internalonnx.ExternalDataInfo

// PrepackedBlobInfo locates one packed buffer in an external data file.
type PrepackedBlobInfo = internalonnx.PrepackedBlobInfo

// PrepackedEntry is one packed weight to record in a descriptor.
type PrepackedEntry = internalonnx.PrepackedEntry

// ParseExternalData parses a tensor's external data entries.
//
// Example:
//
//	info, err := onnx.ParseExternalData(t.ExternalData)
//	if err != nil {
//	    return err
//	}
//	for _, key := range info.PrepackedKeys() {
//	    fmt.Println(key, len(info.PrepackedBlobs(key)))
//	}
func ParseExternalData(entries []StringStringEntry) (*ExternalDataInfo, error) {
	return internalonnx.ParseExternalData(entries)
}

// ExternalLocationEntries returns the location, offset and length entries of
// a descriptor.
func ExternalLocationEntries(path string, offset, length int64) []StringStringEntry {
	return internalonnx.ExternalLocationEntries(path, offset, length)
}

// PrepackedEntries encodes packed weights as prepacked descriptor entries.
func PrepackedEntries(packed []PrepackedEntry) []StringStringEntry {
	return internalonnx.PrepackedEntries(packed)
}

// WithoutPrepacked returns entries minus every prepacked entry.
func WithoutPrepacked(entries []StringStringEntry) []StringStringEntry {
	return internalonnx.WithoutPrepacked(entries)
}

// GraphIndex numbers a model's main graph and every nested graph.
type GraphIndex = internalonnx.GraphIndex

// GraphID identifies a graph within a GraphIndex. The main graph is 0.
type GraphID = internalonnx.GraphID

// IndexGraphs indexes root and its nested graphs depth first.
func IndexGraphs(root *GraphProto) *GraphIndex {
	return internalonnx.IndexGraphs(root)
}
