package onnx

import (
	"fmt"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

// Marshal encodes m in ONNX protobuf wire format. Modeled fields are written
// in field-number order, followed by the fields Parse did not model.
func Marshal(m *ModelProto) []byte {
	return appendModelProto(nil, m)
}

// WriteFile marshals m and writes it to path.
func WriteFile(path string, m *ModelProto) error {
	if err := os.WriteFile(path, Marshal(m), 0o600); err != nil {
		return fmt.Errorf("failed to write model: %w", err)
	}
	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

//nolint:gosec // G115: negative int64 values are encoded as ten-byte varints
func appendInt(b []byte, num protowire.Number, x int64) []byte {
	if x == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(x))
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendModelProto(b []byte, m *ModelProto) []byte {
	b = appendInt(b, 1, m.IRVersion)
	b = appendString(b, 2, m.ProducerName)
	if m.Graph != nil {
		b = appendMessage(b, 7, appendGraphProto(nil, m.Graph))
	}
	for i := range m.OpsetImport {
		b = appendMessage(b, 8, appendOperatorSetID(nil, &m.OpsetImport[i]))
	}
	return append(b, m.unknown...)
}

func appendGraphProto(b []byte, g *GraphProto) []byte {
	for i := range g.Nodes {
		b = appendMessage(b, 1, appendNodeProto(nil, &g.Nodes[i]))
	}
	b = appendString(b, 2, g.Name)
	for i := range g.Initializers {
		b = appendMessage(b, 5, appendTensorProto(nil, &g.Initializers[i]))
	}
	return append(b, g.unknown...)
}

func appendNodeProto(b []byte, n *NodeProto) []byte {
	// Repeated strings keep empty entries: an empty input marks an omitted
	// optional operand.
	for _, in := range n.Inputs {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, in)
	}
	for _, out := range n.Outputs {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, out)
	}
	b = appendString(b, 3, n.Name)
	b = appendString(b, 4, n.OpType)
	for i := range n.Attributes {
		b = appendMessage(b, 5, appendAttributeProto(nil, &n.Attributes[i]))
	}
	b = appendString(b, 7, n.Domain)
	return append(b, n.unknown...)
}

func appendAttributeProto(b []byte, a *AttributeProto) []byte {
	b = appendString(b, 1, a.Name)
	if a.G != nil {
		b = appendMessage(b, 6, appendGraphProto(nil, a.G))
	}
	for _, g := range a.Graphs {
		b = appendMessage(b, 11, appendGraphProto(nil, g))
	}
	b = appendInt(b, 20, int64(a.Type))
	return append(b, a.unknown...)
}

//nolint:gosec // G115: dims are non-negative in a valid model
func appendTensorProto(b []byte, t *TensorProto) []byte {
	if len(t.Dims) > 0 {
		var packed []byte
		for _, d := range t.Dims {
			packed = protowire.AppendVarint(packed, uint64(d))
		}
		b = appendMessage(b, 1, packed)
	}
	b = appendInt(b, 2, int64(t.DataType))
	b = appendString(b, 8, t.Name)
	if len(t.RawData) > 0 {
		b = appendMessage(b, 9, t.RawData)
	}
	for _, e := range t.ExternalData {
		b = appendMessage(b, 13, appendStringStringEntry(nil, e))
	}
	b = appendInt(b, 14, int64(t.DataLocation))
	return append(b, t.unknown...)
}

func appendOperatorSetID(b []byte, o *OperatorSetID) []byte {
	b = appendString(b, 1, o.Domain)
	b = appendInt(b, 2, o.Version)
	return append(b, o.unknown...)
}

func appendStringStringEntry(b []byte, e StringStringEntry) []byte {
	b = appendString(b, 1, e.Key)
	return appendString(b, 2, e.Value)
}
