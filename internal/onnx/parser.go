package onnx

import (
	"errors"
	"fmt"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

var errWireType = errors.New("unexpected wire type")

// ParseFile parses an ONNX model from file.
//
//nolint:gosec // G304: Path is provided by user, file inclusion is intentional for ONNX model loading
func ParseFile(path string) (*ModelProto, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return Parse(data)
}

// Parse parses an ONNX model from bytes. Byte fields (raw_data) alias data.
func Parse(data []byte) (*ModelProto, error) {
	model := &ModelProto{}
	if err := readModelProto(data, model); err != nil {
		return nil, fmt.Errorf("failed to parse model: %w", err)
	}
	return model, nil
}

// fieldVisitor decodes one field value. It reports false for fields it does
// not model so they are kept as unknown bytes.
type fieldVisitor func(num protowire.Number, typ protowire.Type, v []byte) (bool, error)

// decodeFields walks the fields of a message and returns the raw wire bytes
// of every field visit did not handle.
func decodeFields(b []byte, visit fieldVisitor) ([]byte, error) {
	var unknown []byte
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		m := protowire.ConsumeFieldValue(num, typ, b[n:])
		if m < 0 {
			return nil, fmt.Errorf("field %d: %w", num, protowire.ParseError(m))
		}
		handled, err := visit(num, typ, b[n:n+m])
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", num, err)
		}
		if !handled {
			unknown = append(unknown, b[:n+m]...)
		}
		b = b[n+m:]
	}
	return unknown, nil
}

func bytesValue(typ protowire.Type, v []byte) ([]byte, error) {
	if typ != protowire.BytesType {
		return nil, errWireType
	}
	b, n := protowire.ConsumeBytes(v)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	return b, nil
}

func stringValue(typ protowire.Type, v []byte) (string, error) {
	b, err := bytesValue(typ, v)
	return string(b), err
}

func varintValue(typ protowire.Type, v []byte) (uint64, error) {
	if typ != protowire.VarintType {
		return 0, errWireType
	}
	x, n := protowire.ConsumeVarint(v)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return x, nil
}

//nolint:gosec // G115: protobuf int32/int64 fields are encoded as two's complement varints
func readModelProto(b []byte, m *ModelProto) error {
	unknown, err := decodeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (bool, error) {
		switch num {
		case 1: // ir_version
			x, err := varintValue(typ, v)
			m.IRVersion = int64(x)
			return true, err
		case 2: // producer_name
			s, err := stringValue(typ, v)
			m.ProducerName = s
			return true, err
		case 7: // graph
			data, err := bytesValue(typ, v)
			if err != nil {
				return true, err
			}
			m.Graph = &GraphProto{}
			return true, readGraphProto(data, m.Graph)
		case 8: // opset_import
			data, err := bytesValue(typ, v)
			if err != nil {
				return true, err
			}
			var opset OperatorSetID
			if err := readOperatorSetID(data, &opset); err != nil {
				return true, err
			}
			m.OpsetImport = append(m.OpsetImport, opset)
			return true, nil
		}
		return false, nil
	})
	m.unknown = unknown
	return err
}

func readGraphProto(b []byte, m *GraphProto) error {
	unknown, err := decodeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (bool, error) {
		switch num {
		case 1: // node
			data, err := bytesValue(typ, v)
			if err != nil {
				return true, err
			}
			var node NodeProto
			if err := readNodeProto(data, &node); err != nil {
				return true, err
			}
			m.Nodes = append(m.Nodes, node)
			return true, nil
		case 2: // name
			s, err := stringValue(typ, v)
			m.Name = s
			return true, err
		case 5: // initializer
			data, err := bytesValue(typ, v)
			if err != nil {
				return true, err
			}
			var tensor TensorProto
			if err := readTensorProto(data, &tensor); err != nil {
				return true, err
			}
			m.Initializers = append(m.Initializers, tensor)
			return true, nil
		}
		return false, nil
	})
	m.unknown = unknown
	return err
}

func readNodeProto(b []byte, m *NodeProto) error {
	unknown, err := decodeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (bool, error) {
		switch num {
		case 1: // input
			s, err := stringValue(typ, v)
			m.Inputs = append(m.Inputs, s)
			return true, err
		case 2: // output
			s, err := stringValue(typ, v)
			m.Outputs = append(m.Outputs, s)
			return true, err
		case 3: // name
			s, err := stringValue(typ, v)
			m.Name = s
			return true, err
		case 4: // op_type
			s, err := stringValue(typ, v)
			m.OpType = s
			return true, err
		case 5: // attribute
			data, err := bytesValue(typ, v)
			if err != nil {
				return true, err
			}
			var attr AttributeProto
			if err := readAttributeProto(data, &attr); err != nil {
				return true, err
			}
			m.Attributes = append(m.Attributes, attr)
			return true, nil
		case 7: // domain
			s, err := stringValue(typ, v)
			m.Domain = s
			return true, err
		}
		return false, nil
	})
	m.unknown = unknown
	return err
}

//nolint:gosec // G115: attribute type enum fits in int32
func readAttributeProto(b []byte, m *AttributeProto) error {
	unknown, err := decodeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (bool, error) {
		switch num {
		case 1: // name
			s, err := stringValue(typ, v)
			m.Name = s
			return true, err
		case 6: // g
			data, err := bytesValue(typ, v)
			if err != nil {
				return true, err
			}
			m.G = &GraphProto{}
			return true, readGraphProto(data, m.G)
		case 11: // graphs
			data, err := bytesValue(typ, v)
			if err != nil {
				return true, err
			}
			g := &GraphProto{}
			if err := readGraphProto(data, g); err != nil {
				return true, err
			}
			m.Graphs = append(m.Graphs, g)
			return true, nil
		case 20: // type
			x, err := varintValue(typ, v)
			m.Type = int32(x)
			return true, err
		}
		return false, nil
	})
	m.unknown = unknown
	return err
}

//nolint:gosec // G115: protobuf int32/int64 fields are encoded as two's complement varints
func readTensorProto(b []byte, m *TensorProto) error {
	unknown, err := decodeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (bool, error) {
		switch num {
		case 1: // dims, packed or not
			if typ == protowire.BytesType {
				data, err := bytesValue(typ, v)
				if err != nil {
					return true, err
				}
				for len(data) > 0 {
					x, n := protowire.ConsumeVarint(data)
					if n < 0 {
						return true, protowire.ParseError(n)
					}
					m.Dims = append(m.Dims, int64(x))
					data = data[n:]
				}
				return true, nil
			}
			x, err := varintValue(typ, v)
			m.Dims = append(m.Dims, int64(x))
			return true, err
		case 2: // data_type
			x, err := varintValue(typ, v)
			m.DataType = int32(x)
			return true, err
		case 8: // name
			s, err := stringValue(typ, v)
			m.Name = s
			return true, err
		case 9: // raw_data
			data, err := bytesValue(typ, v)
			m.RawData = data
			return true, err
		case 13: // external_data
			data, err := bytesValue(typ, v)
			if err != nil {
				return true, err
			}
			var entry StringStringEntry
			if err := readStringStringEntry(data, &entry); err != nil {
				return true, err
			}
			m.ExternalData = append(m.ExternalData, entry)
			return true, nil
		case 14: // data_location
			x, err := varintValue(typ, v)
			m.DataLocation = int32(x)
			return true, err
		}
		return false, nil
	})
	m.unknown = unknown
	return err
}

//nolint:gosec // G115: protobuf int64 field
func readOperatorSetID(b []byte, m *OperatorSetID) error {
	unknown, err := decodeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (bool, error) {
		switch num {
		case 1: // domain
			s, err := stringValue(typ, v)
			m.Domain = s
			return true, err
		case 2: // version
			x, err := varintValue(typ, v)
			m.Version = int64(x)
			return true, err
		}
		return false, nil
	})
	m.unknown = unknown
	return err
}

func readStringStringEntry(b []byte, m *StringStringEntry) error {
	_, err := decodeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (bool, error) {
		switch num {
		case 1: // key
			s, err := stringValue(typ, v)
			m.Key = s
			return true, err
		case 2: // value
			s, err := stringValue(typ, v)
			m.Value = s
			return true, err
		}
		return false, nil
	})
	return err
}
