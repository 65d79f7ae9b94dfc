package onnx

// ONNX protobuf data structures (hand-written subset).
//
// Each message keeps the fields it does not model in unknown, as encoded
// wire bytes, and Marshal appends them after the modeled fields.

// ModelProto represents an ONNX model.
type ModelProto struct {
	IRVersion    int64           // IR version (e.g., 7, 8, 9)
	ProducerName string          // Framework name (e.g., "pytorch", "tf")
	OpsetImport  []OperatorSetID // Opset version(s)
	Graph        *GraphProto     // Computation graph

	unknown []byte
}

// GraphProto represents a computation graph: the main graph or a nested body.
type GraphProto struct {
	Name         string        // Graph name
	Nodes        []NodeProto   // Operation nodes
	Initializers []TensorProto // Weight tensors

	unknown []byte
}

// NodeProto represents a single operation.
type NodeProto struct {
	Name       string           // Node name (optional)
	OpType     string           // Operation type (e.g., "MatMul", "Loop")
	Domain     string           // Custom domain (empty for default)
	Inputs     []string         // Input tensor names
	Outputs    []string         // Output tensor names
	Attributes []AttributeProto // Operation attributes

	unknown []byte
}

// AttributeProto represents a node attribute. Only graph-valued attributes
// are modeled; everything else stays in unknown.
type AttributeProto struct {
	Name   string        // Attribute name
	Type   int32         // Attribute type
	G      *GraphProto   // GRAPH value (If branches, Loop/Scan body)
	Graphs []*GraphProto // GRAPHS value

	unknown []byte
}

// TensorProto represents a tensor (weights/initializers).
type TensorProto struct {
	Name         string              // Tensor name
	DataType     int32               // Element data type
	Dims         []int64             // Tensor shape
	RawData      []byte              // Raw binary data
	ExternalData []StringStringEntry // Location of data stored outside the model
	DataLocation int32               // DataLocationDefault or DataLocationExternal

	unknown []byte
}

// OperatorSetID identifies opset version.
type OperatorSetID struct {
	Domain  string // Operator domain (empty for default)
	Version int64  // Opset version number

	unknown []byte
}

// StringStringEntry represents key-value metadata.
type StringStringEntry struct {
	Key   string
	Value string
}

// IsExternal reports whether the tensor's data lives in an external file.
func (t *TensorProto) IsExternal() bool {
	return t.DataLocation == DataLocationExternal
}

// SetExternalData marks the tensor external with the given entries and drops
// any inline data.
func (t *TensorProto) SetExternalData(entries []StringStringEntry) {
	t.DataLocation = DataLocationExternal
	t.ExternalData = entries
	t.RawData = nil
}

// ByteSize returns the number of bytes of one element of the tensor's type,
// or 0 for types without a fixed size.
func (t *TensorProto) ByteSize() int {
	switch t.DataType {
	case TensorProtoFloat, TensorProtoInt32, TensorProtoUint32:
		return 4
	case TensorProtoDouble, TensorProtoInt64, TensorProtoUint64, TensorProtoComplex64:
		return 8
	case TensorProtoUint8, TensorProtoInt8, TensorProtoBool:
		return 1
	case TensorProtoUint16, TensorProtoInt16, TensorProtoFloat16, TensorProtoBfloat16:
		return 2
	case TensorProtoComplex128:
		return 16
	default:
		return 0
	}
}

// NumElements returns the product of the tensor's dims.
func (t *TensorProto) NumElements() int64 {
	n := int64(1)
	for _, d := range t.Dims {
		n *= d
	}
	return n
}

// ONNX data types (TensorProto.DataType).
const (
	TensorProtoUndefined  = 0
	TensorProtoFloat      = 1  // float32
	TensorProtoUint8      = 2  // uint8
	TensorProtoInt8       = 3  // int8
	TensorProtoUint16     = 4  // uint16
	TensorProtoInt16      = 5  // int16
	TensorProtoInt32      = 6  // int32
	TensorProtoInt64      = 7  // int64
	TensorProtoString     = 8  // string
	TensorProtoBool       = 9  // bool
	TensorProtoFloat16    = 10 // float16
	TensorProtoDouble     = 11 // float64
	TensorProtoUint32     = 12 // uint32
	TensorProtoUint64     = 13 // uint64
	TensorProtoComplex64  = 14 // complex64
	TensorProtoComplex128 = 15 // complex128
	TensorProtoBfloat16   = 16 // bfloat16
)

// TensorProto.DataLocation values.
const (
	DataLocationDefault  = 0
	DataLocationExternal = 1
)

// ONNX attribute types (AttributeProto.Type).
const (
	AttributeProtoUndefined = 0
	AttributeProtoFloat     = 1  // FLOAT
	AttributeProtoInt       = 2  // INT
	AttributeProtoString    = 3  // STRING
	AttributeProtoTensor    = 4  // TENSOR
	AttributeProtoGraph     = 5  // GRAPH
	AttributeProtoFloats    = 6  // FLOATS
	AttributeProtoInts      = 7  // INTS
	AttributeProtoStrings   = 8  // STRINGS
	AttributeProtoTensors   = 9  // TENSORS
	AttributeProtoGraphs    = 10 // GRAPHS
)
