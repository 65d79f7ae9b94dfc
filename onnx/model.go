package onnx

import internalonnx "github.com/born-ml/prepack/internal/onnx"

// ModelProto represents an ONNX model.
type ModelProto = internalonnx.ModelProto

// GraphProto represents the main graph or a nested body.
type GraphProto = internalonnx.GraphProto

// NodeProto represents a single operation.
type NodeProto = internalonnx.NodeProto

// AttributeProto represents a node attribute. Graph-valued attributes hold
// nested graphs such as If branches and Loop bodies.
type AttributeProto = internalonnx.AttributeProto

// TensorProto represents an initializer.
type TensorProto = internalonnx.TensorProto

// OperatorSetID identifies an opset version.
type OperatorSetID = internalonnx.OperatorSetID

// StringStringEntry is a key/value pair, as used by external data.
type StringStringEntry = internalonnx.StringStringEntry

// Tensor data types.
const (
	TensorProtoFloat   = internalonnx.TensorProtoFloat
	TensorProtoFloat16 = internalonnx.TensorProtoFloat16
	TensorProtoInt8    = internalonnx.TensorProtoInt8
	TensorProtoInt32   = internalonnx.TensorProtoInt32
	TensorProtoInt64   = internalonnx.TensorProtoInt64
)

// Tensor data locations.
const (
	DataLocationDefault  = internalonnx.DataLocationDefault
	DataLocationExternal = internalonnx.DataLocationExternal
)

// Graph-valued attribute types.
const (
	AttributeProtoGraph  = internalonnx.AttributeProtoGraph
	AttributeProtoGraphs = internalonnx.AttributeProtoGraphs
)
