// Package onnx reads and writes the parts of an ONNX model that weight
// pre-packing needs.
//
// The package decodes and encodes protobuf with protowire and models only a
// subset of the schema:
//   - ModelProto: graph and opset imports
//   - GraphProto: nodes and initializers
//   - NodeProto: op type, inputs/outputs, attributes
//   - AttributeProto: nested graphs (control-flow bodies)
//   - TensorProto: name, type, shape, raw data, external_data, data_location
//
// Every field outside the subset is kept as raw wire bytes and written back
// unchanged, so Parse followed by Marshal preserves the model.
//
// Two additions on top of the schema:
//   - GraphIndex numbers the main graph and every nested body so callers can
//     refer to a graph by a stable integer instead of its address.
//   - ExternalDataInfo parses and emits the external_data key/value entries,
//     including the prepacked blob hints ("prepacked<N>").
//
// Example usage:
//
//	model, err := onnx.ParseFile("model.onnx")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, init := range model.Graph.Initializers {
//	    if !init.IsExternal() {
//	        continue
//	    }
//	    info, err := onnx.ParseExternalData(init.ExternalData)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    fmt.Println(init.Name, info.Location, info.Offset, info.Length)
//	}
package onnx
