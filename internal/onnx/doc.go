// Package onnx reads, writes and runs the subset of the ONNX format used by
// exported classifiers.
//
// The protobuf messages in proto.go are hand-written; Marshal and Unmarshal
// speak the wire format through protowire. Load prepares a decoded graph for
// execution on a born backend using the handlers in the operators
// subpackage, which lets packaged models be checked and served without
// ONNX Runtime.
//
// Example:
//
//	proto, err := onnx.ReadFile("mobile/model.onnx")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	model, err := onnx.LoadFromProto(proto, cpu.New())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	out, err := model.Run(map[string]*tensor.RawTensor{
//	    "input_ids":      ids,
//	    "attention_mask": mask,
//	})
package onnx
