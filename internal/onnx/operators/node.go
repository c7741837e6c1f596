// Package operators implements ONNX operators over born's backend
// interface. It covers the operator set produced by the tracer, which is
// enough to run exported classifier graphs without ONNX Runtime.
package operators

import (
	"fmt"

	"github.com/born-ml/born/tensor"
)

// ONNX data types (TensorProto.DataType).
const (
	TensorProtoFloat  = 1
	TensorProtoUint8  = 2
	TensorProtoInt32  = 6
	TensorProtoInt64  = 7
	TensorProtoBool   = 9
	TensorProtoDouble = 11
)

// Node represents an ONNX operation node.
// This is a local copy of the relevant fields from onnx.NodeProto
// to avoid import cycles between onnx and operators packages.
type Node struct {
	Name       string
	OpType     string
	Inputs     []string
	Outputs    []string
	Attributes []Attribute
}

// Attribute represents a node attribute.
type Attribute struct {
	Name   string
	F      float32
	I      int64
	Floats []float32
	Ints   []int64
}

// GetAttrInt returns an integer attribute or default value.
func GetAttrInt(node *Node, name string, defaultVal int64) int64 {
	if a := node.attr(name); a != nil {
		return a.I
	}
	return defaultVal
}

// GetAttrInts returns an integer array attribute.
func GetAttrInts(node *Node, name string) []int64 {
	if a := node.attr(name); a != nil {
		return a.Ints
	}
	return nil
}

func (n *Node) attr(name string) *Attribute {
	for i := range n.Attributes {
		if n.Attributes[i].Name == name {
			return &n.Attributes[i]
		}
	}
	return nil
}

// DataType maps an ONNX element type to a born data type.
func DataType(onnxType int64) (tensor.DataType, error) {
	switch onnxType {
	case TensorProtoFloat:
		return tensor.Float32, nil
	case TensorProtoDouble:
		return tensor.Float64, nil
	case TensorProtoInt32:
		return tensor.Int32, nil
	case TensorProtoInt64:
		return tensor.Int64, nil
	case TensorProtoUint8:
		return tensor.Uint8, nil
	case TensorProtoBool:
		return tensor.Bool, nil
	default:
		return tensor.Float32, fmt.Errorf("unsupported element type %d", onnxType)
	}
}

// ints reads a 1-D int64 (or int32) tensor as Go ints.
func ints(t *tensor.RawTensor) ([]int, error) {
	switch t.DType() {
	case tensor.Int64:
		src := t.AsInt64()
		out := make([]int, len(src))
		for i, v := range src {
			out[i] = int(v)
		}
		return out, nil
	case tensor.Int32:
		src := t.AsInt32()
		out := make([]int, len(src))
		for i, v := range src {
			out[i] = int(v)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected integer tensor, got %v", t.DType())
	}
}

func arity(op string, inputs []*tensor.RawTensor, n int) error {
	if len(inputs) != n {
		return fmt.Errorf("%s requires %d inputs, got %d", op, n, len(inputs))
	}
	for i, in := range inputs {
		if in == nil {
			return fmt.Errorf("%s: input %d is missing", op, i)
		}
	}
	return nil
}

func one(t *tensor.RawTensor) []*tensor.RawTensor {
	return []*tensor.RawTensor{t}
}
