package onnx

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/born-ml/born/tensor"
)

// ErrUnsupportedDType is returned for born dtypes with no ONNX mapping.
var ErrUnsupportedDType = errors.New("onnx: unsupported data type")

// ElemType maps a born data type to TensorProto.DataType.
func ElemType(dt tensor.DataType) (int32, error) {
	switch dt {
	case tensor.Float32:
		return TensorProtoFloat, nil
	case tensor.Float64:
		return TensorProtoDouble, nil
	case tensor.Int32:
		return TensorProtoInt32, nil
	case tensor.Int64:
		return TensorProtoInt64, nil
	case tensor.Uint8:
		return TensorProtoUint8, nil
	case tensor.Bool:
		return TensorProtoBool, nil
	default:
		return TensorProtoUndefined, fmt.Errorf("%w: %v", ErrUnsupportedDType, dt)
	}
}

// TensorFromRaw snapshots a born tensor into an initializer.
// The data is copied so later in-place updates do not leak into the graph.
func TensorFromRaw(name string, raw *tensor.RawTensor) (TensorProto, error) {
	elem, err := ElemType(raw.DType())
	if err != nil {
		return TensorProto{}, fmt.Errorf("tensor %q: %w", name, err)
	}
	data := make([]byte, len(raw.Data()))
	copy(data, raw.Data())
	return TensorProto{
		Name:     name,
		DataType: elem,
		Dims:     Dims(raw.Shape()),
		RawData:  data,
	}, nil
}

// Int64Tensor builds a 1-D int64 initializer.
func Int64Tensor(name string, values []int64) TensorProto {
	data := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(data[8*i:], uint64(v))
	}
	return TensorProto{
		Name:     name,
		DataType: TensorProtoInt64,
		Dims:     []int64{int64(len(values))},
		RawData:  data,
	}
}

// Dims converts a born shape to ONNX dims.
func Dims(shape tensor.Shape) []int64 {
	dims := make([]int64, len(shape))
	for i, d := range shape {
		dims[i] = int64(d)
	}
	return dims
}

// ValueInfo declares a tensor with a fixed shape.
func ValueInfo(name string, elemType int32, dims []int64) ValueInfoProto {
	shape := &TensorShapeProto{Dims: make([]DimensionProto, len(dims))}
	for i, d := range dims {
		shape.Dims[i] = DimensionProto{DimValue: d}
	}
	return ValueInfoProto{
		Name: name,
		Type: &TypeProto{TensorType: &TensorTypeProto{ElemType: elemType, Shape: shape}},
	}
}

// AttrInt builds an INT attribute.
func AttrInt(name string, v int64) AttributeProto {
	return AttributeProto{Name: name, Type: AttributeProtoInt, I: v}
}

// AttrInts builds an INTS attribute.
func AttrInts(name string, v ...int64) AttributeProto {
	return AttributeProto{Name: name, Type: AttributeProtoInts, Ints: v}
}

// AttrFloat builds a FLOAT attribute.
func AttrFloat(name string, v float32) AttributeProto {
	return AttributeProto{Name: name, Type: AttributeProtoFloat, F: v}
}
