package trace

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/born-ml/born/tensor"

	"github.com/born-ml/safechat/internal/onnx"
)

var _ tensor.Backend = (*Backend[tensor.Backend])(nil)

func (b *Backend[B]) binary(op string, x, y *tensor.RawTensor, run func(x, y *tensor.RawTensor) *tensor.RawTensor) *tensor.RawTensor {
	in := b.refs(x, y)
	defer pin(x, y)()
	return b.emit(op, run(x, y), in)
}

func (b *Backend[B]) unary(op string, x *tensor.RawTensor, run func(x *tensor.RawTensor) *tensor.RawTensor, attrs ...onnx.AttributeProto) *tensor.RawTensor {
	in := b.refs(x)
	defer pin(x)()
	return b.emit(op, run(x), in, attrs...)
}

// Add records an element-wise Add.
func (b *Backend[B]) Add(x, y *tensor.RawTensor) *tensor.RawTensor {
	return b.binary("Add", x, y, b.inner.Add)
}

// Sub records an element-wise Sub.
func (b *Backend[B]) Sub(x, y *tensor.RawTensor) *tensor.RawTensor {
	return b.binary("Sub", x, y, b.inner.Sub)
}

// Mul records an element-wise Mul.
func (b *Backend[B]) Mul(x, y *tensor.RawTensor) *tensor.RawTensor {
	return b.binary("Mul", x, y, b.inner.Mul)
}

// Div records an element-wise Div.
func (b *Backend[B]) Div(x, y *tensor.RawTensor) *tensor.RawTensor {
	return b.binary("Div", x, y, b.inner.Div)
}

// MatMul records a MatMul.
func (b *Backend[B]) MatMul(x, y *tensor.RawTensor) *tensor.RawTensor {
	return b.binary("MatMul", x, y, b.inner.MatMul)
}

// BatchMatMul records a MatMul; ONNX MatMul broadcasts leading dimensions.
func (b *Backend[B]) BatchMatMul(x, y *tensor.RawTensor) *tensor.RawTensor {
	return b.binary("MatMul", x, y, b.inner.BatchMatMul)
}

// Conv2D is not traceable.
func (b *Backend[B]) Conv2D(input, kernel *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	b.unsupported("Conv2D")
	return b.inner.Conv2D(input, kernel, stride, padding)
}

// MaxPool2D is not traceable.
func (b *Backend[B]) MaxPool2D(input *tensor.RawTensor, kernelSize, stride int) *tensor.RawTensor {
	b.unsupported("MaxPool2D")
	return b.inner.MaxPool2D(input, kernelSize, stride)
}

// Conv2DInputBackward is not traceable.
func (b *Backend[B]) Conv2DInputBackward(input, kernel, grad *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	b.unsupported("Conv2DInputBackward")
	return b.inner.Conv2DInputBackward(input, kernel, grad, stride, padding)
}

// Conv2DKernelBackward is not traceable.
func (b *Backend[B]) Conv2DKernelBackward(input, kernel, grad *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	b.unsupported("Conv2DKernelBackward")
	return b.inner.Conv2DKernelBackward(input, kernel, grad, stride, padding)
}

// MaxPool2DBackward is not traceable.
func (b *Backend[B]) MaxPool2DBackward(input, grad *tensor.RawTensor, maxIndices []int, kernelSize, stride int) *tensor.RawTensor {
	b.unsupported("MaxPool2DBackward")
	return b.inner.MaxPool2DBackward(input, grad, maxIndices, kernelSize, stride)
}

// Reshape records a Reshape with a constant target shape.
func (b *Backend[B]) Reshape(t *tensor.RawTensor, newShape tensor.Shape) *tensor.RawTensor {
	in := b.refs(t)
	defer pin(t)()
	out := b.inner.Reshape(t, newShape)
	return b.emit("Reshape", out, []string{in[0], b.int64s(onnx.Dims(out.Shape())...)})
}

// Transpose records a Transpose. No axes reverses the dimensions.
func (b *Backend[B]) Transpose(t *tensor.RawTensor, axes ...int) *tensor.RawTensor {
	perm := make([]int64, len(t.Shape()))
	if len(axes) == 0 {
		for i := range perm {
			perm[i] = int64(len(perm) - 1 - i)
		}
	} else {
		for i, a := range axes {
			perm[i] = int64(a)
		}
	}
	return b.unary("Transpose", t, func(x *tensor.RawTensor) *tensor.RawTensor {
		return b.inner.Transpose(x, axes...)
	}, onnx.AttrInts("perm", perm...))
}

func (b *Backend[B]) scalarOp(op string, x *tensor.RawTensor, scalar any, run func(*tensor.RawTensor, any) *tensor.RawTensor) *tensor.RawTensor {
	c, err := scalarTensor(x.DType(), scalar)
	if err != nil {
		b.fail(err)
	}
	in := []string{b.ref(x), b.constant(c)}
	defer pin(x)()
	return b.emit(op, run(x, scalar), in)
}

// MulScalar records Mul with a scalar constant.
func (b *Backend[B]) MulScalar(x *tensor.RawTensor, scalar any) *tensor.RawTensor {
	return b.scalarOp("Mul", x, scalar, b.inner.MulScalar)
}

// AddScalar records Add with a scalar constant.
func (b *Backend[B]) AddScalar(x *tensor.RawTensor, scalar any) *tensor.RawTensor {
	return b.scalarOp("Add", x, scalar, b.inner.AddScalar)
}

// SubScalar records Sub with a scalar constant.
func (b *Backend[B]) SubScalar(x *tensor.RawTensor, scalar any) *tensor.RawTensor {
	return b.scalarOp("Sub", x, scalar, b.inner.SubScalar)
}

// DivScalar records Div with a scalar constant.
func (b *Backend[B]) DivScalar(x *tensor.RawTensor, scalar any) *tensor.RawTensor {
	return b.scalarOp("Div", x, scalar, b.inner.DivScalar)
}

// Exp records Exp.
func (b *Backend[B]) Exp(x *tensor.RawTensor) *tensor.RawTensor {
	return b.unary("Exp", x, b.inner.Exp)
}

// Log records Log.
func (b *Backend[B]) Log(x *tensor.RawTensor) *tensor.RawTensor {
	return b.unary("Log", x, b.inner.Log)
}

// Sqrt records Sqrt.
func (b *Backend[B]) Sqrt(x *tensor.RawTensor) *tensor.RawTensor {
	return b.unary("Sqrt", x, b.inner.Sqrt)
}

// Rsqrt records Sqrt followed by Reciprocal.
func (b *Backend[B]) Rsqrt(x *tensor.RawTensor) *tensor.RawTensor {
	in := b.refs(x)
	defer pin(x)()
	sqrt := b.emitTemp("Sqrt", in)
	return b.emit("Reciprocal", b.inner.Rsqrt(x), []string{sqrt})
}

// Abs records Abs.
func (b *Backend[B]) Abs(x *tensor.RawTensor) *tensor.RawTensor {
	return b.unary("Abs", x, b.inner.Abs)
}

// Erf records Erf.
func (b *Backend[B]) Erf(x *tensor.RawTensor) *tensor.RawTensor {
	return b.unary("Erf", x, b.inner.Erf)
}

// Sign records Sign.
func (b *Backend[B]) Sign(x *tensor.RawTensor) *tensor.RawTensor {
	return b.unary("Sign", x, b.inner.Sign)
}

// Cos records Cos.
func (b *Backend[B]) Cos(x *tensor.RawTensor) *tensor.RawTensor {
	return b.unary("Cos", x, b.inner.Cos)
}

// Sin records Sin.
func (b *Backend[B]) Sin(x *tensor.RawTensor) *tensor.RawTensor {
	return b.unary("Sin", x, b.inner.Sin)
}

type tanhBackend interface {
	Tanh(*tensor.RawTensor) *tensor.RawTensor
}

// Tanh records Tanh. The value is computed on the host when the inner
// backend has no Tanh of its own.
func (b *Backend[B]) Tanh(x *tensor.RawTensor) *tensor.RawTensor {
	return b.unary("Tanh", x, func(x *tensor.RawTensor) *tensor.RawTensor {
		if tb, ok := any(b.inner).(tanhBackend); ok {
			return tb.Tanh(x)
		}
		return hostTanh(x)
	})
}

func hostTanh(x *tensor.RawTensor) *tensor.RawTensor {
	out, err := tensor.NewRaw(x.Shape(), x.DType(), x.Device())
	if err != nil {
		panic(fmt.Sprintf("trace: tanh: %v", err))
	}
	switch x.DType() {
	case tensor.Float32:
		dst, src := out.AsFloat32(), x.AsFloat32()
		for i, v := range src {
			dst[i] = float32(math.Tanh(float64(v)))
		}
	case tensor.Float64:
		dst, src := out.AsFloat64(), x.AsFloat64()
		for i, v := range src {
			dst[i] = math.Tanh(v)
		}
	default:
		panic(fmt.Sprintf("trace: tanh: unsupported dtype %v", x.DType()))
	}
	return out
}

// Softmax records Softmax along dim.
func (b *Backend[B]) Softmax(x *tensor.RawTensor, dim int) *tensor.RawTensor {
	return b.unary("Softmax", x, func(x *tensor.RawTensor) *tensor.RawTensor {
		return b.inner.Softmax(x, dim)
	}, onnx.AttrInt("axis", int64(dim)))
}

// Greater records Greater.
func (b *Backend[B]) Greater(x, y *tensor.RawTensor) *tensor.RawTensor {
	return b.binary("Greater", x, y, b.inner.Greater)
}

// Lower records Less.
func (b *Backend[B]) Lower(x, y *tensor.RawTensor) *tensor.RawTensor {
	return b.binary("Less", x, y, b.inner.Lower)
}

// GreaterEqual records GreaterOrEqual.
func (b *Backend[B]) GreaterEqual(x, y *tensor.RawTensor) *tensor.RawTensor {
	return b.binary("GreaterOrEqual", x, y, b.inner.GreaterEqual)
}

// LowerEqual records LessOrEqual.
func (b *Backend[B]) LowerEqual(x, y *tensor.RawTensor) *tensor.RawTensor {
	return b.binary("LessOrEqual", x, y, b.inner.LowerEqual)
}

// Equal records Equal.
func (b *Backend[B]) Equal(x, y *tensor.RawTensor) *tensor.RawTensor {
	return b.binary("Equal", x, y, b.inner.Equal)
}

// NotEqual records Equal followed by Not.
func (b *Backend[B]) NotEqual(x, y *tensor.RawTensor) *tensor.RawTensor {
	in := b.refs(x, y)
	defer pin(x, y)()
	eq := b.emitTemp("Equal", in)
	return b.emit("Not", b.inner.NotEqual(x, y), []string{eq})
}

// Or records Or.
func (b *Backend[B]) Or(x, y *tensor.RawTensor) *tensor.RawTensor {
	return b.binary("Or", x, y, b.inner.Or)
}

// And records And.
func (b *Backend[B]) And(x, y *tensor.RawTensor) *tensor.RawTensor {
	return b.binary("And", x, y, b.inner.And)
}

// Not records Not.
func (b *Backend[B]) Not(x *tensor.RawTensor) *tensor.RawTensor {
	return b.unary("Not", x, b.inner.Not)
}

// Sum records a full ReduceSum to a scalar.
func (b *Backend[B]) Sum(x *tensor.RawTensor) *tensor.RawTensor {
	return b.unary("ReduceSum", x, b.inner.Sum, onnx.AttrInt("keepdims", 0))
}

// SumDim records ReduceSum over one axis.
func (b *Backend[B]) SumDim(x *tensor.RawTensor, dim int, keepDim bool) *tensor.RawTensor {
	in := b.refs(x)
	defer pin(x)()
	out := b.inner.SumDim(x, dim, keepDim)
	return b.emit("ReduceSum", out, []string{in[0], b.int64s(int64(dim))}, onnx.AttrInt("keepdims", boolInt(keepDim)))
}

// MeanDim records ReduceMean over one axis.
func (b *Backend[B]) MeanDim(x *tensor.RawTensor, dim int, keepDim bool) *tensor.RawTensor {
	return b.unary("ReduceMean", x, func(x *tensor.RawTensor) *tensor.RawTensor {
		return b.inner.MeanDim(x, dim, keepDim)
	}, onnx.AttrInts("axes", int64(dim)), onnx.AttrInt("keepdims", boolInt(keepDim)))
}

// Argmax records ArgMax and casts its int64 result to int32.
func (b *Backend[B]) Argmax(x *tensor.RawTensor, dim int) *tensor.RawTensor {
	in := b.refs(x)
	defer pin(x)()
	idx := b.emitTemp("ArgMax", in, onnx.AttrInt("axis", int64(dim)), onnx.AttrInt("keepdims", 0))
	out := b.inner.Argmax(x, dim)
	elem, err := onnx.ElemType(out.DType())
	if err != nil {
		b.fail(err)
	}
	return b.emit("Cast", out, []string{idx}, onnx.AttrInt("to", int64(elem)))
}

// Cat records Concat.
func (b *Backend[B]) Cat(tensors []*tensor.RawTensor, dim int) *tensor.RawTensor {
	in := b.refs(tensors...)
	defer pin(tensors...)()
	return b.emit("Concat", b.inner.Cat(tensors, dim), in, onnx.AttrInt("axis", int64(dim)))
}

// Chunk records a Split into n outputs.
func (b *Backend[B]) Chunk(x *tensor.RawTensor, n, dim int) []*tensor.RawTensor {
	in := b.refs(x)
	defer pin(x)()
	parts := b.inner.Chunk(x, n, dim)
	if !b.recording {
		return parts
	}
	sizes := make([]int64, len(parts))
	axis := dim
	if axis < 0 {
		axis += len(x.Shape())
	}
	for i, p := range parts {
		sizes[i] = int64(p.Shape()[axis])
	}
	name := b.fresh("Split")
	outs := make([]string, len(parts))
	for i, p := range parts {
		outs[i] = fmt.Sprintf("%s_out%d", name, i)
		b.names[p] = outs[i]
	}
	b.nodes = append(b.nodes, onnx.NodeProto{
		Name:       name,
		OpType:     "Split",
		Inputs:     []string{in[0], b.int64s(sizes...)},
		Outputs:    outs,
		Attributes: []onnx.AttributeProto{onnx.AttrInt("axis", int64(dim))},
	})
	return parts
}

// Unsqueeze records Unsqueeze.
func (b *Backend[B]) Unsqueeze(x *tensor.RawTensor, dim int) *tensor.RawTensor {
	in := b.refs(x)
	defer pin(x)()
	out := b.inner.Unsqueeze(x, dim)
	return b.emit("Unsqueeze", out, []string{in[0], b.int64s(int64(dim))})
}

// Squeeze records Squeeze.
func (b *Backend[B]) Squeeze(x *tensor.RawTensor, dim int) *tensor.RawTensor {
	in := b.refs(x)
	defer pin(x)()
	out := b.inner.Squeeze(x, dim)
	return b.emit("Squeeze", out, []string{in[0], b.int64s(int64(dim))})
}

// Gather records GatherElements, which has the same index semantics.
func (b *Backend[B]) Gather(x *tensor.RawTensor, dim int, index *tensor.RawTensor) *tensor.RawTensor {
	in := b.refs(x, index)
	defer pin(x, index)()
	return b.emit("GatherElements", b.inner.Gather(x, dim, index), in, onnx.AttrInt("axis", int64(dim)))
}

// Where records Where.
func (b *Backend[B]) Where(condition, x, y *tensor.RawTensor) *tensor.RawTensor {
	in := b.refs(condition, x, y)
	defer pin(condition, x, y)()
	return b.emit("Where", b.inner.Where(condition, x, y), in)
}

// Embedding records a row Gather on the weight matrix.
func (b *Backend[B]) Embedding(weight, indices *tensor.RawTensor) *tensor.RawTensor {
	in := b.refs(weight, indices)
	defer pin(weight, indices)()
	return b.emit("Gather", b.inner.Embedding(weight, indices), in, onnx.AttrInt("axis", 0))
}

// Expand records Expand to a constant shape.
func (b *Backend[B]) Expand(x *tensor.RawTensor, shape tensor.Shape) *tensor.RawTensor {
	in := b.refs(x)
	defer pin(x)()
	out := b.inner.Expand(x, shape)
	return b.emit("Expand", out, []string{in[0], b.int64s(onnx.Dims(out.Shape())...)})
}

// Cast records Cast.
func (b *Backend[B]) Cast(x *tensor.RawTensor, dtype tensor.DataType) *tensor.RawTensor {
	elem, err := onnx.ElemType(dtype)
	if err != nil {
		b.fail(err)
	}
	return b.unary("Cast", x, func(x *tensor.RawTensor) *tensor.RawTensor {
		return b.inner.Cast(x, dtype)
	}, onnx.AttrInt("to", int64(elem)))
}

func boolInt(v bool) int64 {
	if v {
		return 1
	}
	return 0
}

func scalarTensor(dt tensor.DataType, scalar any) (onnx.TensorProto, error) {
	var f float64
	switch v := scalar.(type) {
	case float32:
		f = float64(v)
	case float64:
		f = v
	case int:
		f = float64(v)
	case int32:
		f = float64(v)
	case int64:
		f = float64(v)
	default:
		return onnx.TensorProto{}, fmt.Errorf("%w: scalar of type %T", ErrUnsupportedOp, scalar)
	}
	switch dt {
	case tensor.Float32:
		data := make([]byte, 4)
		binary.LittleEndian.PutUint32(data, math.Float32bits(float32(f)))
		return onnx.TensorProto{DataType: onnx.TensorProtoFloat, RawData: data}, nil
	case tensor.Float64:
		data := make([]byte, 8)
		binary.LittleEndian.PutUint64(data, math.Float64bits(f))
		return onnx.TensorProto{DataType: onnx.TensorProtoDouble, RawData: data}, nil
	case tensor.Int32:
		data := make([]byte, 4)
		binary.LittleEndian.PutUint32(data, uint32(int32(f)))
		return onnx.TensorProto{DataType: onnx.TensorProtoInt32, RawData: data}, nil
	case tensor.Int64:
		data := make([]byte, 8)
		binary.LittleEndian.PutUint64(data, uint64(int64(f)))
		return onnx.TensorProto{DataType: onnx.TensorProtoInt64, RawData: data}, nil
	default:
		return onnx.TensorProto{}, fmt.Errorf("%w: scalar op on %v", ErrUnsupportedOp, dt)
	}
}
