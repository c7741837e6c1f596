package operators

import (
	"fmt"
	"sort"

	"github.com/born-ml/born/tensor"
)

// registerMathOps adds math operators to the registry.
func (r *Registry) registerMathOps() {
	r.Register("Add", binary("add", tensor.Backend.Add, tensor.Backend.AddScalar, true))
	r.Register("Sub", binary("sub", tensor.Backend.Sub, tensor.Backend.SubScalar, false))
	r.Register("Mul", binary("mul", tensor.Backend.Mul, tensor.Backend.MulScalar, true))
	r.Register("Div", binary("div", tensor.Backend.Div, tensor.Backend.DivScalar, false))
	r.Register("MatMul", handleMatMul)
	r.Register("Sqrt", unary("sqrt", tensor.Backend.Sqrt))
	r.Register("Exp", unary("exp", tensor.Backend.Exp))
	r.Register("Log", unary("log", tensor.Backend.Log))
	r.Register("Cos", unary("cos", tensor.Backend.Cos))
	r.Register("Sin", unary("sin", tensor.Backend.Sin))
	r.Register("Abs", unary("abs", tensor.Backend.Abs))
	r.Register("Erf", unary("erf", tensor.Backend.Erf))
	r.Register("Sign", unary("sign", tensor.Backend.Sign))
	r.Register("Reciprocal", handleReciprocal)
	r.Register("ReduceSum", handleReduceSum)
	r.Register("ReduceMean", handleReduceMean)
}

type binaryFunc func(b tensor.Backend, x, y *tensor.RawTensor) *tensor.RawTensor

type scalarFunc func(b tensor.Backend, x *tensor.RawTensor, s any) *tensor.RawTensor

// binary builds an element-wise handler. A rank-0 right operand (or left
// operand, for commutative ops) takes the scalar path.
func binary(name string, full binaryFunc, scalar scalarFunc, commutative bool) OpHandler {
	return func(ctx *Context, _ *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
		if err := arity(name, inputs, 2); err != nil {
			return nil, err
		}
		x, y := inputs[0], inputs[1]
		if s, ok := scalarOf(y, x.DType()); ok {
			return one(scalar(ctx.Backend, x, s)), nil
		}
		if commutative {
			if s, ok := scalarOf(x, y.DType()); ok {
				return one(scalar(ctx.Backend, y, s)), nil
			}
		}
		return one(full(ctx.Backend, x, y)), nil
	}
}

func unary(name string, fn func(b tensor.Backend, x *tensor.RawTensor) *tensor.RawTensor) OpHandler {
	return func(ctx *Context, _ *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
		if err := arity(name, inputs, 1); err != nil {
			return nil, err
		}
		return one(fn(ctx.Backend, inputs[0])), nil
	}
}

// scalarOf returns the value of a rank-0 tensor typed as dt.
func scalarOf(t *tensor.RawTensor, dt tensor.DataType) (any, bool) {
	if len(t.Shape()) != 0 || t.DType() != dt {
		return nil, false
	}
	switch dt {
	case tensor.Float32:
		return t.AsFloat32()[0], true
	case tensor.Float64:
		return t.AsFloat64()[0], true
	case tensor.Int32:
		return t.AsInt32()[0], true
	case tensor.Int64:
		return t.AsInt64()[0], true
	default:
		return nil, false
	}
}

// handleMatMul dispatches to MatMul for matrices and BatchMatMul otherwise.
func handleMatMul(ctx *Context, _ *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if err := arity("matMul", inputs, 2); err != nil {
		return nil, err
	}
	a, b := inputs[0], inputs[1]
	if len(a.Shape()) == 2 && len(b.Shape()) == 2 {
		return one(ctx.Backend.MatMul(a, b)), nil
	}
	return one(ctx.Backend.BatchMatMul(a, b)), nil
}

func handleReciprocal(_ *Context, _ *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if err := arity("reciprocal", inputs, 1); err != nil {
		return nil, err
	}
	return mapFloat("reciprocal", inputs[0], func(v float64) float64 { return 1 / v })
}

func handleReduceSum(ctx *Context, node *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(inputs) == 0 || inputs[0] == nil {
		return nil, fmt.Errorf("reduceSum requires an input")
	}
	keep := GetAttrInt(node, "keepdims", 1) != 0
	if len(inputs) < 2 || inputs[1] == nil {
		if keep {
			return nil, fmt.Errorf("reduceSum: full reduction with keepdims is not supported")
		}
		return one(ctx.Backend.Sum(inputs[0])), nil
	}
	axes, err := ints(inputs[1])
	if err != nil {
		return nil, fmt.Errorf("reduceSum: axes: %w", err)
	}
	return one(reduce(inputs[0], axes, keep, ctx.Backend.SumDim)), nil
}

func handleReduceMean(ctx *Context, node *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if err := arity("reduceMean", inputs, 1); err != nil {
		return nil, err
	}
	raw := GetAttrInts(node, "axes")
	if len(raw) == 0 {
		return nil, fmt.Errorf("reduceMean: axes attribute is required")
	}
	axes := make([]int, len(raw))
	for i, a := range raw {
		axes[i] = int(a)
	}
	keep := GetAttrInt(node, "keepdims", 1) != 0
	return one(reduce(inputs[0], axes, keep, ctx.Backend.MeanDim)), nil
}

// reduce applies fn over each axis, innermost first so earlier axes keep
// their positions when dimensions are dropped.
func reduce(x *tensor.RawTensor, axes []int, keep bool, fn func(*tensor.RawTensor, int, bool) *tensor.RawTensor) *tensor.RawTensor {
	rank := len(x.Shape())
	norm := make([]int, len(axes))
	for i, a := range axes {
		if a < 0 {
			a += rank
		}
		norm[i] = a
	}
	sort.Sort(sort.Reverse(sort.IntSlice(norm)))
	for _, a := range norm {
		x = fn(x, a, keep)
	}
	return x
}

// mapFloat applies fn element-wise on the host.
func mapFloat(name string, x *tensor.RawTensor, fn func(float64) float64) ([]*tensor.RawTensor, error) {
	out, err := tensor.NewRaw(x.Shape(), x.DType(), x.Device())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	switch x.DType() {
	case tensor.Float32:
		dst, src := out.AsFloat32(), x.AsFloat32()
		for i, v := range src {
			dst[i] = float32(fn(float64(v)))
		}
	case tensor.Float64:
		dst, src := out.AsFloat64(), x.AsFloat64()
		for i, v := range src {
			dst[i] = fn(v)
		}
	default:
		return nil, fmt.Errorf("%s: unsupported dtype %v", name, x.DType())
	}
	return one(out), nil
}
