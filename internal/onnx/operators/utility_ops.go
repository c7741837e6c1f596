package operators

import (
	"fmt"

	"github.com/born-ml/born/tensor"
)

// registerUtilityOps adds identity, casting, selection and logic operators.
func (r *Registry) registerUtilityOps() {
	r.Register("Identity", handleIdentity)
	r.Register("Cast", handleCast)
	r.Register("ArgMax", handleArgMax)
	r.Register("Where", handleWhere)
	r.Register("Greater", binaryOnly("greater", tensor.Backend.Greater))
	r.Register("Less", binaryOnly("less", tensor.Backend.Lower))
	r.Register("GreaterOrEqual", binaryOnly("greaterOrEqual", tensor.Backend.GreaterEqual))
	r.Register("LessOrEqual", binaryOnly("lessOrEqual", tensor.Backend.LowerEqual))
	r.Register("Equal", binaryOnly("equal", tensor.Backend.Equal))
	r.Register("And", binaryOnly("and", tensor.Backend.And))
	r.Register("Or", binaryOnly("or", tensor.Backend.Or))
	r.Register("Not", unary("not", tensor.Backend.Not))
}

func binaryOnly(name string, fn binaryFunc) OpHandler {
	return func(ctx *Context, _ *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
		if err := arity(name, inputs, 2); err != nil {
			return nil, err
		}
		return one(fn(ctx.Backend, inputs[0], inputs[1])), nil
	}
}

func handleIdentity(_ *Context, _ *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if err := arity("identity", inputs, 1); err != nil {
		return nil, err
	}
	return one(inputs[0]), nil
}

func handleCast(ctx *Context, node *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if err := arity("cast", inputs, 1); err != nil {
		return nil, err
	}
	dtype, err := DataType(GetAttrInt(node, "to", TensorProtoFloat))
	if err != nil {
		return nil, fmt.Errorf("cast: %w", err)
	}
	return one(ctx.Backend.Cast(inputs[0], dtype)), nil
}

// handleArgMax returns int64 indices as ONNX requires.
func handleArgMax(ctx *Context, node *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if err := arity("argMax", inputs, 1); err != nil {
		return nil, err
	}
	if GetAttrInt(node, "keepdims", 1) != 0 {
		return nil, fmt.Errorf("argMax: keepdims=1 is not supported")
	}
	axis := int(GetAttrInt(node, "axis", 0))
	idx := ctx.Backend.Argmax(inputs[0], axis)
	return one(ctx.Backend.Cast(idx, tensor.Int64)), nil
}

func handleWhere(ctx *Context, _ *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if err := arity("where", inputs, 3); err != nil {
		return nil, err
	}
	return one(ctx.Backend.Where(inputs[0], inputs[1], inputs[2])), nil
}
