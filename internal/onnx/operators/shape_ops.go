package operators

import (
	"fmt"

	"github.com/born-ml/born/tensor"
)

// registerShapeOps adds shape manipulation operators to the registry.
func (r *Registry) registerShapeOps() {
	r.Register("Reshape", handleReshape)
	r.Register("Transpose", handleTranspose)
	r.Register("Squeeze", handleSqueeze)
	r.Register("Unsqueeze", handleUnsqueeze)
	r.Register("Concat", handleConcat)
	r.Register("Split", handleSplit)
	r.Register("Gather", handleGather)
	r.Register("GatherElements", handleGatherElements)
	r.Register("Expand", handleExpand)
}

func handleReshape(ctx *Context, _ *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if err := arity("reshape", inputs, 2); err != nil {
		return nil, err
	}
	dims, err := ints(inputs[1])
	if err != nil {
		return nil, fmt.Errorf("reshape: shape: %w", err)
	}
	shape, err := resolveShape(inputs[0].Shape(), dims)
	if err != nil {
		return nil, fmt.Errorf("reshape: %w", err)
	}
	return one(ctx.Backend.Reshape(inputs[0], shape)), nil
}

// resolveShape applies the ONNX Reshape rules: 0 copies the input
// dimension and a single -1 is inferred.
func resolveShape(in tensor.Shape, dims []int) (tensor.Shape, error) {
	out := make(tensor.Shape, len(dims))
	infer, known := -1, 1
	for i, d := range dims {
		switch {
		case d == 0 && i < len(in):
			out[i] = in[i]
		case d == -1:
			if infer >= 0 {
				return nil, fmt.Errorf("more than one -1 in %v", dims)
			}
			infer = i
			continue
		case d < 0:
			return nil, fmt.Errorf("invalid dimension %d", d)
		default:
			out[i] = d
		}
		known *= out[i]
	}
	if infer >= 0 {
		if known == 0 || in.NumElements()%known != 0 {
			return nil, fmt.Errorf("cannot infer dimension of %v from %v", dims, in)
		}
		out[infer] = in.NumElements() / known
	}
	return out, nil
}

func handleTranspose(ctx *Context, node *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if err := arity("transpose", inputs, 1); err != nil {
		return nil, err
	}
	perm := GetAttrInts(node, "perm")
	axes := make([]int, len(perm))
	for i, v := range perm {
		axes[i] = int(v)
	}
	return one(ctx.Backend.Transpose(inputs[0], axes...)), nil
}

func handleSqueeze(ctx *Context, _ *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if err := arity("squeeze", inputs, 2); err != nil {
		return nil, err
	}
	axes, err := ints(inputs[1])
	if err != nil {
		return nil, fmt.Errorf("squeeze: axes: %w", err)
	}
	return one(reduce(inputs[0], axes, false, func(x *tensor.RawTensor, dim int, _ bool) *tensor.RawTensor {
		return ctx.Backend.Squeeze(x, dim)
	})), nil
}

func handleUnsqueeze(ctx *Context, _ *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if err := arity("unsqueeze", inputs, 2); err != nil {
		return nil, err
	}
	axes, err := ints(inputs[1])
	if err != nil {
		return nil, fmt.Errorf("unsqueeze: axes: %w", err)
	}
	x := inputs[0]
	rank := len(x.Shape()) + len(axes)
	for _, a := range axes {
		if a < 0 {
			a += rank
		}
		x = ctx.Backend.Unsqueeze(x, a)
	}
	return one(x), nil
}

func handleConcat(ctx *Context, node *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("concat requires at least 1 input")
	}
	axis := int(GetAttrInt(node, "axis", 0))
	return one(ctx.Backend.Cat(inputs, axis)), nil
}

// handleSplit supports equal parts only, which is what Chunk records.
func handleSplit(ctx *Context, node *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(inputs) == 0 || inputs[0] == nil {
		return nil, fmt.Errorf("split requires an input")
	}
	axis := int(GetAttrInt(node, "axis", 0))
	n := len(node.Outputs)
	if len(inputs) > 1 && inputs[1] != nil {
		sizes, err := ints(inputs[1])
		if err != nil {
			return nil, fmt.Errorf("split: sizes: %w", err)
		}
		for _, s := range sizes[1:] {
			if s != sizes[0] {
				return nil, fmt.Errorf("split: unequal sizes %v are not supported", sizes)
			}
		}
		n = len(sizes)
	}
	return ctx.Backend.Chunk(inputs[0], n, axis), nil
}

// handleGather supports axis 0 on a matrix, the embedding lookup.
func handleGather(ctx *Context, node *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if err := arity("gather", inputs, 2); err != nil {
		return nil, err
	}
	if axis := GetAttrInt(node, "axis", 0); axis != 0 || len(inputs[0].Shape()) != 2 {
		return nil, fmt.Errorf("gather: only axis 0 on 2-D data is supported")
	}
	return one(ctx.Backend.Embedding(inputs[0], index32(ctx, inputs[1]))), nil
}

func handleGatherElements(ctx *Context, node *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if err := arity("gatherElements", inputs, 2); err != nil {
		return nil, err
	}
	axis := int(GetAttrInt(node, "axis", 0))
	return one(ctx.Backend.Gather(inputs[0], axis, index32(ctx, inputs[1]))), nil
}

func handleExpand(ctx *Context, _ *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if err := arity("expand", inputs, 2); err != nil {
		return nil, err
	}
	dims, err := ints(inputs[1])
	if err != nil {
		return nil, fmt.Errorf("expand: shape: %w", err)
	}
	return one(ctx.Backend.Expand(inputs[0], tensor.Shape(dims))), nil
}

// index32 casts index tensors to the int32 born's indexing ops require.
func index32(ctx *Context, idx *tensor.RawTensor) *tensor.RawTensor {
	if idx.DType() == tensor.Int32 {
		return idx
	}
	return ctx.Backend.Cast(idx, tensor.Int32)
}
