package operators

import (
	"math"

	"github.com/born-ml/born/tensor"
)

// registerActivations adds activation operators to the registry.
func (r *Registry) registerActivations() {
	r.Register("Tanh", handleTanh)
	r.Register("Softmax", handleSoftmax)
}

type tanhBackend interface {
	Tanh(*tensor.RawTensor) *tensor.RawTensor
}

func handleTanh(ctx *Context, _ *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if err := arity("tanh", inputs, 1); err != nil {
		return nil, err
	}
	if tb, ok := ctx.Backend.(tanhBackend); ok {
		return one(tb.Tanh(inputs[0])), nil
	}
	return mapFloat("tanh", inputs[0], math.Tanh)
}

// handleSoftmax follows opset 13: the default axis is the last one.
func handleSoftmax(ctx *Context, node *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if err := arity("softmax", inputs, 1); err != nil {
		return nil, err
	}
	axis := int(GetAttrInt(node, "axis", -1))
	if axis < 0 {
		axis += len(inputs[0].Shape())
	}
	return one(ctx.Backend.Softmax(inputs[0], axis)), nil
}
