// Package optim implements the optimizer and learning-rate schedule used for
// fine-tuning.
//
// Example usage:
//
//	groups := optim.SplitDecay(names, model.Parameters(), 0.01)
//	optimizer := optim.NewAdamW(groups, optim.AdamWConfig{LR: 5e-5}, backend)
//	schedule := optim.NewLinearWarmup(optimizer, 5e-5, 500, totalSteps)
//
//	for step := range totalSteps {
//	    grads := backend.Tape().Backward(outputGrad, backend)
//	    optimizer.Step(grads)
//	    schedule.Step()
//	    backend.Tape().Clear()
//	}
package optim

import (
	"strings"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// Optimizer updates parameters from a gradient map produced by the autodiff tape.
type Optimizer interface {
	// Step applies one update. Grads are keyed by the parameter's raw tensor;
	// parameters without a gradient are left untouched.
	Step(grads map[*tensor.RawTensor]*tensor.RawTensor)

	ZeroGrad()
	GetLR() float32
	SetLR(lr float32)
}

// ParamGroup is a set of parameters sharing a weight decay.
type ParamGroup[B tensor.Backend] struct {
	Params      []*nn.Parameter[B]
	WeightDecay float32
}

// NoDecay reports whether a parameter is excluded from weight decay:
// biases and LayerNorm weights.
func NoDecay(name string) bool {
	return strings.HasSuffix(name, ".bias") || strings.Contains(name, "LayerNorm")
}

// SplitDecay groups parameters into a decayed and a non-decayed group.
// names[i] is the state-dict key of params[i].
func SplitDecay[B tensor.Backend](names []string, params []*nn.Parameter[B], weightDecay float32) []ParamGroup[B] {
	decay := ParamGroup[B]{WeightDecay: weightDecay}
	plain := ParamGroup[B]{}
	for i, p := range params {
		if NoDecay(names[i]) {
			plain.Params = append(plain.Params, p)
		} else {
			decay.Params = append(decay.Params, p)
		}
	}
	return []ParamGroup[B]{decay, plain}
}

// getGradient retrieves the gradient for a parameter, or nil if it did not
// take part in the forward pass.
func getGradient[B tensor.Backend](param *nn.Parameter[B], grads map[*tensor.RawTensor]*tensor.RawTensor) *tensor.RawTensor {
	if param == nil {
		return nil
	}
	return grads[param.Tensor().Raw()]
}
