// Package head wraps a sequence classifier so that it returns class
// probabilities instead of logits.
package head

import (
	"github.com/born-ml/born/tensor"
)

// Classifier maps token ids and an attention mask to [batch, classes] logits.
type Classifier[B tensor.Backend] interface {
	Forward(inputIDs, attentionMask *tensor.Tensor[int32, B]) *tensor.Tensor[float32, B]
}

// Probabilities is a classifier followed by a numerically stable softmax.
type Probabilities[B tensor.Backend] struct {
	model Classifier[B]
}

// New wraps model.
func New[B tensor.Backend](model Classifier[B]) *Probabilities[B] {
	return &Probabilities[B]{model: model}
}

// Forward returns [batch, classes] probabilities.
func (p *Probabilities[B]) Forward(inputIDs, attentionMask *tensor.Tensor[int32, B]) *tensor.Tensor[float32, B] {
	return StableSoftmax(p.model.Forward(inputIDs, attentionMask))
}

// StableSoftmax computes softmax(x - max(x)) over the last dimension.
//
// The row maximum is taken with Argmax and Gather so the subtraction stays
// part of the recorded graph when x lives on a tracing backend.
func StableSoftmax[B tensor.Backend](logits *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	last := len(logits.Shape()) - 1
	idx := logits.Argmax(last).Unsqueeze(last)
	rowMax := logits.Gather(last, idx)
	return logits.Sub(rowMax).Softmax(last)
}
