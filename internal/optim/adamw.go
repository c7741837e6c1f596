package optim

import (
	"math"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// AdamW implements Adam with decoupled weight decay (Loshchilov & Hutter, 2019).
//
// Update rule, per parameter group with decay wd:
//
//	param = param - lr * wd * param
//	m_t = beta1 * m_{t-1} + (1-beta1) * gradient
//	v_t = beta2 * v_{t-1} + (1-beta2) * gradient²
//	m_hat = m_t / (1 - beta1^t)
//	v_hat = v_t / (1 - beta2^t)
//	param = param - lr * m_hat / (sqrt(v_hat) + eps)
type AdamW[B tensor.Backend] struct {
	groups  []ParamGroup[B]
	lr      float32
	beta1   float32
	beta2   float32
	eps     float32
	t       int
	m       map[*nn.Parameter[B]]*tensor.Tensor[float32, B]
	v       map[*nn.Parameter[B]]*tensor.Tensor[float32, B]
	backend B
}

// AdamWConfig holds configuration for AdamW.
type AdamWConfig struct {
	LR    float32    // default 5e-5
	Betas [2]float32 // default [0.9, 0.999]
	Eps   float32    // default 1e-8
}

// NewAdamW creates an AdamW optimizer over groups.
func NewAdamW[B tensor.Backend](groups []ParamGroup[B], config AdamWConfig, backend B) *AdamW[B] {
	if config.LR == 0 {
		config.LR = 5e-5
	}
	if config.Betas[0] == 0 {
		config.Betas[0] = 0.9
	}
	if config.Betas[1] == 0 {
		config.Betas[1] = 0.999
	}
	if config.Eps == 0 {
		config.Eps = 1e-8
	}

	return &AdamW[B]{
		groups:  groups,
		lr:      config.LR,
		beta1:   config.Betas[0],
		beta2:   config.Betas[1],
		eps:     config.Eps,
		m:       make(map[*nn.Parameter[B]]*tensor.Tensor[float32, B]),
		v:       make(map[*nn.Parameter[B]]*tensor.Tensor[float32, B]),
		backend: backend,
	}
}

// Step performs a single optimization step.
func (a *AdamW[B]) Step(grads map[*tensor.RawTensor]*tensor.RawTensor) {
	a.t++
	biasCorrection1 := float32(1.0 - math.Pow(float64(a.beta1), float64(a.t)))
	biasCorrection2 := float32(1.0 - math.Pow(float64(a.beta2), float64(a.t)))

	for _, group := range a.groups {
		for _, param := range group.Params {
			grad := getGradient(param, grads)
			if grad == nil {
				continue
			}
			m, ok := a.m[param]
			if !ok {
				m = tensor.Zeros[float32](param.Tensor().Shape(), a.backend)
				a.m[param] = m
			}
			v, ok := a.v[param]
			if !ok {
				v = tensor.Zeros[float32](param.Tensor().Shape(), a.backend)
				a.v[param] = v
			}
			a.update(param, grad.AsFloat32(), m, v, group.WeightDecay, biasCorrection1, biasCorrection2)
		}
	}
}

func (a *AdamW[B]) update(
	param *nn.Parameter[B],
	gradData []float32,
	m, v *tensor.Tensor[float32, B],
	weightDecay, biasCorrection1, biasCorrection2 float32,
) {
	mData := m.Raw().AsFloat32()
	vData := v.Raw().AsFloat32()
	paramData := param.Tensor().Raw().AsFloat32()
	decay := 1 - a.lr*weightDecay

	for i := range paramData {
		g := gradData[i]
		paramData[i] *= decay

		mData[i] = a.beta1*mData[i] + (1.0-a.beta1)*g
		vData[i] = a.beta2*vData[i] + (1.0-a.beta2)*g*g

		mHat := mData[i] / biasCorrection1
		vHat := vData[i] / biasCorrection2
		paramData[i] -= a.lr * mHat / (float32(math.Sqrt(float64(vHat))) + a.eps)
	}
}

// ZeroGrad clears gradients for all parameters.
func (a *AdamW[B]) ZeroGrad() {
	for _, group := range a.groups {
		for _, param := range group.Params {
			param.ZeroGrad()
		}
	}
}

// GetLR returns the current learning rate.
func (a *AdamW[B]) GetLR() float32 {
	return a.lr
}

// SetLR updates the learning rate.
func (a *AdamW[B]) SetLR(lr float32) {
	a.lr = lr
}

// GetTimestep returns the number of steps taken.
func (a *AdamW[B]) GetTimestep() int {
	return a.t
}

// ClipGradNorm scales grads of params in place so that their global L2 norm
// is at most maxNorm, and returns the norm before clipping.
func ClipGradNorm[B tensor.Backend](params []*nn.Parameter[B], grads map[*tensor.RawTensor]*tensor.RawTensor, maxNorm float64) float64 {
	var sq float64
	for _, p := range params {
		if g := getGradient(p, grads); g != nil {
			for _, x := range g.AsFloat32() {
				sq += float64(x) * float64(x)
			}
		}
	}
	norm := math.Sqrt(sq)
	if maxNorm <= 0 || norm <= maxNorm {
		return norm
	}
	scale := float32(maxNorm / (norm + 1e-6))
	for _, p := range params {
		if g := getGradient(p, grads); g != nil {
			data := g.AsFloat32()
			for i := range data {
				data[i] *= scale
			}
		}
	}
	return norm
}
