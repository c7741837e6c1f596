package optim_test

import (
	"math"
	"testing"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/safechat/internal/optim"
)

type backendT = *autodiff.Backend[*cpu.Backend]

func scalarParam(t *testing.T, b backendT, name string, v float32) *nn.Parameter[backendT] {
	t.Helper()
	x, err := tensor.FromSlice([]float32{v}, tensor.Shape{1}, b)
	require.NoError(t, err)
	return nn.NewParameter(name, x)
}

func gradFor(t *testing.T, b backendT, p *nn.Parameter[backendT], g float32) map[*tensor.RawTensor]*tensor.RawTensor {
	t.Helper()
	grad, err := tensor.NewRaw(tensor.Shape{1}, tensor.Float32, b.Device())
	require.NoError(t, err)
	grad.AsFloat32()[0] = g
	return map[*tensor.RawTensor]*tensor.RawTensor{p.Tensor().Raw(): grad}
}

func value(p *nn.Parameter[backendT]) float32 {
	return p.Tensor().Raw().AsFloat32()[0]
}

func TestAdamW_FirstStep(t *testing.T) {
	backend := autodiff.New(cpu.New())
	param := scalarParam(t, backend, "x", 1.0)

	opt := optim.NewAdamW([]optim.ParamGroup[backendT]{{Params: []*nn.Parameter[backendT]{param}}},
		optim.AdamWConfig{LR: 0.001}, backend)
	opt.Step(gradFor(t, backend, param, 1.0))

	// m_hat = v_hat = 1, so x = 1 - lr.
	assert.InDelta(t, 0.999, value(param), 1e-5)
	assert.Equal(t, 1, opt.GetTimestep())
}

func TestAdamW_DecoupledDecay(t *testing.T) {
	backend := autodiff.New(cpu.New())
	decayed := scalarParam(t, backend, "w", 2.0)
	plain := scalarParam(t, backend, "b", 2.0)

	opt := optim.NewAdamW([]optim.ParamGroup[backendT]{
		{Params: []*nn.Parameter[backendT]{decayed}, WeightDecay: 0.5},
		{Params: []*nn.Parameter[backendT]{plain}},
	}, optim.AdamWConfig{LR: 0.1}, backend)

	grads := gradFor(t, backend, decayed, 0)
	for k, v := range gradFor(t, backend, plain, 0) {
		grads[k] = v
	}
	opt.Step(grads)

	// Zero gradient: only the decay term moves the parameter.
	assert.InDelta(t, 2.0*(1-0.1*0.5), value(decayed), 1e-6)
	assert.InDelta(t, 2.0, value(plain), 1e-6)
}

func TestAdamW_SkipsParamsWithoutGrad(t *testing.T) {
	backend := autodiff.New(cpu.New())
	param := scalarParam(t, backend, "x", 3.0)
	opt := optim.NewAdamW([]optim.ParamGroup[backendT]{{Params: []*nn.Parameter[backendT]{param}, WeightDecay: 0.1}},
		optim.AdamWConfig{}, backend)

	opt.Step(map[*tensor.RawTensor]*tensor.RawTensor{})
	assert.InDelta(t, 3.0, value(param), 0)
	assert.Equal(t, float32(5e-5), opt.GetLR())
}

func TestAdamW_ZeroGrad(t *testing.T) {
	backend := autodiff.New(cpu.New())
	param := scalarParam(t, backend, "x", 1.0)
	grad, err := tensor.FromSlice([]float32{5.0}, tensor.Shape{1}, backend)
	require.NoError(t, err)
	param.SetGrad(grad)

	opt := optim.NewAdamW([]optim.ParamGroup[backendT]{{Params: []*nn.Parameter[backendT]{param}}},
		optim.AdamWConfig{LR: 0.001}, backend)
	opt.ZeroGrad()
	assert.Nil(t, param.Grad())
}

// f(x) = x², df/dx = 2x, minimum at 0.
func TestAdamW_ConvergesOnQuadratic(t *testing.T) {
	backend := autodiff.New(cpu.New())
	param := scalarParam(t, backend, "x", 3.0)
	opt := optim.NewAdamW([]optim.ParamGroup[backendT]{{Params: []*nn.Parameter[backendT]{param}, WeightDecay: 0.01}},
		optim.AdamWConfig{LR: 0.1}, backend)

	for range 100 {
		opt.Step(gradFor(t, backend, param, 2*value(param)))
	}
	assert.Less(t, math.Abs(float64(value(param))), 0.1)
}

func TestSplitDecay(t *testing.T) {
	backend := autodiff.New(cpu.New())
	names := []string{
		"bert.encoder.layer.0.attention.self.query.weight",
		"bert.encoder.layer.0.attention.self.query.bias",
		"bert.embeddings.LayerNorm.weight",
		"bert.encoder.layer.0.output.LayerNorm.bias",
		"classifier.weight",
	}
	params := make([]*nn.Parameter[backendT], len(names))
	for i, n := range names {
		params[i] = scalarParam(t, backend, n, 0)
	}

	groups := optim.SplitDecay(names, params, 0.01)
	require.Len(t, groups, 2)
	assert.InDelta(t, 0.01, groups[0].WeightDecay, 1e-9)
	assert.Equal(t, []*nn.Parameter[backendT]{params[0], params[4]}, groups[0].Params)
	assert.Zero(t, groups[1].WeightDecay)
	assert.Equal(t, []*nn.Parameter[backendT]{params[1], params[2], params[3]}, groups[1].Params)
}

func TestClipGradNorm(t *testing.T) {
	backend := autodiff.New(cpu.New())
	a := scalarParam(t, backend, "a", 0)
	b := scalarParam(t, backend, "b", 0)
	grads := gradFor(t, backend, a, 3)
	for k, v := range gradFor(t, backend, b, 4) {
		grads[k] = v
	}
	params := []*nn.Parameter[backendT]{a, b}

	norm := optim.ClipGradNorm(params, grads, 1.0)
	assert.InDelta(t, 5.0, norm, 1e-6)
	assert.InDelta(t, 0.6, grads[a.Tensor().Raw()].AsFloat32()[0], 1e-5)
	assert.InDelta(t, 0.8, grads[b.Tensor().Raw()].AsFloat32()[0], 1e-5)

	assert.InDelta(t, 1.0, optim.ClipGradNorm(params, grads, 10), 1e-5)
}

type lrRecorder struct{ lr float32 }

func (r *lrRecorder) Step(map[*tensor.RawTensor]*tensor.RawTensor) {}
func (r *lrRecorder) ZeroGrad()                                      {}
func (r *lrRecorder) GetLR() float32                                 { return r.lr }
func (r *lrRecorder) SetLR(lr float32)                               { r.lr = lr }

func TestLinearWarmup(t *testing.T) {
	rec := &lrRecorder{lr: 1}
	s := optim.NewLinearWarmup(rec, 1.0, 4, 12)
	assert.Zero(t, rec.GetLR())

	want := []float32{0.25, 0.5, 0.75, 1, 0.875, 0.75, 0.625, 0.5, 0.375, 0.25, 0.125, 0, 0}
	for i, w := range want {
		s.Step()
		assert.InDelta(t, w, rec.GetLR(), 1e-6, "step %d", i+1)
	}
	assert.Equal(t, len(want), s.Current())
}

func TestLinearWarmupWithoutWarmup(t *testing.T) {
	rec := &lrRecorder{}
	optim.NewLinearWarmup(rec, 2.0, 0, 4)
	assert.InDelta(t, 2.0, rec.GetLR(), 1e-6)
}
