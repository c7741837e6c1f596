package operators

import (
	"math"
	"testing"

	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func raw(t *testing.T, data []float32, shape ...int) *tensor.RawTensor {
	t.Helper()
	r, err := tensor.NewRaw(tensor.Shape(shape), tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	copy(r.AsFloat32(), data)
	return r
}

func int64Raw(t *testing.T, data ...int64) *tensor.RawTensor {
	t.Helper()
	r, err := tensor.NewRaw(tensor.Shape{len(data)}, tensor.Int64, tensor.CPU)
	require.NoError(t, err)
	copy(r.AsInt64(), data)
	return r
}

func exec(t *testing.T, node *Node, inputs ...*tensor.RawTensor) []*tensor.RawTensor {
	t.Helper()
	out, err := NewRegistry().Execute(&Context{Backend: cpu.New()}, node, inputs)
	require.NoError(t, err)
	return out
}

func TestRegistryCoversTracedOps(t *testing.T) {
	r := NewRegistry()
	for _, op := range []string{
		"Add", "Sub", "Mul", "Div", "MatMul", "Reshape", "Transpose",
		"Tanh", "Softmax", "ReduceMean", "ReduceSum", "Sqrt", "Reciprocal",
		"Gather", "GatherElements", "Cast", "ArgMax", "Identity", "Split",
		"Abs", "Erf", "Sign",
	} {
		_, ok := r.Get(op)
		assert.True(t, ok, op)
	}
	_, ok := r.Get("Conv")
	assert.False(t, ok)
	assert.IsIncreasing(t, r.SupportedOps())
}

func TestExecuteUnknownOp(t *testing.T) {
	_, err := NewRegistry().Execute(&Context{Backend: cpu.New()}, &Node{OpType: "Conv"}, nil)
	require.ErrorContains(t, err, "unsupported operator: Conv")
}

func TestExecuteRecoversBackendPanic(t *testing.T) {
	a := raw(t, []float32{1, 2, 3}, 3)
	b := raw(t, []float32{1, 2}, 2)
	_, err := NewRegistry().Execute(&Context{Backend: cpu.New()}, &Node{OpType: "Add"}, []*tensor.RawTensor{a, b})
	require.Error(t, err)
}

func TestScalarOperand(t *testing.T) {
	x := raw(t, []float32{1, 2, 3}, 3)
	s := raw(t, []float32{10})
	s2 := raw(t, []float32{2})

	assert.Equal(t, []float32{0.5, 1, 1.5}, exec(t, &Node{OpType: "Div"}, x, s2)[0].AsFloat32())
	assert.Equal(t, []float32{2, 4, 6}, exec(t, &Node{OpType: "Mul"}, s2, x)[0].AsFloat32())
	assert.Equal(t, []float32{11, 12, 13}, exec(t, &Node{OpType: "Add"}, x, s)[0].AsFloat32())
	assert.Equal(t, []float32{1, 2, 3}, x.AsFloat32(), "input modified in place")
}

func TestReshapeInfersDimension(t *testing.T) {
	x := raw(t, make([]float32, 12), 2, 6)
	out := exec(t, &Node{OpType: "Reshape"}, x, int64Raw(t, 0, -1, 3))
	assert.Equal(t, tensor.Shape{2, 2, 3}, out[0].Shape())

	_, err := resolveShape(tensor.Shape{5}, []int{-1, 2})
	require.Error(t, err)
}

func TestSoftmaxAndReciprocal(t *testing.T) {
	x := raw(t, []float32{0, float32(math.Log(3))}, 1, 2)
	out := exec(t, &Node{OpType: "Softmax", Attributes: []Attribute{{Name: "axis", I: -1}}}, x)
	assert.InDeltaSlice(t, []float32{0.25, 0.75}, out[0].AsFloat32(), 1e-6)

	out = exec(t, &Node{OpType: "Reciprocal"}, raw(t, []float32{2, 4}, 2))
	assert.Equal(t, []float32{0.5, 0.25}, out[0].AsFloat32())

	out = exec(t, &Node{OpType: "Tanh"}, raw(t, []float32{0}, 1))
	assert.InDelta(t, 0, out[0].AsFloat32()[0], 1e-7)
}

func TestAbsErfSign(t *testing.T) {
	assert.Equal(t, []float32{2, 0, 0.5}, exec(t, &Node{OpType: "Abs"}, raw(t, []float32{-2, 0, 0.5}, 3))[0].AsFloat32())
	assert.Equal(t, []float32{-1, 0, 1}, exec(t, &Node{OpType: "Sign"}, raw(t, []float32{-2, 0, 0.5}, 3))[0].AsFloat32())
	assert.InDeltaSlice(t, []float32{float32(math.Erf(-2)), 0, float32(math.Erf(0.5))},
		exec(t, &Node{OpType: "Erf"}, raw(t, []float32{-2, 0, 0.5}, 3))[0].AsFloat32(), 1e-6)
}

func TestArgMaxIsInt64(t *testing.T) {
	x := raw(t, []float32{1, 5, 2, 9, 0, 3}, 2, 3)
	out := exec(t, &Node{OpType: "ArgMax", Attributes: []Attribute{{Name: "axis", I: 1}, {Name: "keepdims", I: 0}}}, x)
	assert.Equal(t, tensor.Int64, out[0].DType())
	assert.Equal(t, []int64{1, 0}, out[0].AsInt64())
}

func TestGatherEmbedding(t *testing.T) {
	w := raw(t, []float32{0, 0, 1, 1, 2, 2}, 3, 2)
	out := exec(t, &Node{OpType: "Gather"}, w, int64Raw(t, 2, 0))
	assert.Equal(t, tensor.Shape{2, 2}, out[0].Shape())
	assert.Equal(t, []float32{2, 2, 0, 0}, out[0].AsFloat32())
}

func TestReduceMeanAxes(t *testing.T) {
	x := raw(t, []float32{1, 2, 3, 4}, 2, 2)
	node := &Node{OpType: "ReduceMean", Attributes: []Attribute{{Name: "axes", Ints: []int64{-1}}, {Name: "keepdims", I: 1}}}
	out := exec(t, node, x)
	assert.Equal(t, tensor.Shape{2, 1}, out[0].Shape())
	assert.Equal(t, []float32{1.5, 3.5}, out[0].AsFloat32())
}
