package head

import (
	"math"
	"testing"

	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStableSoftmax(t *testing.T) {
	backend := cpu.New()

	tests := []struct {
		name   string
		logits []float32
	}{
		{"balanced", []float32{0, 0}},
		{"ordinary", []float32{1.5, -0.25}},
		{"extreme positive", []float32{1e4, -1e4}},
		{"extreme negative", []float32{-1e4, -1e4 + 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x, err := tensor.FromSlice(tt.logits, tensor.Shape{1, 2}, backend)
			require.NoError(t, err)
			p := StableSoftmax(x).Data()

			require.Len(t, p, 2)
			for _, v := range p {
				assert.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0))
				assert.GreaterOrEqual(t, v, float32(0))
			}
			assert.InDelta(t, 1.0, p[0]+p[1], 1e-5)
		})
	}
}

func TestStableSoftmaxShiftInvariant(t *testing.T) {
	backend := cpu.New()
	x, err := tensor.FromSlice([]float32{0.3, 1.2, -2, 0.5}, tensor.Shape{2, 2}, backend)
	require.NoError(t, err)
	shifted := x.AddScalar(100)

	assert.InDeltaSlice(t, StableSoftmax(x).Data(), StableSoftmax(shifted).Data(), 1e-5)
}

type constClassifier struct {
	logits []float32
}

func (c constClassifier) Forward(ids, _ *tensor.Tensor[int32, *cpu.Backend]) *tensor.Tensor[float32, *cpu.Backend] {
	batch := ids.Shape()[0]
	data := make([]float32, 0, batch*len(c.logits))
	for range batch {
		data = append(data, c.logits...)
	}
	out, err := tensor.FromSlice(data, tensor.Shape{batch, len(c.logits)}, ids.Backend())
	if err != nil {
		panic(err)
	}
	return out
}

func TestProbabilitiesForward(t *testing.T) {
	backend := cpu.New()
	ids := tensor.Zeros[int32](tensor.Shape{3, 4}, backend)
	mask := tensor.Ones[int32](tensor.Shape{3, 4}, backend)

	p := New[*cpu.Backend](constClassifier{logits: []float32{0, float32(math.Ln2)}}).Forward(ids, mask)
	require.Equal(t, tensor.Shape{3, 2}, p.Shape())
	// logits differ by ln 2, so p = [1/3, 2/3].
	for i := 0; i < 3; i++ {
		assert.InDelta(t, 1.0/3, p.Data()[2*i], 1e-5)
		assert.InDelta(t, 2.0/3, p.Data()[2*i+1], 1e-5)
	}
}
