package bert

import (
	"io"
	"math"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/safechat/internal/safetensors"
)

type testBackend = *autodiff.Backend[*cpu.Backend]

func tinyConfig() Config {
	return Config{
		VocabSize:             32,
		HiddenSize:            8,
		NumHiddenLayers:       2,
		NumAttentionHeads:     2,
		IntermediateSize:      16,
		MaxPositionEmbeddings: 16,
	}.WithLabels([]string{"unsafe", "safe"})
}

func ids(t *testing.T, b testBackend, rows ...[]int32) (x, mask *tensor.Tensor[int32, testBackend]) {
	t.Helper()
	seq := len(rows[0])
	var flat, maskData []int32
	for _, r := range rows {
		require.Len(t, r, seq)
		for _, id := range r {
			flat = append(flat, id)
			if id == 0 {
				maskData = append(maskData, 0)
			} else {
				maskData = append(maskData, 1)
			}
		}
	}
	x, err := tensor.FromSlice(flat, tensor.Shape{len(rows), seq}, b)
	require.NoError(t, err)
	mask, err = tensor.FromSlice(maskData, tensor.Shape{len(rows), seq}, b)
	require.NoError(t, err)
	return x, mask
}

func TestForwardShape(t *testing.T) {
	backend := autodiff.New(cpu.New())
	model, err := New(tinyConfig(), rand.New(rand.NewPCG(1, 2)), backend)
	require.NoError(t, err)

	x, mask := ids(t, backend, []int32{2, 5, 6, 3, 0, 0}, []int32{2, 7, 3, 0, 0, 0})
	logits := model.Forward(x, mask)
	assert.Equal(t, tensor.Shape{2, 2}, logits.Shape())
	for _, v := range logits.Data() {
		assert.False(t, math.IsNaN(float64(v)), "NaN logit")
	}
}

func TestPaddingIsMasked(t *testing.T) {
	backend := autodiff.New(cpu.New())
	model, err := New(tinyConfig(), rand.New(rand.NewPCG(3, 4)), backend)
	require.NoError(t, err)

	x, mask := ids(t, backend, []int32{2, 5, 6, 3, 0, 0})
	want := model.Forward(x, mask).Data()

	// Same tokens, different ids under the padding mask.
	noisy, err := tensor.FromSlice([]int32{2, 5, 6, 3, 9, 11}, tensor.Shape{1, 6}, backend)
	require.NoError(t, err)
	got := model.Forward(noisy, mask).Data()
	assert.InDeltaSlice(t, want, got, 1e-5)
}

func TestSaveAndReload(t *testing.T) {
	backend := autodiff.New(cpu.New())
	model, err := New(tinyConfig(), rand.New(rand.NewPCG(5, 6)), backend)
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, model.SavePretrained(dir))

	reloaded, err := FromPretrained(dir, nil, rand.New(rand.NewPCG(7, 8)), backend, zerolog.New(io.Discard))
	require.NoError(t, err)
	assert.Equal(t, []string{"unsafe", "safe"}, reloaded.Config.Labels())

	x, mask := ids(t, backend, []int32{2, 5, 6, 3})
	assert.InDeltaSlice(t, model.Forward(x, mask).Data(), reloaded.Forward(x, mask).Data(), 1e-6)
}

func TestFromPretrainedBareEncoder(t *testing.T) {
	backend := autodiff.New(cpu.New())
	model, err := New(tinyConfig(), rand.New(rand.NewPCG(9, 10)), backend)
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, model.Config.Save(dir))
	sd := model.StateDict()
	for name := range sd {
		if name == "classifier.weight" || name == "classifier.bias" {
			delete(sd, name)
		}
	}
	// Legacy LayerNorm naming without the model prefix.
	sd["embeddings.LayerNorm.gamma"] = sd["bert.embeddings.LayerNorm.weight"]
	delete(sd, "bert.embeddings.LayerNorm.weight")
	require.NoError(t, safetensors.WriteFile(filepath.Join(dir, WeightsFile), sd, nil))

	_, err = FromPretrained(dir, []string{"unsafe", "safe"}, rand.New(rand.NewPCG(1, 1)), backend, zerolog.New(io.Discard))
	require.NoError(t, err)

	delete(sd, "bert.encoder.layer.0.output.dense.weight")
	require.NoError(t, safetensors.WriteFile(filepath.Join(dir, WeightsFile), sd, nil))
	_, err = FromPretrained(dir, nil, rand.New(rand.NewPCG(1, 1)), backend, zerolog.New(io.Discard))
	require.ErrorIs(t, err, ErrMissingWeights)
}

func TestLoadStateDictShapeMismatch(t *testing.T) {
	backend := autodiff.New(cpu.New())
	model, err := New(tinyConfig(), rand.New(rand.NewPCG(1, 2)), backend)
	require.NoError(t, err)

	wrong := tensor.Zeros[float32](tensor.Shape{3, 8}, backend)
	_, err = model.LoadStateDict(map[string]*tensor.RawTensor{"classifier.weight": wrong.Raw()})
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestConfigValidate(t *testing.T) {
	cfg := tinyConfig()
	cfg.NumAttentionHeads = 3
	require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = tinyConfig()
	cfg.HiddenAct = "relu"
	require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	dir := t.TempDir()
	require.NoError(t, tinyConfig().Save(dir))
	loaded, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.NumLabels())
	assert.InDelta(t, 1e-12, loaded.LayerNormEps, 0)
}
