package safetensors

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/loader"
	"github.com/born-ml/born/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileReadableByLoader(t *testing.T) {
	backend := cpu.New()
	weight, err := tensor.FromSlice([]float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3}, backend)
	require.NoError(t, err)
	bias, err := tensor.FromSlice([]float32{0.5, -0.5}, tensor.Shape{2}, backend)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "model.safetensors")
	require.NoError(t, WriteFile(path, map[string]*tensor.RawTensor{
		"classifier.weight": weight.Raw(),
		"classifier.bias":   bias.Raw(),
	}, map[string]string{"format": "pt"}))

	reader, err := loader.OpenModel(path)
	require.NoError(t, err)
	defer reader.Close()

	assert.ElementsMatch(t, []string{"classifier.bias", "classifier.weight"}, reader.TensorNames())
	got, err := reader.LoadTensor("classifier.weight", backend)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 3}, got.Shape())
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, got.AsFloat32())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file left behind")
}

func TestChecksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blob")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o600))

	sum, err := FileChecksum(path)
	require.NoError(t, err)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", sum)
	assert.Equal(t, sum, Checksum([]byte("abc")))

	require.NoError(t, VerifyFile(path, sum))
	require.ErrorIs(t, VerifyFile(path, "00"), ErrChecksumMismatch)
}
