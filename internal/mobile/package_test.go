package mobile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/safechat/internal/safetensors"
)

type vocabFunc func(path string) error

func (f vocabFunc) CopyVocab(path string) error { return f(path) }

var testVocab = vocabFunc(func(path string) error {
	return os.WriteFile(path, []byte("[PAD]\n[UNK]\n[CLS]\n[SEP]\n"), 0o600)
})

func testManifest() Manifest {
	m := NewManifest(DefaultOptions(), []string{"unsafe", "safe"}, 64)
	m.IRVersion = 7
	m.OpsetVersion = 13
	m.SampleText = "I like"
	return m
}

func TestWriteAndOpen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), DefaultPath)
	model := []byte("not really onnx")

	written, err := Write(dir, testManifest(), model, testVocab)
	require.NoError(t, err)
	assert.Equal(t, safetensors.Checksum(model), written.Manifest.ModelSHA256)

	p, err := Open(dir)
	require.NoError(t, err)
	m := p.Manifest
	_, err = uuid.Parse(m.ID)
	require.NoError(t, err)
	assert.Equal(t, written.Manifest.ID, m.ID)
	assert.Equal(t, "iOS15", m.MinimumDeploymentTarget)
	assert.Equal(t, "float32", m.ComputePrecision)
	assert.Equal(t, "all", m.ComputeUnits)
	assert.Equal(t, []int{1, 64}, m.Inputs[0].Shape)
	assert.Equal(t, []int{1, 2}, m.Outputs[0].Shape)
	assert.Equal(t, int64(13), m.OpsetVersion)
	assert.Equal(t, "I like", m.SampleText)
	assert.FileExists(t, p.VocabPath())
	assert.Equal(t, filepath.Join(dir, ModelFile), p.ModelPath())
}

func TestWriteReplacesExisting(t *testing.T) {
	dir := filepath.Join(t.TempDir(), DefaultPath)
	first, err := Write(dir, testManifest(), []byte("first"), testVocab)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stale.bin"), []byte("x"), 0o600))

	second, err := Write(dir, testManifest(), []byte("second"), testVocab)
	require.NoError(t, err)
	assert.NotEqual(t, first.Manifest.ID, second.Manifest.ID)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{ManifestFile, ModelFile, VocabFile}, names)

	p, err := Open(dir)
	require.NoError(t, err)
	assert.Equal(t, second.Manifest.ID, p.Manifest.ID)
}

func TestWriteOverFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), DefaultPath)
	require.NoError(t, os.WriteFile(dir, []byte("file in the way"), 0o600))
	_, err := Write(dir, testManifest(), []byte("model"), testVocab)
	require.NoError(t, err)
	assert.DirExists(t, dir)
}

func TestOpenDetectsTampering(t *testing.T) {
	dir := filepath.Join(t.TempDir(), DefaultPath)
	p, err := Write(dir, testManifest(), []byte("model"), testVocab)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(p.ModelPath(), []byte("tampered"), 0o600))

	_, err = Open(dir)
	require.ErrorIs(t, err, safetensors.ErrChecksumMismatch)
}

func TestOpenErrors(t *testing.T) {
	_, err := Open(t.TempDir())
	require.ErrorIs(t, err, ErrInvalidPackage)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte("{"), 0o600))
	_, err = Open(dir)
	require.ErrorIs(t, err, ErrInvalidPackage)

	dir = filepath.Join(t.TempDir(), DefaultPath)
	p, err := Write(dir, testManifest(), []byte("model"), testVocab)
	require.NoError(t, err)
	require.NoError(t, os.Remove(p.VocabPath()))
	_, err = Open(dir)
	require.ErrorIs(t, err, ErrInvalidPackage)
}

func TestManifestValidate(t *testing.T) {
	require.NoError(t, func() error { m := testManifest(); return m.Validate() }())

	tests := []struct {
		name   string
		mutate func(*Manifest)
	}{
		{"format", func(m *Manifest) { m.FormatVersion = 99 }},
		{"runtime", func(m *Manifest) { m.Runtime = "coreml" }},
		{"model path escapes", func(m *Manifest) { m.ModelFile = "../model.onnx" }},
		{"one label", func(m *Manifest) { m.Labels = m.Labels[:1] }},
		{"input order", func(m *Manifest) { m.Inputs[0], m.Inputs[1] = m.Inputs[1], m.Inputs[0] }},
		{"input shape", func(m *Manifest) { m.Inputs[1].Shape = []int{1, 32} }},
		{"input dtype", func(m *Manifest) { m.Inputs[0].DType = "int64" }},
		{"output name", func(m *Manifest) { m.Outputs[0].Name = "logits" }},
		{"output width", func(m *Manifest) { m.Outputs[0].Shape = []int{1, 3} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := testManifest()
			tt.mutate(&m)
			require.ErrorIs(t, m.Validate(), ErrInvalidPackage)
		})
	}
}
