package device

import (
	"bytes"
	"runtime"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{"": Auto, "auto": Auto, "CPU": CPU, " webgpu ": WebGPU} {
		got, err := ParseKind(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseKind("cuda")
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestSelectCPU(t *testing.T) {
	var buf bytes.Buffer
	d := Select(CPU, zerolog.New(&buf))
	defer d.Close()

	assert.Equal(t, CPU, d.Kind)
	require.NotNil(t, d.Backend)
	assert.Contains(t, buf.String(), "using CPU backend")
}

func TestSelectFallsBackSilently(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("WebGPU may be present on Windows hosts")
	}
	var buf bytes.Buffer
	d := Select(WebGPU, zerolog.New(&buf))
	defer d.Close()

	assert.Equal(t, CPU, d.Kind)
	assert.Contains(t, buf.String(), "accelerated backend not available")
	assert.NotContains(t, buf.String(), `"level":"error"`)
}
