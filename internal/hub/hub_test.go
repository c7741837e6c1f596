package hub

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveLocalDir(t *testing.T) {
	dir := t.TempDir()
	for _, name := range RequiredFiles {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600))
	}
	got, err := Resolve(context.Background(), dir, Options{}, zerolog.New(io.Discard))
	require.NoError(t, err)
	assert.Equal(t, dir, got)
}

func TestResolveLocalDirMissingWeights(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte("{}"), 0o600))
	_, err := Resolve(context.Background(), dir, Options{}, zerolog.New(io.Discard))
	require.ErrorIs(t, err, ErrMissingFile)
}

func TestResolveCanceledBeforeDownload(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Resolve(ctx, "org/not-a-local-dir", Options{CacheDir: t.TempDir()}, zerolog.New(io.Discard))
	require.ErrorIs(t, err, context.Canceled)
}
