package tokenizer

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testVocab = []string{
	"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]",
	"i", "like", "this", "is", "safe", "you", "are", "great", "hate",
	"the", "movie", "a", "bad", "good", "##s", "##ing", ".", ",", "!",
}

func writeVocab(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	data := strings.Join(testVocab, "\n") + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, VocabFile), []byte(data), 0o600))
	return dir
}

func TestEncodeFixedLength(t *testing.T) {
	w, err := Load(writeVocab(t), DefaultMaxLength)
	require.NoError(t, err)

	long := strings.Repeat("you are great ", 60)
	for _, text := range []string{"", "I like", "This movie is GOOD!", "unknownword", long} {
		enc, err := w.Encode(text)
		require.NoError(t, err)
		assert.Len(t, enc.InputIDs, DefaultMaxLength, text)
		assert.Len(t, enc.AttentionMask, DefaultMaxLength, text)

		n := enc.Len()
		require.GreaterOrEqual(t, n, 2)
		assert.Equal(t, w.ClsToken(), enc.InputIDs[0])
		assert.Equal(t, w.SepToken(), enc.InputIDs[n-1])
		for i := n; i < DefaultMaxLength; i++ {
			assert.Equal(t, int32(0), enc.AttentionMask[i])
			assert.Equal(t, w.PadToken(), enc.InputIDs[i])
		}
	}
}

func TestEncodeIdempotent(t *testing.T) {
	w, err := Load(writeVocab(t), DefaultMaxLength)
	require.NoError(t, err)

	a, err := w.Encode("I like this movie, you are great")
	require.NoError(t, err)
	b, err := w.Encode("I like this movie, you are great")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestEncodeSample(t *testing.T) {
	w, err := Load(writeVocab(t), DefaultMaxLength)
	require.NoError(t, err)

	enc, err := w.Encode("I like")
	require.NoError(t, err)
	// [CLS] i like [SEP]
	assert.Equal(t, []int32{2, 5, 6, 3}, enc.InputIDs[:4])
	assert.Equal(t, []int32{1, 1, 1, 1, 0}, enc.AttentionMask[:5])
}

func TestTruncationKeepsSep(t *testing.T) {
	w, err := Load(writeVocab(t), 8)
	require.NoError(t, err)

	enc, err := w.Encode("you are great you are great you are great")
	require.NoError(t, err)
	assert.Len(t, enc.InputIDs, 8)
	assert.Equal(t, 8, enc.Len())
	assert.Equal(t, w.SepToken(), enc.InputIDs[7])
}

func TestEncodeAroundMaxLength(t *testing.T) {
	w, err := Load(writeVocab(t), DefaultMaxLength)
	require.NoError(t, err)

	for _, n := range []int{0, 1, 61, 62, 63, 64, 180} {
		enc, err := w.Encode(strings.Repeat("you ", n))
		require.NoError(t, err, n)
		assert.Len(t, enc.InputIDs, DefaultMaxLength, n)
		assert.Equal(t, min(n+2, DefaultMaxLength), enc.Len(), n)
		assert.Equal(t, w.SepToken(), enc.InputIDs[enc.Len()-1], n)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	w, err := Load(writeVocab(t), DefaultMaxLength)
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "saved")
	require.NoError(t, w.Save(out))
	for _, name := range []string{VocabFile, ConfigFile, SpecialTokensFile} {
		assert.FileExists(t, filepath.Join(out, name))
	}

	cfg, err := ReadConfig(out)
	require.NoError(t, err)
	assert.True(t, cfg.DoLowerCase)
	assert.Equal(t, "BertTokenizer", cfg.TokenizerClass)

	reloaded, err := Load(out, DefaultMaxLength)
	require.NoError(t, err)
	assert.Equal(t, w.VocabSize(), reloaded.VocabSize())

	want, err := w.Encode("you hate this")
	require.NoError(t, err)
	got, err := reloaded.Encode("you hate this")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(t.TempDir(), DefaultMaxLength)
	require.ErrorIs(t, err, ErrNoVocab)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, VocabFile), []byte("[UNK]\nhello\n"), 0o600))
	_, err = Load(dir, DefaultMaxLength)
	require.ErrorIs(t, err, ErrMissingSpecialToken)

	_, err = Load(writeVocab(t), 1)
	require.Error(t, err)
}
