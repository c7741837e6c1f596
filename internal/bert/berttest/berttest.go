// Package berttest writes tiny randomly initialized BERT checkpoints for tests.
package berttest

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/born-ml/born/backend/cpu"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/safechat/internal/bert"
	"github.com/born-ml/safechat/internal/tokenizer"
)

// Vocab is the vocabulary of the tiny checkpoint.
var Vocab = []string{
	"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]",
	"i", "like", "you", "are", "great", "hate", "the", "movie", "a", "bad",
	"good", "idiot", "have", "nice", "day", "hello", "there", "go", "away",
	"loser", "thanks", "friend", "see", "soon", "shut", "up", "will", "hurt",
	"nobody", "likes", "work", "today", "an", "##s", "##ing", ".", ",", "!",
}

// Config returns the tiny model configuration.
func Config() bert.Config {
	return bert.Config{
		VocabSize:             len(Vocab),
		HiddenSize:            16,
		NumHiddenLayers:       1,
		NumAttentionHeads:     2,
		IntermediateSize:      32,
		MaxPositionEmbeddings: tokenizer.DefaultMaxLength,
	}.WithLabels([]string{"unsafe", "safe"})
}

// WriteCheckpoint writes config.json, model.safetensors and the tokenizer
// files of a random tiny model into a new temporary directory.
func WriteCheckpoint(t testing.TB, seed uint64) string {
	t.Helper()
	dir := t.TempDir()
	model, err := bert.New(Config(), rand.New(rand.NewPCG(seed, seed+1)), cpu.New())
	require.NoError(t, err)
	require.NoError(t, model.SavePretrained(dir))

	vocabPath := filepath.Join(dir, tokenizer.VocabFile)
	require.NoError(t, os.WriteFile(vocabPath, []byte(strings.Join(Vocab, "\n")+"\n"), 0o600))
	tok, err := tokenizer.NewFromVocab(vocabPath, tokenizer.DefaultMaxLength, true)
	require.NoError(t, err)
	require.NoError(t, tok.Save(dir))
	return dir
}

// CSV is a ten-row labeled dataset covering the tiny vocabulary.
const CSV = `text,label
hello there,1
you are an idiot,0
have a nice day,1
I will hurt you,0
"thanks, friend",1
go away loser,0
see you soon,1
nobody likes you,0
great work today,1
shut up,0
`

// WriteCSV writes CSV into a new temporary file and returns its path.
func WriteCSV(t testing.TB) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dataset.csv")
	require.NoError(t, os.WriteFile(path, []byte(CSV), 0o600))
	return path
}
