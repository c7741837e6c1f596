package tokenizer

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	tk "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/model/wordpiece"
	"github.com/sugarme/tokenizer/normalizer"
	"github.com/sugarme/tokenizer/pretokenizer"
	"github.com/sugarme/tokenizer/processor"
)

// Special tokens of BERT vocabularies.
const (
	ClsToken  = "[CLS]"
	SepToken  = "[SEP]"
	PadToken  = "[PAD]"
	UnkToken  = "[UNK]"
	MaskToken = "[MASK]"
)

// VocabFile is the WordPiece vocabulary file name.
const VocabFile = "vocab.txt"

var (
	// ErrNoVocab is returned when a directory has no vocab.txt.
	ErrNoVocab = errors.New("tokenizer: vocab.txt not found")
	// ErrMissingSpecialToken is returned when the vocabulary lacks [CLS], [SEP] or [PAD].
	ErrMissingSpecialToken = errors.New("tokenizer: special token missing from vocabulary")
)

// WordPiece is a BERT tokenizer producing fixed-length encodings.
type WordPiece struct {
	t         *tk.Tokenizer
	vocab     []string
	maxLength int
	lowercase bool

	cls, sep, pad int32
}

var _ Tokenizer = (*WordPiece)(nil)

// Load reads vocab.txt and tokenizer_config.json (optional) from dir.
func Load(dir string, maxLength int) (*WordPiece, error) {
	cfg, err := ReadConfig(dir)
	if err != nil {
		return nil, err
	}
	return NewFromVocab(filepath.Join(dir, VocabFile), maxLength, cfg.DoLowerCase)
}

// NewFromVocab builds a WordPiece tokenizer from a vocab.txt file.
func NewFromVocab(vocabPath string, maxLength int, lowercase bool) (*WordPiece, error) {
	if maxLength < 2 {
		return nil, fmt.Errorf("tokenizer: max length %d leaves no room for [CLS] and [SEP]", maxLength)
	}
	vocab, err := readVocab(vocabPath)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]int32, len(vocab))
	for i, tok := range vocab {
		ids[tok] = int32(i)
	}
	w := &WordPiece{vocab: vocab, maxLength: maxLength, lowercase: lowercase}
	for _, s := range []struct {
		name string
		dst  *int32
	}{{ClsToken, &w.cls}, {SepToken, &w.sep}, {PadToken, &w.pad}} {
		id, ok := ids[s.name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingSpecialToken, s.name)
		}
		*s.dst = id
	}

	wp, err := wordpiece.NewWordPieceFromFile(vocabPath, UnkToken)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: load wordpiece model: %w", err)
	}
	t := tk.NewTokenizer(wp)
	t.WithNormalizer(normalizer.NewBertNormalizer(true, lowercase, true, lowercase))
	t.WithPreTokenizer(pretokenizer.NewBertPreTokenizer())
	t.WithPostProcessor(processor.NewBertProcessing(
		processor.PostToken{Value: SepToken, Id: int(w.sep)},
		processor.PostToken{Value: ClsToken, Id: int(w.cls)},
	))
	t.WithTruncation(&tk.TruncationParams{MaxLength: maxLength, Strategy: tk.OnlyFirst})
	w.t = t
	return w, nil
}

// Encode tokenizes text to exactly MaxLength ids with a matching mask.
func (w *WordPiece) Encode(text string) (Encoding, error) {
	enc, err := w.t.Encode(tk.NewSingleEncodeInput(tk.NewInputSequence(text)), true)
	if err != nil {
		return Encoding{}, fmt.Errorf("tokenizer: encode: %w", err)
	}
	raw := enc.GetIds()

	out := Encoding{
		InputIDs:      make([]int32, w.maxLength),
		AttentionMask: make([]int32, w.maxLength),
	}
	n := len(raw)
	if n > w.maxLength {
		n = w.maxLength
	}
	for i := 0; i < n; i++ {
		out.InputIDs[i] = int32(raw[i])
		out.AttentionMask[i] = 1
	}
	// Truncated sequences still end with [SEP].
	if len(raw) > w.maxLength {
		out.InputIDs[w.maxLength-1] = w.sep
	}
	for i := n; i < w.maxLength; i++ {
		out.InputIDs[i] = w.pad
	}
	return out, nil
}

// MaxLength returns the fixed encoding length.
func (w *WordPiece) MaxLength() int { return w.maxLength }

// VocabSize returns the vocabulary size.
func (w *WordPiece) VocabSize() int { return len(w.vocab) }

// PadToken returns the [PAD] id.
func (w *WordPiece) PadToken() int32 { return w.pad }

// ClsToken returns the [CLS] id.
func (w *WordPiece) ClsToken() int32 { return w.cls }

// SepToken returns the [SEP] id.
func (w *WordPiece) SepToken() int32 { return w.sep }

// Lowercase reports whether input is lowercased before lookup.
func (w *WordPiece) Lowercase() bool { return w.lowercase }

func readVocab(path string) ([]string, error) {
	//nolint:gosec // Vocabulary path comes from the model directory.
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoVocab, path)
		}
		return nil, fmt.Errorf("tokenizer: open vocab: %w", err)
	}
	defer f.Close()

	var vocab []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		// Line number is the token id, so blank lines are kept.
		vocab = append(vocab, strings.TrimRight(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("tokenizer: read vocab: %w", err)
	}
	return vocab, nil
}
