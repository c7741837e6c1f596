package tokenizer

// DefaultMaxLength is the fixed sequence length of every encoding.
const DefaultMaxLength = 64

// Tokenizer is the core interface for fixed-length text tokenization.
//
// Every Encoding it returns has exactly MaxLength ids and mask values.
type Tokenizer interface {
	// Encode converts text to padded/truncated model inputs.
	Encode(text string) (Encoding, error)

	// MaxLength returns the fixed encoding length.
	MaxLength() int

	// VocabSize returns the total vocabulary size.
	VocabSize() int

	// PadToken returns the padding token ID.
	PadToken() int32
}

// Encoding is one tokenized text.
type Encoding struct {
	InputIDs      []int32
	AttentionMask []int32
}

// Len returns the number of non-padding tokens.
func (e Encoding) Len() int {
	n := 0
	for _, m := range e.AttentionMask {
		if m != 0 {
			n++
		}
	}
	return n
}
