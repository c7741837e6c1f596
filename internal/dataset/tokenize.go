package dataset

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/sourcegraph/conc/pool"

	"github.com/born-ml/safechat/internal/tokenizer"
)

// Tokenized holds encoded examples in their original order.
type Tokenized struct {
	Encodings []tokenizer.Encoding
	Labels    []int32
}

// Len returns the number of examples.
func (t *Tokenized) Len() int { return len(t.Labels) }

// Subset returns the examples at indices, in that order.
func (t *Tokenized) Subset(indices []int) *Tokenized {
	out := &Tokenized{
		Encodings: make([]tokenizer.Encoding, len(indices)),
		Labels:    make([]int32, len(indices)),
	}
	for i, idx := range indices {
		out.Encodings[i] = t.Encodings[idx]
		out.Labels[i] = t.Labels[idx]
	}
	return out
}

// Tokenize encodes every example with tok using up to workers goroutines.
// Results keep the input order.
func Tokenize(ctx context.Context, examples []Example, tok tokenizer.Tokenizer, workers int) (*Tokenized, error) {
	out := &Tokenized{
		Encodings: make([]tokenizer.Encoding, len(examples)),
		Labels:    make([]int32, len(examples)),
	}
	p := pool.New().WithMaxGoroutines(max(1, workers)).WithContext(ctx).WithCancelOnError()
	for i, ex := range examples {
		p.Go(func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			enc, err := tok.Encode(ex.Text)
			if err != nil {
				return fmt.Errorf("example %d: %w", i, err)
			}
			out.Encodings[i] = enc
			out.Labels[i] = int32(ex.Label)
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Split shuffles indices with seed and returns (train, eval), eval holding
// ceil(n * testSize) examples.
func Split(data *Tokenized, testSize float64, seed uint64) (*Tokenized, *Tokenized, error) {
	n := data.Len()
	nEval := int(math.Ceil(float64(n) * testSize))
	if testSize <= 0 || testSize >= 1 || nEval < 1 || nEval >= n {
		return nil, nil, fmt.Errorf("dataset: cannot split %d examples with test size %g", n, testSize)
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	perm := rng.Perm(n)
	return data.Subset(perm[nEval:]), data.Subset(perm[:nEval]), nil
}
