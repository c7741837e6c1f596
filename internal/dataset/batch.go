package dataset

import (
	"fmt"
	"math/rand/v2"

	"github.com/born-ml/born/tensor"
)

// Batch holds model inputs for a mini-batch.
type Batch[B tensor.Backend] struct {
	InputIDs      *tensor.Tensor[int32, B] // [n, seq]
	AttentionMask *tensor.Tensor[int32, B] // [n, seq]
	Labels        *tensor.Tensor[int32, B] // [n]
	Size          int
}

// CreateBatches splits data into mini-batches. When rng is non-nil the order
// is shuffled first. The last batch may be smaller.
func CreateBatches[B tensor.Backend](data *Tokenized, batchSize int, rng *rand.Rand, backend B) ([]*Batch[B], error) {
	numSamples := data.Len()
	if batchSize <= 0 {
		return nil, fmt.Errorf("dataset: batch size must be positive, got %d", batchSize)
	}
	if numSamples == 0 {
		return nil, ErrEmptyDataset
	}

	indices := make([]int, numSamples)
	for i := range indices {
		indices[i] = i
	}
	if rng != nil {
		rng.Shuffle(numSamples, func(i, j int) { indices[i], indices[j] = indices[j], indices[i] })
	}

	seq := len(data.Encodings[0].InputIDs)
	batches := make([]*Batch[B], 0, NumBatches(numSamples, batchSize))
	for i := 0; i < numSamples; i += batchSize {
		end := min(i+batchSize, numSamples)
		n := end - i

		ids := make([]int32, 0, n*seq)
		mask := make([]int32, 0, n*seq)
		labels := make([]int32, 0, n)
		for _, idx := range indices[i:end] {
			enc := data.Encodings[idx]
			if len(enc.InputIDs) != seq || len(enc.AttentionMask) != seq {
				return nil, fmt.Errorf("dataset: example %d has length %d, want %d", idx, len(enc.InputIDs), seq)
			}
			ids = append(ids, enc.InputIDs...)
			mask = append(mask, enc.AttentionMask...)
			labels = append(labels, data.Labels[idx])
		}

		idsT, err := tensor.FromSlice(ids, tensor.Shape{n, seq}, backend)
		if err != nil {
			return nil, fmt.Errorf("failed to create input ids tensor: %w", err)
		}
		maskT, err := tensor.FromSlice(mask, tensor.Shape{n, seq}, backend)
		if err != nil {
			return nil, fmt.Errorf("failed to create attention mask tensor: %w", err)
		}
		labelsT, err := tensor.FromSlice(labels, tensor.Shape{n}, backend)
		if err != nil {
			return nil, fmt.Errorf("failed to create labels tensor: %w", err)
		}
		batches = append(batches, &Batch[B]{InputIDs: idsT, AttentionMask: maskT, Labels: labelsT, Size: n})
	}
	return batches, nil
}

// NumBatches returns ceil(n / batchSize).
func NumBatches(n, batchSize int) int {
	return (n + batchSize - 1) / batchSize
}
