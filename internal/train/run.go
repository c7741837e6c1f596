// Package train fine-tunes a pretrained BERT checkpoint into a binary
// safe/unsafe classifier and persists the best model with its tokenizer.
package train

import (
	"context"
	"fmt"
	"math/rand/v2"
	"runtime"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/tensor"
	"github.com/rs/zerolog"

	"github.com/born-ml/safechat/internal/bert"
	"github.com/born-ml/safechat/internal/dataset"
	"github.com/born-ml/safechat/internal/device"
	"github.com/born-ml/safechat/internal/hub"
	"github.com/born-ml/safechat/internal/tokenizer"
)

// Run executes the training pipeline: select a device, resolve and load the
// base model, prepare the dataset and fine-tune.
func Run(ctx context.Context, opts Options, log zerolog.Logger) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	kind, err := device.ParseKind(opts.Device)
	if err != nil {
		return nil, err
	}
	dev := device.Select(kind, log)
	defer dev.Close()
	backend := autodiff.New[tensor.Backend](dev.Backend)

	dir, err := hub.Resolve(ctx, opts.BaseModel, hub.Options{
		CacheDir: opts.CacheDir,
		Token:    opts.HFToken,
		Revision: opts.Revision,
	}, log)
	if err != nil {
		return nil, err
	}
	tok, err := tokenizer.Load(dir, opts.MaxLength)
	if err != nil {
		return nil, fmt.Errorf("train: load tokenizer: %w", err)
	}
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed))
	model, err := bert.FromPretrained(dir, dataset.Labels, rng, backend, log)
	if err != nil {
		return nil, fmt.Errorf("train: load model: %w", err)
	}

	train, eval, err := prepare(ctx, opts, tok)
	if err != nil {
		return nil, err
	}

	res, err := NewTrainer(model, tok, backend, opts, log).Train(ctx, train, eval)
	if err != nil {
		return nil, err
	}
	res.Device = string(dev.Kind)
	return res, nil
}

// prepare loads, tokenizes and splits the dataset.
func prepare(ctx context.Context, opts Options, tok tokenizer.Tokenizer) (train, eval *dataset.Tokenized, err error) {
	examples, err := dataset.LoadCSV(opts.Dataset, dataset.Columns{Text: opts.TextColumn, Label: opts.LabelColumn})
	if err != nil {
		return nil, nil, err
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	all, err := dataset.Tokenize(ctx, examples, tok, workers)
	if err != nil {
		return nil, nil, fmt.Errorf("train: tokenize: %w", err)
	}
	return dataset.Split(all, opts.TestSize, opts.Seed)
}
