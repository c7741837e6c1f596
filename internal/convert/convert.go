// Package convert turns a fine-tuned checkpoint into a mobile package by
// tracing one forward pass of the probability-wrapped model into ONNX.
package convert

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"strings"

	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"
	"github.com/rs/zerolog"

	"github.com/born-ml/safechat/internal/bert"
	"github.com/born-ml/safechat/internal/head"
	"github.com/born-ml/safechat/internal/mobile"
	"github.com/born-ml/safechat/internal/onnx"
	"github.com/born-ml/safechat/internal/tokenizer"
	"github.com/born-ml/safechat/internal/trace"
)

// Exported graph format.
const (
	IRVersion    = 7
	OpsetVersion = 13
	Producer     = "safechat"
	GraphName    = "safechat_classifier"
)

// DefaultSampleText fixes the traced input shape. Its content does not
// matter because every encoding is padded to the same length.
const DefaultSampleText = "I like"

// ErrInvalidOptions is returned by Options.Validate.
var ErrInvalidOptions = errors.New("convert: invalid options")

// Options configures a conversion.
type Options struct {
	ModelDir        string         `mapstructure:"model_dir"   json:"model_dir"`
	Output          string         `mapstructure:"output"      json:"output"`
	SampleText      string         `mapstructure:"sample_text" json:"sample_text"`
	MaxLength       int            `mapstructure:"max_length"  json:"max_length"`
	Package         mobile.Options `mapstructure:"package"     json:"package"`
	ProducerVersion string         `mapstructure:"-"           json:"-"`
}

// DefaultOptions reads ./fine-tuned-model and writes FineTunedBERT.mlpkg.
func DefaultOptions() Options {
	return Options{
		ModelDir:   "fine-tuned-model",
		Output:     mobile.DefaultPath,
		SampleText: DefaultSampleText,
		MaxLength:  tokenizer.DefaultMaxLength,
		Package:    mobile.DefaultOptions(),
	}
}

// Validate reports missing or out-of-range fields.
func (o Options) Validate() error {
	switch {
	case o.ModelDir == "":
		return fmt.Errorf("%w: model dir is required", ErrInvalidOptions)
	case o.Output == "":
		return fmt.Errorf("%w: output is required", ErrInvalidOptions)
	case o.MaxLength < 2:
		return fmt.Errorf("%w: max length must fit [CLS] and [SEP]", ErrInvalidOptions)
	case contains(o.Output, o.ModelDir):
		return fmt.Errorf("%w: output would replace the model dir", ErrInvalidOptions)
	}
	return nil
}

// contains reports whether dir is path or one of its ancestors.
func contains(dir, path string) bool {
	d, err := filepath.Abs(dir)
	if err != nil {
		return true
	}
	p, err := filepath.Abs(path)
	if err != nil {
		return true
	}
	rel, err := filepath.Rel(d, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// Result describes a written package.
type Result struct {
	Package       *mobile.Package
	Nodes         int
	Initializers  int
	Ops           map[string]int
	SampleProbs   []float32
	SampleEncoded tokenizer.Encoding
}

// Run converts opts.ModelDir into a package at opts.Output. Any existing
// file or directory at the output path is removed first.
func Run(ctx context.Context, opts Options, log zerolog.Logger) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	tok, err := tokenizer.Load(opts.ModelDir, opts.MaxLength)
	if err != nil {
		return nil, fmt.Errorf("convert: load tokenizer: %w", err)
	}
	tb := trace.New(cpu.New())
	// The rng only seeds layers the checkpoint lacks, which FromPretrained
	// reports; a fine-tuned checkpoint has none.
	model, err := bert.FromPretrained(opts.ModelDir, nil, rand.New(rand.NewPCG(0, 0)), tb, log)
	if err != nil {
		return nil, fmt.Errorf("convert: load model: %w", err)
	}
	for _, np := range model.NamedParameters() {
		tb.NameTensor(np.Param.Tensor().Raw(), np.Name)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	enc, err := tok.Encode(opts.SampleText)
	if err != nil {
		return nil, fmt.Errorf("convert: tokenize sample: %w", err)
	}
	seq := tok.MaxLength()
	ids, err := tensor.FromSlice(enc.InputIDs, tensor.Shape{1, seq}, tb)
	if err != nil {
		return nil, fmt.Errorf("convert: input ids: %w", err)
	}
	mask, err := tensor.FromSlice(enc.AttentionMask, tensor.Shape{1, seq}, tb)
	if err != nil {
		return nil, fmt.Errorf("convert: attention mask: %w", err)
	}

	log.Info().Str("model_dir", opts.ModelDir).Int("max_length", seq).Msg("tracing model")
	wrapped := head.New[*trace.Backend[*cpu.Backend]](model)
	var probs []float32
	err = tb.Run(func() error {
		tb.Input(mobile.InputIDs, ids.Raw())
		tb.Input(mobile.AttentionMask, mask.Raw())
		out := wrapped.Forward(ids, mask)
		tb.Output(mobile.Probabilities, out.Raw())
		probs = append(probs, out.Data()...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("convert: trace: %w", err)
	}
	graph, err := tb.Graph(GraphName)
	if err != nil {
		return nil, fmt.Errorf("convert: trace: %w", err)
	}

	labels := model.Config.Labels()
	proto := &onnx.ModelProto{
		IRVersion:       IRVersion,
		OpsetImport:     []onnx.OperatorSetID{{Version: OpsetVersion}},
		ProducerName:    Producer,
		ProducerVersion: opts.ProducerVersion,
		DocString:       "BERT sequence classifier with a softmax probability head",
		Graph:           graph,
		MetadataProps: []onnx.StringStringEntry{
			{Key: "labels", Value: strings.Join(labels, ",")},
			{Key: "source", Value: opts.ModelDir},
		},
	}
	data, err := onnx.Marshal(proto)
	if err != nil {
		return nil, fmt.Errorf("convert: encode: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	manifest := mobile.NewManifest(opts.Package, labels, seq)
	manifest.IRVersion = IRVersion
	manifest.OpsetVersion = OpsetVersion
	manifest.Source = opts.ModelDir
	manifest.SampleText = opts.SampleText
	manifest.Lowercase = tok.Lowercase()
	pkg, err := mobile.Write(opts.Output, manifest, data, tok)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("package", pkg.Dir).
		Str("id", pkg.Manifest.ID).
		Int("nodes", len(graph.Nodes)).
		Int("initializers", len(graph.Initializers)).
		Int("bytes", len(data)).
		Msg("Model conversion complete!!!")

	return &Result{
		Package:       pkg,
		Nodes:         len(graph.Nodes),
		Initializers:  len(graph.Initializers),
		Ops:           onnx.OpCounts(graph),
		SampleProbs:   probs,
		SampleEncoded: enc,
	}, nil
}
