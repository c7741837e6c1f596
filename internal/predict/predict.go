// Package predict classifies chat messages with a converted package or a
// fine-tuned checkpoint, after a keyword guardrail.
package predict

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/born-ml/safechat/internal/mobile"
	"github.com/born-ml/safechat/internal/tokenizer"
)

// Messages shown to the user.
const (
	SafeMessage      = "This is a safe reply!"
	BlockedMessage   = "Input blocked for safety reasons..."
	ProfanityMessage = "Input contains inappropriate language."
)

// Engine names accepted by Options.Engine.
const (
	EngineAuto        = "auto"
	EngineONNXRuntime = "onnxruntime"
	EngineNative      = "native"
	EngineEager       = "eager"
)

// ErrUnknownEngine is returned for an unrecognized engine name.
var ErrUnknownEngine = errors.New("predict: unknown engine")

// Options selects the model and engine.
type Options struct {
	// Model is a package directory or a checkpoint directory.
	Model         string   `mapstructure:"model"          json:"model"`
	Engine        string   `mapstructure:"engine"         json:"engine"`
	SharedLibrary string   `mapstructure:"shared_library" json:"shared_library"`
	BlockedWords  []string `mapstructure:"blocked_words"  json:"blocked_words"`
}

// DefaultOptions predicts with the default package, choosing the engine
// automatically.
func DefaultOptions() Options {
	return Options{
		Model:        mobile.DefaultPath,
		Engine:       EngineAuto,
		BlockedWords: DefaultBlockedWords,
	}
}

// Verdict is the outcome for one message.
type Verdict struct {
	Text          string    `json:"text"`
	Label         string    `json:"label,omitempty"`
	Safe          bool      `json:"safe"`
	Blocked       bool      `json:"blocked"`
	Matched       string    `json:"matched,omitempty"`
	Probabilities []float32 `json:"probabilities,omitempty"`
	Message       string    `json:"message"`
}

// Predictor ties a tokenizer, an engine and a guardrail together.
type Predictor struct {
	tok    tokenizer.Tokenizer
	engine Engine
	guard  *Guardrail
	labels []string
}

// New returns a predictor over an already opened engine.
func New(tok tokenizer.Tokenizer, engine Engine, guard *Guardrail, labels []string) *Predictor {
	return &Predictor{tok: tok, engine: engine, guard: guard, labels: labels}
}

// Open loads opts.Model. A directory with a manifest is a package, run with
// ONNX Runtime when a shared library is configured and with the Go runner
// otherwise; anything else is loaded as a checkpoint and run eagerly.
func Open(opts Options, log zerolog.Logger) (*Predictor, error) {
	guard := NewGuardrail(opts.BlockedWords)

	if _, err := os.Stat(filepath.Join(opts.Model, mobile.ManifestFile)); err != nil {
		if opts.Engine != EngineAuto && opts.Engine != EngineEager && opts.Engine != "" {
			return nil, fmt.Errorf("predict: engine %s needs a package: %w", opts.Engine, err)
		}
		return openCheckpoint(opts.Model, guard, log)
	}

	pkg, err := mobile.Open(opts.Model)
	if err != nil {
		return nil, err
	}
	tok, err := tokenizer.NewFromVocab(pkg.VocabPath(), pkg.Manifest.MaxLength, pkg.Manifest.Lowercase)
	if err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}

	var engine Engine
	switch opts.Engine {
	case EngineAuto, "":
		if SharedLibraryPath(opts.SharedLibrary) != "" {
			engine, err = NewRuntime(pkg, opts.SharedLibrary)
		} else {
			engine, err = NewNative(pkg)
		}
	case EngineONNXRuntime:
		engine, err = NewRuntime(pkg, opts.SharedLibrary)
	case EngineNative:
		engine, err = NewNative(pkg)
	case EngineEager:
		if pkg.Manifest.Source == "" {
			return nil, fmt.Errorf("predict: package records no source checkpoint")
		}
		return openCheckpoint(pkg.Manifest.Source, guard, log)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, opts.Engine)
	}
	if err != nil {
		return nil, err
	}
	log.Debug().Str("package", pkg.Dir).Str("engine", engine.Name()).Msg("opened package")
	return New(tok, engine, guard, pkg.Manifest.Labels), nil
}

func openCheckpoint(dir string, guard *Guardrail, log zerolog.Logger) (*Predictor, error) {
	tok, err := tokenizer.Load(dir, tokenizer.DefaultMaxLength)
	if err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}
	engine, err := NewEager(dir, log)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("checkpoint", dir).Str("engine", engine.Name()).Msg("opened checkpoint")
	return New(tok, engine, guard, engine.labels), nil
}

// Engine returns the engine name.
func (p *Predictor) Engine() string { return p.engine.Name() }

// Close releases the engine.
func (p *Predictor) Close() error { return p.engine.Close() }

// Predict classifies text. A guardrail hit skips the model.
func (p *Predictor) Predict(ctx context.Context, text string) (Verdict, error) {
	v := Verdict{Text: text}
	if word, ok := p.guard.Match(text); ok {
		v.Blocked = true
		v.Matched = word
		v.Message = ProfanityMessage
		return v, nil
	}
	if err := ctx.Err(); err != nil {
		return v, err
	}

	enc, err := p.tok.Encode(text)
	if err != nil {
		return v, fmt.Errorf("predict: tokenize: %w", err)
	}
	probs, err := p.engine.Probabilities(enc)
	if err != nil {
		return v, err
	}
	if len(probs) < 2 {
		return v, fmt.Errorf("predict: expected 2 probabilities, got %d", len(probs))
	}
	v.Probabilities = probs
	v.Safe = probs[1] > probs[0]
	if v.Safe {
		v.Message = SafeMessage
		v.Label = label(p.labels, 1)
	} else {
		v.Blocked = true
		v.Message = BlockedMessage
		v.Label = label(p.labels, 0)
	}
	return v, nil
}

func label(labels []string, i int) string {
	if i < len(labels) {
		return labels[i]
	}
	return fmt.Sprint(i)
}
