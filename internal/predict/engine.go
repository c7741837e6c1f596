package predict

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"
	"github.com/rs/zerolog"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/born-ml/safechat/internal/bert"
	"github.com/born-ml/safechat/internal/head"
	"github.com/born-ml/safechat/internal/mobile"
	"github.com/born-ml/safechat/internal/onnx"
	"github.com/born-ml/safechat/internal/tokenizer"
)

// SharedLibraryEnv locates the ONNX Runtime shared library.
const SharedLibraryEnv = "ONNXRUNTIME_SHARED_LIBRARY_PATH"

// ErrNoRuntime is returned when ONNX Runtime is requested but no shared
// library path is configured.
var ErrNoRuntime = errors.New("predict: onnxruntime shared library not configured")

// Engine maps one encoding to class probabilities.
type Engine interface {
	Probabilities(enc tokenizer.Encoding) ([]float32, error)
	Name() string
	Close() error
}

// SharedLibraryPath returns the configured path, falling back to the
// environment.
func SharedLibraryPath(configured string) string {
	if configured != "" {
		return configured
	}
	return os.Getenv(SharedLibraryEnv)
}

var ortMu sync.Mutex

func initRuntime(lib string) error {
	ortMu.Lock()
	defer ortMu.Unlock()
	if ort.IsInitialized() {
		return nil
	}
	ort.SetSharedLibraryPath(lib)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("predict: init onnxruntime: %w", err)
	}
	return nil
}

// Runtime runs a package with ONNX Runtime.
type Runtime struct {
	session *ort.DynamicAdvancedSession
	seq     int
}

// NewRuntime opens a session over the package model. lib is the shared
// library path; empty means SharedLibraryEnv.
func NewRuntime(pkg *mobile.Package, lib string) (*Runtime, error) {
	lib = SharedLibraryPath(lib)
	if lib == "" {
		return nil, ErrNoRuntime
	}
	if err := initRuntime(lib); err != nil {
		return nil, err
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("predict: session options: %w", err)
	}
	defer opts.Destroy()
	if err := opts.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll); err != nil {
		return nil, fmt.Errorf("predict: session options: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(
		pkg.ModelPath(),
		[]string{mobile.InputIDs, mobile.AttentionMask},
		[]string{mobile.Probabilities},
		opts,
	)
	if err != nil {
		return nil, fmt.Errorf("predict: open session: %w", err)
	}
	return &Runtime{session: session, seq: pkg.Manifest.MaxLength}, nil
}

// Name implements Engine.
func (r *Runtime) Name() string { return "onnxruntime" }

// Probabilities implements Engine.
func (r *Runtime) Probabilities(enc tokenizer.Encoding) ([]float32, error) {
	if len(enc.InputIDs) != r.seq || len(enc.AttentionMask) != r.seq {
		return nil, fmt.Errorf("predict: encoding length %d, model expects %d", len(enc.InputIDs), r.seq)
	}
	shape := ort.NewShape(1, int64(r.seq))
	ids, err := ort.NewTensor(shape, enc.InputIDs)
	if err != nil {
		return nil, fmt.Errorf("predict: input ids: %w", err)
	}
	defer ids.Destroy()
	mask, err := ort.NewTensor(shape, enc.AttentionMask)
	if err != nil {
		return nil, fmt.Errorf("predict: attention mask: %w", err)
	}
	defer mask.Destroy()

	outs := []ort.Value{nil}
	if err := r.session.Run([]ort.Value{ids, mask}, outs); err != nil {
		return nil, fmt.Errorf("predict: run: %w", err)
	}
	defer outs[0].Destroy()
	probs, ok := outs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("predict: unexpected output %T", outs[0])
	}
	return append([]float32(nil), probs.GetData()...), nil
}

// Close releases the session. The process-wide environment stays up.
func (r *Runtime) Close() error {
	return r.session.Destroy()
}

// Native runs a package with the pure-Go graph runner on the CPU backend.
type Native struct {
	model *onnx.Model
	seq   int
}

// NewNative loads the package model.
func NewNative(pkg *mobile.Package) (*Native, error) {
	model, err := onnx.Load(pkg.ModelPath(), cpu.New())
	if err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}
	return &Native{model: model, seq: pkg.Manifest.MaxLength}, nil
}

// Name implements Engine.
func (n *Native) Name() string { return "native" }

// Probabilities implements Engine.
func (n *Native) Probabilities(enc tokenizer.Encoding) ([]float32, error) {
	ids, err := int32Input(enc.InputIDs, n.seq)
	if err != nil {
		return nil, err
	}
	mask, err := int32Input(enc.AttentionMask, n.seq)
	if err != nil {
		return nil, err
	}
	out, err := n.model.Run(map[string]*tensor.RawTensor{
		mobile.InputIDs:      ids,
		mobile.AttentionMask: mask,
	})
	if err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}
	return append([]float32(nil), out[mobile.Probabilities].AsFloat32()...), nil
}

// Close implements Engine.
func (n *Native) Close() error { return nil }

func int32Input(data []int32, seq int) (*tensor.RawTensor, error) {
	if len(data) != seq {
		return nil, fmt.Errorf("predict: encoding length %d, model expects %d", len(data), seq)
	}
	raw, err := tensor.NewRaw(tensor.Shape{1, seq}, tensor.Int32, tensor.CPU)
	if err != nil {
		return nil, err
	}
	copy(raw.AsInt32(), data)
	return raw, nil
}

type eagerBackend = *autodiff.Backend[*cpu.Backend]

// Eager runs a checkpoint directly on born's CPU backend. The autodiff
// wrapper supplies Tanh; its tape never records.
type Eager struct {
	model   *head.Probabilities[eagerBackend]
	backend eagerBackend
	labels  []string
}

// NewEager loads the checkpoint in dir.
func NewEager(dir string, log zerolog.Logger) (*Eager, error) {
	backend := autodiff.New(cpu.New())
	model, err := bert.FromPretrained(dir, nil, rand.New(rand.NewPCG(0, 0)), backend, log)
	if err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}
	return &Eager{
		model:   head.New[eagerBackend](model),
		backend: backend,
		labels:  model.Config.Labels(),
	}, nil
}

// Name implements Engine.
func (e *Eager) Name() string { return "eager" }

// Probabilities implements Engine.
func (e *Eager) Probabilities(enc tokenizer.Encoding) ([]float32, error) {
	seq := len(enc.InputIDs)
	ids, err := tensor.FromSlice(enc.InputIDs, tensor.Shape{1, seq}, e.backend)
	if err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}
	mask, err := tensor.FromSlice(enc.AttentionMask, tensor.Shape{1, seq}, e.backend)
	if err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}
	return e.model.Forward(ids, mask).Data(), nil
}

// Close implements Engine.
func (e *Eager) Close() error { return nil }
