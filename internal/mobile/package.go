// Package mobile reads and writes the on-device model package: a directory
// holding an ONNX graph, the tokenizer vocabulary and a JSON manifest that
// describes the fixed tensor contract the app relies on.
package mobile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/born-ml/safechat/internal/safetensors"
)

// Package layout.
const (
	FormatVersion = 1
	ManifestFile  = "manifest.json"
	ModelFile     = "model.onnx"
	VocabFile     = "vocab.txt"
	Runtime       = "onnxruntime"
	DefaultName   = "FineTunedBERT"
	DefaultPath   = DefaultName + ".mlpkg"
)

// Tensor contract names.
const (
	InputIDs      = "input_ids"
	AttentionMask = "attention_mask"
	Probabilities = "probabilities"
)

// ErrInvalidPackage is returned when a package directory is incomplete or
// its manifest is inconsistent.
var ErrInvalidPackage = errors.New("mobile: invalid package")

// TensorSpec describes one graph input or output.
type TensorSpec struct {
	Name  string `json:"name"`
	DType string `json:"dtype"`
	Shape []int  `json:"shape"`
}

// Options are the deployment settings recorded in the manifest.
type Options struct {
	Name                    string `mapstructure:"name"                      json:"name"`
	MinimumDeploymentTarget string `mapstructure:"minimum_deployment_target" json:"minimum_deployment_target"`
	ComputePrecision        string `mapstructure:"compute_precision"         json:"compute_precision"`
	ComputeUnits            string `mapstructure:"compute_units"             json:"compute_units"`
}

// DefaultOptions targets iOS 15 with float32 precision on all compute units.
func DefaultOptions() Options {
	return Options{
		Name:                    DefaultName,
		MinimumDeploymentTarget: "iOS15",
		ComputePrecision:        "float32",
		ComputeUnits:            "all",
	}
}

// Manifest is the content of manifest.json.
type Manifest struct {
	FormatVersion           int          `json:"format_version"`
	ID                      string       `json:"id"`
	Name                    string       `json:"name"`
	Created                 time.Time    `json:"created"`
	Runtime                 string       `json:"runtime"`
	ModelFile               string       `json:"model_file"`
	ModelSHA256             string       `json:"model_sha256"`
	IRVersion               int64        `json:"ir_version"`
	OpsetVersion            int64        `json:"opset_version"`
	MinimumDeploymentTarget string       `json:"minimum_deployment_target"`
	ComputePrecision        string       `json:"compute_precision"`
	ComputeUnits            string       `json:"compute_units"`
	Inputs                  []TensorSpec `json:"inputs"`
	Outputs                 []TensorSpec `json:"outputs"`
	Labels                  []string     `json:"labels"`
	MaxLength               int          `json:"max_length"`
	Lowercase               bool         `json:"do_lower_case"`
	Source                  string       `json:"source,omitempty"`
	SampleText              string       `json:"sample_text,omitempty"`
}

// NewManifest returns a manifest for a classifier over maxLength tokens with
// one probability per label. The id is random and the model digest is
// filled in by Write.
func NewManifest(opts Options, labels []string, maxLength int) Manifest {
	return Manifest{
		FormatVersion:           FormatVersion,
		ID:                      uuid.NewString(),
		Name:                    opts.Name,
		Created:                 time.Now().UTC().Truncate(time.Second),
		Runtime:                 Runtime,
		ModelFile:               ModelFile,
		MinimumDeploymentTarget: opts.MinimumDeploymentTarget,
		ComputePrecision:        opts.ComputePrecision,
		ComputeUnits:            opts.ComputeUnits,
		Inputs: []TensorSpec{
			{Name: InputIDs, DType: "int32", Shape: []int{1, maxLength}},
			{Name: AttentionMask, DType: "int32", Shape: []int{1, maxLength}},
		},
		Outputs: []TensorSpec{
			{Name: Probabilities, DType: "float32", Shape: []int{1, len(labels)}},
		},
		Labels:    labels,
		MaxLength: maxLength,
		Lowercase: true,
	}
}

// Validate checks the manifest against the tensor contract.
func (m *Manifest) Validate() error {
	switch {
	case m.FormatVersion != FormatVersion:
		return fmt.Errorf("%w: format version %d", ErrInvalidPackage, m.FormatVersion)
	case m.Runtime != Runtime:
		return fmt.Errorf("%w: runtime %q", ErrInvalidPackage, m.Runtime)
	case m.ModelFile == "" || filepath.Base(m.ModelFile) != m.ModelFile:
		return fmt.Errorf("%w: model file %q", ErrInvalidPackage, m.ModelFile)
	case m.MaxLength < 2:
		return fmt.Errorf("%w: max length %d", ErrInvalidPackage, m.MaxLength)
	case len(m.Labels) < 2:
		return fmt.Errorf("%w: need at least two labels", ErrInvalidPackage)
	}
	if len(m.Inputs) != 2 || m.Inputs[0].Name != InputIDs || m.Inputs[1].Name != AttentionMask {
		return fmt.Errorf("%w: inputs must be %s and %s", ErrInvalidPackage, InputIDs, AttentionMask)
	}
	for _, in := range m.Inputs {
		if in.DType != "int32" || len(in.Shape) != 2 || in.Shape[0] != 1 || in.Shape[1] != m.MaxLength {
			return fmt.Errorf("%w: input %s must be int32 [1,%d]", ErrInvalidPackage, in.Name, m.MaxLength)
		}
	}
	if len(m.Outputs) != 1 || m.Outputs[0].Name != Probabilities {
		return fmt.Errorf("%w: output must be %s", ErrInvalidPackage, Probabilities)
	}
	out := m.Outputs[0]
	if out.DType != "float32" || len(out.Shape) != 2 || out.Shape[0] != 1 || out.Shape[1] != len(m.Labels) {
		return fmt.Errorf("%w: output %s must be float32 [1,%d]", ErrInvalidPackage, out.Name, len(m.Labels))
	}
	return nil
}

// VocabWriter writes a tokenizer vocabulary file.
type VocabWriter interface {
	CopyVocab(path string) error
}

// Package is an opened package directory.
type Package struct {
	Dir      string
	Manifest Manifest
}

// ModelPath returns the path of the ONNX graph.
func (p *Package) ModelPath() string { return filepath.Join(p.Dir, p.Manifest.ModelFile) }

// VocabPath returns the path of the bundled vocabulary.
func (p *Package) VocabPath() string { return filepath.Join(p.Dir, VocabFile) }

// Write replaces whatever exists at dir with a new package. Nothing is
// rolled back if a later step fails.
func Write(dir string, m Manifest, model []byte, vocab VocabWriter) (*Package, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("mobile: remove %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("mobile: create %s: %w", dir, err)
	}

	m.ModelSHA256 = safetensors.Checksum(model)
	if err := os.WriteFile(filepath.Join(dir, m.ModelFile), model, 0o600); err != nil {
		return nil, fmt.Errorf("mobile: write model: %w", err)
	}
	if err := vocab.CopyVocab(filepath.Join(dir, VocabFile)); err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mobile: marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), data, 0o600); err != nil {
		return nil, fmt.Errorf("mobile: write manifest: %w", err)
	}
	return &Package{Dir: dir, Manifest: m}, nil
}

// Open reads the manifest of the package at dir and verifies the model digest.
func Open(dir string) (*Package, error) {
	//nolint:gosec // Package path is user-provided.
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s: no %s", ErrInvalidPackage, dir, ManifestFile)
		}
		return nil, fmt.Errorf("mobile: read manifest: %w", err)
	}
	p := &Package{Dir: dir}
	if err := json.Unmarshal(data, &p.Manifest); err != nil {
		return nil, fmt.Errorf("%w: manifest: %v", ErrInvalidPackage, err)
	}
	if err := p.Manifest.Validate(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(p.VocabPath()); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPackage, VocabFile, err)
	}
	if err := safetensors.VerifyFile(p.ModelPath(), p.Manifest.ModelSHA256); err != nil {
		return nil, fmt.Errorf("mobile: %w", err)
	}
	return p, nil
}
