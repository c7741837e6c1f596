package bert

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/born-ml/born/loader"
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/rs/zerolog"

	"github.com/born-ml/safechat/internal/safetensors"
)

// ErrShapeMismatch is returned when a checkpoint tensor does not fit its parameter.
var ErrShapeMismatch = errors.New("bert: shape mismatch")

// ErrMissingWeights is returned when encoder weights are absent from a checkpoint.
var ErrMissingWeights = errors.New("bert: missing weights")

// NamedParameter pairs a parameter with its HuggingFace state-dict key.
type NamedParameter[B tensor.Backend] struct {
	Name  string
	Param *nn.Parameter[B]
}

// NamedParameters returns every trainable parameter in a stable order.
func (m *ForSequenceClassification[B]) NamedParameters() []NamedParameter[B] {
	var out []NamedParameter[B]
	add := func(name string, p *nn.Parameter[B]) {
		if p != nil {
			out = append(out, NamedParameter[B]{Name: name, Param: p})
		}
	}
	linear := func(prefix string, l *nn.Linear[B]) {
		add(prefix+".weight", l.Weight())
		add(prefix+".bias", l.Bias())
	}
	norm := func(prefix string, l *nn.LayerNorm[B]) {
		add(prefix+".weight", l.Gamma)
		add(prefix+".bias", l.Beta)
	}

	add("bert.embeddings.word_embeddings.weight", m.wordEmb.Weight)
	add("bert.embeddings.position_embeddings.weight", m.posEmb.Weight)
	add("bert.embeddings.token_type_embeddings.weight", m.typeEmb.Weight)
	norm("bert.embeddings.LayerNorm", m.embNorm)
	for i, l := range m.layers {
		p := "bert.encoder.layer." + strconv.Itoa(i)
		linear(p+".attention.self.query", l.attn.WQ)
		linear(p+".attention.self.key", l.attn.WK)
		linear(p+".attention.self.value", l.attn.WV)
		linear(p+".attention.output.dense", l.attn.WO)
		norm(p+".attention.output.LayerNorm", l.attnNorm)
		linear(p+".intermediate.dense", l.intermediate)
		linear(p+".output.dense", l.output)
		norm(p+".output.LayerNorm", l.outNorm)
	}
	linear("bert.pooler.dense", m.pooler)
	linear("classifier", m.classifier)
	return out
}

// Parameters returns all trainable parameters.
func (m *ForSequenceClassification[B]) Parameters() []*nn.Parameter[B] {
	named := m.NamedParameters()
	params := make([]*nn.Parameter[B], len(named))
	for i, np := range named {
		params[i] = np.Param
	}
	return params
}

// StateDict returns the raw tensors keyed by HuggingFace names.
func (m *ForSequenceClassification[B]) StateDict() map[string]*tensor.RawTensor {
	named := m.NamedParameters()
	sd := make(map[string]*tensor.RawTensor, len(named))
	for _, np := range named {
		sd[np.Name] = np.Param.Tensor().Raw()
	}
	return sd
}

// LoadStateDict copies matching tensors into the parameters in place and
// returns the keys it could not find. Legacy gamma/beta LayerNorm names and
// checkpoints without the "bert." prefix are accepted.
func (m *ForSequenceClassification[B]) LoadStateDict(sd map[string]*tensor.RawTensor) ([]string, error) {
	var missing []string
	for _, np := range m.NamedParameters() {
		src, ok := lookup(sd, np.Name)
		if !ok {
			missing = append(missing, np.Name)
			continue
		}
		dst := np.Param.Tensor().Raw()
		if !src.Shape().Equal(dst.Shape()) {
			return nil, fmt.Errorf("%w: %s: checkpoint %v, model %v", ErrShapeMismatch, np.Name, src.Shape(), dst.Shape())
		}
		if src.DType() != tensor.Float32 {
			return nil, fmt.Errorf("bert: %s: unsupported dtype %v", np.Name, src.DType())
		}
		copy(dst.AsFloat32(), src.AsFloat32())
	}
	return missing, nil
}

func lookup(sd map[string]*tensor.RawTensor, name string) (*tensor.RawTensor, bool) {
	candidates := []string{name, strings.TrimPrefix(name, "bert.")}
	if strings.Contains(name, "LayerNorm.") {
		legacy := strings.NewReplacer("LayerNorm.weight", "LayerNorm.gamma", "LayerNorm.bias", "LayerNorm.beta").Replace(name)
		candidates = append(candidates, legacy, strings.TrimPrefix(legacy, "bert."))
	}
	for _, c := range candidates {
		if raw, ok := sd[c]; ok {
			return raw, true
		}
	}
	return nil, false
}

// FromPretrained loads config.json and model.safetensors from dir.
//
// When labels is non-empty the classifier is sized for them. A checkpoint
// without pooler or classifier weights (a bare encoder) keeps the random
// initialization for those layers and logs a warning; any other missing key
// is an error.
func FromPretrained[B tensor.Backend](dir string, labels []string, rng *rand.Rand, backend B, log zerolog.Logger) (*ForSequenceClassification[B], error) {
	cfg, err := LoadConfig(dir)
	if err != nil {
		return nil, err
	}
	if len(labels) > 0 {
		cfg = cfg.WithLabels(labels)
	}
	model, err := New(cfg, rng, backend)
	if err != nil {
		return nil, err
	}

	sd, err := readStateDict(filepath.Join(dir, WeightsFile), backend)
	if err != nil {
		return nil, err
	}

	missing, err := model.LoadStateDict(sd)
	if err != nil {
		return nil, err
	}
	var fresh, absent []string
	for _, name := range missing {
		if strings.HasPrefix(name, "classifier.") || strings.HasPrefix(name, "bert.pooler.") {
			fresh = append(fresh, name)
		} else {
			absent = append(absent, name)
		}
	}
	if len(absent) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingWeights, strings.Join(absent, ", "))
	}
	if len(fresh) > 0 {
		log.Warn().Strs("keys", fresh).Msg("some weights were newly initialized; fine-tune before use")
	}
	return model, nil
}

// LoadWeights replaces every parameter with the tensors of a safetensors
// file written by SavePretrained.
func (m *ForSequenceClassification[B]) LoadWeights(path string) error {
	sd, err := readStateDict(path, m.backend)
	if err != nil {
		return err
	}
	missing, err := m.LoadStateDict(sd)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingWeights, strings.Join(missing, ", "))
	}
	return nil
}

func readStateDict(path string, backend tensor.Backend) (map[string]*tensor.RawTensor, error) {
	reader, err := loader.OpenModel(path)
	if err != nil {
		return nil, fmt.Errorf("bert: open weights: %w", err)
	}
	defer reader.Close()

	sd := make(map[string]*tensor.RawTensor)
	for _, name := range reader.TensorNames() {
		if strings.HasSuffix(name, "position_ids") {
			continue
		}
		raw, err := reader.LoadTensor(name, backend)
		if err != nil {
			return nil, fmt.Errorf("bert: load %s: %w", name, err)
		}
		sd[name] = raw
	}
	return sd, nil
}

// SavePretrained writes config.json and model.safetensors into dir.
func (m *ForSequenceClassification[B]) SavePretrained(dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("bert: create %s: %w", dir, err)
	}
	if err := m.Config.Save(dir); err != nil {
		return err
	}
	return safetensors.WriteFile(filepath.Join(dir, WeightsFile), m.StateDict(), map[string]string{"format": "pt"})
}
