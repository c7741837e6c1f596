package bert

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// File names of a HuggingFace checkpoint directory.
const (
	ConfigFile  = "config.json"
	WeightsFile = "model.safetensors"
)

// ErrInvalidConfig is returned for configurations the encoder cannot build.
var ErrInvalidConfig = errors.New("bert: invalid config")

// Config mirrors the fields of a HuggingFace BertConfig.
type Config struct {
	Architectures         []string          `json:"architectures,omitempty"`
	ModelType             string            `json:"model_type"`
	VocabSize             int               `json:"vocab_size"`
	HiddenSize            int               `json:"hidden_size"`
	NumHiddenLayers       int               `json:"num_hidden_layers"`
	NumAttentionHeads     int               `json:"num_attention_heads"`
	IntermediateSize      int               `json:"intermediate_size"`
	HiddenAct             string            `json:"hidden_act"`
	MaxPositionEmbeddings int               `json:"max_position_embeddings"`
	TypeVocabSize         int               `json:"type_vocab_size"`
	LayerNormEps          float64           `json:"layer_norm_eps"`
	InitializerRange      float64           `json:"initializer_range"`
	PadTokenID            int               `json:"pad_token_id"`
	ID2Label              map[string]string `json:"id2label,omitempty"`
	Label2ID              map[string]int    `json:"label2id,omitempty"`
	ProblemType           string            `json:"problem_type,omitempty"`
}

// NumLabels returns the classifier width implied by id2label (2 if unset).
func (c Config) NumLabels() int {
	if len(c.ID2Label) == 0 {
		return 2
	}
	return len(c.ID2Label)
}

// WithLabels sets the classification labels in id order.
func (c Config) WithLabels(labels []string) Config {
	c.ID2Label = make(map[string]string, len(labels))
	c.Label2ID = make(map[string]int, len(labels))
	for i, l := range labels {
		c.ID2Label[strconv.Itoa(i)] = l
		c.Label2ID[l] = i
	}
	c.Architectures = []string{"BertForSequenceClassification"}
	c.ProblemType = "single_label_classification"
	return c
}

// Labels returns label names ordered by id.
func (c Config) Labels() []string {
	labels := make([]string, c.NumLabels())
	for i := range labels {
		if l, ok := c.ID2Label[strconv.Itoa(i)]; ok {
			labels[i] = l
		} else {
			labels[i] = "LABEL_" + strconv.Itoa(i)
		}
	}
	return labels
}

// Validate checks the dimensions the encoder relies on.
func (c Config) Validate() error {
	switch {
	case c.VocabSize <= 0, c.HiddenSize <= 0, c.NumHiddenLayers <= 0,
		c.NumAttentionHeads <= 0, c.IntermediateSize <= 0, c.MaxPositionEmbeddings <= 0:
		return fmt.Errorf("%w: non-positive dimension", ErrInvalidConfig)
	case c.HiddenSize%c.NumAttentionHeads != 0:
		return fmt.Errorf("%w: hidden_size %d not divisible by %d heads", ErrInvalidConfig, c.HiddenSize, c.NumAttentionHeads)
	case c.HiddenAct != "" && c.HiddenAct != "gelu" && c.HiddenAct != "gelu_new" && c.HiddenAct != "gelu_pytorch_tanh":
		return fmt.Errorf("%w: unsupported hidden_act %q", ErrInvalidConfig, c.HiddenAct)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.ModelType == "" {
		c.ModelType = "bert"
	}
	if c.HiddenAct == "" {
		c.HiddenAct = "gelu"
	}
	if c.TypeVocabSize == 0 {
		c.TypeVocabSize = 2
	}
	if c.LayerNormEps == 0 {
		c.LayerNormEps = 1e-12
	}
	if c.InitializerRange == 0 {
		c.InitializerRange = 0.02
	}
}

// LoadConfig reads config.json from dir.
func LoadConfig(dir string) (Config, error) {
	//nolint:gosec // Model directory is user-provided.
	data, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		return Config{}, fmt.Errorf("bert: read config: %w", err)
	}
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("bert: parse config: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Save writes config.json into dir.
func (c Config) Save(dir string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("bert: marshal config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), data, 0o600); err != nil {
		return fmt.Errorf("bert: write config: %w", err)
	}
	return nil
}
