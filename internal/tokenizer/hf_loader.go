package tokenizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// HuggingFace tokenizer artifact names.
const (
	ConfigFile        = "tokenizer_config.json"
	SpecialTokensFile = "special_tokens_map.json"
)

// HFConfig is the subset of tokenizer_config.json this package reads and writes.
type HFConfig struct {
	DoLowerCase    bool   `json:"do_lower_case"`
	ModelMaxLength int    `json:"model_max_length,omitempty"`
	TokenizerClass string `json:"tokenizer_class,omitempty"`
	ClsToken       string `json:"cls_token,omitempty"`
	SepToken       string `json:"sep_token,omitempty"`
	PadToken       string `json:"pad_token,omitempty"`
	UnkToken       string `json:"unk_token,omitempty"`
	MaskToken      string `json:"mask_token,omitempty"`
}

// ReadConfig reads tokenizer_config.json from dir. A missing file yields the
// uncased BERT defaults.
func ReadConfig(dir string) (HFConfig, error) {
	cfg := HFConfig{DoLowerCase: true}
	//nolint:gosec // Loading tokenizer from user-specified path is intentional.
	data, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read %s: %w", ConfigFile, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse %s: %w", ConfigFile, err)
	}
	return cfg, nil
}

// Save writes vocab.txt, tokenizer_config.json and special_tokens_map.json.
func (w *WordPiece) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("tokenizer: create %s: %w", dir, err)
	}
	if err := w.CopyVocab(filepath.Join(dir, VocabFile)); err != nil {
		return err
	}

	cfg := HFConfig{
		DoLowerCase:    w.lowercase,
		ModelMaxLength: 512,
		TokenizerClass: "BertTokenizer",
		ClsToken:       ClsToken,
		SepToken:       SepToken,
		PadToken:       PadToken,
		UnkToken:       UnkToken,
		MaskToken:      MaskToken,
	}
	if err := writeJSON(filepath.Join(dir, ConfigFile), cfg); err != nil {
		return err
	}
	special := map[string]string{
		"cls_token":  ClsToken,
		"sep_token":  SepToken,
		"pad_token":  PadToken,
		"unk_token":  UnkToken,
		"mask_token": MaskToken,
	}
	return writeJSON(filepath.Join(dir, SpecialTokensFile), special)
}

// CopyVocab writes the vocabulary alone, as bundled next to a mobile model.
func (w *WordPiece) CopyVocab(path string) error {
	vocab := strings.Join(w.vocab, "\n") + "\n"
	if err := os.WriteFile(path, []byte(vocab), 0o600); err != nil {
		return fmt.Errorf("tokenizer: write vocab: %w", err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("tokenizer: marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("tokenizer: write %s: %w", filepath.Base(path), err)
	}
	return nil
}
