// Package hub resolves a base model reference to a local checkpoint
// directory, downloading it from the HuggingFace Hub when needed.
package hub

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	hfhub "github.com/gomlx/go-huggingface/hub"
	"github.com/rs/zerolog"
)

// DefaultModel is the base checkpoint fine-tuned when none is configured.
const DefaultModel = "google/bert_uncased_L-4_H-256_A-4"

// TokenEnv is the environment variable holding a HuggingFace access token.
const TokenEnv = "HF_TOKEN"

// RequiredFiles are the files a checkpoint directory must provide.
var RequiredFiles = []string{"config.json", "vocab.txt", "model.safetensors"}

// OptionalFiles are downloaded when the repository has them.
var OptionalFiles = []string{"tokenizer_config.json", "special_tokens_map.json"}

// ErrMissingFile is returned when a repository or directory lacks a required file.
var ErrMissingFile = errors.New("hub: missing checkpoint file")

// Options configures downloads.
type Options struct {
	CacheDir string // defaults to the HuggingFace cache
	Token    string // defaults to $HF_TOKEN
	Revision string // defaults to main
}

// Resolve returns a local directory holding the checkpoint named by ref.
// An existing directory is used as is; anything else is treated as a Hub
// model id.
func Resolve(ctx context.Context, ref string, opts Options, log zerolog.Logger) (string, error) {
	if info, err := os.Stat(ref); err == nil && info.IsDir() {
		if err := checkDir(ref); err != nil {
			return "", err
		}
		log.Debug().Str("dir", ref).Msg("using local checkpoint")
		return ref, nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	token := opts.Token
	if token == "" {
		token = os.Getenv(TokenEnv)
	}
	repo := hfhub.New(ref).WithAuth(token)
	if opts.CacheDir != "" {
		repo = repo.WithCacheDir(opts.CacheDir)
	}
	if opts.Revision != "" {
		repo = repo.WithRevision(opts.Revision)
	}

	available := make(map[string]bool)
	for name, err := range repo.IterFileNames() {
		if err != nil {
			return "", fmt.Errorf("hub: list %s: %w", ref, err)
		}
		available[name] = true
	}
	files := make([]string, 0, len(RequiredFiles)+len(OptionalFiles))
	for _, name := range RequiredFiles {
		if !available[name] {
			return "", fmt.Errorf("%w: %s has no %s", ErrMissingFile, ref, name)
		}
		files = append(files, name)
	}
	for _, name := range OptionalFiles {
		if available[name] {
			files = append(files, name)
		}
	}

	log.Info().Str("model", ref).Strs("files", files).Msg("downloading base model")
	paths, err := repo.DownloadFiles(files...)
	if err != nil {
		return "", fmt.Errorf("hub: download %s: %w", ref, err)
	}
	return filepath.Dir(paths[0]), nil
}

func checkDir(dir string) error {
	for _, name := range RequiredFiles {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("%w: %s", ErrMissingFile, filepath.Join(dir, name))
		}
	}
	return nil
}
