// Package checkpoint manages checkpoint-<step> directories written during
// training: naming, trainer state and rotation.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

// Prefix is the directory name prefix of a checkpoint.
const Prefix = "checkpoint-"

// StateFile is the trainer state file written into checkpoints and the
// final output directory.
const StateFile = "trainer_state.json"

// ErrNoState is returned when a directory has no trainer state.
var ErrNoState = errors.New("checkpoint: trainer state not found")

// Checkpoint is a checkpoint directory and the global step it was saved at.
type Checkpoint struct {
	Step int
	Path string
}

// Dir returns the directory of the checkpoint saved at step under root.
func Dir(root string, step int) string {
	return filepath.Join(root, Prefix+strconv.Itoa(step))
}

// List returns the checkpoints under root ordered by step.
func List(root string) ([]Checkpoint, error) {
	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list %s: %w", root, err)
	}
	var out []Checkpoint
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), Prefix) {
			continue
		}
		step, err := strconv.Atoi(strings.TrimPrefix(e.Name(), Prefix))
		if err != nil {
			continue
		}
		out = append(out, Checkpoint{Step: step, Path: filepath.Join(root, e.Name())})
	}
	slices.SortFunc(out, func(a, b Checkpoint) int { return a.Step - b.Step })
	return out, nil
}

// Rotate deletes the oldest checkpoints under root so that at most limit
// remain, never deleting best. A limit of zero or less keeps everything.
// It returns the removed paths.
func Rotate(root string, limit int, best string) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	ckpts, err := List(root)
	if err != nil {
		return nil, err
	}

	// Move best just before the newest so it survives the cut.
	if i := slices.IndexFunc(ckpts, func(c Checkpoint) bool { return samePath(c.Path, best) }); i >= 0 {
		for ; i < len(ckpts)-2; i++ {
			ckpts[i], ckpts[i+1] = ckpts[i+1], ckpts[i]
		}
	}
	keep := limit
	if limit == 1 && best != "" && len(ckpts) > 0 && !samePath(ckpts[len(ckpts)-1].Path, best) {
		keep = 2
	}

	var removed []string
	for _, c := range ckpts[:max(0, len(ckpts)-keep)] {
		if err := os.RemoveAll(c.Path); err != nil {
			return removed, fmt.Errorf("checkpoint: remove %s: %w", c.Path, err)
		}
		removed = append(removed, c.Path)
	}
	return removed, nil
}

func samePath(a, b string) bool {
	return a != "" && b != "" && filepath.Clean(a) == filepath.Clean(b)
}

// LogEntry is one record of the training log history, e.g. {"step": 10,
// "loss": 0.69, "learning_rate": 1e-6}.
// Non-finite values are written as null and read back as NaN.
type LogEntry map[string]float64

// MarshalJSON implements json.Marshaler.
func (e LogEntry) MarshalJSON() ([]byte, error) {
	out := make(map[string]*float64, len(e))
	for k, v := range e {
		out[k] = finite(v)
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *LogEntry) UnmarshalJSON(data []byte) error {
	var in map[string]*float64
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*e = make(LogEntry, len(in))
	for k, v := range in {
		if v == nil {
			(*e)[k] = math.NaN()
		} else {
			(*e)[k] = *v
		}
	}
	return nil
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// State is the trainer state persisted alongside each checkpoint.
type State struct {
	BestMetric          *float64   `json:"best_metric"`
	BestModelCheckpoint string     `json:"best_model_checkpoint,omitempty"`
	Epoch               float64    `json:"epoch"`
	GlobalStep          int        `json:"global_step"`
	MaxSteps            int        `json:"max_steps"`
	NumTrainEpochs      int        `json:"num_train_epochs"`
	LoggingSteps        int        `json:"logging_steps"`
	TrainBatchSize      int        `json:"train_batch_size"`
	LogHistory          []LogEntry `json:"log_history"`
}

// Improve records metric for ckpt if it is strictly lower than the current
// best, and reports whether it was. NaN never improves.
func (s *State) Improve(metric float64, ckpt string) bool {
	if math.IsNaN(metric) || (s.BestMetric != nil && !(metric < *s.BestMetric)) {
		return false
	}
	s.BestMetric = &metric
	s.BestModelCheckpoint = ckpt
	return true
}

// Save writes the state as trainer_state.json into dir.
// An infinite best metric is written as null.
func (s *State) Save(dir string) error {
	out := *s
	if s.BestMetric != nil {
		out.BestMetric = finite(*s.BestMetric)
	}
	data, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: marshal state: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, StateFile), data, 0o600); err != nil {
		return fmt.Errorf("checkpoint: write state: %w", err)
	}
	return nil
}

// LoadState reads trainer_state.json from dir.
func LoadState(dir string) (*State, error) {
	//nolint:gosec // Checkpoint directory is produced by the trainer.
	data, err := os.ReadFile(filepath.Join(dir, StateFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoState, dir)
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read state: %w", err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("checkpoint: parse state: %w", err)
	}
	return &s, nil
}
