package train

import (
	"errors"
	"fmt"

	"github.com/born-ml/safechat/internal/dataset"
	"github.com/born-ml/safechat/internal/hub"
	"github.com/born-ml/safechat/internal/tokenizer"
)

// ErrInvalidOptions is returned by Options.Validate.
var ErrInvalidOptions = errors.New("train: invalid options")

// ArgsFile is the file the options are written to next to the model.
const ArgsFile = "training_args.json"

// Options are the fine-tuning hyperparameters and paths.
type Options struct {
	BaseModel   string `mapstructure:"base_model" json:"base_model"`
	Dataset     string `mapstructure:"dataset" json:"dataset"`
	OutputDir   string `mapstructure:"output_dir" json:"output_dir"`
	TextColumn  string `mapstructure:"text_column" json:"text_column"`
	LabelColumn string `mapstructure:"label_column" json:"label_column"`

	Epochs         int     `mapstructure:"epochs" json:"num_train_epochs"`
	TrainBatchSize int     `mapstructure:"train_batch_size" json:"per_device_train_batch_size"`
	EvalBatchSize  int     `mapstructure:"eval_batch_size" json:"per_device_eval_batch_size"`
	LearningRate   float64 `mapstructure:"learning_rate" json:"learning_rate"`
	WeightDecay    float64 `mapstructure:"weight_decay" json:"weight_decay"`
	WarmupSteps    int     `mapstructure:"warmup_steps" json:"warmup_steps"`
	MaxGradNorm    float64 `mapstructure:"max_grad_norm" json:"max_grad_norm"`
	LoggingSteps   int     `mapstructure:"logging_steps" json:"logging_steps"`
	SaveTotalLimit int     `mapstructure:"save_total_limit" json:"save_total_limit"`
	MaxLength      int     `mapstructure:"max_length" json:"max_length"`
	TestSize       float64 `mapstructure:"test_size" json:"test_size"`
	Seed           uint64  `mapstructure:"seed" json:"seed"`

	Device   string `mapstructure:"device" json:"device"`
	Workers  int    `mapstructure:"workers" json:"workers"`
	CacheDir string `mapstructure:"cache_dir" json:"cache_dir,omitempty"`
	Revision string `mapstructure:"revision" json:"revision,omitempty"`
	HFToken  string `mapstructure:"hf_token" json:"-"`
}

// DefaultOptions returns the hyperparameters of the reference fine-tuning run.
func DefaultOptions() Options {
	cols := dataset.DefaultColumns()
	return Options{
		BaseModel:      hub.DefaultModel,
		Dataset:        "dataset.csv",
		OutputDir:      "fine-tuned-model",
		TextColumn:     cols.Text,
		LabelColumn:    cols.Label,
		Epochs:         15,
		TrainBatchSize: 8,
		EvalBatchSize:  8,
		LearningRate:   5e-5,
		WeightDecay:    0.01,
		WarmupSteps:    500,
		MaxGradNorm:    1.0,
		LoggingSteps:   10,
		SaveTotalLimit: 2,
		MaxLength:      tokenizer.DefaultMaxLength,
		TestSize:       0.2,
		Seed:           42,
		Device:         "auto",
	}
}

// Validate checks the options that would otherwise fail deep in the loop.
func (o Options) Validate() error {
	switch {
	case o.BaseModel == "":
		return fmt.Errorf("%w: base model is required", ErrInvalidOptions)
	case o.Dataset == "":
		return fmt.Errorf("%w: dataset is required", ErrInvalidOptions)
	case o.OutputDir == "":
		return fmt.Errorf("%w: output dir is required", ErrInvalidOptions)
	case o.Epochs <= 0:
		return fmt.Errorf("%w: epochs must be positive", ErrInvalidOptions)
	case o.TrainBatchSize <= 0 || o.EvalBatchSize <= 0:
		return fmt.Errorf("%w: batch sizes must be positive", ErrInvalidOptions)
	case o.LearningRate <= 0:
		return fmt.Errorf("%w: learning rate must be positive", ErrInvalidOptions)
	case o.WarmupSteps < 0 || o.LoggingSteps < 0 || o.WeightDecay < 0:
		return fmt.Errorf("%w: negative warmup, logging steps or weight decay", ErrInvalidOptions)
	case o.MaxLength < 2:
		return fmt.Errorf("%w: max length must fit [CLS] and [SEP]", ErrInvalidOptions)
	case o.TestSize <= 0 || o.TestSize >= 1:
		return fmt.Errorf("%w: test size must be in (0, 1)", ErrInvalidOptions)
	}
	return nil
}

// TotalSteps returns the number of optimizer steps for n training examples.
func (o Options) TotalSteps(n int) int {
	return dataset.NumBatches(n, o.TrainBatchSize) * o.Epochs
}
