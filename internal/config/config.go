// Package config layers defaults, an optional YAML file, SAFECHAT_*
// environment variables and command-line flags into one Config.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/born-ml/safechat/internal/convert"
	"github.com/born-ml/safechat/internal/hub"
	"github.com/born-ml/safechat/internal/logging"
	"github.com/born-ml/safechat/internal/predict"
	"github.com/born-ml/safechat/internal/train"
)

// Search settings for the config file.
const (
	EnvPrefix = "SAFECHAT"
	FileName  = "safechat"
	FileType  = "yaml"
)

// Config is the full application configuration.
type Config struct {
	Log     logging.Options `mapstructure:"log"`
	Train   train.Options   `mapstructure:"train"`
	Convert convert.Options `mapstructure:"convert"`
	Predict predict.Options `mapstructure:"predict"`
}

// Load reads the configuration. An empty path searches ./safechat.yaml and
// $HOME/.safechat/safechat.yaml and tolerates neither existing; an explicit
// path must exist. flags maps config keys such as "train.epochs" to the
// flags that override them; a flag only wins when it was set.
func Load(path string, flags map[string]*pflag.Flag) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Well-known variables shared with other tools.
	if err := v.BindEnv("train.hf_token", EnvPrefix+"_TRAIN_HF_TOKEN", hub.TokenEnv); err != nil {
		return nil, err
	}
	if err := v.BindEnv("predict.shared_library", EnvPrefix+"_PREDICT_SHARED_LIBRARY", predict.SharedLibraryEnv); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType(FileType)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, "."+FileName))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	for key, flag := range flags {
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration with no file, environment or flags.
func Default() Config {
	return Config{
		Log:     logging.DefaultOptions(),
		Train:   train.DefaultOptions(),
		Convert: convert.DefaultOptions(),
		Predict: predict.DefaultOptions(),
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	t := d.Train
	v.SetDefault("train.base_model", t.BaseModel)
	v.SetDefault("train.dataset", t.Dataset)
	v.SetDefault("train.output_dir", t.OutputDir)
	v.SetDefault("train.text_column", t.TextColumn)
	v.SetDefault("train.label_column", t.LabelColumn)
	v.SetDefault("train.epochs", t.Epochs)
	v.SetDefault("train.train_batch_size", t.TrainBatchSize)
	v.SetDefault("train.eval_batch_size", t.EvalBatchSize)
	v.SetDefault("train.learning_rate", t.LearningRate)
	v.SetDefault("train.weight_decay", t.WeightDecay)
	v.SetDefault("train.warmup_steps", t.WarmupSteps)
	v.SetDefault("train.max_grad_norm", t.MaxGradNorm)
	v.SetDefault("train.logging_steps", t.LoggingSteps)
	v.SetDefault("train.save_total_limit", t.SaveTotalLimit)
	v.SetDefault("train.max_length", t.MaxLength)
	v.SetDefault("train.test_size", t.TestSize)
	v.SetDefault("train.seed", t.Seed)
	v.SetDefault("train.device", t.Device)
	v.SetDefault("train.workers", t.Workers)
	v.SetDefault("train.cache_dir", t.CacheDir)
	v.SetDefault("train.revision", t.Revision)
	v.SetDefault("train.hf_token", t.HFToken)

	c := d.Convert
	v.SetDefault("convert.model_dir", c.ModelDir)
	v.SetDefault("convert.output", c.Output)
	v.SetDefault("convert.sample_text", c.SampleText)
	v.SetDefault("convert.max_length", c.MaxLength)
	v.SetDefault("convert.package.name", c.Package.Name)
	v.SetDefault("convert.package.minimum_deployment_target", c.Package.MinimumDeploymentTarget)
	v.SetDefault("convert.package.compute_precision", c.Package.ComputePrecision)
	v.SetDefault("convert.package.compute_units", c.Package.ComputeUnits)

	p := d.Predict
	v.SetDefault("predict.model", p.Model)
	v.SetDefault("predict.engine", p.Engine)
	v.SetDefault("predict.shared_library", p.SharedLibrary)
	v.SetDefault("predict.blocked_words", p.BlockedWords)
}
