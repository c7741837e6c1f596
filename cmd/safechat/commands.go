package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/spf13/pflag"

	"github.com/born-ml/safechat/internal/config"
	"github.com/born-ml/safechat/internal/convert"
	"github.com/born-ml/safechat/internal/mobile"
	"github.com/born-ml/safechat/internal/onnx"
	"github.com/born-ml/safechat/internal/predict"
	"github.com/born-ml/safechat/internal/train"
)

func trainFlags(fs *pflag.FlagSet) map[string]string {
	d := config.Default().Train
	fs.String("base-model", d.BaseModel, "HuggingFace repo id or local checkpoint directory")
	fs.String("dataset", d.Dataset, "CSV file with text and label columns")
	fs.String("output-dir", d.OutputDir, "directory for checkpoints and the final model")
	fs.String("text-column", d.TextColumn, "CSV text column")
	fs.String("label-column", d.LabelColumn, "CSV label column")
	fs.Int("epochs", d.Epochs, "training epochs")
	fs.Int("batch-size", d.TrainBatchSize, "training batch size")
	fs.Int("eval-batch-size", d.EvalBatchSize, "evaluation batch size")
	fs.Float64("learning-rate", d.LearningRate, "peak learning rate")
	fs.Int("warmup-steps", d.WarmupSteps, "linear warmup steps")
	fs.Int("save-total-limit", d.SaveTotalLimit, "checkpoints to keep")
	fs.Uint64("seed", d.Seed, "random seed")
	fs.String("device", d.Device, "auto, cpu or webgpu")
	fs.String("cache-dir", d.CacheDir, "hub download cache")
	return map[string]string{
		"base-model":       "train.base_model",
		"dataset":          "train.dataset",
		"output-dir":       "train.output_dir",
		"text-column":      "train.text_column",
		"label-column":     "train.label_column",
		"epochs":           "train.epochs",
		"batch-size":       "train.train_batch_size",
		"eval-batch-size":  "train.eval_batch_size",
		"learning-rate":    "train.learning_rate",
		"warmup-steps":     "train.warmup_steps",
		"save-total-limit": "train.save_total_limit",
		"seed":             "train.seed",
		"device":           "train.device",
		"cache-dir":        "train.cache_dir",
	}
}

func runTrain(ctx context.Context, e *env, _ []string) error {
	res, err := train.Run(ctx, e.cfg.Train, e.log)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "model: %s\nbest checkpoint: %s (eval_loss %.4f)\nsteps: %d on %s\n",
		res.OutputDir, res.BestCheckpoint, res.BestEvalLoss, res.GlobalStep, res.Device)
	return nil
}

func convertFlags(fs *pflag.FlagSet) map[string]string {
	d := config.Default().Convert
	fs.String("model-dir", d.ModelDir, "fine-tuned model directory")
	fs.StringP("output", "o", d.Output, "package path")
	fs.String("sample-text", d.SampleText, "text used to trace the model")
	fs.String("deployment-target", d.Package.MinimumDeploymentTarget, "minimum deployment target")
	fs.String("compute-units", d.Package.ComputeUnits, "compute units recorded in the manifest")
	return map[string]string{
		"model-dir":         "convert.model_dir",
		"output":            "convert.output",
		"sample-text":       "convert.sample_text",
		"deployment-target": "convert.package.minimum_deployment_target",
		"compute-units":     "convert.package.compute_units",
	}
}

func runConvert(ctx context.Context, e *env, _ []string) error {
	opts := e.cfg.Convert
	opts.ProducerVersion = version
	res, err := convert.Run(ctx, opts, e.log)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "package: %s\nid: %s\nnodes: %d, initializers: %d\n",
		res.Package.Dir, res.Package.Manifest.ID, res.Nodes, res.Initializers)
	return nil
}

func predictFlags(fs *pflag.FlagSet) map[string]string {
	d := config.Default().Predict
	fs.StringP("model", "m", d.Model, "package or checkpoint directory")
	fs.String("engine", d.Engine, "auto, onnxruntime, native or eager")
	fs.String("shared-library", d.SharedLibrary, "ONNX Runtime shared library")
	fs.Bool("json", false, "print verdicts as JSON lines")
	return map[string]string{
		"model":          "predict.model",
		"engine":         "predict.engine",
		"shared-library": "predict.shared_library",
	}
}

// runPredict classifies each argument, or each stdin line when there are none.
func runPredict(ctx context.Context, e *env, args []string) error {
	asJSON, err := e.flags.GetBool("json")
	if err != nil {
		return err
	}
	p, err := predict.Open(e.cfg.Predict, e.log)
	if err != nil {
		return err
	}
	defer p.Close()

	emit := func(text string) error {
		v, err := p.Predict(ctx, text)
		if err != nil {
			return err
		}
		if asJSON {
			return json.NewEncoder(e.stdout).Encode(v)
		}
		if v.Probabilities != nil {
			fmt.Fprintf(e.stdout, "%s\t%s\t%.4f\n", v.Message, v.Label, v.Probabilities)
		} else {
			fmt.Fprintln(e.stdout, v.Message)
		}
		return nil
	}

	if len(args) > 0 {
		for _, text := range args {
			if err := emit(text); err != nil {
				return err
			}
		}
		return nil
	}
	scanner := bufio.NewScanner(e.stdin)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if err := emit(text); err != nil {
			return err
		}
	}
	return scanner.Err()
}

type inspection struct {
	Manifest *mobile.Manifest `json:"manifest,omitempty"`
	Model    *onnx.ModelInfo  `json:"model"`
}

// runInspect prints a JSON description of an ONNX file or package directory.
func runInspect(_ context.Context, e *env, args []string) error {
	if len(args) != 1 {
		fmt.Fprintln(e.stderr, "usage: safechat inspect <model.onnx | package dir>")
		return errUsage
	}
	path := args[0]
	var out inspection

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		pkg, err := mobile.Open(path)
		if err != nil {
			return err
		}
		out.Manifest = &pkg.Manifest
		path = pkg.ModelPath()
	}
	proto, err := onnx.ReadFile(path)
	if err != nil {
		return err
	}
	out.Model = onnx.Info(proto)

	enc := json.NewEncoder(e.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "safechat %s (%s %s/%s)\n", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	for _, dep := range bi.Deps {
		if dep.Path == "github.com/born-ml/born" || dep.Path == "github.com/yalue/onnxruntime_go" {
			fmt.Fprintf(w, "  %s %s\n", filepath.Base(dep.Path), dep.Version)
		}
	}
}
