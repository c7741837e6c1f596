package train

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/born-ml/safechat/internal/bert"
	"github.com/born-ml/safechat/internal/checkpoint"
	"github.com/born-ml/safechat/internal/dataset"
	"github.com/born-ml/safechat/internal/optim"
)

// TokenizerSaver writes tokenizer artifacts next to a saved model.
type TokenizerSaver interface {
	Save(dir string) error
}

// Result summarizes a finished run.
type Result struct {
	OutputDir      string
	BestCheckpoint string
	BestEvalLoss   float64
	GlobalStep     int
	Device         string
}

// Metrics are evaluation aggregates over a split.
type Metrics struct {
	Loss     float64
	Accuracy float64
}

// Trainer runs the fine-tuning loop for a sequence classifier on an
// autodiff backend.
type Trainer[B tensor.Backend] struct {
	model   *bert.ForSequenceClassification[*autodiff.Backend[B]]
	tok     TokenizerSaver
	backend *autodiff.Backend[B]
	opts    Options
	log     zerolog.Logger
	rng     *rand.Rand
}

// NewTrainer creates a trainer. The model must live on backend.
func NewTrainer[B tensor.Backend](
	model *bert.ForSequenceClassification[*autodiff.Backend[B]],
	tok TokenizerSaver,
	backend *autodiff.Backend[B],
	opts Options,
	log zerolog.Logger,
) *Trainer[B] {
	return &Trainer[B]{
		model:   model,
		tok:     tok,
		backend: backend,
		opts:    opts,
		log:     log,
		rng:     rand.New(rand.NewPCG(opts.Seed, opts.Seed+1)),
	}
}

// Train fine-tunes on train, evaluating and checkpointing on eval after
// every epoch, then restores the best checkpoint and saves it to the output
// directory.
func (t *Trainer[B]) Train(ctx context.Context, train, eval *dataset.Tokenized) (*Result, error) {
	o := t.opts
	stepsPerEpoch := dataset.NumBatches(train.Len(), o.TrainBatchSize)
	total := o.TotalSteps(train.Len())

	named := t.model.NamedParameters()
	names := make([]string, len(named))
	params := make([]*nn.Parameter[*autodiff.Backend[B]], len(named))
	for i, np := range named {
		names[i], params[i] = np.Name, np.Param
	}
	opt := optim.NewAdamW(
		optim.SplitDecay(names, params, float32(o.WeightDecay)),
		optim.AdamWConfig{LR: float32(o.LearningRate), Betas: [2]float32{0.9, 0.999}, Eps: 1e-8},
		t.backend,
	)
	sched := optim.NewLinearWarmup(opt, float32(o.LearningRate), o.WarmupSteps, total)

	evalBatches, err := dataset.CreateBatches(eval, o.EvalBatchSize, nil, t.backend)
	if err != nil {
		return nil, fmt.Errorf("train: eval batches: %w", err)
	}

	state := &checkpoint.State{
		MaxSteps:       total,
		NumTrainEpochs: o.Epochs,
		LoggingSteps:   o.LoggingSteps,
		TrainBatchSize: o.TrainBatchSize,
	}
	t.log.Info().
		Int("train_examples", train.Len()).
		Int("eval_examples", eval.Len()).
		Int("epochs", o.Epochs).
		Int("total_steps", total).
		Msg("starting fine-tuning")

	tape := t.backend.Tape()
	tape.StartRecording()
	defer func() {
		tape.StopRecording()
		tape.Clear()
	}()

	var (
		step    int
		running float64
		pending int
	)
	for epoch := range o.Epochs {
		batches, err := dataset.CreateBatches(train, o.TrainBatchSize, t.rng, t.backend)
		if err != nil {
			return nil, fmt.Errorf("train: batches: %w", err)
		}
		for _, batch := range batches {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			loss, gradNorm := t.step(batch, params, opt)
			sched.Step()
			step++
			running += loss
			pending++

			if o.LoggingSteps > 0 && step%o.LoggingSteps == 0 {
				entry := checkpoint.LogEntry{
					"loss":          running / float64(pending),
					"grad_norm":     gradNorm,
					"learning_rate": float64(opt.GetLR()),
					"epoch":         float64(step) / float64(stepsPerEpoch),
					"step":          float64(step),
				}
				state.LogHistory = append(state.LogHistory, entry)
				t.log.Info().
					Int("step", step).
					Float64("epoch", entry["epoch"]).
					Float64("loss", entry["loss"]).
					Float64("grad_norm", gradNorm).
					Float64("learning_rate", entry["learning_rate"]).
					Msg("train")
				running, pending = 0, 0
			}
		}

		m := t.Evaluate(evalBatches)
		state.Epoch = float64(epoch + 1)
		state.GlobalStep = step
		state.LogHistory = append(state.LogHistory, checkpoint.LogEntry{
			"eval_loss":     m.Loss,
			"eval_accuracy": m.Accuracy,
			"epoch":         state.Epoch,
			"step":          float64(step),
		})
		t.log.Info().
			Int("epoch", epoch+1).
			Float64("eval_loss", m.Loss).
			Float64("eval_accuracy", m.Accuracy).
			Msg("evaluation")

		dir := checkpoint.Dir(o.OutputDir, step)
		if state.Improve(m.Loss, dir) {
			t.log.Info().Str("checkpoint", dir).Float64("eval_loss", m.Loss).Msg("new best checkpoint")
		}
		if err := t.save(dir, state); err != nil {
			return nil, err
		}
		removed, err := checkpoint.Rotate(o.OutputDir, o.SaveTotalLimit, state.BestModelCheckpoint)
		if err != nil {
			return nil, err
		}
		for _, r := range removed {
			t.log.Debug().Str("checkpoint", r).Msg("removed old checkpoint")
		}
	}

	best, bestLoss := state.BestModelCheckpoint, math.NaN()
	if state.BestMetric != nil {
		bestLoss = *state.BestMetric
	}
	if best == "" {
		t.log.Warn().Msg("no finite eval loss recorded, keeping final weights")
	} else {
		t.log.Info().Str("checkpoint", best).Float64("eval_loss", bestLoss).Msg("loading best model")
		if err := t.model.LoadWeights(filepath.Join(best, bert.WeightsFile)); err != nil {
			return nil, fmt.Errorf("train: restore best checkpoint: %w", err)
		}
	}
	if err := t.save(o.OutputDir, state); err != nil {
		return nil, err
	}
	t.log.Info().Str("output_dir", o.OutputDir).Msg("Model fine-tuning complete!!!")

	return &Result{
		OutputDir:      o.OutputDir,
		BestCheckpoint: best,
		BestEvalLoss:   bestLoss,
		GlobalStep:     step,
	}, nil
}

// step runs one optimizer update and returns the batch loss and the
// gradient norm before clipping.
func (t *Trainer[B]) step(
	batch *dataset.Batch[*autodiff.Backend[B]],
	params []*nn.Parameter[*autodiff.Backend[B]],
	opt *optim.AdamW[*autodiff.Backend[B]],
) (loss, gradNorm float64) {
	opt.ZeroGrad()

	logits := t.model.Forward(batch.InputIDs, batch.AttentionMask)
	lossRaw := t.backend.CrossEntropy(logits.Raw(), batch.Labels.Raw())
	loss = float64(lossRaw.AsFloat32()[0])

	outputGrad, err := tensor.NewRaw(lossRaw.Shape(), lossRaw.DType(), t.backend.Device())
	if err != nil {
		panic(err)
	}
	outputGrad.AsFloat32()[0] = 1.0
	grads := t.backend.Tape().Backward(outputGrad, t.backend)

	gradNorm = optim.ClipGradNorm(params, grads, t.opts.MaxGradNorm)
	opt.Step(grads)
	t.backend.Tape().Clear()
	return loss, gradNorm
}

// Evaluate computes the example-weighted mean loss and accuracy over batches
// without recording gradients.
func (t *Trainer[B]) Evaluate(batches []*dataset.Batch[*autodiff.Backend[B]]) Metrics {
	tape := t.backend.Tape()
	wasRecording := tape.IsRecording()
	tape.StopRecording()
	defer func() {
		if wasRecording {
			tape.StartRecording()
		}
	}()

	losses := make([]float64, len(batches))
	accs := make([]float64, len(batches))
	weights := make([]float64, len(batches))
	for i, batch := range batches {
		logits := t.model.Forward(batch.InputIDs, batch.AttentionMask)
		losses[i] = float64(t.backend.CrossEntropy(logits.Raw(), batch.Labels.Raw()).AsFloat32()[0])
		accs[i] = float64(nn.Accuracy(logits, batch.Labels))
		weights[i] = float64(batch.Size)
	}
	return Metrics{
		Loss:     stat.Mean(losses, weights),
		Accuracy: stat.Mean(accs, weights),
	}
}

// save writes model, tokenizer, trainer state and training args into dir.
func (t *Trainer[B]) save(dir string, state *checkpoint.State) error {
	if err := t.model.SavePretrained(dir); err != nil {
		return fmt.Errorf("train: save model: %w", err)
	}
	if err := t.tok.Save(dir); err != nil {
		return fmt.Errorf("train: save tokenizer: %w", err)
	}
	if err := state.Save(dir); err != nil {
		return err
	}
	data, err := json.MarshalIndent(t.opts, "", "  ")
	if err != nil {
		return fmt.Errorf("train: marshal args: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ArgsFile), data, 0o600); err != nil {
		return fmt.Errorf("train: write args: %w", err)
	}
	return nil
}
