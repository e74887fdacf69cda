// Package training runs the epoch loop: joint regression and
// classification loss, per-epoch metrics, and best-validation-loss
// checkpointing through a caller-supplied hook.
package training

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"

	"github.com/visagelab/facetrain/dataset"
	"github.com/visagelab/facetrain/model"
)

// Config controls the optimization run.
type Config struct {
	Epochs       int
	BatchSize    int
	LearningRate float64

	// ConfidenceTarget is the constant the confidence head regresses
	// toward; ConfidenceWeight scales its loss term.
	ConfidenceTarget float64
	ConfidenceWeight float64
}

// DefaultConfig matches the deployed training run.
func DefaultConfig() Config {
	return Config{
		Epochs:           50,
		BatchSize:        32,
		LearningRate:     0.001,
		ConfidenceTarget: 0.8,
		ConfidenceWeight: 0.1,
	}
}

// Prediction is the best model's output for one validation sample.
type Prediction struct {
	Index    int // index into the merged sample slice
	Angle    float32
	Category int32
}

// Trainer owns the model context and the compiled train and eval steps.
type Trainer struct {
	cfg      Config
	modelCfg model.Config
	ctx      *context.Context

	trainStep *context.Exec
	evalStep  *context.Exec

	// OnImprove, when set, fires after every epoch whose validation
	// loss strictly improves on the best seen so far.
	OnImprove func(epoch int, valLoss float64) error

	bestValLoss float64
	bestEpoch   int
}

// NewTrainer compiles the training and evaluation graphs on the backend.
func NewTrainer(backend backends.Backend, cfg Config, modelCfg model.Config) (*Trainer, error) {
	ctx := context.New()
	opt := optimizers.Adam().LearningRate(cfg.LearningRate).Done()

	t := &Trainer{
		cfg:         cfg,
		modelCfg:    modelCfg,
		ctx:         ctx,
		bestValLoss: math.Inf(1),
	}

	step := func(train bool) func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
		return func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
			g := inputs[0].Graph()
			ctx.SetTraining(g, train)
			image, metadata, measurements := inputs[0], inputs[1], inputs[2]
			angles, categories := inputs[3], inputs[4]

			angle, logits, confidence := model.Forward(ctx, modelCfg, image, metadata, measurements)

			predAngle := graph.Squeeze(angle, -1)
			angleDiff := graph.Sub(predAngle, angles)
			angleMSE := graph.ReduceAllMean(graph.Mul(angleDiff, angleDiff))

			// Sparse cross-entropy over the three categories.
			logProbs := graph.LogSoftmax(logits, -1)
			oneHot := graph.OneHot(categories, modelCfg.NumCategories, logProbs.DType())
			ce := graph.ReduceAllMean(graph.Neg(graph.ReduceSum(graph.Mul(oneHot, logProbs), -1)))

			confDiff := graph.AddScalar(graph.Squeeze(confidence, -1), -cfg.ConfidenceTarget)
			confMSE := graph.ReduceAllMean(graph.Mul(confDiff, confDiff))

			loss := graph.Add(graph.Add(angleMSE, ce), graph.MulScalar(confMSE, cfg.ConfidenceWeight))
			if train {
				opt.UpdateGraph(ctx, g, loss)
			}

			absErr := graph.Abs(angleDiff)
			predClass := graph.ArgMax(logits, -1, dtypes.Int32)
			return []*graph.Node{loss, absErr, predClass, predAngle}
		}
	}

	var err error
	err = exceptions.TryCatch[error](func() {
		t.trainStep = context.MustNewExec(backend, ctx, step(true))
		t.evalStep = context.MustNewExec(backend, ctx, step(false))
	})
	if err != nil {
		return nil, errors.Wrap(err, "compiling training graphs")
	}
	return t, nil
}

// Context exposes the model variables, for checkpointing.
func (t *Trainer) Context() *context.Context { return t.ctx }

// BestValLoss returns the lowest validation loss seen and its epoch.
func (t *Trainer) BestValLoss() (float64, int) { return t.bestValLoss, t.bestEpoch }

// Fit runs the full epoch loop and returns the metric history. When the
// validation set is empty its metrics mirror the training metrics so the
// improvement hook still fires.
func (t *Trainer) Fit(train, val *dataset.Batches) (*History, error) {
	history := &History{}
	for epoch := 1; epoch <= t.cfg.Epochs; epoch++ {
		trainLoss, trainMAE, trainAcc, err := t.runEpoch(t.trainStep, train)
		if err != nil {
			return history, errors.Wrapf(err, "epoch %d", epoch)
		}

		valLoss, valMAE, valAcc := trainLoss, trainMAE, trainAcc
		if val.Samples() > 0 {
			valLoss, valMAE, valAcc, err = t.runEpoch(t.evalStep, val)
			if err != nil {
				return history, errors.Wrapf(err, "epoch %d validation", epoch)
			}
		}

		history.Append(EpochMetrics{
			TrainLoss: trainLoss, ValLoss: valLoss,
			TrainAngleMAE: trainMAE, ValAngleMAE: valMAE,
			TrainCategoryAcc: trainAcc, ValCategoryAcc: valAcc,
		})
		klog.Infof("epoch %d/%d: train_loss=%.4f val_loss=%.4f val_angle_mae=%.2f val_category_acc=%.3f",
			epoch, t.cfg.Epochs, trainLoss, valLoss, valMAE, valAcc)

		if err := t.recordValLoss(epoch, valLoss); err != nil {
			return history, errors.Wrapf(err, "checkpointing epoch %d", epoch)
		}
	}
	return history, nil
}

// recordValLoss updates the best-seen validation loss and fires the
// improvement hook on strict improvement only.
func (t *Trainer) recordValLoss(epoch int, valLoss float64) error {
	if valLoss >= t.bestValLoss {
		return nil
	}
	t.bestValLoss = valLoss
	t.bestEpoch = epoch
	if t.OnImprove != nil {
		return t.OnImprove(epoch, valLoss)
	}
	return nil
}

// runEpoch drives one pass over the batches, averaging the loss over
// batches and the angle error and category accuracy over samples.
func (t *Trainer) runEpoch(step *context.Exec, batches *dataset.Batches) (loss, mae, acc float64, err error) {
	batches.Reset()

	var batchLosses, absErrs []float64
	correct, total := 0, 0

	for {
		batch, ok := batches.Next()
		if !ok {
			break
		}
		var out []*tensors.Tensor
		err = exceptions.TryCatch[error](func() {
			out = step.MustExec(batch.Images, batch.Metadata, batch.Measurements, batch.Angles, batch.Categories)
		})
		if err != nil {
			return 0, 0, 0, errors.Wrap(err, "executing step")
		}

		batchLosses = append(batchLosses, float64(tensors.ToScalar[float32](out[0])))
		for _, e := range tensors.MustCopyFlatData[float32](out[1]) {
			absErrs = append(absErrs, float64(e))
		}

		truth := tensors.MustCopyFlatData[int32](batch.Categories)
		for i, p := range tensors.MustCopyFlatData[int32](out[2]) {
			if p == truth[i] {
				correct++
			}
			total++
		}
	}

	if len(batchLosses) == 0 {
		return 0, 0, 0, errors.New("no batches to run")
	}
	acc = float64(correct) / float64(total)
	return stat.Mean(batchLosses, nil), stat.Mean(absErrs, nil), acc, nil
}

// Predict runs the eval graph over the batches and returns per-sample
// predictions, keyed by the original sample indices.
func (t *Trainer) Predict(batches *dataset.Batches) ([]Prediction, error) {
	var preds []Prediction
	batches.Reset()
	for {
		batch, ok := batches.Next()
		if !ok {
			break
		}
		var out []*tensors.Tensor
		err := exceptions.TryCatch[error](func() {
			out = t.evalStep.MustExec(batch.Images, batch.Metadata, batch.Measurements, batch.Angles, batch.Categories)
		})
		if err != nil {
			return nil, errors.Wrap(err, "executing eval step")
		}

		classes := tensors.MustCopyFlatData[int32](out[2])
		angles := tensors.MustCopyFlatData[float32](out[3])
		for i, idx := range batch.Indices {
			preds = append(preds, Prediction{
				Index:    idx,
				Angle:    angles[i],
				Category: classes[i],
			})
		}
	}
	return preds, nil
}
