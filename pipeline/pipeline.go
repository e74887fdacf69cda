// Package pipeline wires data loading, training and export into the
// single end-to-end run the CLI invokes.
package pipeline

import (
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/backends"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/visagelab/facetrain/checkpoints"
	"github.com/visagelab/facetrain/dataset"
	"github.com/visagelab/facetrain/export"
	"github.com/visagelab/facetrain/model"
	"github.com/visagelab/facetrain/training"
	"github.com/visagelab/facetrain/vision"
)

// Device selects the compute backend.
const (
	DeviceCPU         = "cpu"
	DeviceAccelerated = "accelerated"
)

// Config is the full run configuration as it arrives from the CLI.
type Config struct {
	DataDir      string
	OutputDir    string
	Epochs       int
	BatchSize    int
	LearningRate float64
	Quantize     bool
	Device       string
	Seed         int64
}

// DefaultConfig returns the CLI defaults.
func DefaultConfig() Config {
	return Config{
		OutputDir:    "./models",
		Epochs:       50,
		BatchSize:    32,
		LearningRate: 0.001,
		Device:       DeviceCPU,
		Seed:         42,
	}
}

const checkpointFile = "best_checkpoint.json"

// Run executes the whole pipeline: merge the three tables, split, train
// with best-checkpoint tracking, then write history, demographic metrics,
// model info and, when the environment supports it, the Core ML package.
// Nothing is written to OutputDir until the inputs have loaded cleanly.
func Run(cfg Config, caps Capabilities) error {
	if cfg.BatchSize < 1 {
		return errors.Errorf("batch size must be at least 1, got %d", cfg.BatchSize)
	}
	if cfg.Epochs < 1 {
		return errors.Errorf("epochs must be at least 1, got %d", cfg.Epochs)
	}

	src, err := dataset.LoadSources(cfg.DataDir)
	if err != nil {
		return err
	}
	samples, stats := dataset.Merge(src)
	klog.Infof("merged dataset: %d samples (dropped %d unmatched, %d bad labels, %d duplicates; %d images missing)",
		stats.Merged, stats.DroppedUnmatched, stats.DroppedBadLabel, stats.DroppedDuplicates, stats.MissingImages)
	if len(samples) < 2 {
		return errors.Errorf("need at least 2 merged samples to train, got %d", len(samples))
	}

	split := dataset.DefaultSplitConfig()
	split.Seed = cfg.Seed
	trainIdx, valIdx := dataset.StratifiedSplit(samples, split)
	klog.Infof("stratified split: %d train / %d val", len(trainIdx), len(valIdx))

	backend, err := newBackend(cfg.Device)
	if err != nil {
		return err
	}

	modelCfg := model.DefaultConfig()
	loader := vision.NewProcessor(modelCfg.ImageSize)
	trainBatches := dataset.NewBatches(samples, trainIdx, cfg.BatchSize, true, cfg.Seed, loader)
	valBatches := dataset.NewBatches(samples, valIdx, cfg.BatchSize, false, cfg.Seed, loader)

	trainCfg := training.DefaultConfig()
	trainCfg.Epochs = cfg.Epochs
	trainCfg.BatchSize = cfg.BatchSize
	trainCfg.LearningRate = cfg.LearningRate

	trainer, err := training.NewTrainer(backend, trainCfg, modelCfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return errors.Wrapf(err, "creating output dir %s", cfg.OutputDir)
	}
	ckptPath := filepath.Join(cfg.OutputDir, checkpointFile)
	trainer.OnImprove = func(epoch int, valLoss float64) error {
		ckpt := checkpoints.FromContext(trainer.Context(), checkpoints.TrainingState{
			Epoch:       epoch,
			BestValLoss: valLoss,
		})
		return ckpt.Save(ckptPath)
	}

	history, err := trainer.Fit(trainBatches, valBatches)
	if werr := history.WriteFile(filepath.Join(cfg.OutputDir, "training_history.json")); werr != nil && err == nil {
		err = werr
	}
	if err != nil {
		return err
	}
	bestLoss, bestEpoch := trainer.BestValLoss()
	klog.Infof("training finished: best val_loss %.4f at epoch %d", bestLoss, bestEpoch)

	// Evaluate the best weights, not the last epoch's.
	best, err := checkpoints.Load(ckptPath)
	if err != nil {
		return err
	}
	if err := best.RestoreContext(trainer.Context()); err != nil {
		return err
	}
	preds, err := trainer.Predict(valBatches)
	if err != nil {
		return err
	}
	report := training.DemographicReport(samples, preds)
	if err := training.WriteDemographicReport(filepath.Join(cfg.OutputDir, "demographic_metrics.json"), report); err != nil {
		return err
	}

	info := export.NewModelInfo(modelCfg, best.ParameterCount(), cfg.Quantize)
	if err := export.WriteModelInfo(cfg.OutputDir, info); err != nil {
		return err
	}

	if !caps.CoreMLExport {
		klog.Warningf("skipping Core ML export: %s", caps.Reason)
		return nil
	}
	_, err = export.CoreML(best, modelCfg, cfg.OutputDir, cfg.Quantize)
	return err
}

func newBackend(device string) (backends.Backend, error) {
	switch device {
	case DeviceCPU, "":
		return backends.NewWithConfig("go")
	case DeviceAccelerated:
		return backends.NewWithConfig("xla")
	default:
		return nil, errors.Errorf("unknown device %q (want %s or %s)", device, DeviceCPU, DeviceAccelerated)
	}
}
