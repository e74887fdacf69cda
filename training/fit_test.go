package training

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/simplego"

	"github.com/visagelab/facetrain/dataset"
	"github.com/visagelab/facetrain/model"
)

// flatLoader serves fixed-size zero images without touching the filesystem.
type flatLoader struct{ size int }

func (l flatLoader) Load(path string) ([]float32, error) { return l.Zero(), nil }

func (l flatLoader) Zero() []float32 { return make([]float32, l.size*l.size*3) }

func (l flatLoader) Size() int { return l.size }

// tinyModelConfig shrinks every width so the loop runs in milliseconds.
// Dropout is zeroed to keep epochs deterministic.
func tinyModelConfig() model.Config {
	cfg := model.DefaultConfig()
	cfg.ImageSize = 4
	cfg.ImageFilters = 2
	cfg.ImageEmbed = 4
	cfg.TabularHidden = 3
	cfg.TabularEmbed = 2
	cfg.FusionHidden = 4
	cfg.FusionOutput = 3
	cfg.HeadHidden = 2
	cfg.ConfidenceHidden = 2
	cfg.TabularDropout = 0
	cfg.FusionDropout = 0
	return cfg
}

func fitSamples(n int) []dataset.Sample {
	samples := make([]dataset.Sample, n)
	for i := range samples {
		meta := make([]float32, 6)
		meas := make([]float32, 10)
		for j := range meta {
			meta[j] = float32(i+j) * 0.05
		}
		for j := range meas {
			meas[j] = float32(i+j) * 0.03
		}
		samples[i] = dataset.Sample{
			Metadata:     meta,
			Measurements: meas,
			Angle:        float32(95 + 5*i),
			Category:     dataset.Category(i % 3),
		}
	}
	return samples
}

func TestFitRecordsOneEpochPerConfiguredEpoch(t *testing.T) {
	backend, err := backends.NewWithConfig("go")
	require.NoError(t, err)

	modelCfg := tinyModelConfig()
	cfg := DefaultConfig()
	cfg.Epochs = 3
	cfg.LearningRate = 0.01

	trainer, err := NewTrainer(backend, cfg, modelCfg)
	require.NoError(t, err)

	var improvements []int
	trainer.OnImprove = func(epoch int, valLoss float64) error {
		improvements = append(improvements, epoch)
		return nil
	}

	samples := fitSamples(5)
	loader := flatLoader{size: modelCfg.ImageSize}
	train := dataset.NewBatches(samples, []int{0, 1, 2, 3}, 2, true, 42, loader)
	val := dataset.NewBatches(samples, []int{4}, 2, false, 42, loader)

	history, err := trainer.Fit(train, val)
	require.NoError(t, err)

	// Exactly one record per configured epoch, across all six series.
	assert.Equal(t, cfg.Epochs, history.Len())
	assert.Len(t, history.ValLoss, cfg.Epochs)
	assert.Len(t, history.TrainAngleMAE, cfg.Epochs)
	assert.Len(t, history.ValCategoryAcc, cfg.Epochs)

	// Epoch 1 always improves on the initial +Inf best.
	require.NotEmpty(t, improvements)
	assert.Equal(t, 1, improvements[0])

	best, bestEpoch := trainer.BestValLoss()
	assert.False(t, math.IsInf(best, 1))
	assert.GreaterOrEqual(t, bestEpoch, 1)
	assert.LessOrEqual(t, bestEpoch, cfg.Epochs)

	// Accuracies are proportions.
	for i := 0; i < history.Len(); i++ {
		assert.GreaterOrEqual(t, history.TrainCategoryAcc[i], 0.0)
		assert.LessOrEqual(t, history.TrainCategoryAcc[i], 1.0)
	}
}

func TestFitWithEmptyValidationMirrorsTraining(t *testing.T) {
	backend, err := backends.NewWithConfig("go")
	require.NoError(t, err)

	modelCfg := tinyModelConfig()
	cfg := DefaultConfig()
	cfg.Epochs = 2

	trainer, err := NewTrainer(backend, cfg, modelCfg)
	require.NoError(t, err)

	samples := fitSamples(3)
	loader := flatLoader{size: modelCfg.ImageSize}
	train := dataset.NewBatches(samples, []int{0, 1, 2}, 2, true, 42, loader)
	val := dataset.NewBatches(samples, nil, 2, false, 42, loader)

	history, err := trainer.Fit(train, val)
	require.NoError(t, err)
	require.Equal(t, 2, history.Len())
	assert.Equal(t, history.TrainLoss, history.ValLoss)
	assert.Equal(t, history.TrainAngleMAE, history.ValAngleMAE)
}

func TestPredictReturnsOnePredictionPerSample(t *testing.T) {
	backend, err := backends.NewWithConfig("go")
	require.NoError(t, err)

	modelCfg := tinyModelConfig()
	cfg := DefaultConfig()
	cfg.Epochs = 1

	trainer, err := NewTrainer(backend, cfg, modelCfg)
	require.NoError(t, err)

	samples := fitSamples(4)
	loader := flatLoader{size: modelCfg.ImageSize}
	val := dataset.NewBatches(samples, []int{1, 3}, 2, false, 42, loader)

	preds, err := trainer.Predict(val)
	require.NoError(t, err)
	require.Len(t, preds, 2)
	assert.Equal(t, 1, preds[0].Index)
	assert.Equal(t, 3, preds[1].Index)
	for _, p := range preds {
		assert.GreaterOrEqual(t, p.Category, int32(0))
		assert.Less(t, p.Category, int32(modelCfg.NumCategories))
	}
}