package checkpoints

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleCheckpoint() *Checkpoint {
	return &Checkpoint{
		Weights: []WeightTensor{
			{Name: "fusion/hidden/weights", Shape: []int{2, 3}, Data: []float32{1, 2, 3, 4, 5, 6}},
			{Name: "fusion/hidden/biases", Shape: []int{3}, Data: []float32{0.1, 0.2, 0.3}},
		},
		TrainingState: TrainingState{Epoch: 7, BestValLoss: 0.42},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "best_checkpoint.json")
	require.NoError(t, sampleCheckpoint().Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.TrainingState.Epoch)
	assert.InDelta(t, 0.42, loaded.TrainingState.BestValLoss, 1e-9)
	require.Len(t, loaded.Weights, 2)
	assert.Equal(t, []int{2, 3}, loaded.Weights[0].Shape)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, loaded.Weights[0].Data)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestWeightLookup(t *testing.T) {
	ckpt := sampleCheckpoint()
	w := ckpt.Weight("fusion/hidden/biases")
	require.NotNil(t, w)
	assert.Equal(t, []int{3}, w.Shape)
	assert.Nil(t, ckpt.Weight("fusion/hidden/gamma"))
}

func TestParameterCount(t *testing.T) {
	assert.Equal(t, int64(9), sampleCheckpoint().ParameterCount())
}

func TestWeightNameRoundTrip(t *testing.T) {
	scope, name := splitWeightName("image_backbone/conv/weights")
	assert.Equal(t, "/image_backbone/conv", scope)
	assert.Equal(t, "weights", name)

	scope, name = splitWeightName("weights")
	assert.Equal(t, "/", scope)
	assert.Equal(t, "weights", name)
}
