package training

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visagelab/facetrain/dataset"
)

func TestHistoryAppendAndWrite(t *testing.T) {
	h := &History{}
	h.Append(EpochMetrics{TrainLoss: 2.0, ValLoss: 2.5, TrainAngleMAE: 10, ValAngleMAE: 12, TrainCategoryAcc: 0.5, ValCategoryAcc: 0.4})
	h.Append(EpochMetrics{TrainLoss: 1.5, ValLoss: 2.0, TrainAngleMAE: 8, ValAngleMAE: 10, TrainCategoryAcc: 0.6, ValCategoryAcc: 0.5})
	require.Equal(t, 2, h.Len())

	path := filepath.Join(t.TempDir(), "training_history.json")
	require.NoError(t, h.WriteFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded map[string][]float64
	require.NoError(t, json.Unmarshal(data, &decoded))

	// Six parallel arrays, all the same length.
	for _, key := range []string{"train_loss", "val_loss", "train_angle_mae", "val_angle_mae", "train_category_acc", "val_category_acc"} {
		assert.Len(t, decoded[key], 2, key)
	}
	assert.Equal(t, []float64{2.0, 1.5}, decoded["train_loss"])
	assert.Equal(t, []float64{2.5, 2.0}, decoded["val_loss"])
}

func TestRecordValLossFiresOnStrictImprovement(t *testing.T) {
	tr := &Trainer{bestValLoss: math.Inf(1)}
	var saved []float64
	tr.OnImprove = func(epoch int, valLoss float64) error {
		saved = append(saved, valLoss)
		return nil
	}

	for epoch, loss := range []float64{5.0, 4.0, 4.5, 3.0, 3.0} {
		require.NoError(t, tr.recordValLoss(epoch+1, loss))
	}

	assert.Equal(t, []float64{5.0, 4.0, 3.0}, saved)
	best, epoch := tr.BestValLoss()
	assert.Equal(t, 3.0, best)
	assert.Equal(t, 4, epoch)
}

func TestDemographicReport(t *testing.T) {
	samples := []dataset.Sample{
		{Angle: 100, Category: dataset.CategoryLow, Demographics: dataset.DemographicKey{Ethnicity: "caucasian", Gender: "female", SkinTone: "type_2"}},
		{Angle: 110, Category: dataset.CategoryHigh, Demographics: dataset.DemographicKey{Ethnicity: "caucasian", Gender: "male", SkinTone: "type_3"}},
		{Angle: 120, Category: dataset.CategoryModerate, Demographics: dataset.DemographicKey{Ethnicity: "east_asian", Gender: "female", SkinTone: "type_3"}},
	}
	preds := []Prediction{
		{Index: 0, Angle: 104, Category: 0}, // err 4, correct
		{Index: 1, Angle: 108, Category: 1}, // err 2, wrong
		{Index: 2, Angle: 126, Category: 1}, // err 6, correct
	}

	report := DemographicReport(samples, preds)

	cauc := report["ethnicity_caucasian"]
	assert.Equal(t, 2, cauc.Count)
	assert.InDelta(t, 3.0, cauc.AngleMAE, 1e-6)
	assert.InDelta(t, 0.5, cauc.CategoryAcc, 1e-6)

	female := report["gender_female"]
	assert.Equal(t, 2, female.Count)
	assert.InDelta(t, 5.0, female.AngleMAE, 1e-6)
	assert.InDelta(t, 1.0, female.CategoryAcc, 1e-6)

	tone3 := report["skin_tone_type_3"]
	assert.Equal(t, 2, tone3.Count)
	assert.InDelta(t, 4.0, tone3.AngleMAE, 1e-6)

	assert.Len(t, report, 6) // 2 ethnicities + 2 genders + 2 skin tones
}

func TestWriteDemographicReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "demographic_metrics.json")
	report := map[string]GroupMetrics{
		"ethnicity_caucasian": {Count: 3, AngleMAE: 4.2, CategoryAcc: 0.66},
	}
	require.NoError(t, WriteDemographicReport(path, report))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded map[string]GroupMetrics
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, report, decoded)
}
