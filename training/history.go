package training

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// EpochMetrics holds the aggregate metrics of one epoch.
type EpochMetrics struct {
	TrainLoss        float64
	ValLoss          float64
	TrainAngleMAE    float64
	ValAngleMAE      float64
	TrainCategoryAcc float64
	ValCategoryAcc   float64
}

// History accumulates per-epoch metrics as parallel arrays, the layout the
// downstream plotting scripts expect.
type History struct {
	TrainLoss        []float64 `json:"train_loss"`
	ValLoss          []float64 `json:"val_loss"`
	TrainAngleMAE    []float64 `json:"train_angle_mae"`
	ValAngleMAE      []float64 `json:"val_angle_mae"`
	TrainCategoryAcc []float64 `json:"train_category_acc"`
	ValCategoryAcc   []float64 `json:"val_category_acc"`
}

// Append records one epoch.
func (h *History) Append(m EpochMetrics) {
	h.TrainLoss = append(h.TrainLoss, m.TrainLoss)
	h.ValLoss = append(h.ValLoss, m.ValLoss)
	h.TrainAngleMAE = append(h.TrainAngleMAE, m.TrainAngleMAE)
	h.ValAngleMAE = append(h.ValAngleMAE, m.ValAngleMAE)
	h.TrainCategoryAcc = append(h.TrainCategoryAcc, m.TrainCategoryAcc)
	h.ValCategoryAcc = append(h.ValCategoryAcc, m.ValCategoryAcc)
}

// Len returns the number of recorded epochs.
func (h *History) Len() int { return len(h.TrainLoss) }

// WriteFile writes the history as indented JSON.
func (h *History) WriteFile(path string) error {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding training history")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing training history %s", path)
	}
	return nil
}
