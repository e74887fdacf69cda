package training

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"

	"github.com/visagelab/facetrain/dataset"
)

// GroupMetrics summarizes validation quality for one demographic slice.
type GroupMetrics struct {
	Count       int     `json:"count"`
	AngleMAE    float64 `json:"angle_mae"`
	CategoryAcc float64 `json:"category_acc"`
}

// DemographicReport buckets validation predictions by each demographic
// attribute value. Keys are "<attribute>_<value>", e.g.
// "ethnicity_caucasian" or "skin_tone_type_3".
func DemographicReport(samples []dataset.Sample, preds []Prediction) map[string]GroupMetrics {
	type bucket struct {
		absErrs []float64
		correct int
	}
	buckets := map[string]*bucket{}

	add := func(key string, absErr float64, correct bool) {
		b := buckets[key]
		if b == nil {
			b = &bucket{}
			buckets[key] = b
		}
		b.absErrs = append(b.absErrs, absErr)
		if correct {
			b.correct++
		}
	}

	for _, p := range preds {
		s := samples[p.Index]
		absErr := float64(p.Angle - s.Angle)
		if absErr < 0 {
			absErr = -absErr
		}
		correct := p.Category == int32(s.Category)
		add("ethnicity_"+s.Demographics.Ethnicity, absErr, correct)
		add("gender_"+s.Demographics.Gender, absErr, correct)
		add("skin_tone_"+s.Demographics.SkinTone, absErr, correct)
	}

	report := make(map[string]GroupMetrics, len(buckets))
	for key, b := range buckets {
		report[key] = GroupMetrics{
			Count:       len(b.absErrs),
			AngleMAE:    stat.Mean(b.absErrs, nil),
			CategoryAcc: float64(b.correct) / float64(len(b.absErrs)),
		}
	}
	return report
}

// WriteDemographicReport writes the report as indented JSON.
func WriteDemographicReport(path string, report map[string]GroupMetrics) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding demographic report")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing demographic report %s", path)
	}
	return nil
}
