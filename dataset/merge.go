package dataset

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/visagelab/facetrain/features"
)

// Category is the 3-class fat label.
type Category int32

const (
	CategoryLow Category = iota
	CategoryModerate
	CategoryHigh
)

// CategoryNames lists the wire names of the classes, indexed by Category.
var CategoryNames = []string{"low", "moderate", "high"}

func parseCategory(s string) (Category, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return CategoryLow, true
	case "moderate":
		return CategoryModerate, true
	case "high":
		return CategoryHigh, true
	}
	return 0, false
}

// DemographicKey is the stratification tuple. Values are the raw table
// strings, not the encoded features, so unmapped values still form groups.
type DemographicKey struct {
	Ethnicity string
	Gender    string
	SkinTone  string
}

func (k DemographicKey) String() string {
	return k.Ethnicity + "|" + k.Gender + "|" + k.SkinTone
}

// Sample is one fully-joined subject observation. The sample set is
// immutable once merged; indices into the merged slice are the dense row
// identifiers used everywhere downstream.
type Sample struct {
	ID           string
	ImagePath    string // empty when no image file exists; a zero image is substituted at batch time
	Metadata     []float32
	Measurements []float32
	Angle        float32
	Category     Category
	Demographics DemographicKey
}

// MergeStats reports aggregate counts of the join. Per-row drops are
// deliberately silent; only these totals are surfaced.
type MergeStats struct {
	MetadataRows      int
	MeasurementRows   int
	LabelRows         int
	Merged            int
	DroppedUnmatched  int // rows missing from at least one table
	DroppedBadLabel   int // joined rows whose category value is not low/moderate/high
	DroppedDuplicates int // repeat sample IDs within a table; first occurrence wins
	MissingImages     int
}

// Merge inner-joins the three tables on the sample identifier and encodes
// every surviving row into a Sample. Rows absent from any table are dropped
// without per-row reporting; output order follows metadata.csv so the dense
// indices are reproducible.
func Merge(src *Sources) ([]Sample, MergeStats) {
	stats := MergeStats{
		MetadataRows:    len(src.metadata),
		MeasurementRows: len(src.measurements),
		LabelRows:       len(src.labels),
	}

	measurements := make(map[string]*measurementsRow, len(src.measurements))
	for _, r := range src.measurements {
		if _, dup := measurements[r.SampleID]; dup {
			stats.DroppedDuplicates++
			continue
		}
		measurements[r.SampleID] = r
	}
	labels := make(map[string]*labelsRow, len(src.labels))
	for _, r := range src.labels {
		if _, dup := labels[r.SampleID]; dup {
			stats.DroppedDuplicates++
			continue
		}
		labels[r.SampleID] = r
	}

	samples := make([]Sample, 0, len(src.metadata))
	seen := make(map[string]bool, len(src.metadata))
	for _, meta := range src.metadata {
		if seen[meta.SampleID] {
			stats.DroppedDuplicates++
			continue
		}
		seen[meta.SampleID] = true

		meas, okMeas := measurements[meta.SampleID]
		label, okLabel := labels[meta.SampleID]
		if !okMeas || !okLabel {
			stats.DroppedUnmatched++
			continue
		}
		category, ok := parseCategory(label.TrueCategory)
		if !ok {
			stats.DroppedBadLabel++
			continue
		}

		imagePath := findImage(src.dir, meta.SampleID)
		if imagePath == "" {
			stats.MissingImages++
		}

		samples = append(samples, Sample{
			ID:        meta.SampleID,
			ImagePath: imagePath,
			Metadata: features.MetadataVector(features.Metadata{
				Age:       meta.Age,
				Gender:    meta.Gender,
				BMI:       meta.BMI,
				Ethnicity: meta.Ethnicity,
				SkinTone:  meta.SkinTone,
				Context:   meta.Context,
			}),
			Measurements: features.MeasurementVector(features.Measurements{
				CervicoMentalAngle:   meas.CervicoMentalAngle,
				SubmentalLength:      meas.SubmentalLength,
				JawWidth:             meas.JawWidth,
				ChinHeight:           meas.ChinHeight,
				NeckCircumference:    meas.NeckCircumference,
				FacialConvexityAngle: meas.FacialConvexityAngle,
				MandibularPlaneAngle: meas.MandibularPlaneAngle,
				SubmentalFatDepth:    meas.SubmentalFatDepth,
				HyoidDistance:        meas.HyoidDistance,
				MeshConfidence:       meas.MeshConfidence,
			}),
			Angle:    float32(label.TrueAngle),
			Category: category,
			Demographics: DemographicKey{
				Ethnicity: strings.ToLower(strings.TrimSpace(meta.Ethnicity)),
				Gender:    strings.ToLower(strings.TrimSpace(meta.Gender)),
				SkinTone:  strings.ToLower(strings.TrimSpace(meta.SkinTone)),
			},
		})
	}
	stats.Merged = len(samples)
	return samples, stats
}

// findImage resolves images/<id>.png or images/<id>.jpg, preferring PNG.
// Returns "" when neither exists.
func findImage(dir, id string) string {
	for _, ext := range []string{".png", ".jpg", ".jpeg"} {
		p := filepath.Join(dir, ImagesDir, id+ext)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
