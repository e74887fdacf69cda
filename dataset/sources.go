// Package dataset assembles training samples from the raw data directory:
// it loads the three source tables, inner-joins them on the sample
// identifier, stratifies the result into train/validation partitions and
// serves shuffled mini-batches of tensors.
package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
)

// File names the pipeline expects inside the data directory.
const (
	MetadataFile     = "metadata.csv"
	MeasurementsFile = "arkit_features.csv"
	LabelsFile       = "labels.csv"
	ImagesDir        = "images"
)

// metadataRow mirrors one line of metadata.csv. All optional cells stay raw
// strings; the feature encoder owns parsing and defaulting.
type metadataRow struct {
	SampleID  string `csv:"sample_id"`
	Age       string `csv:"age"`
	Gender    string `csv:"gender"`
	BMI       string `csv:"bmi"`
	Ethnicity string `csv:"ethnicity"`
	SkinTone  string `csv:"skin_tone"`
	Context   string `csv:"context"`
}

// measurementsRow mirrors one line of arkit_features.csv.
type measurementsRow struct {
	SampleID             string `csv:"sample_id"`
	CervicoMentalAngle   string `csv:"cervico_mental_angle"`
	SubmentalLength      string `csv:"submental_cervical_length"`
	JawWidth             string `csv:"jaw_width"`
	ChinHeight           string `csv:"chin_height"`
	NeckCircumference    string `csv:"neck_circumference"`
	FacialConvexityAngle string `csv:"facial_convexity_angle"`
	MandibularPlaneAngle string `csv:"mandibular_plane_angle"`
	SubmentalFatDepth    string `csv:"submental_fat_thickness"`
	HyoidDistance        string `csv:"hyoid_distance"`
	MeshConfidence       string `csv:"mesh_confidence"`
}

// labelsRow mirrors one line of labels.csv. Labels are required values, so
// they parse strictly during the merge.
type labelsRow struct {
	SampleID     string  `csv:"sample_id"`
	TrueAngle    float64 `csv:"true_angle"`
	TrueCategory string  `csv:"true_category"`
}

// Sources holds the three loaded tables before merging.
type Sources struct {
	dir          string
	metadata     []*metadataRow
	measurements []*measurementsRow
	labels       []*labelsRow
}

// Dir returns the data directory the sources were loaded from.
func (s *Sources) Dir() string { return s.dir }

// LoadSources reads the three required CSV files from dir. If any file is
// absent it returns a single error naming every expected path, per the
// missing-required-input contract; nothing is partially loaded.
func LoadSources(dir string) (*Sources, error) {
	paths := map[string]string{
		MetadataFile:     filepath.Join(dir, MetadataFile),
		MeasurementsFile: filepath.Join(dir, MeasurementsFile),
		LabelsFile:       filepath.Join(dir, LabelsFile),
	}
	var missing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf(
			"missing required training data file(s): %s (expected %s, %s and %s under %s)",
			strings.Join(missing, ", "),
			MetadataFile, MeasurementsFile, LabelsFile, dir)
	}

	src := &Sources{dir: dir}
	if err := readCSV(paths[MetadataFile], &src.metadata); err != nil {
		return nil, err
	}
	if err := readCSV(paths[MeasurementsFile], &src.measurements); err != nil {
		return nil, err
	}
	if err := readCSV(paths[LabelsFile], &src.labels); err != nil {
		return nil, err
	}
	return src, nil
}

func readCSV(path string, out interface{}) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()
	if err := gocsv.UnmarshalFile(f, out); err != nil {
		return errors.Wrapf(err, "parse %s", path)
	}
	return nil
}
