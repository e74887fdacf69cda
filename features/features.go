// Package features encodes raw tabular fields into the normalized numeric
// vectors the model trains on. All lookup tables, value ranges and fallback
// defaults live here so that every encoding decision has a single source of
// truth.
package features

import (
	"strconv"
	"strings"
)

// Field identifies one raw column of the source tables.
type Field string

// Metadata fields (metadata.csv).
const (
	FieldAge       Field = "age"
	FieldGender    Field = "gender"
	FieldBMI       Field = "bmi"
	FieldEthnicity Field = "ethnicity"
	FieldSkinTone  Field = "skin_tone"
	FieldContext   Field = "context"
)

// Face-mesh measurement fields (arkit_features.csv). Nine geometric
// measurements plus the capture confidence reported by the mesh tracker.
const (
	FieldCervicoMentalAngle   Field = "cervico_mental_angle"
	FieldSubmentalLength      Field = "submental_cervical_length"
	FieldJawWidth             Field = "jaw_width"
	FieldChinHeight           Field = "chin_height"
	FieldNeckCircumference    Field = "neck_circumference"
	FieldFacialConvexityAngle Field = "facial_convexity_angle"
	FieldMandibularPlaneAngle Field = "mandibular_plane_angle"
	FieldSubmentalFatDepth    Field = "submental_fat_thickness"
	FieldHyoidDistance        Field = "hyoid_distance"
	FieldMeshConfidence       Field = "mesh_confidence"
)

// MetadataFeatures and MeasurementFeatures are the encoded vector widths the
// model and the exported artifact both declare.
const (
	MetadataFeatures    = 6
	MeasurementFeatures = 10
)

// Range is the documented raw span of a numeric field. Values are scaled
// linearly onto [0,1] and clamped.
type Range struct {
	Min, Max float64
}

// ranges lists the min/max scaling constants for every numeric field.
var ranges = map[Field]Range{
	FieldAge:                  {18, 80},
	FieldBMI:                  {15, 50},
	FieldCervicoMentalAngle:   {70, 150},
	FieldSubmentalLength:      {20, 120},
	FieldJawWidth:             {80, 180},
	FieldChinHeight:           {15, 60},
	FieldNeckCircumference:    {250, 500},
	FieldFacialConvexityAngle: {150, 190},
	FieldMandibularPlaneAngle: {10, 45},
	FieldSubmentalFatDepth:    {2, 30},
	FieldHyoidDistance:        {20, 80},
	FieldMeshConfidence:       {0, 1},
}

// defaults is the defaulting policy: the raw value substituted for a missing
// or unparsable cell, expressed in the field's raw units (pre-normalization).
// Numeric defaults sit at the midpoint of the documented range except where
// the collection protocol says otherwise (age, BMI follow the cohort median;
// mesh confidence defaults to fully confident).
var defaults = map[Field]float64{
	FieldAge:                  45,
	FieldBMI:                  25,
	FieldCervicoMentalAngle:   110,
	FieldSubmentalLength:      70,
	FieldJawWidth:             130,
	FieldChinHeight:           37.5,
	FieldNeckCircumference:    375,
	FieldFacialConvexityAngle: 170,
	FieldMandibularPlaneAngle: 27.5,
	FieldSubmentalFatDepth:    16,
	FieldHyoidDistance:        50,
	FieldMeshConfidence:       1,
}

// categoricalDefault is the encoded value used for a missing or unmapped
// categorical cell, across all categorical fields.
const categoricalDefault = 0.5

// categories maps each categorical field to its enumerated encoding table.
var categories = map[Field]map[string]float64{
	FieldGender: {
		"male":   0.0,
		"female": 1.0,
		"other":  0.5,
	},
	FieldEthnicity: {
		"african":        0.0,
		"east_asian":     0.2,
		"south_asian":    0.4,
		"hispanic":       0.6,
		"middle_eastern": 0.8,
		"caucasian":      1.0,
	},
	FieldSkinTone: {
		// Fitzpatrick phototypes.
		"type_1": 0.0,
		"type_2": 0.2,
		"type_3": 0.4,
		"type_4": 0.6,
		"type_5": 0.8,
		"type_6": 1.0,
	},
	FieldContext: {
		"clinical": 0.0,
		"selfie":   0.5,
		"studio":   1.0,
	},
}

// NumericFields returns every field the policy scales linearly, in a stable
// order. Exposed so tests can enumerate the whole defaulting policy.
func NumericFields() []Field {
	return []Field{
		FieldAge, FieldBMI,
		FieldCervicoMentalAngle, FieldSubmentalLength, FieldJawWidth,
		FieldChinHeight, FieldNeckCircumference, FieldFacialConvexityAngle,
		FieldMandibularPlaneAngle, FieldSubmentalFatDepth, FieldHyoidDistance,
		FieldMeshConfidence,
	}
}

// CategoricalFields returns every enumerated field, in a stable order.
func CategoricalFields() []Field {
	return []Field{FieldGender, FieldEthnicity, FieldSkinTone, FieldContext}
}

// Default returns the raw fallback value of a numeric field.
func Default(f Field) (float64, bool) {
	v, ok := defaults[f]
	return v, ok
}

// FieldRange returns the documented scaling range of a numeric field.
func FieldRange(f Field) (Range, bool) {
	r, ok := ranges[f]
	return r, ok
}

// Numeric encodes one numeric cell. An empty or unparsable cell falls back
// to the field's policy default before normalization; the result is always
// clamped to [0,1]. Unknown fields encode to the categorical default so a
// schema mistake surfaces as a constant column rather than a crash.
func Numeric(f Field, cell string) float32 {
	r, ok := ranges[f]
	if !ok {
		return categoricalDefault
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
	if err != nil {
		v = defaults[f]
	}
	return float32(clamp01((v - r.Min) / (r.Max - r.Min)))
}

// Categorical encodes one enumerated cell through its lookup table. Missing
// and unmapped values both encode to 0.5.
func Categorical(f Field, cell string) float32 {
	table, ok := categories[f]
	if !ok {
		return categoricalDefault
	}
	v, ok := table[normalizeToken(cell)]
	if !ok {
		return categoricalDefault
	}
	return float32(v)
}

// Metadata holds the raw metadata cells of one sample, as read from CSV.
type Metadata struct {
	Age       string
	Gender    string
	BMI       string
	Ethnicity string
	SkinTone  string
	Context   string
}

// Measurements holds the raw face-mesh cells of one sample, as read from CSV.
type Measurements struct {
	CervicoMentalAngle   string
	SubmentalLength      string
	JawWidth             string
	ChinHeight           string
	NeckCircumference    string
	FacialConvexityAngle string
	MandibularPlaneAngle string
	SubmentalFatDepth    string
	HyoidDistance        string
	MeshConfidence       string
}

// MetadataVector encodes the six metadata features in model input order.
func MetadataVector(m Metadata) []float32 {
	return []float32{
		Numeric(FieldAge, m.Age),
		Categorical(FieldGender, m.Gender),
		Numeric(FieldBMI, m.BMI),
		Categorical(FieldEthnicity, m.Ethnicity),
		Categorical(FieldSkinTone, m.SkinTone),
		Categorical(FieldContext, m.Context),
	}
}

// MeasurementVector encodes the ten measurement features in model input order.
func MeasurementVector(m Measurements) []float32 {
	return []float32{
		Numeric(FieldCervicoMentalAngle, m.CervicoMentalAngle),
		Numeric(FieldSubmentalLength, m.SubmentalLength),
		Numeric(FieldJawWidth, m.JawWidth),
		Numeric(FieldChinHeight, m.ChinHeight),
		Numeric(FieldNeckCircumference, m.NeckCircumference),
		Numeric(FieldFacialConvexityAngle, m.FacialConvexityAngle),
		Numeric(FieldMandibularPlaneAngle, m.MandibularPlaneAngle),
		Numeric(FieldSubmentalFatDepth, m.SubmentalFatDepth),
		Numeric(FieldHyoidDistance, m.HyoidDistance),
		Numeric(FieldMeshConfidence, m.MeshConfidence),
	}
}

func normalizeToken(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
