package features

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNumericEndpoints(t *testing.T) {
	assert.Equal(t, float32(0), Numeric(FieldAge, "18"))
	assert.Equal(t, float32(1), Numeric(FieldAge, "80"))
	assert.InDelta(t, 0.5, Numeric(FieldAge, "49"), 1e-6)

	assert.Equal(t, float32(0), Numeric(FieldCervicoMentalAngle, "70"))
	assert.Equal(t, float32(1), Numeric(FieldCervicoMentalAngle, "150"))
}

func TestNumericClamps(t *testing.T) {
	assert.Equal(t, float32(0), Numeric(FieldAge, "5"))
	assert.Equal(t, float32(1), Numeric(FieldAge, "200"))
}

func TestNumericMissingUsesDefault(t *testing.T) {
	for _, cell := range []string{"", "   ", "not-a-number"} {
		got := Numeric(FieldBMI, cell)
		// BMI default 25 on [15,50].
		assert.InDelta(t, (25.0-15.0)/35.0, got, 1e-6, "cell %q", cell)
	}
}

func TestCategoricalTable(t *testing.T) {
	assert.Equal(t, float32(0), Categorical(FieldGender, "male"))
	assert.Equal(t, float32(1), Categorical(FieldGender, "female"))
	assert.Equal(t, float32(0.5), Categorical(FieldGender, "other"))
	// Unmapped and missing both fall back to 0.5.
	assert.Equal(t, float32(0.5), Categorical(FieldGender, "unknown"))
	assert.Equal(t, float32(0.5), Categorical(FieldGender, ""))
	// Lookup is case and whitespace insensitive.
	assert.Equal(t, float32(1), Categorical(FieldGender, " Female "))
}

// Every numeric field must carry both a range and an in-range default, so the
// defaulting policy can be audited as a single table.
func TestDefaultingPolicyComplete(t *testing.T) {
	for _, f := range NumericFields() {
		r, ok := FieldRange(f)
		require.True(t, ok, "field %s has no range", f)
		d, ok := Default(f)
		require.True(t, ok, "field %s has no default", f)
		assert.GreaterOrEqual(t, d, r.Min, "default for %s below range", f)
		assert.LessOrEqual(t, d, r.Max, "default for %s above range", f)
	}
}

func TestEncodingIsDeterministic(t *testing.T) {
	m := Metadata{Age: "33", Gender: "female", BMI: "22.5", Ethnicity: "hispanic", SkinTone: "type_4", Context: "selfie"}
	a := MetadataVector(m)
	b := MetadataVector(m)
	require.Len(t, a, MetadataFeatures)
	assert.Equal(t, a, b)
}

func TestVectorWidths(t *testing.T) {
	assert.Len(t, MetadataVector(Metadata{}), MetadataFeatures)
	assert.Len(t, MeasurementVector(Measurements{}), MeasurementFeatures)
}

func TestVectorsStayInUnitInterval(t *testing.T) {
	vecs := [][]float32{
		MetadataVector(Metadata{Age: "900", Gender: "x", BMI: "-3"}),
		MeasurementVector(Measurements{CervicoMentalAngle: "12", JawWidth: "9999"}),
	}
	for i, vec := range vecs {
		for j, v := range vec {
			assert.True(t, v >= 0 && v <= 1, fmt.Sprintf("vec %d[%d] = %f", i, j, v))
		}
	}
}
