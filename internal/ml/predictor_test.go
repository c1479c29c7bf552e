package ml

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shuttle-coach/internal/features"
)

// biasOnlyParams builds an ensemble whose members ignore features and
// predict their bias. Lets tests pick exact score and dispersion.
func biasOnlyParams(dim int, biases ...float64) Params {
	p := Params{
		Schema:       features.SchemaVersion,
		FeatureMeans: make([]float64, dim),
		FeatureStds:  make([]float64, dim),
		Importances:  make([]float64, dim),
	}
	for _, b := range biases {
		p.Members = append(p.Members, Member{Weights: make([]float64, dim), Bias: b})
	}
	return p
}

func testVector(dim int) *features.Vector {
	v := &features.Vector{Schema: features.SchemaVersion, Values: make([]float64, dim)}
	for i := range v.Values {
		v.Values[i] = float64(i)
	}
	return v
}

func TestPredictEnsembleMeanAndConfidence(t *testing.T) {
	p, err := NewPredictor(3, biasOnlyParams(4, 80, 100), nil)
	require.NoError(t, err)

	pred, err := p.Predict(testVector(4))
	require.NoError(t, err)
	assert.InDelta(t, 90.0, pred.Score, 1e-9)
	assert.InDelta(t, 0.9, pred.Confidence, 1e-9) // std 10 across members
	assert.Equal(t, uint64(3), pred.ModelVersion)
}

func TestPredictPerfectAgreementFullConfidence(t *testing.T) {
	p, err := NewPredictor(1, biasOnlyParams(4, 75, 75, 75), nil)
	require.NoError(t, err)

	pred, err := p.Predict(testVector(4))
	require.NoError(t, err)
	assert.InDelta(t, 75.0, pred.Score, 1e-9)
	assert.InDelta(t, 1.0, pred.Confidence, 1e-9)
}

func TestPredictSchemaMismatch(t *testing.T) {
	p, err := NewPredictor(1, biasOnlyParams(4, 75), nil)
	require.NoError(t, err)

	tests := []struct {
		name string
		vec  *features.Vector
	}{
		{"nil vector", nil},
		{"wrong schema", &features.Vector{Schema: "v0", Values: make([]float64, 4)}},
		{"wrong dimension", &features.Vector{Schema: features.SchemaVersion, Values: make([]float64, 3)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Predict(tt.vec)
			var mismatch *SchemaMismatchError
			assert.ErrorAs(t, err, &mismatch)
		})
	}
}

func TestPredictRejectsNonFiniteFeatures(t *testing.T) {
	p, err := NewPredictor(1, biasOnlyParams(4, 75), nil)
	require.NoError(t, err)

	vec := testVector(4)
	vec.Values[2] = math.NaN()
	_, err = p.Predict(vec)
	assert.Error(t, err)
}

func TestPredictClampsToScoreRange(t *testing.T) {
	p, err := NewPredictor(1, biasOnlyParams(4, 500, -200), nil)
	require.NoError(t, err)

	pred, err := p.Predict(testVector(4))
	require.NoError(t, err)
	assert.InDelta(t, 50.0, pred.Score, 1e-9) // members clamped to 100 and 0
	assert.GreaterOrEqual(t, pred.Confidence, 0.0)
}

func TestNewPredictorValidatesParams(t *testing.T) {
	_, err := NewPredictor(1, Params{}, nil)
	assert.Error(t, err)

	bad := biasOnlyParams(4, 75)
	bad.Members[0].Weights = make([]float64, 3)
	_, err = NewPredictor(1, bad, nil)
	assert.Error(t, err)
}

func TestTopFeaturesOrdering(t *testing.T) {
	p := biasOnlyParams(features.Dim, 75)
	names := features.FeatureNames()

	idx := func(name string) int {
		i, ok := features.Index(name)
		require.True(t, ok)
		return i
	}
	p.Importances[idx("right_elbow_max")] = 0.5
	p.Importances[idx("timing_contact")] = 0.3
	p.Importances[idx("right_wrist_speed_max")] = 0.2

	pred, err := NewPredictor(1, p, nil)
	require.NoError(t, err)

	top := pred.TopFeatures(3)
	require.Len(t, top, 3)
	assert.Equal(t, "right_elbow_max", top[0])
	assert.Equal(t, "timing_contact", top[1])
	assert.Equal(t, "right_wrist_speed_max", top[2])
	assert.Len(t, names, features.Dim)
}
