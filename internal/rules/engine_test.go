package rules

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shuttle-coach/internal/features"
)

// idealVector builds a schema v1 vector that violates none of the
// default catalog rules.
func idealVector(t *testing.T) *features.Vector {
	t.Helper()
	v := &features.Vector{Schema: features.SchemaVersion, Values: make([]float64, features.Dim)}
	set := func(name string, val float64) {
		idx, ok := features.Index(name)
		require.True(t, ok, "unknown feature %s", name)
		v.Values[idx] = val
	}
	set("right_elbow_max", 165)
	set("right_elbow_min", 80)
	set("right_shoulder_range", 90)
	set("right_knee_min", 120)
	set("right_wrist_speed_max", 3.0)
	set("timing_backswing", 0.3)
	set("timing_contact", 0.2)
	set("timing_follow_through", 0.4)
	return v
}

func setFeature(t *testing.T, v *features.Vector, name string, val float64) {
	t.Helper()
	idx, ok := features.Index(name)
	require.True(t, ok)
	v.Values[idx] = val
}

func TestDefaultCatalogIsValid(t *testing.T) {
	_, err := NewEngine(DefaultCatalog())
	assert.NoError(t, err)
}

func TestEvaluateCleanStroke(t *testing.T) {
	e, err := NewEngine(DefaultCatalog())
	require.NoError(t, err)

	findings, score := e.Evaluate(idealVector(t))
	assert.Empty(t, findings)
	assert.Equal(t, 100.0, score)
}

func TestEvaluateDeductsWeightedSeverity(t *testing.T) {
	e, err := NewEngine(DefaultCatalog())
	require.NoError(t, err)

	v := idealVector(t)
	setFeature(t, v, "right_elbow_max", 130) // major, weight 15, factor 1.5

	findings, score := e.Evaluate(v)
	require.Len(t, findings, 1)
	assert.Equal(t, "arm_extension", findings[0].RuleID)
	assert.Equal(t, SeverityMajor, findings[0].Severity)
	assert.InDelta(t, -20.0, findings[0].DeltaFromIdeal, 1e-9)
	assert.InDelta(t, 100-15*1.5, score, 1e-9)
}

func TestEvaluateUnboundedAboveRule(t *testing.T) {
	e, err := NewEngine(DefaultCatalog())
	require.NoError(t, err)

	// wrist_snap has no upper bound; a very fast snap is never a fault
	v := idealVector(t)
	setFeature(t, v, "right_wrist_speed_max", 50)

	findings, score := e.Evaluate(v)
	assert.Empty(t, findings)
	assert.Equal(t, 100.0, score)
}

func TestEvaluateScoreFloorsAtZero(t *testing.T) {
	catalog := []Rule{
		{ID: "r1", Feature: "right_elbow_max", Min: 150, Max: 180, Severity: SeverityMajor, Weight: 80, Priority: 1, Message: "m"},
		{ID: "r2", Feature: "timing_contact", Min: 0.1, Max: 0.35, Severity: SeverityMajor, Weight: 80, Priority: 2, Message: "m"},
	}
	e, err := NewEngine(catalog)
	require.NoError(t, err)

	v := idealVector(t)
	setFeature(t, v, "right_elbow_max", 10)
	setFeature(t, v, "timing_contact", 0.9)

	findings, score := e.Evaluate(v)
	assert.Len(t, findings, 2)
	assert.Equal(t, 0.0, score)
}

func TestEvaluateSkipsNonFiniteValues(t *testing.T) {
	e, err := NewEngine(DefaultCatalog())
	require.NoError(t, err)

	v := idealVector(t)
	setFeature(t, v, "right_elbow_max", math.NaN())

	findings, score := e.Evaluate(v)
	assert.Empty(t, findings)
	assert.Equal(t, 100.0, score)
}

func TestNewEngineRejectsBadCatalogs(t *testing.T) {
	tests := []struct {
		name    string
		catalog []Rule
	}{
		{"empty", nil},
		{"unknown feature", []Rule{{ID: "r", Feature: "nope", Severity: SeverityMinor, Message: "m"}}},
		{"duplicate id", []Rule{
			{ID: "r", Feature: "right_elbow_max", Severity: SeverityMinor, Message: "m"},
			{ID: "r", Feature: "right_elbow_min", Severity: SeverityMinor, Message: "m"},
		}},
		{"bad severity", []Rule{{ID: "r", Feature: "right_elbow_max", Severity: "fatal", Message: "m"}}},
		{"negative weight", []Rule{{ID: "r", Feature: "right_elbow_max", Severity: SeverityMinor, Weight: -1, Message: "m"}}},
		{"max below min", []Rule{{ID: "r", Feature: "right_elbow_max", Min: 100, Max: 50, Severity: SeverityMinor, Message: "m"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEngine(tt.catalog)
			assert.Error(t, err)
		})
	}
}

func TestSeverityRanking(t *testing.T) {
	assert.Greater(t, SeverityMajor.Rank(), SeverityModerate.Rank())
	assert.Greater(t, SeverityModerate.Rank(), SeverityMinor.Rank())
}
