package advisor

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shuttle-coach/internal/features"
	"shuttle-coach/internal/ml"
	"shuttle-coach/internal/pose"
	"shuttle-coach/internal/rules"
)

type staticProvider struct{ p *ml.Predictor }

func (s staticProvider) Active() *ml.Predictor { return s.p }

// biasOnlyPredictor predicts a fixed member-bias ensemble regardless of
// input, giving tests exact control over score and confidence.
func biasOnlyPredictor(t *testing.T, version uint64, biases ...float64) *ml.Predictor {
	t.Helper()
	p := ml.Params{
		Schema:       features.SchemaVersion,
		FeatureMeans: make([]float64, features.Dim),
		FeatureStds:  make([]float64, features.Dim),
		Importances:  make([]float64, features.Dim),
	}
	for _, b := range biases {
		p.Members = append(p.Members, ml.Member{Weights: make([]float64, features.Dim), Bias: b})
	}
	pred, err := ml.NewPredictor(version, p, nil)
	require.NoError(t, err)
	return pred
}

func testSample(t *testing.T) *pose.StrokeSample {
	t.Helper()
	base := map[string]pose.Landmark{
		pose.LeftShoulder:  {X: -0.2, Y: 1.5, Visibility: 1},
		pose.RightShoulder: {X: 0.2, Y: 1.5, Visibility: 1},
		pose.LeftElbow:     {X: -0.35, Y: 1.3, Visibility: 1},
		pose.RightElbow:    {X: 0.35, Y: 1.3, Visibility: 1},
		pose.LeftWrist:     {X: -0.45, Y: 1.1, Visibility: 1},
		pose.RightWrist:    {X: 0.45, Y: 1.1, Visibility: 1},
		pose.LeftHip:       {X: -0.15, Y: 1.0, Visibility: 1},
		pose.RightHip:      {X: 0.15, Y: 1.0, Visibility: 1},
		pose.LeftKnee:      {X: -0.15, Y: 0.6, Visibility: 1},
		pose.RightKnee:     {X: 0.15, Y: 0.6, Visibility: 1},
		pose.LeftAnkle:     {X: -0.15, Y: 0.1, Visibility: 1},
		pose.RightAnkle:    {X: 0.15, Y: 0.1, Visibility: 1},
	}
	s := &pose.StrokeSample{ID: "stroke-1"}
	for i := 0; i < 12; i++ {
		joints := make(map[string]pose.Landmark, len(base))
		for k, v := range base {
			joints[k] = v
		}
		rw := joints[pose.RightWrist]
		rw.Y += float64(i) * 0.02
		joints[pose.RightWrist] = rw
		s.Frames = append(s.Frames, pose.Frame{TsMs: int64(i) * 33, Joints: joints})
	}
	s.Phases = []pose.Phase{
		{Name: pose.PhaseBackswing, Start: 0, End: 4},
		{Name: pose.PhaseContact, Start: 4, End: 6},
		{Name: pose.PhaseFollowThrough, Start: 6, End: 12},
	}
	return s
}

// deductionCatalog yields an exact rule score of 80 for testSample:
// one moderate violation with weight 20 and factor 1.0.
func deductionCatalog() []rules.Rule {
	return []rules.Rule{
		{
			ID: "backswing_too_short", Feature: "timing_backswing",
			Min: 0.9, Max: 0.95, Severity: rules.SeverityModerate, Weight: 20, Priority: 1,
			Message: "Lengthen the backswing",
		},
	}
}

func newTestAdvisor(t *testing.T, cfg Config, catalog []rules.Rule, provider ModelProvider) *Advisor {
	t.Helper()
	engine, err := rules.NewEngine(catalog)
	require.NoError(t, err)
	adv, err := New(cfg, features.DefaultConfig(), engine, provider, nil, nil)
	require.NoError(t, err)
	return adv
}

func TestFusedScoreWorkedExample(t *testing.T) {
	// ruleScore=80, predictedScore=90, confidence=0.9, threshold=0.5,
	// wRule=0.4, wMl=0.6 -> 0.4*80 + 0.6*90*0.9 = 80.6
	predictor := biasOnlyPredictor(t, 7, 80, 100)
	adv := newTestAdvisor(t, Config{WRule: 0.4, WML: 0.6, ConfidenceThreshold: 0.5}, deductionCatalog(), staticProvider{predictor})

	report, err := adv.Analyze(testSample(t))
	require.NoError(t, err)

	assert.Equal(t, ModeFused, report.Mode)
	assert.InDelta(t, 80.0, report.RuleScore, 1e-9)
	require.NotNil(t, report.Prediction)
	assert.InDelta(t, 90.0, report.Prediction.Score, 1e-9)
	assert.InDelta(t, 0.9, report.Prediction.Confidence, 1e-9)
	assert.InDelta(t, 80.6, report.FinalScore, 1e-9)
	assert.Equal(t, uint64(7), report.ModelVersionUsed)
}

func TestRuleOnlyWithoutModel(t *testing.T) {
	adv := newTestAdvisor(t, DefaultConfig(), deductionCatalog(), staticProvider{nil})

	report, err := adv.Analyze(testSample(t))
	require.NoError(t, err)

	assert.Equal(t, ModeRuleOnly, report.Mode)
	assert.Equal(t, report.RuleScore, report.FinalScore, "rule-only score must match exactly")
	assert.Zero(t, report.ModelVersionUsed)
	assert.Nil(t, report.Prediction)
}

func TestSchemaMismatchDegradesToRuleOnly(t *testing.T) {
	// model trained against a different schema version
	p := ml.Params{
		Schema:       "v0",
		Members:      []ml.Member{{Weights: make([]float64, features.Dim), Bias: 90}},
		FeatureMeans: make([]float64, features.Dim),
		FeatureStds:  make([]float64, features.Dim),
		Importances:  make([]float64, features.Dim),
	}
	predictor, err := ml.NewPredictor(2, p, nil)
	require.NoError(t, err)

	adv := newTestAdvisor(t, DefaultConfig(), deductionCatalog(), staticProvider{predictor})

	report, err := adv.Analyze(testSample(t))
	require.NoError(t, err)
	assert.Equal(t, ModeRuleOnly, report.Mode)
	assert.Equal(t, report.RuleScore, report.FinalScore)
}

func TestLowConfidenceZeroesMLContribution(t *testing.T) {
	// members at 50 and 100 give confidence 0.75, below the 0.8 gate
	predictor := biasOnlyPredictor(t, 3, 50, 100)
	adv := newTestAdvisor(t, Config{WRule: 0.4, WML: 0.6, ConfidenceThreshold: 0.8}, deductionCatalog(), staticProvider{predictor})

	report, err := adv.Analyze(testSample(t))
	require.NoError(t, err)

	assert.Equal(t, ModeFused, report.Mode)
	assert.InDelta(t, 0.4*80, report.FinalScore, 1e-9, "confidence below threshold contributes nothing")
}

func TestAnalyzeIsDeterministic(t *testing.T) {
	predictor := biasOnlyPredictor(t, 1, 80, 100)
	adv := newTestAdvisor(t, DefaultConfig(), rules.DefaultCatalog(), staticProvider{predictor})
	fixed := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	adv.now = func() time.Time { return fixed }

	r1, err := adv.Analyze(testSample(t))
	require.NoError(t, err)
	r2, err := adv.Analyze(testSample(t))
	require.NoError(t, err)

	j1, err := json.Marshal(r1)
	require.NoError(t, err)
	j2, err := json.Marshal(r2)
	require.NoError(t, err)
	assert.Equal(t, j1, j2, "identical inputs must produce byte-identical reports")
}

func TestFindingsRankedDeterministically(t *testing.T) {
	findings := []rules.Finding{
		{RuleID: "b", Severity: rules.SeverityMinor, Priority: 1},
		{RuleID: "a", Severity: rules.SeverityMajor, Priority: 5},
		{RuleID: "c", Severity: rules.SeverityMajor, Priority: 2},
		{RuleID: "d", Severity: rules.SeverityModerate, Priority: 2},
		{RuleID: "e", Severity: rules.SeverityMajor, Priority: 2},
	}
	rankFindings(findings)

	got := make([]string, len(findings))
	for i, f := range findings {
		got[i] = f.RuleID
	}
	assert.Equal(t, []string{"c", "e", "a", "d", "b"}, got)
}

func TestExtractionFailureFailsAnalysis(t *testing.T) {
	adv := newTestAdvisor(t, DefaultConfig(), deductionCatalog(), staticProvider{nil})

	sample := testSample(t)
	sample.Frames = sample.Frames[:3]
	sample.Phases = nil

	_, err := adv.Analyze(sample)
	var inputErr *features.InputError
	assert.ErrorAs(t, err, &inputErr)
}

func TestWeightNormalization(t *testing.T) {
	engine, err := rules.NewEngine(deductionCatalog())
	require.NoError(t, err)

	adv, err := New(Config{WRule: 2, WML: 3, ConfidenceThreshold: 0.5}, features.DefaultConfig(), engine, staticProvider{nil}, nil, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, adv.cfg.WRule, 1e-9)
	assert.InDelta(t, 0.6, adv.cfg.WML, 1e-9)

	_, err = New(Config{WRule: -1, WML: 1, ConfidenceThreshold: 0.5}, features.DefaultConfig(), engine, staticProvider{nil}, nil, nil)
	assert.Error(t, err)

	_, err = New(Config{WRule: 1, WML: 1, ConfidenceThreshold: 1.5}, features.DefaultConfig(), engine, staticProvider{nil}, nil, nil)
	assert.Error(t, err)
}

func TestAdviceTextMentionsFindings(t *testing.T) {
	adv := newTestAdvisor(t, DefaultConfig(), deductionCatalog(), staticProvider{nil})

	report, err := adv.Analyze(testSample(t))
	require.NoError(t, err)
	assert.Contains(t, report.AdviceText, "Lengthen the backswing")
	assert.Contains(t, report.AdviceText, "80.0")
}
