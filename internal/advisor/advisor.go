// Package advisor fuses the deterministic rule score with the learned
// quality prediction into one coaching report. It degrades to
// rule-only scoring whenever no usable model is active.
package advisor

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"shuttle-coach/internal/features"
	"shuttle-coach/internal/ml"
	"shuttle-coach/internal/pose"
	"shuttle-coach/internal/rules"
)

// Mode tags which scoring path produced a report.
type Mode string

const (
	ModeFused    Mode = "fused"
	ModeRuleOnly Mode = "rule-only"
)

// Report is the complete analysis result for one stroke.
type Report struct {
	StrokeID         string          `json:"strokeId"`
	FinalScore       float64         `json:"finalScore"`
	RuleScore        float64         `json:"ruleScore"`
	Prediction       *ml.Prediction  `json:"prediction,omitempty"`
	Findings         []rules.Finding `json:"findings"`
	AdviceText       string          `json:"adviceText"`
	ModelVersionUsed uint64          `json:"modelVersionUsed,omitempty"`
	Mode             Mode            `json:"mode"`
	Timestamp        time.Time       `json:"timestamp"`
}

// Config holds the fusion weights. Weights are normalized to sum to 1
// at construction so the final score stays inside [0,100].
type Config struct {
	WRule               float64 `yaml:"wRule"`
	WML                 float64 `yaml:"wMl"`
	ConfidenceThreshold float64 `yaml:"confidenceThreshold"`
}

func DefaultConfig() Config {
	return Config{WRule: 0.4, WML: 0.6, ConfidenceThreshold: 0.5}
}

// ModelProvider yields the current predictor snapshot, or nil when the
// engine is running rule-only.
type ModelProvider interface {
	Active() *ml.Predictor
}

// Recorder persists analyzed samples and their feature vectors so
// later feedback can be tied back to them.
type Recorder interface {
	PutSample(*pose.StrokeSample) error
	PutFeatures(string, *features.Vector) error
}

// MetricsInterface defines the metrics hooks the advisor needs.
type MetricsInterface interface {
	AnalysesInc()
	RuleOnlyInc()
	FinalScoreObserve(float64)
}

// Advisor runs the full analysis pipeline for one stroke sample.
type Advisor struct {
	cfg      Config
	featCfg  features.Config
	engine   *rules.Engine
	models   ModelProvider
	recorder Recorder
	metrics  MetricsInterface
	now      func() time.Time
}

// New builds an advisor. The weight pair is normalized; a degenerate
// zero pair falls back to rule-only weighting.
func New(cfg Config, featCfg features.Config, engine *rules.Engine, models ModelProvider, recorder Recorder, metrics MetricsInterface) (*Advisor, error) {
	if engine == nil {
		return nil, fmt.Errorf("rule engine is required")
	}
	if cfg.WRule < 0 || cfg.WML < 0 {
		return nil, fmt.Errorf("fusion weights must be non-negative")
	}
	if sum := cfg.WRule + cfg.WML; sum > 0 {
		cfg.WRule /= sum
		cfg.WML /= sum
	} else {
		cfg.WRule, cfg.WML = 1, 0
	}
	if cfg.ConfidenceThreshold < 0 || cfg.ConfidenceThreshold > 1 {
		return nil, fmt.Errorf("confidence threshold %f outside [0,1]", cfg.ConfidenceThreshold)
	}
	return &Advisor{
		cfg:      cfg,
		featCfg:  featCfg,
		engine:   engine,
		models:   models,
		recorder: recorder,
		metrics:  metrics,
		now:      time.Now,
	}, nil
}

// Analyze extracts features, evaluates rules, consults the active
// model and fuses the results. Predictor failures never fail the
// analysis; extraction failures do.
func (a *Advisor) Analyze(sample *pose.StrokeSample) (*Report, error) {
	vec, err := features.Extract(sample, a.featCfg)
	if err != nil {
		return nil, err
	}

	if a.recorder != nil {
		if err := a.recorder.PutSample(sample); err != nil {
			log.Error().Err(err).Str("stroke", sample.ID).Msg("failed to record sample")
		}
		if err := a.recorder.PutFeatures(sample.ID, vec); err != nil {
			log.Error().Err(err).Str("stroke", sample.ID).Msg("failed to record features")
		}
	}

	findings, ruleScore := a.engine.Evaluate(vec)
	rankFindings(findings)

	report := &Report{
		StrokeID:  sample.ID,
		RuleScore: ruleScore,
		Findings:  findings,
		Mode:      ModeRuleOnly,
		Timestamp: a.now().UTC(),
	}

	var predictor *ml.Predictor
	if a.models != nil {
		predictor = a.models.Active()
	}

	if predictor != nil {
		pred, err := predictor.Predict(vec)
		if err != nil {
			var mismatch *ml.SchemaMismatchError
			if errors.As(err, &mismatch) {
				log.Warn().Err(err).Uint64("version", predictor.Version()).Msg("model schema mismatch, scoring rule-only")
			} else {
				log.Warn().Err(err).Uint64("version", predictor.Version()).Msg("prediction failed, scoring rule-only")
			}
		} else {
			factor := 0.0
			if pred.Confidence >= a.cfg.ConfidenceThreshold {
				factor = pred.Confidence
			}
			report.Prediction = &pred
			report.ModelVersionUsed = pred.ModelVersion
			report.Mode = ModeFused
			report.FinalScore = clampScore(a.cfg.WRule*ruleScore + a.cfg.WML*pred.Score*factor)
		}
	}

	if report.Mode == ModeRuleOnly {
		report.FinalScore = ruleScore
		if a.metrics != nil {
			a.metrics.RuleOnlyInc()
		}
	}

	report.AdviceText = a.advice(report, predictor)

	if a.metrics != nil {
		a.metrics.AnalysesInc()
		a.metrics.FinalScoreObserve(report.FinalScore)
	}
	log.Debug().
		Str("stroke", sample.ID).
		Float64("final", report.FinalScore).
		Str("mode", string(report.Mode)).
		Int("findings", len(findings)).
		Msg("stroke analyzed")
	return report, nil
}

// rankFindings orders findings by severity descending, then priority
// ascending, then rule id, so identical inputs render identically.
func rankFindings(fs []rules.Finding) {
	sort.SliceStable(fs, func(i, j int) bool {
		if fs[i].Severity.Rank() != fs[j].Severity.Rank() {
			return fs[i].Severity.Rank() > fs[j].Severity.Rank()
		}
		if fs[i].Priority != fs[j].Priority {
			return fs[i].Priority < fs[j].Priority
		}
		return fs[i].RuleID < fs[j].RuleID
	})
}

func performanceLevel(score float64) string {
	switch {
	case score >= 85:
		return "excellent"
	case score >= 70:
		return "good"
	case score >= 50:
		return "fair"
	default:
		return "needs work"
	}
}

// advice renders the human-readable summary: overall level, ranked
// corrections, and the model's top drivers when a fused score is
// available.
func (a *Advisor) advice(r *Report, predictor *ml.Predictor) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Overall: %s (%.1f/100).", performanceLevel(r.FinalScore), r.FinalScore)

	if len(r.Findings) == 0 {
		b.WriteString(" No technique faults detected, keep this form.")
	} else {
		for i, f := range r.Findings {
			fmt.Fprintf(&b, " %d. [%s] %s.", i+1, f.Severity, f.Message)
		}
	}

	if r.Mode == ModeFused && predictor != nil {
		if top := predictor.TopFeatures(3); len(top) > 0 {
			fmt.Fprintf(&b, " Model focus areas: %s.", strings.Join(top, ", "))
		}
	} else if r.Mode == ModeRuleOnly {
		b.WriteString(" (rule-based assessment)")
	}
	return b.String()
}

func clampScore(s float64) float64 {
	return math.Max(0, math.Min(100, s))
}
