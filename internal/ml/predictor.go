package ml

import (
	"fmt"
	"math"
	"sort"
	"time"

	"shuttle-coach/internal/features"
)

// SchemaMismatchError reports a feature vector whose schema or
// dimension disagrees with the model. Never silently coerced.
type SchemaMismatchError struct {
	Have string
	Want string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("feature schema mismatch: vector is %s, model expects %s", e.Have, e.Want)
}

// Prediction is the output of one inference call.
type Prediction struct {
	Score        float64 `json:"predictedScore"`
	Confidence   float64 `json:"confidence"`
	ModelVersion uint64  `json:"modelVersion"`
}

// MetricsInterface defines the metrics hooks the predictor needs.
type MetricsInterface interface {
	MLPredictionsInc()
	MLFailuresInc()
	MLLatencyObserve(float64)
	MLPredictionScoresObserve(float64)
}

// Predictor binds immutable model parameters to one model version.
// It is stateless at inference time and safe for concurrent use.
type Predictor struct {
	version uint64
	params  Params
	metrics MetricsInterface
}

// NewPredictor validates the parameters and wraps them for inference.
func NewPredictor(version uint64, params Params, metrics MetricsInterface) (*Predictor, error) {
	if err := params.validate(); err != nil {
		return nil, fmt.Errorf("invalid model parameters: %w", err)
	}
	return &Predictor{version: version, params: params, metrics: metrics}, nil
}

// Version returns the bound model version id.
func (p *Predictor) Version() uint64 { return p.version }

// Schema returns the feature schema the model was trained on.
func (p *Predictor) Schema() string { return p.params.Schema }

// Predict scores one feature vector. Confidence is derived from
// dispersion across ensemble members: tight agreement means high
// confidence.
func (p *Predictor) Predict(v *features.Vector) (Prediction, error) {
	if p == nil {
		return Prediction{}, fmt.Errorf("predictor is nil")
	}
	start := time.Now()
	defer func() {
		if p.metrics != nil {
			p.metrics.MLLatencyObserve(time.Since(start).Seconds())
		}
	}()

	if v == nil || v.Schema != p.params.Schema || len(v.Values) != len(p.params.FeatureMeans) {
		if p.metrics != nil {
			p.metrics.MLFailuresInc()
		}
		have := "<nil>"
		if v != nil {
			have = fmt.Sprintf("%s/dim=%d", v.Schema, len(v.Values))
		}
		return Prediction{}, &SchemaMismatchError{
			Have: have,
			Want: fmt.Sprintf("%s/dim=%d", p.params.Schema, len(p.params.FeatureMeans)),
		}
	}
	for i, f := range v.Values {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			if p.metrics != nil {
				p.metrics.MLFailuresInc()
			}
			return Prediction{}, fmt.Errorf("feature %d is not finite", i)
		}
	}

	scores := p.params.memberScores(v.Values)
	var sum float64
	for _, s := range scores {
		sum += s
	}
	mean := sum / float64(len(scores))

	var variance float64
	for _, s := range scores {
		variance += (s - mean) * (s - mean)
	}
	std := math.Sqrt(variance / float64(len(scores)))

	pred := Prediction{
		Score:        clampScore(mean),
		Confidence:   clamp01(1 - std/100),
		ModelVersion: p.version,
	}

	if p.metrics != nil {
		p.metrics.MLPredictionsInc()
		p.metrics.MLPredictionScoresObserve(pred.Confidence)
	}
	return pred, nil
}

// Importances returns a copy of the normalized per-feature importances.
func (p *Predictor) Importances() []float64 {
	out := make([]float64, len(p.params.Importances))
	copy(out, p.params.Importances)
	return out
}

// TopFeatures returns the n most influential feature names, ordered by
// importance descending with name as the deterministic tiebreak.
func (p *Predictor) TopFeatures(n int) []string {
	names := features.FeatureNames()
	imp := p.params.Importances
	if len(imp) != len(names) || n <= 0 {
		return nil
	}

	order := make([]int, len(names))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		ia, ib := order[a], order[b]
		if imp[ia] != imp[ib] {
			return imp[ia] > imp[ib]
		}
		return names[ia] < names[ib]
	})

	if n > len(order) {
		n = len(order)
	}
	top := make([]string, n)
	for i := 0; i < n; i++ {
		top[i] = names[order[i]]
	}
	return top
}
