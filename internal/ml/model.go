// Package ml houses the learned quality predictor: versioned model
// parameters, the inference wrapper, and the trainer used by the
// online learning loop.
package ml

import (
	"fmt"
	"math"
)

// Member is one linear regressor in the bagged ensemble.
type Member struct {
	Weights []float64 `json:"weights"`
	Bias    float64   `json:"bias"`
}

// Params is the full, immutable parameter set of one trained model.
// Inputs are standardized with the stored means and deviations before
// being fed to the members.
type Params struct {
	Schema       string    `json:"schema"`
	Members      []Member  `json:"members"`
	FeatureMeans []float64 `json:"featureMeans"`
	FeatureStds  []float64 `json:"featureStds"`
	Importances  []float64 `json:"importances"`
}

func (p *Params) validate() error {
	if len(p.Members) == 0 {
		return fmt.Errorf("model has no ensemble members")
	}
	dim := len(p.FeatureMeans)
	if len(p.FeatureStds) != dim {
		return fmt.Errorf("feature stats dimension mismatch: %d means, %d stds", dim, len(p.FeatureStds))
	}
	for i, m := range p.Members {
		if len(m.Weights) != dim {
			return fmt.Errorf("member %d has %d weights, want %d", i, len(m.Weights), dim)
		}
	}
	return nil
}

func (p *Params) standardize(values []float64) []float64 {
	z := make([]float64, len(values))
	for i, v := range values {
		std := p.FeatureStds[i]
		if std == 0 {
			std = 1
		}
		z[i] = (v - p.FeatureMeans[i]) / std
	}
	return z
}

// memberScores runs every ensemble member over one input, clamping
// each output to the score range.
func (p *Params) memberScores(values []float64) []float64 {
	z := p.standardize(values)
	out := make([]float64, len(p.Members))
	for i, m := range p.Members {
		s := m.Bias
		for j, w := range m.Weights {
			s += w * z[j]
		}
		out[i] = clampScore(s)
	}
	return out
}

// score is the ensemble mean prediction for one input.
func (p *Params) score(values []float64) float64 {
	scores := p.memberScores(values)
	var sum float64
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores))
}

func clampScore(s float64) float64 {
	return math.Max(0, math.Min(100, s))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
